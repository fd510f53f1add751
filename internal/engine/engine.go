// Package engine is the query-serving core. It owns the plaintext table,
// the membership pre-check, the encrypted billing column and the link to
// the decryption authority. It never holds a secret key.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/luxfi/phe"
	"github.com/luxfi/phe/internal/dataset"
	"github.com/luxfi/phe/internal/storage"
	"github.com/luxfi/phe/membership"
)

// Common errors.
var (
	ErrNotFound        = errors.New("no matching records")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAmbiguous       = errors.New("multiple records found for name")
)

// Authority decrypts aggregated ciphertexts on the other side of the trust
// boundary.
type Authority interface {
	DecryptSum(ctx context.Context, encryptedSum string) (float64, error)
}

// Config controls indexing and encryption.
type Config struct {
	// IndexedFields are added to the membership filter and pre-checked on
	// exact-match lookups.
	IndexedFields []string
	// ProtectedField is the numeric column kept encrypted.
	ProtectedField string
	// Levels selects a layered filter when greater than one.
	Levels int
	Filter membership.Config
	// Workers bounds parallel encryption during Bootstrap.
	Workers int
	// Columns is the initial column order of the table.
	Columns []string
}

// DefaultConfig indexes names and protects billing amounts.
func DefaultConfig() Config {
	return Config{
		IndexedFields:  []string{dataset.NameField},
		ProtectedField: dataset.BillingField,
		Levels:         1,
		Filter:         membership.DefaultConfig(),
		Workers:        runtime.NumCPU(),
		Columns:        dataset.DefaultColumns,
	}
}

// Engine serves plaintext and encrypted queries over one dataset.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	pk    *phe.PublicKey
	enc   *phe.Encryptor
	eval  *phe.Evaluator
	auth  Authority
	store storage.Storage
	pool  *encryptPool

	table *dataset.Table
	set   membership.Set

	writeMu    sync.Mutex
	rejections atomic.Int64
	restored   atomic.Bool
}

// New builds an engine over a public-only crypto context.
func New(cfg Config, cc *phe.CryptoContext, auth Authority, store storage.Storage, logger *slog.Logger) (*Engine, error) {
	if cc == nil || cc.PublicKey() == nil {
		return nil, fmt.Errorf("%w: crypto context required", ErrInvalidArgument)
	}
	if auth == nil {
		return nil, fmt.Errorf("%w: authority required", ErrInvalidArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = storage.NewMemoryStorage(64)
	}
	if cfg.ProtectedField == "" {
		cfg.ProtectedField = dataset.BillingField
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	set, err := newSet(cfg)
	if err != nil {
		return nil, err
	}

	enc := phe.NewEncryptor(cc)
	return &Engine{
		cfg:   cfg,
		log:   logger.With("component", "engine"),
		pk:    cc.PublicKey(),
		enc:   enc,
		eval:  phe.NewEvaluator(cc),
		auth:  auth,
		store: store,
		pool:  &encryptPool{numWorkers: cfg.Workers, enc: enc},
		table: dataset.NewTable(cfg.Columns),
		set:   set,
	}, nil
}

func newSet(cfg Config) (membership.Set, error) {
	if cfg.Levels > 1 {
		return membership.NewLayered(cfg.Levels, cfg.Filter)
	}
	return membership.NewFilter(cfg.Filter)
}

// PublicKey returns the authority key the engine encrypts under.
func (e *Engine) PublicKey() *phe.PublicKey { return e.pk }

// Table exposes the underlying table for read-only use.
func (e *Engine) Table() *dataset.Table { return e.table }

// Bootstrap loads rows into an empty engine. A persisted membership
// snapshot is reused when it matches the configuration and covers every
// row; otherwise the filter is rebuilt by replaying rows. Bootstrap must
// return before the engine serves queries.
func (e *Engine) Bootstrap(ctx context.Context, rows []dataset.Row) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.table.Len() > 0 {
		return fmt.Errorf("%w: engine already bootstrapped", ErrInvalidArgument)
	}

	if set, ok := e.restoreSnapshot(ctx, rows); ok {
		e.set = set
		e.restored.Store(true)
	} else {
		for _, row := range rows {
			e.index(e.set, row)
		}
		if err := e.persistSnapshot(ctx); err != nil {
			e.log.Warn("persist membership snapshot", "err", err)
		}
	}

	amounts := make([]float64, len(rows))
	for i, row := range rows {
		amounts[i] = dataset.Amount(row)
	}
	cts, err := e.pool.EncryptAll(ctx, amounts)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	records := make([]dataset.Record, len(rows))
	for i, row := range rows {
		records[i] = dataset.NewRecord(row, cts[i])
	}
	if len(records) > 0 {
		e.table.Append(records...)
	}

	e.log.Info("bootstrapped",
		"rows", len(rows),
		"restored_snapshot", e.restored.Load(),
		"encrypted", e.pool.successCount.Load())
	return nil
}

func (e *Engine) restoreSnapshot(ctx context.Context, rows []dataset.Row) (membership.Set, bool) {
	data, err := e.store.Get(ctx, storage.MembershipSnapshot)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		e.log.Warn("load membership snapshot", "err", err)
		return nil, false
	}

	var set membership.Set
	var cfg membership.Config
	if e.cfg.Levels > 1 {
		l := new(membership.Layered)
		if err := l.UnmarshalBinary(data); err != nil {
			e.log.Warn("membership snapshot unreadable, rebuilding", "err", err)
			return nil, false
		}
		if l.Levels() != e.cfg.Levels {
			e.log.Warn("membership snapshot level mismatch, rebuilding", "levels", l.Levels())
			return nil, false
		}
		set, cfg = l, l.Level(0).Config()
	} else {
		f := new(membership.Filter)
		if err := f.UnmarshalBinary(data); err != nil {
			e.log.Warn("membership snapshot unreadable, rebuilding", "err", err)
			return nil, false
		}
		set, cfg = f, f.Config()
	}
	if !sameShape(cfg, e.cfg.Filter) {
		e.log.Warn("membership snapshot config mismatch, rebuilding")
		return nil, false
	}
	for _, row := range rows {
		for _, field := range e.cfg.IndexedFields {
			if v, ok := row[field]; ok && v != nil && !set.Lookup(field, v) {
				e.log.Warn("membership snapshot stale, rebuilding", "field", field)
				return nil, false
			}
		}
	}
	return set, true
}

func sameShape(a, b membership.Config) bool {
	fa, fb := a.Family, b.Family
	if fa == 0 {
		fa = membership.SHA224
	}
	if fb == 0 {
		fb = membership.SHA224
	}
	return slices.Equal(a.Dimensions, b.Dimensions) &&
		a.NumHashes == b.NumHashes && fa == fb && a.Salt == b.Salt
}

// index adds the row's indexed fields to set. Absent or empty values are
// skipped.
func (e *Engine) index(set membership.Set, row dataset.Row) {
	for _, field := range e.cfg.IndexedFields {
		v, ok := row[field]
		if !ok {
			continue
		}
		if err := set.Add(field, v); err != nil && !errors.Is(err, membership.ErrInvalidArgument) {
			e.log.Warn("index field", "field", field, "err", err)
		}
	}
}

func (e *Engine) isIndexed(field string) bool {
	return slices.Contains(e.cfg.IndexedFields, field)
}

func (e *Engine) persistSnapshot(ctx context.Context) error {
	data, err := e.set.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := e.store.Put(ctx, storage.MembershipSnapshot, data); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Ingest adds one row. The row must carry a name. The dataset and the
// membership snapshot are persisted before the row becomes visible.
func (e *Engine) Ingest(ctx context.Context, row dataset.Row) (uint64, error) {
	if len(row) == 0 {
		return 0, fmt.Errorf("%w: invalid or missing data", ErrInvalidArgument)
	}
	if name, ok := row[dataset.NameField]; !ok || membership.Canonical(name) == "" {
		return 0, fmt.Errorf("%w: missing required field: %q", ErrInvalidArgument, dataset.NameField)
	}
	row = row.Clone()

	ct, err := e.enc.EncryptAmount(dataset.Amount(row))
	if err != nil {
		return 0, fmt.Errorf("encrypt %s: %w", e.cfg.ProtectedField, err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	// Filter bits are monotonic; setting them before a failed write only
	// costs false positives.
	e.index(e.set, row)

	rows := append(e.table.Rows(), row)
	columns := e.table.Columns()
	for c := range row {
		if !slices.Contains(columns, c) {
			columns = append(columns, c)
		}
	}
	var buf bytes.Buffer
	if err := dataset.WriteCSV(&buf, rows, columns); err != nil {
		return 0, err
	}
	if err := e.store.Put(ctx, storage.DatasetCSV, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("persist dataset: %w", err)
	}
	if err := e.persistSnapshot(ctx); err != nil {
		return 0, err
	}

	version := e.table.Append(dataset.NewRecord(row, ct))
	e.log.Debug("ingested row", "version", version)
	return version, nil
}

// ExactMatch returns rows whose field equals value. Indexed fields are
// pre-checked against the membership filter; a negative answer returns
// ErrNotFound without scanning.
func (e *Engine) ExactMatch(field string, value any) ([]dataset.Record, error) {
	if field == "" || value == nil {
		return nil, fmt.Errorf("%w: field and value must be provided", ErrInvalidArgument)
	}
	if err := e.precheck(field, value); err != nil {
		return nil, err
	}
	recs, err := e.table.ExactMatch(field, value)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s = %v", ErrNotFound, field, value)
	}
	return recs, nil
}

func (e *Engine) precheck(field string, value any) error {
	if e.isIndexed(field) && !e.set.Lookup(field, value) {
		e.rejections.Add(1)
		return fmt.Errorf("%w: %s = %v", ErrNotFound, field, value)
	}
	return nil
}

// Range returns rows with lo <= field <= hi. The membership filter is not
// consulted.
func (e *Engine) Range(field string, lo, hi float64) ([]dataset.Record, error) {
	if field == "" {
		return nil, fmt.Errorf("%w: field must be provided", ErrInvalidArgument)
	}
	return e.table.Range(field, lo, hi)
}

// Nearest returns the k rows closest to (lat, lon).
func (e *Engine) Nearest(lat, lon float64, k int) ([]dataset.Neighbor, error) {
	return e.table.Nearest(lat, lon, k)
}

// View pages through the table, optionally filtered by field == value.
func (e *Engine) View(field string, value any, page, perPage int) (dataset.Page, error) {
	return e.table.Paginate(field, value, page, perPage)
}

// EncryptedValues returns ciphertexts of field for every row named name.
// The protected column returns the stored ciphertexts; other numeric
// columns are encrypted on demand.
func (e *Engine) EncryptedValues(field, name string) ([]string, error) {
	if field == "" || name == "" {
		return nil, fmt.Errorf("%w: field and name must be provided", ErrInvalidArgument)
	}
	if !e.table.HasField(field) {
		return nil, fmt.Errorf("%w: %q", dataset.ErrUnknownField, field)
	}
	cts, err := e.ciphertexts(field, name)
	if err != nil {
		return nil, err
	}
	return phe.Strings(cts), nil
}

func (e *Engine) ciphertexts(field, name string) ([]*phe.Ciphertext, error) {
	if err := e.precheck(dataset.NameField, name); err != nil {
		return nil, err
	}
	recs := e.table.ByName(name)
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: name %q", ErrNotFound, name)
	}
	out := make([]*phe.Ciphertext, len(recs))
	for i, rec := range recs {
		ct, err := e.ciphertext(rec, field)
		if err != nil {
			return nil, err
		}
		out[i] = ct
	}
	return out, nil
}

func (e *Engine) ciphertext(rec dataset.Record, field string) (*phe.Ciphertext, error) {
	if field == e.cfg.ProtectedField && rec.Protected != nil {
		return rec.Protected, nil
	}
	v, present := rec.Row[field]
	amount := 0.0
	if present && v != nil {
		f, ok := dataset.Number(v)
		if !ok {
			return nil, fmt.Errorf("%w: %q", dataset.ErrNotNumeric, field)
		}
		amount = f
	}
	return e.enc.EncryptAmount(amount)
}

// AddTwoNames homomorphically adds field for two uniquely named rows.
func (e *Engine) AddTwoNames(field, name1, name2 string) (*phe.Ciphertext, error) {
	if field == "" || name1 == "" || name2 == "" {
		return nil, fmt.Errorf("%w: field, name1, and name2 must be provided", ErrInvalidArgument)
	}
	if !e.table.HasField(field) {
		return nil, fmt.Errorf("%w: %q", dataset.ErrUnknownField, field)
	}
	a, err := e.ciphertexts(field, name1)
	if err != nil {
		return nil, err
	}
	b, err := e.ciphertexts(field, name2)
	if err != nil {
		return nil, err
	}
	if len(a) > 1 || len(b) > 1 {
		return nil, ErrAmbiguous
	}
	return e.eval.Add(a[0], b[0])
}

// AggregateSum folds the protected column of matching rows into one
// ciphertext and has the authority decrypt only that sum. An empty field
// aggregates every row.
func (e *Engine) AggregateSum(ctx context.Context, field string, value any) (float64, int, error) {
	var recs []dataset.Record
	if field == "" {
		recs, _ = e.table.Snapshot()
	} else {
		var err error
		if recs, err = e.ExactMatch(field, value); err != nil {
			return 0, 0, err
		}
	}
	if len(recs) == 0 {
		return 0, 0, fmt.Errorf("%w: dataset is empty", ErrNotFound)
	}

	cts := make([]*phe.Ciphertext, len(recs))
	for i, rec := range recs {
		ct, err := e.ciphertext(rec, e.cfg.ProtectedField)
		if err != nil {
			return 0, 0, err
		}
		cts[i] = ct
	}
	sum, err := e.eval.Sum(cts)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregate: %w", err)
	}
	total, err := e.auth.DecryptSum(ctx, sum.String())
	if err != nil {
		return 0, 0, err
	}
	return total, len(recs), nil
}

// DecryptSum forwards a client-supplied aggregate to the authority after
// checking it is a well-formed ciphertext under the authority's key.
func (e *Engine) DecryptSum(ctx context.Context, encryptedSum string) (float64, error) {
	if encryptedSum == "" {
		return 0, fmt.Errorf("%w: missing 'encrypted_sum'", ErrInvalidArgument)
	}
	ct, err := e.pk.ParseCiphertext(encryptedSum)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return e.auth.DecryptSum(ctx, ct.String())
}

// Stats reports counters for the health endpoint.
func (e *Engine) Stats() map[string]any {
	st := map[string]any{
		"rows":                e.table.Len(),
		"version":             e.table.Version(),
		"key_id":              e.pk.ID(),
		"encrypted":           e.pool.successCount.Load(),
		"encrypt_failures":    e.pool.failureCount.Load(),
		"precheck_rejections": e.rejections.Load(),
		"restored_snapshot":   e.restored.Load(),
	}
	switch s := e.set.(type) {
	case *membership.Filter:
		st["filter_fill"] = s.Stats().FillRatio
	case *membership.Layered:
		st["filter_levels"] = s.Levels()
	}
	return st
}
