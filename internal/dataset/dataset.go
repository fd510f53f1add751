// Package dataset holds the query service's plaintext table and the
// non-encrypted query primitives over it.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/luxfi/phe"
	"github.com/luxfi/phe/membership"
)

// Common errors.
var (
	ErrUnknownField = errors.New("unknown field")
	ErrNotNumeric   = errors.New("field is not numeric")
	ErrInvalidK     = errors.New("k must be a positive integer")
	ErrInvalidPage  = errors.New("page and per_page must be positive")
	ErrEmpty        = errors.New("dataset is empty")
)

// Column names the service relies on.
const (
	NameField      = "name"
	BillingField   = "billing_amount"
	LatitudeField  = "latitude"
	LongitudeField = "longitude"
)

// DefaultColumns is the healthcare dataset layout.
var DefaultColumns = []string{
	"name", "age", "gender", "blood_type", "medical_condition",
	"date_of_admission", "doctor", "hospital", "insurance_provider",
	"billing_amount", "room_number", "admission_type",
	"discharge_date", "medication", "test_results", "latitude", "longitude",
}

// NumericColumns are the columns ReadCSV parses as numbers. Every other
// column keeps its text, so values such as "007" or "NaN" survive a
// save and reload.
var NumericColumns = map[string]bool{
	"age":          true,
	BillingField:   true,
	"room_number":  true,
	LatitudeField:  true,
	LongitudeField: true,
}

// SummaryColumns is the projection returned by match and range queries.
var SummaryColumns = []string{"name", "hospital", "medical_condition", "insurance_provider"}

// NeighborColumns is the projection returned by nearest-neighbour queries.
var NeighborColumns = []string{
	"name", "age", "gender", "blood_type", "medical_condition",
	"doctor", "hospital", "insurance_provider",
}

// Row is one dataset record keyed by column name. Missing cells are absent
// or nil.
type Row map[string]any

// Project returns a copy of r restricted to cols. Absent columns map to nil.
func (r Row) Project(cols []string) Row {
	out := make(Row, len(cols))
	for _, c := range cols {
		out[c] = r[c]
	}
	return out
}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Record is a stored row plus its encrypted billing amount.
type Record struct {
	ID        string
	Row       Row
	Protected *phe.Ciphertext
}

// NewRecord assigns a fresh ID to row.
func NewRecord(row Row, protected *phe.Ciphertext) Record {
	return Record{ID: uuid.NewString(), Row: row, Protected: protected}
}

// Table is an append-only list of records. Every Append publishes a new
// version; readers see a consistent snapshot.
type Table struct {
	mu      sync.RWMutex
	records []Record
	columns []string
	known   map[string]bool
	version uint64
}

// NewTable creates an empty table with the given column order.
func NewTable(columns []string) *Table {
	t := &Table{known: make(map[string]bool)}
	t.addColumns(columns)
	return t
}

func (t *Table) addColumns(cols []string) {
	for _, c := range cols {
		if !t.known[c] {
			t.known[c] = true
			t.columns = append(t.columns, c)
		}
	}
}

// Append adds records and returns the new version.
func (t *Table) Append(records ...Record) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range records {
		cols := make([]string, 0, len(rec.Row))
		for c := range rec.Row {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		t.addColumns(cols)
	}
	// Copy on write so earlier snapshots stay valid.
	next := make([]Record, len(t.records), len(t.records)+len(records))
	copy(next, t.records)
	t.records = append(next, records...)
	t.version++
	return t.version
}

// Snapshot returns the records as of the current version.
func (t *Table) Snapshot() ([]Record, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records, t.version
}

// Version returns the number of appends so far.
func (t *Table) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Columns returns the known column names in first-seen order.
func (t *Table) Columns() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.columns...)
}

// HasField reports whether field is a known column.
func (t *Table) HasField(field string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.known[field]
}

// Rows returns the plaintext rows of the current snapshot.
func (t *Table) Rows() []Row {
	records, _ := t.Snapshot()
	out := make([]Row, len(records))
	for i, rec := range records {
		out[i] = rec.Row
	}
	return out
}

// ExactMatch returns records whose field equals value. Values compare by
// canonical form, so 37 matches 37.0.
func (t *Table) ExactMatch(field string, value any) ([]Record, error) {
	if !t.HasField(field) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	records, _ := t.Snapshot()
	return filter(records, field, value), nil
}

// ByName returns the records whose name column equals name.
func (t *Table) ByName(name string) []Record {
	records, _ := t.Snapshot()
	return filter(records, NameField, name)
}

func filter(records []Record, field string, value any) []Record {
	want := membership.Canonical(value)
	var out []Record
	for _, rec := range records {
		v, ok := rec.Row[field]
		if ok && v != nil && membership.Canonical(v) == want {
			out = append(out, rec)
		}
	}
	return out
}

// Range returns records with lo <= field <= hi. The field must be numeric
// in every row that has it.
func (t *Table) Range(field string, lo, hi float64) ([]Record, error) {
	if !t.HasField(field) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	records, _ := t.Snapshot()
	var out []Record
	for _, rec := range records {
		v, present := rec.Row[field]
		if !present || v == nil {
			continue
		}
		f, ok := Number(v)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotNumeric, field)
		}
		if f >= lo && f <= hi {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Neighbor is a record with its distance from the query point.
type Neighbor struct {
	Record
	Distance float64
}

// Nearest returns the k records closest to (lat, lon) by Euclidean
// distance over the coordinate columns. Rows without coordinates are
// skipped; ties keep table order.
func (t *Table) Nearest(lat, lon float64, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	records, _ := t.Snapshot()
	if len(records) == 0 {
		return nil, ErrEmpty
	}
	var all []Neighbor
	for _, rec := range records {
		rlat, ok1 := Number(rec.Row[LatitudeField])
		rlon, ok2 := Number(rec.Row[LongitudeField])
		if !ok1 || !ok2 {
			continue
		}
		all = append(all, Neighbor{Record: rec, Distance: math.Hypot(rlat-lat, rlon-lon)})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Distance < all[j].Distance })
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// Page is one page of a (possibly filtered) listing.
type Page struct {
	Records []Record
	Page    int
	PerPage int
	Total   int
}

// Paginate lists records, optionally filtered by field == value when field
// is non-empty. Pages are 1-based.
func (t *Table) Paginate(field string, value any, page, perPage int) (Page, error) {
	if page < 1 || perPage < 1 {
		return Page{}, ErrInvalidPage
	}
	records, _ := t.Snapshot()
	if field != "" && value != nil {
		if !t.HasField(field) {
			return Page{}, fmt.Errorf("%w: %q", ErrUnknownField, field)
		}
		records = filter(records, field, value)
	}
	p := Page{Page: page, PerPage: perPage, Total: len(records)}
	start := (page - 1) * perPage
	if start < len(records) {
		end := start + perPage
		if end > len(records) {
			end = len(records)
		}
		p.Records = records[start:end]
	}
	return p, nil
}

// Number converts a cell to float64. Strings are parsed; bools and other
// types are not numeric.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Amount returns the row's billing amount. Missing, NaN and non-numeric
// values count as zero.
func Amount(r Row) float64 {
	f, ok := Number(r[BillingField])
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
