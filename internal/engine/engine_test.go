package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/phe"
	"github.com/luxfi/phe/internal/dataset"
	"github.com/luxfi/phe/internal/storage"
	"github.com/luxfi/phe/membership"
)

var (
	keysOnce sync.Once
	keys     *phe.CryptoContext
	keysErr  error
)

func authorityKeys(t *testing.T) *phe.CryptoContext {
	t.Helper()
	keysOnce.Do(func() {
		keys, keysErr = phe.NewCryptoContext(phe.TestParameters)
	})
	require.NoError(t, keysErr)
	return keys
}

// localAuthority decrypts in-process with the secret key the engine never
// sees.
type localAuthority struct {
	dec   *phe.Decryptor
	pk    *phe.PublicKey
	calls atomic.Int64
	err   error
}

func (a *localAuthority) DecryptSum(ctx context.Context, s string) (float64, error) {
	a.calls.Add(1)
	if a.err != nil {
		return 0, a.err
	}
	ct, err := a.pk.ParseCiphertext(s)
	if err != nil {
		return 0, err
	}
	return a.dec.DecryptSum(ct)
}

func newAuthority(t *testing.T) *localAuthority {
	t.Helper()
	cc := authorityKeys(t)
	dec, err := phe.NewDecryptor(cc)
	require.NoError(t, err)
	return &localAuthority{dec: dec, pk: cc.PublicKey()}
}

func newEngine(t *testing.T, auth Authority, store storage.Storage, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 4
	for _, m := range mutate {
		m(&cfg)
	}
	public := phe.NewPublicContext(authorityKeys(t).PublicKey())
	e, err := New(cfg, public, auth, store, nil)
	require.NoError(t, err)
	return e
}

func billingRows() []dataset.Row {
	return []dataset.Row{
		{"name": "Alice", "hospital": "General", "billing_amount": 100.0, "age": 30.0, "latitude": 0.0, "longitude": 0.0},
		{"name": "Bob", "hospital": "General", "billing_amount": 250.0, "age": 45.0, "latitude": 3.0, "longitude": 4.0},
		{"name": "Carol", "hospital": "Mercy", "billing_amount": 75.0, "age": 52.0, "latitude": 1.0, "longitude": 1.0},
		{"name": "Dan", "hospital": "Mercy", "age": 61.0},
	}
}

func TestAggregateSum(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority(t)
	e := newEngine(t, auth, nil)
	require.NoError(t, e.Bootstrap(ctx, billingRows()))

	total, n, err := e.AggregateSum(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 425.0, total)
	assert.Equal(t, 4, n, "missing billing amounts count as zero")
	assert.Equal(t, int64(1), auth.calls.Load(), "only the folded sum crosses the boundary")

	total, n, err = e.AggregateSum(ctx, "hospital", "General")
	require.NoError(t, err)
	assert.Equal(t, 350.0, total)
	assert.Equal(t, 2, n)

	_, _, err = e.AggregateSum(ctx, "name", "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAggregateSumEmpty(t *testing.T) {
	e := newEngine(t, newAuthority(t), nil)
	require.NoError(t, e.Bootstrap(context.Background(), nil))
	_, _, err := e.AggregateSum(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorityFailurePropagates(t *testing.T) {
	auth := newAuthority(t)
	auth.err = errors.New("boom")
	e := newEngine(t, auth, nil)
	require.NoError(t, e.Bootstrap(context.Background(), billingRows()))

	_, _, err := e.AggregateSum(context.Background(), "", nil)
	assert.EqualError(t, err, "boom")
}

func TestExactMatchPrecheck(t *testing.T) {
	auth := newAuthority(t)
	e := newEngine(t, auth, nil)
	require.NoError(t, e.Bootstrap(context.Background(), billingRows()))

	recs, err := e.ExactMatch("name", "Bob")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 45.0, recs[0].Row["age"])

	_, err = e.ExactMatch("name", "Zed")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), e.Stats()["precheck_rejections"])

	// Unindexed fields scan directly.
	recs, err = e.ExactMatch("hospital", "Mercy")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	_, err = e.ExactMatch("", "x")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.ExactMatch("ssn", "x")
	assert.ErrorIs(t, err, dataset.ErrUnknownField)
}

func TestRangeAndNearestIgnoreFilter(t *testing.T) {
	e := newEngine(t, newAuthority(t), nil, func(c *Config) {
		c.IndexedFields = []string{"name", "age"}
	})
	require.NoError(t, e.Bootstrap(context.Background(), billingRows()))

	recs, err := e.Range("age", 40, 55)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	nn, err := e.Nearest(0, 0, 2)
	require.NoError(t, err)
	require.Len(t, nn, 2)
	assert.Equal(t, "Alice", nn[0].Row["name"])
	assert.Equal(t, "Carol", nn[1].Row["name"])

	assert.Zero(t, e.Stats()["precheck_rejections"])
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(8)
	e := newEngine(t, newAuthority(t), store)
	require.NoError(t, e.Bootstrap(ctx, billingRows()))

	_, err := e.Ingest(ctx, dataset.Row{"hospital": "General"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.Ingest(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	v, err := e.Ingest(ctx, dataset.Row{"name": "Eve", "billing_amount": 12.5, "ward": "007"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	recs, err := e.ExactMatch("name", "Eve")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Protected)

	total, _, err := e.AggregateSum(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 437.5, total)

	csv, err := store.Get(ctx, storage.DatasetCSV)
	require.NoError(t, err)
	rows, cols, err := dataset.ReadCSV(strings.NewReader(string(csv)))
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.Contains(t, cols, "ward")
	assert.Equal(t, "007", rows[4]["ward"])

	ok, err := store.Exists(ctx, storage.MembershipSnapshot)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIngestPersistFailureHidesRow(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newAuthority(t), failingStore{storage.NewMemoryStorage(1)})
	require.NoError(t, e.Bootstrap(ctx, billingRows()))

	_, err := e.Ingest(ctx, dataset.Row{"name": "Eve"})
	assert.ErrorIs(t, err, storage.ErrStorageFull)
	assert.Equal(t, 4, e.Table().Len())
}

type failingStore struct{ storage.Storage }

func (failingStore) Put(context.Context, string, []byte) error { return storage.ErrStorageFull }

func TestBootstrapRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(8)

	first := newEngine(t, newAuthority(t), store)
	require.NoError(t, first.Bootstrap(ctx, billingRows()))
	assert.False(t, first.Stats()["restored_snapshot"].(bool))

	second := newEngine(t, newAuthority(t), store)
	require.NoError(t, second.Bootstrap(ctx, billingRows()))
	assert.True(t, second.Stats()["restored_snapshot"].(bool))

	_, err := second.ExactMatch("name", "Carol")
	require.NoError(t, err)
}

func TestBootstrapRecoversFromBadSnapshot(t *testing.T) {
	ctx := context.Background()
	rows := billingRows()

	stale, err := membership.NewFilter(membership.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, stale.Add("name", "Alice"))
	staleData, err := stale.MarshalBinary()
	require.NoError(t, err)

	other := membership.DefaultConfig()
	other.NumHashes = 3
	mismatched, err := membership.NewFilter(other)
	require.NoError(t, err)
	mismatchedData, err := mismatched.MarshalBinary()
	require.NoError(t, err)

	cases := map[string][]byte{
		"corrupt":  []byte("not a snapshot"),
		"stale":    staleData,
		"mismatch": mismatchedData,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			store := storage.NewMemoryStorage(8)
			require.NoError(t, store.Put(ctx, storage.MembershipSnapshot, data))

			e := newEngine(t, newAuthority(t), store)
			require.NoError(t, e.Bootstrap(ctx, rows))
			assert.False(t, e.Stats()["restored_snapshot"].(bool))

			for _, r := range rows {
				_, err := e.ExactMatch("name", r["name"])
				assert.NoError(t, err, "name %v", r["name"])
			}

			// The rebuilt snapshot replaced the bad one.
			saved, err := store.Get(ctx, storage.MembershipSnapshot)
			require.NoError(t, err)
			var f membership.Filter
			require.NoError(t, f.UnmarshalBinary(saved))
			assert.True(t, f.Lookup("name", "Dan"))
		})
	}
}

func TestLayeredEngine(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(8)
	e := newEngine(t, newAuthority(t), store, func(c *Config) { c.Levels = 3 })
	require.NoError(t, e.Bootstrap(ctx, billingRows()))
	assert.Equal(t, 3, e.Stats()["filter_levels"])

	_, err := e.ExactMatch("name", "Alice")
	require.NoError(t, err)

	again := newEngine(t, newAuthority(t), store, func(c *Config) { c.Levels = 3 })
	require.NoError(t, again.Bootstrap(ctx, billingRows()))
	assert.True(t, again.Stats()["restored_snapshot"].(bool))
}

func TestEncryptedValuesAndAddTwoNames(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority(t)
	e := newEngine(t, auth, nil)
	rows := append(billingRows(), dataset.Row{"name": "Bob", "billing_amount": 1.0})
	require.NoError(t, e.Bootstrap(ctx, rows))

	vals, err := e.EncryptedValues("billing_amount", "Alice")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	got, err := auth.DecryptSum(ctx, vals[0])
	require.NoError(t, err)
	assert.Equal(t, 100.0, got)

	vals, err = e.EncryptedValues("age", "Carol")
	require.NoError(t, err)
	got, err = auth.DecryptSum(ctx, vals[0])
	require.NoError(t, err)
	assert.Equal(t, 52.0, got)

	_, err = e.EncryptedValues("hospital", "Carol")
	assert.ErrorIs(t, err, dataset.ErrNotNumeric)
	_, err = e.EncryptedValues("ssn", "Carol")
	assert.ErrorIs(t, err, dataset.ErrUnknownField)
	_, err = e.EncryptedValues("age", "Zed")
	assert.ErrorIs(t, err, ErrNotFound)

	sum, err := e.AddTwoNames("billing_amount", "Alice", "Carol")
	require.NoError(t, err)
	got, err = auth.DecryptSum(ctx, sum.String())
	require.NoError(t, err)
	assert.Equal(t, 175.0, got)

	_, err = e.AddTwoNames("billing_amount", "Alice", "Bob")
	assert.ErrorIs(t, err, ErrAmbiguous)
	_, err = e.AddTwoNames("billing_amount", "Alice", "Zed")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.AddTwoNames("", "Alice", "Carol")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDecryptSumForwards(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority(t)
	e := newEngine(t, auth, nil)

	ct, err := phe.NewEncryptor(phe.NewPublicContext(e.PublicKey())).EncryptAmount(-7.25)
	require.NoError(t, err)

	got, err := e.DecryptSum(ctx, ct.String())
	require.NoError(t, err)
	assert.Equal(t, -7.25, got)

	_, err = e.DecryptSum(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.DecryptSum(ctx, "xyz")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, int64(1), auth.calls.Load())
}

func TestEncryptPool(t *testing.T) {
	cc := phe.NewPublicContext(authorityKeys(t).PublicKey())
	p := &encryptPool{numWorkers: 3, enc: phe.NewEncryptor(cc)}
	dec, err := phe.NewDecryptor(authorityKeys(t))
	require.NoError(t, err)

	amounts := make([]float64, 25)
	for i := range amounts {
		amounts[i] = float64(i) * 1.5
	}
	cts, err := p.EncryptAll(context.Background(), amounts)
	require.NoError(t, err)
	got, err := dec.DecryptAmounts(cts)
	require.NoError(t, err)
	assert.Equal(t, amounts, got, "results stay in input order")
	assert.Equal(t, int64(25), p.successCount.Load())

	nan := 0.0
	_, err = p.EncryptAll(context.Background(), []float64{1, nan / nan, 2})
	assert.ErrorIs(t, err, phe.ErrInvalidArgument)
	assert.Equal(t, int64(1), p.failureCount.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.EncryptAll(ctx, amounts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidates(t *testing.T) {
	_, err := New(DefaultConfig(), nil, newAuthority(t), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	cfg := DefaultConfig()
	cfg.Filter.NumHashes = 0
	_, err = New(cfg, phe.NewPublicContext(authorityKeys(t).PublicKey()), newAuthority(t), nil, nil)
	assert.ErrorIs(t, err, membership.ErrInvalidConfig)
}
