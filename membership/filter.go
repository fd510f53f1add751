// Package membership implements probabilistic set membership over
// (field, value) pairs using a multi-dimensional bit lattice.
//
// A lookup may report a false positive, never a false negative. The query
// service uses it only as a pre-check before scanning records.
package membership

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
)

// Set is satisfied by Filter and Layered.
type Set interface {
	Add(field string, value any) error
	Lookup(field string, value any) bool
	MarshalBinary() ([]byte, error)
}

var (
	_ Set = (*Filter)(nil)
	_ Set = (*Layered)(nil)
)

// Config describes the lattice shape and hash family.
type Config struct {
	Dimensions []int
	NumHashes  int
	Family     HashFamily
	Salt       string
}

// DefaultConfig is a 20x20x20 lattice probed by 14 SHA-224 hashes.
func DefaultConfig() Config {
	return Config{
		Dimensions: []int{20, 20, 20},
		NumHashes:  14,
		Family:     SHA224,
	}
}

const maxCells = 1 << 30

func (c Config) validate() error {
	if len(c.Dimensions) == 0 || len(c.Dimensions) > 255 {
		return fmt.Errorf("%w: need 1..255 dimensions, got %d", ErrInvalidConfig, len(c.Dimensions))
	}
	cells := 1
	for _, d := range c.Dimensions {
		if d < 1 {
			return fmt.Errorf("%w: dimension %d", ErrInvalidConfig, d)
		}
		cells *= d
		if cells > maxCells {
			return fmt.Errorf("%w: lattice exceeds %d cells", ErrInvalidConfig, maxCells)
		}
	}
	if c.NumHashes < 1 || c.NumHashes > math.MaxUint16 {
		return fmt.Errorf("%w: hash count %d", ErrInvalidConfig, c.NumHashes)
	}
	if !c.Family.valid() {
		return fmt.Errorf("%w: hash family %s", ErrInvalidConfig, c.Family)
	}
	return nil
}

// Filter is a Bloom-style filter whose cells form an n-dimensional lattice.
// It is safe for concurrent use.
type Filter struct {
	mu    sync.RWMutex
	cfg   Config
	cells int
	bits  []uint64
}

// NewFilter allocates an empty lattice. A zero Family selects SHA224.
func NewFilter(cfg Config) (*Filter, error) {
	if cfg.Family == 0 {
		cfg.Family = SHA224
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Dimensions = append([]int(nil), cfg.Dimensions...)
	cells := 1
	for _, d := range cfg.Dimensions {
		cells *= d
	}
	return &Filter{
		cfg:   cfg,
		cells: cells,
		bits:  make([]uint64, (cells+63)/64),
	}, nil
}

// Config returns a copy of the filter's configuration.
func (f *Filter) Config() Config {
	cfg := f.cfg
	cfg.Dimensions = append([]int(nil), f.cfg.Dimensions...)
	return cfg
}

// Add records (field, value). It fails only on empty input.
func (f *Filter) Add(field string, value any) error {
	if field == "" || isEmpty(value) {
		return fmt.Errorf("%w: empty field or value", ErrInvalidArgument)
	}
	idx := f.indexes(Key(field, value))

	f.mu.Lock()
	for _, i := range idx {
		f.bits[i/64] |= 1 << (i % 64)
	}
	f.mu.Unlock()
	return nil
}

// Lookup reports whether (field, value) may have been added. Empty input
// is never a member.
func (f *Filter) Lookup(field string, value any) bool {
	if field == "" || isEmpty(value) {
		return false
	}
	idx := f.indexes(Key(field, value))

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, i := range idx {
		if f.bits[i/64]&(1<<(i%64)) == 0 {
			return false
		}
	}
	return true
}

// indexes maps key to one flat cell index per hash function.
func (f *Filter) indexes(key string) []int {
	dims := f.cfg.Dimensions
	coord := make([]int, len(dims))
	out := make([]int, f.cfg.NumHashes)
	for i := range out {
		coordinates(f.cfg.Family.digest(f.cfg.Salt, i, key), dims, coord)
		flat := 0
		for d := len(dims) - 1; d >= 0; d-- {
			flat = flat*dims[d] + coord[d]
		}
		out[i] = flat
	}
	return out
}

// Stats summarizes lattice occupancy.
type Stats struct {
	CellsSet       int
	Capacity       int
	FillRatio      float64
	FalsePositive  float64
	NumHashes      int
	HashFamilyName string
}

// Stats reports the current fill and the implied false-positive rate fill^k.
func (f *Filter) Stats() Stats {
	f.mu.RLock()
	set := 0
	for _, w := range f.bits {
		set += bits.OnesCount64(w)
	}
	f.mu.RUnlock()

	fill := float64(set) / float64(f.cells)
	return Stats{
		CellsSet:       set,
		Capacity:       f.cells,
		FillRatio:      fill,
		FalsePositive:  math.Pow(fill, float64(f.cfg.NumHashes)),
		NumHashes:      f.cfg.NumHashes,
		HashFamilyName: f.cfg.Family.String(),
	}
}

// EstimateFalsePositive returns the expected false-positive probability
// after n distinct insertions: (1 - (1 - 1/m)^(k n))^k.
func (f *Filter) EstimateFalsePositive(n int) float64 {
	m := float64(f.cells)
	k := float64(f.cfg.NumHashes)
	empty := math.Pow(1-1/m, k*float64(n))
	return math.Pow(1-empty, k)
}
