package membership

import (
	"fmt"
	"strconv"
)

// DefaultLevels is the number of stacked filters in a Layered set.
const DefaultLevels = 3

// Layered stacks independent filters and reports membership only when every
// level agrees. Level 0 uses the configured salt, so a Layered set never
// reports more false positives than a single Filter with the same config.
type Layered struct {
	levels []*Filter
}

// NewLayered builds levels filters sharing cfg's shape. Each level l > 0 is
// salted with its level number to obtain an independent hash family.
func NewLayered(levels int, cfg Config) (*Layered, error) {
	if levels < 1 {
		return nil, fmt.Errorf("%w: %d levels", ErrInvalidConfig, levels)
	}
	l := &Layered{levels: make([]*Filter, levels)}
	for i := range l.levels {
		lc := cfg
		lc.Salt = levelSalt(cfg.Salt, i)
		f, err := NewFilter(lc)
		if err != nil {
			return nil, err
		}
		l.levels[i] = f
	}
	return l, nil
}

func levelSalt(salt string, level int) string {
	if level == 0 {
		return salt
	}
	return salt + "level" + strconv.Itoa(level) + ":"
}

// Levels returns the number of stacked filters.
func (l *Layered) Levels() int { return len(l.levels) }

// Level returns filter i.
func (l *Layered) Level(i int) *Filter { return l.levels[i] }

// Add inserts (field, value) into every level.
func (l *Layered) Add(field string, value any) error {
	if field == "" || isEmpty(value) {
		return fmt.Errorf("%w: empty field or value", ErrInvalidArgument)
	}
	if len(l.levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidConfig)
	}
	for _, f := range l.levels {
		if err := f.Add(field, value); err != nil {
			return err
		}
	}
	return nil
}

// Lookup is the conjunction of every level's Lookup. A set without levels
// holds nothing.
func (l *Layered) Lookup(field string, value any) bool {
	if len(l.levels) == 0 || field == "" || isEmpty(value) {
		return false
	}
	for _, f := range l.levels {
		if !f.Lookup(field, value) {
			return false
		}
	}
	return true
}

// Stats reports per-level occupancy.
func (l *Layered) Stats() []Stats {
	out := make([]Stats, len(l.levels))
	for i, f := range l.levels {
		out[i] = f.Stats()
	}
	return out
}
