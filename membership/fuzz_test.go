package membership

import (
	"errors"
	"testing"
)

// FuzzUnmarshalFilter verifies arbitrary input never panics and only
// fails with ErrCorruptSnapshot.
func FuzzUnmarshalFilter(f *testing.F) {
	good, err := NewFilter(Config{Dimensions: []int{4, 4}, NumHashes: 2, Salt: "s"})
	if err != nil {
		f.Fatal(err)
	}
	good.Add("name", "seed")
	data, err := good.MarshalBinary()
	if err != nil {
		f.Fatal(err)
	}
	f.Add(data)
	f.Add([]byte("PHMF"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		var g Filter
		if err := g.UnmarshalBinary(data); err != nil && !errors.Is(err, ErrCorruptSnapshot) {
			t.Fatalf("unexpected error class: %v", err)
		}
		var l Layered
		if err := l.UnmarshalBinary(data); err != nil && !errors.Is(err, ErrCorruptSnapshot) {
			t.Fatalf("unexpected layered error class: %v", err)
		}
	})
}

// FuzzNoFalseNegatives verifies every added value is found again.
func FuzzNoFalseNegatives(f *testing.F) {
	f.Add("Alice")
	f.Add("")
	f.Add("名前")
	f.Add("37")

	filter, err := NewFilter(Config{Dimensions: []int{8, 8, 8}, NumHashes: 4, Family: BLAKE2b})
	if err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, value string) {
		if err := filter.Add("name", value); err != nil {
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}
		if !filter.Lookup("name", value) {
			t.Fatalf("added %q but lookup missed it", value)
		}
	})
}
