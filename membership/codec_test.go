package membership

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterSnapshot(t *testing.T) {
	cfg := Config{Dimensions: []int{10, 7, 3}, NumHashes: 5, Family: BLAKE2b, Salt: "tenant-a"}
	f, err := NewFilter(cfg)
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		require.NoError(t, f.Add("name", fmt.Sprintf("p%d", i)))
	}

	data, err := f.MarshalBinary()
	require.NoError(t, err)

	var g Filter
	require.NoError(t, g.UnmarshalBinary(data))
	assert.Equal(t, cfg, g.Config())
	assert.Equal(t, f.Stats(), g.Stats())
	for i := 0; i < 40; i++ {
		assert.True(t, g.Lookup("name", fmt.Sprintf("p%d", i)))
	}
	for i := 0; i < 200; i++ {
		v := fmt.Sprintf("q%d", i)
		assert.Equal(t, f.Lookup("name", v), g.Lookup("name", v))
	}
}

func TestLayeredSnapshot(t *testing.T) {
	l, err := NewLayered(3, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, l.Add("email", "a@example.com"))

	data, err := l.MarshalBinary()
	require.NoError(t, err)

	var m Layered
	require.NoError(t, m.UnmarshalBinary(data))
	assert.Equal(t, 3, m.Levels())
	assert.True(t, m.Lookup("email", "a@example.com"))
	assert.False(t, m.Lookup("email", "b@example.com"))
	assert.Equal(t, "level2:", m.Level(2).Config().Salt)
}

func TestCorruptSnapshot(t *testing.T) {
	f, err := NewFilter(Config{Dimensions: []int{9}, NumHashes: 2})
	require.NoError(t, err)
	require.NoError(t, f.Add("a", "b"))
	good, err := f.MarshalBinary()
	require.NoError(t, err)

	badMagic := append([]byte("XXXX"), good[4:]...)
	badVersion := append([]byte(nil), good...)
	badVersion[4] = 99
	badFamily := append([]byte(nil), good...)
	badFamily[5] = 0
	strayBit := append([]byte(nil), good...)
	strayBit[len(strayBit)-2] |= 0x80

	cases := map[string][]byte{
		"empty":     nil,
		"magic":     badMagic,
		"version":   badVersion,
		"family":    badFamily,
		"truncated": good[:len(good)-3],
		"trailing":  append(append([]byte(nil), good...), 0),
		"stray bit": strayBit,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			var g Filter
			assert.ErrorIs(t, g.UnmarshalBinary(data), ErrCorruptSnapshot)
		})
	}

	var l Layered
	assert.ErrorIs(t, l.UnmarshalBinary(good), ErrCorruptSnapshot)
	assert.ErrorIs(t, l.UnmarshalBinary([]byte("PHML\x01\x00\x00")), ErrCorruptSnapshot)
	assert.ErrorIs(t, l.UnmarshalBinary([]byte("PHML\x01\x00\x01\x00\x00\xff\xff")), ErrCorruptSnapshot)
}

func TestCorruptSnapshotLeavesFilterIntact(t *testing.T) {
	f, err := NewFilter(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, f.Add("name", "kept"))

	assert.ErrorIs(t, f.UnmarshalBinary([]byte("junk")), ErrCorruptSnapshot)
	assert.True(t, f.Lookup("name", "kept"))
}
