package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()

	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rs, err := NewRedisStorage(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	return map[string]Storage{
		"memory": NewMemoryStorage(1),
		"file":   fs,
		"redis":  rs,
	}
}

func TestStorageContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.Exists(ctx, MembershipSnapshot)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Get(ctx, MembershipSnapshot)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, MembershipSnapshot, []byte("v1")))
			require.NoError(t, s.Put(ctx, MembershipSnapshot, []byte("v2")))

			got, err := s.Get(ctx, MembershipSnapshot)
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			ok, err = s.Exists(ctx, MembershipSnapshot)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, MembershipSnapshot))
			assert.ErrorIs(t, s.Delete(ctx, MembershipSnapshot), ErrNotFound)

			assert.ErrorIs(t, s.Put(ctx, "../escape", []byte("x")), ErrInvalidName)
			assert.ErrorIs(t, s.Put(ctx, "", []byte("x")), ErrInvalidName)
		})
	}
}

func TestMemoryStorageCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(1)

	big := make([]byte, 700*1024)
	require.NoError(t, s.Put(ctx, "a", big))
	assert.ErrorIs(t, s.Put(ctx, "b", big), ErrStorageFull)

	// Replacing a blob only counts the difference.
	require.NoError(t, s.Put(ctx, "a", make([]byte, 1000*1024)))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got[0] = 1
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, again[0], "Get must return a copy")
}

func TestFileStorageLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), DatasetCSV, []byte("name\n")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DatasetCSV, entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, DatasetCSV))
	require.NoError(t, err)
	assert.Equal(t, "name\n", string(data))
}

func TestRedisStorageSharedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStorageFromClient(client)
	require.NoError(t, s.Put(context.Background(), "x", []byte{0, 1, 2}))
	require.NoError(t, s.Close())

	// The shared client stays usable after Close.
	v, err := client.Get(context.Background(), "phe:blob:x").Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, v)
}

func TestNewRedisStorageUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStorage(RedisConfig{Addr: addr})
	assert.Error(t, err)
}
