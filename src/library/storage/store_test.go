package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s PersistentStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Set(ctx, "registry", []byte(`{"version":2}`)))
	v, err := s.Get(ctx, "registry")
	require.NoError(t, err)
	assert.Equal(t, `{"version":2}`, string(v))

	require.NoError(t, s.Set(ctx, "registry", []byte(`{"version":3}`)))
	v, err = s.Get(ctx, "registry")
	require.NoError(t, err)
	assert.Equal(t, `{"version":3}`, string(v))

	require.NoError(t, s.Remove(ctx, "registry"))
	_, err = s.Get(ctx, "registry")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(0))
}

func TestMemoryStoreQuotaAndAvailability(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(4)
	err := s.Set(ctx, "k", []byte("12345"))
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	require.NoError(t, s.Set(ctx, "k", []byte("1234")))

	s.SetUnavailable(true)
	_, err = s.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(s.Set(ctx, "k", nil), ErrUnavailable))
}

func TestBoltStore(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "sub", "visual.db"), "test")
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visual.db")
	ctx := context.Background()

	s, err := NewBoltStore(path, "")
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path, "")
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestBadgerStoreInMemory(t *testing.T) {
	s, err := NewBadgerStore("")
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("redis", "", "")
	assert.Error(t, err)

	s, err := Open("memory", "", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}
