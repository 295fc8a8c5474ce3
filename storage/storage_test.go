package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemRoundTrip(t *testing.T) {
	store := NewMem()

	exists, err := store.Exists("k1")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = store.Get("k1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put("k1", []byte("hello")))
	value, err := store.Get("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), value)

	exists, err = store.Exists("k1")
	require.NoError(t, err)
	require.True(t, exists)

	// last writer wins
	require.NoError(t, store.Put("k1", []byte("bye")))
	value, err = store.Get("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("bye"), value)
}

func TestKeyBounds(t *testing.T) {
	store := NewMem()
	require.Error(t, store.Put("", []byte("x")))
	require.ErrorIs(t, store.Put(strings.Repeat("k", MaxKeyLen+1), []byte("x")), ErrTooLarge)
	require.NoError(t, store.Put(strings.Repeat("k", MaxKeyLen), []byte("x")))
	require.Error(t, store.Put(string([]byte{0xff, 0xfe}), []byte("x")))
}

func TestValueBound(t *testing.T) {
	store := NewMem()
	require.ErrorIs(t, store.Put("big", make([]byte, MaxValueLen+1)), ErrTooLarge)
}
