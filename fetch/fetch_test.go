package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teleconsys/dora-storage/storage"
	"github.com/teleconsys/dora-storage/tangle"
)

func newTestResolver() (*Resolver, *tangle.MemLedger, storage.Storage) {
	ledger := tangle.NewMemLedger()
	store := storage.NewMem()
	return NewResolver(ledger, store), ledger, store
}

func TestFetchLiteral(t *testing.T) {
	r, _, _ := newTestResolver()
	data, err := r.Fetch(context.Background(), "literal:string:hello")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestFetchStorage(t *testing.T) {
	r, _, store := newTestResolver()
	require.NoError(t, store.Put("k1", []byte("stored")))

	data, err := r.Fetch(context.Background(), "storage:local:k1")
	require.NoError(t, err)
	require.Equal(t, []byte("stored"), data)

	_, err = r.Fetch(context.Background(), "storage:local:absent")
	require.ErrorIs(t, err, ErrInputUnavailable)
}

func TestFetchLedgerMessage(t *testing.T) {
	r, ledger, _ := newTestResolver()
	id, err := ledger.Publish(context.Background(), "some-tag", []byte("on chain"))
	require.NoError(t, err)

	data, err := r.Fetch(context.Background(), "iota:message:"+string(id))
	require.NoError(t, err)
	require.Equal(t, []byte("on chain"), data)

	_, err = r.Fetch(context.Background(), "iota:message:deadbeef")
	require.ErrorIs(t, err, ErrInputUnavailable)
}

func TestFetchHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote body"))
	}))
	defer server.Close()

	r, _, _ := newTestResolver()
	data, err := r.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("remote body"), data)
}

func TestFetchHTTPNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))
	defer server.Close()

	r, _, _ := newTestResolver()
	_, err := r.Fetch(context.Background(), server.URL)
	require.ErrorIs(t, err, ErrInputUnavailable)
}

func TestFetchUnknownScheme(t *testing.T) {
	r, _, _ := newTestResolver()
	_, err := r.Fetch(context.Background(), "ftp://nope")
	require.ErrorIs(t, err, ErrInputUnavailable)
}
