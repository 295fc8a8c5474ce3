package tangle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teleconsys/dora-storage/common/log"
)

func TestNodeClientPublishAndBlock(t *testing.T) {
	var submitted restBlock
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/core/v2/blocks":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
			_ = json.NewEncoder(w).Encode(submitResponse{BlockID: "0xabc"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/core/v2/blocks/0xabc":
			_ = json.NewEncoder(w).Encode(submitted)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewNodeClient(server.URL, "", "addr", log.DefaultLogger())
	id, err := client.Publish(context.Background(), "my-tag", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, BlockID("0xabc"), id)
	require.Equal(t, taggedDataPayload, submitted.Payload.Type)
	require.Equal(t, "0x"+hex.EncodeToString([]byte("my-tag")), submitted.Payload.Tag)

	msg, err := client.Block(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "my-tag", msg.Tag)
	require.Equal(t, []byte("payload"), msg.Data)
}

func TestNodeClientBlockNotTaggedData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(restBlock{Payload: &restPayload{Type: 6}})
	}))
	defer server.Close()

	client := NewNodeClient(server.URL, "", "addr", log.DefaultLogger())
	_, err := client.Block(context.Background(), "0xdef")
	require.ErrorIs(t, err, ErrNotTaggedData)
}

func TestNodeClientNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer server.Close()

	client := NewNodeClient(server.URL, "", "addr", log.DefaultLogger())
	_, err := client.Block(context.Background(), "0xmissing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNodeClientFaucetThrottle(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewNodeClient("http://unused", server.URL, "addr", log.DefaultLogger())
	require.NoError(t, client.RequestFunds(context.Background()))
	require.Error(t, client.RequestFunds(context.Background()))
	require.Equal(t, 1, calls)
}
