package tangle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/teleconsys/dora-storage/common/log"
)

func TestMemLedgerPubSub(t *testing.T) {
	ledger := NewMemLedger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := ledger.Subscribe(ctx, "tag-a")
	require.NoError(t, err)

	id, err := ledger.Publish(ctx, "tag-a", []byte("one"))
	require.NoError(t, err)
	_, err = ledger.Publish(ctx, "tag-b", []byte("other tag"))
	require.NoError(t, err)

	select {
	case msg := <-stream:
		require.Equal(t, id, msg.BlockID)
		require.Equal(t, []byte("one"), msg.Data)
		require.Equal(t, "tag-a", msg.Tag)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
	select {
	case msg := <-stream:
		t.Fatalf("unexpected cross-tag delivery: %v", msg)
	default:
	}
}

func TestMemLedgerBlockAndFind(t *testing.T) {
	ledger := NewMemLedger()
	ctx := context.Background()

	id1, err := ledger.Publish(ctx, "t", []byte("first"))
	require.NoError(t, err)
	_, err = ledger.Publish(ctx, "t", []byte("second"))
	require.NoError(t, err)

	msg, err := ledger.Block(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), msg.Data)

	_, err = ledger.Block(ctx, BlockID("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	history, err := ledger.Find(ctx, "t")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, []byte("first"), history[0].Data)
}

// flakyClient fails a fixed number of publishes before recovering.
type flakyClient struct {
	*MemLedger
	failures int
}

func (f *flakyClient) Publish(ctx context.Context, tag string, data []byte) (BlockID, error) {
	if f.failures > 0 {
		f.failures--
		return "", errors.New("transient network failure")
	}
	return f.MemLedger.Publish(ctx, tag, data)
}

func TestPublisherRetries(t *testing.T) {
	client := &flakyClient{MemLedger: NewMemLedger(), failures: 2}
	clock := clockwork.NewFakeClock()
	publisher := NewPublisher(client, clock, log.DefaultLogger())

	done := make(chan error, 1)
	go func() {
		_, err := publisher.Publish(context.Background(), "t", []byte("payload"))
		done <- err
	}()

	// two failed attempts, two backoff waits
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not finish")
	}
	history, err := client.Find(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestPublisherGivesUp(t *testing.T) {
	client := &flakyClient{MemLedger: NewMemLedger(), failures: 100}
	clock := clockwork.NewFakeClock()
	publisher := NewPublisher(client, clock, log.DefaultLogger())

	done := make(chan error, 1)
	go func() {
		_, err := publisher.Publish(context.Background(), "t", []byte("payload"))
		done <- err
	}()

	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(publishBackoffMax)
	}

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrLedgerUnavailable)
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not give up")
	}
}
