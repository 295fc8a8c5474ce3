package dkg

import (
	"context"
	"testing"
	"time"

	"github.com/drand/kyber"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/teleconsys/dora-storage/common/log"
	"github.com/teleconsys/dora-storage/key"
	"github.com/teleconsys/dora-storage/session"
	"github.com/teleconsys/dora-storage/tangle"
)

type testNode struct {
	pair    *key.Pair
	sess    *session.Session
	handler *Handler
}

func runDKGCluster(t *testing.T, n int) []key.Share {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := tangle.NewMemLedger()
	clock := clockwork.NewRealClock()
	logger := log.DefaultLogger()

	pairs := make([]*key.Pair, n)
	ids := make([]*key.Identity, n)
	participants := make(map[string]kyber.Point, n)
	for i := range pairs {
		pairs[i] = key.NewKeyPair()
		ids[i] = pairs[i].Public
		participants[ids[i].DID] = ids[i].Key
	}
	group := key.NewGroup(ids, 0)
	sid := session.NewID(session.KindDKG, []byte("instruction-block"))
	deadline := time.Now().Add(time.Minute)

	nodes := make([]*testNode, n)
	for i, pair := range pairs {
		publisher := tangle.NewPublisher(ledger, clock, logger)
		mux := session.NewMux(ledger, publisher, clock, time.Second, logger)
		sess, err := mux.Open(ctx, sid, session.KindDKG, pair.Public.DID, pair.Key, participants, deadline)
		require.NoError(t, err)
		sess.OpenRound(RoundJustification)

		handler, err := NewHandler(&broadcaster{sess}, &Config{
			Pair:    pair,
			Group:   group,
			Timeout: 30 * time.Second,
			Clock:   clock,
		}, logger)
		require.NoError(t, err)
		nodes[i] = &testNode{pair: pair, sess: sess, handler: handler}
	}

	for _, node := range nodes {
		node := node
		go node.handler.Start(ctx)
		go func() {
			for {
				select {
				case in := <-node.sess.Inbound():
					node.handler.Process(ctx, in.Round, in.Payload)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	shares := make([]key.Share, n)
	for i, node := range nodes {
		select {
		case share := <-node.handler.WaitShare():
			shares[i] = share
		case err := <-node.handler.WaitError():
			t.Fatalf("node %d dkg error: %v", i, err)
		case <-time.After(30 * time.Second):
			t.Fatalf("node %d dkg did not finish", i)
		}
	}
	return shares
}

type broadcaster struct {
	sess *session.Session
}

func (b *broadcaster) Broadcast(ctx context.Context, round uint8, payload []byte) error {
	return b.sess.Send(ctx, round, payload)
}

func TestDKGThreeNodes(t *testing.T) {
	shares := runDKGCluster(t, 3)

	// the public polynomial is byte-identical across members
	first := &shares[0]
	for i := 1; i < len(shares); i++ {
		s := &shares[i]
		require.Equal(t, len(first.Commits), len(s.Commits))
		for j := range first.Commits {
			require.True(t, first.Commits[j].Equal(s.Commits[j]))
		}
	}

	// every share satisfies s_i * G = sum_j i^j * A_j
	indices := make(map[int]bool)
	for i := range shares {
		s := &shares[i]
		require.True(t, s.Valid())
		indices[s.Share.I] = true
	}
	require.Len(t, indices, 3)
}

func TestDKGFiveNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("longer cluster run")
	}
	shares := runDKGCluster(t, 5)
	for i := range shares {
		require.True(t, (&shares[i]).Valid())
	}
}

func TestHandlerRejectsForeignPair(t *testing.T) {
	group := key.NewGroup([]*key.Identity{key.NewKeyPair().Public, key.NewKeyPair().Public, key.NewKeyPair().Public}, 0)
	outsider := key.NewKeyPair()
	_, err := NewHandler(&broadcaster{}, &Config{Pair: outsider, Group: group}, log.DefaultLogger())
	require.Error(t, err)
}
