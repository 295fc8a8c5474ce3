// Package core hosts the node finite-state machine: identity bootstrap, DID
// publication, governor instruction ingestion, the DKG run and the service
// of signing requests.
package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/drand/kyber"

	"github.com/teleconsys/dora-storage/common/log"
	"github.com/teleconsys/dora-storage/dkg"
	"github.com/teleconsys/dora-storage/fetch"
	"github.com/teleconsys/dora-storage/key"
	"github.com/teleconsys/dora-storage/logstore"
	"github.com/teleconsys/dora-storage/session"
	"github.com/teleconsys/dora-storage/tangle"
)

// State is the top-level FSM state of a node.
type State int

const (
	// Bootstrap means no identity exists yet.
	Bootstrap State = iota
	// IdentityReady means the longterm pair is loaded or created.
	IdentityReady
	// DidPublished means the DID document is anchored on the ledger.
	DidPublished
	// Listening means the node awaits governor instructions.
	Listening
	// DkgRunning means a committee formation is in flight.
	DkgRunning
	// CommitteeReady means the node holds a share and serves requests.
	CommitteeReady
)

func (s State) String() string {
	switch s {
	case Bootstrap:
		return "Bootstrap"
	case IdentityReady:
		return "IdentityReady"
	case DidPublished:
		return "DidPublished"
	case Listening:
		return "Listening"
	case DkgRunning:
		return "DkgRunning"
	case CommitteeReady:
		return "CommitteeReady"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Node is one committee member. All mutable state is guarded by mu; the
// signing map tracks the concurrent signing sessions keyed by request id.
type Node struct {
	cfg       Config
	store     key.Store
	history   *logstore.Store
	publisher *tangle.Publisher
	mux       *session.Mux
	fetcher   fetch.Fetcher
	log       log.Logger

	mu        sync.Mutex
	state     State
	pair      *key.Pair
	group     *key.Group
	share     *key.Share
	committee *key.Document
	signing   map[string]*signingTask

	dkgAborted chan session.ID
}

// NewNode loads persisted state from the save directory and refuses to start
// on corrupt material.
func NewNode(cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	l := cfg.Logger.Named("node")
	store := key.NewFileStore(cfg.SaveDir)
	history, err := logstore.NewStore(cfg.SaveDir, l)
	if err != nil {
		return nil, err
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewResolver(cfg.Ledger, cfg.Storage)
	}
	publisher := tangle.NewPublisher(cfg.Ledger, cfg.Clock, l)
	n := &Node{
		cfg:        cfg,
		store:      store,
		history:    history,
		publisher:  publisher,
		mux:        session.NewMux(cfg.Ledger, publisher, cfg.Clock, cfg.RetryInterval, l),
		fetcher:    fetcher,
		log:        l,
		state:      Bootstrap,
		signing:    make(map[string]*signingTask),
		dkgAborted: make(chan session.ID, 4),
	}
	if err := n.loadState(); err != nil {
		return nil, err
	}
	return n, nil
}

// loadState restores identity, share, group and committee document. Missing
// pieces fall the node back to the earliest prior state; invariant-violating
// pieces refuse to start.
func (n *Node) loadState() error {
	pair, err := n.store.LoadKeyPair()
	switch {
	case err == nil:
		n.pair = pair
		n.state = IdentityReady
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("%w: identity: %v", key.ErrCorruptState, err)
	}

	share, err := n.store.LoadShare()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	group, err := n.store.LoadGroup()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: group: %v", key.ErrCorruptState, err)
	}
	committee, err := n.store.LoadCommittee()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if !group.Contains(pair.Public) {
		return fmt.Errorf("%w: group does not contain this node", key.ErrCorruptState)
	}
	n.share = share
	n.group = group
	n.committee = committee
	return nil
}

// State returns the current FSM state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	n.mu.Unlock()
	if prev != s {
		n.log.Infow("state transition", "from", prev.String(), "to", s.String())
	}
}

// DID returns this node's identifier.
func (n *Node) DID() string {
	return n.pair.Public.DID
}

// Committee returns the committee document once formed, nil before.
func (n *Node) Committee() *key.Document {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.committee
}

// Run drives the node until the context is done.
func (n *Node) Run(ctx context.Context) error {
	defer n.history.Close()

	if n.pair == nil {
		n.pair = key.NewKeyPair()
		if err := n.store.SaveKeyPair(n.pair); err != nil {
			return err
		}
		n.log.Infow("identity created", "did", n.DID())
	}
	n.setState(IdentityReady)

	doc := key.NewDocument(n.pair.Public, n.cfg.Clock.Now(), n.cfg.TimeResolution)
	docBytes, err := doc.Bytes()
	if err != nil {
		return err
	}
	if _, err := n.publisher.Publish(ctx, n.pair.Public.Tag(), docBytes); err != nil {
		return err
	}
	n.setState(DidPublished)
	n.log.Infow("did published", "did", n.DID(), "tag", n.pair.Public.Tag())

	go n.mux.Run(ctx)
	go n.watchSessionEvents(ctx)

	governor, err := n.cfg.Ledger.Subscribe(ctx, n.cfg.GovernorTag)
	if err != nil {
		return fmt.Errorf("%w: governor subscribe: %v", tangle.ErrLedgerUnavailable, err)
	}

	restored := false
	n.mu.Lock()
	restored = n.share != nil && n.group != nil && n.committee != nil
	n.mu.Unlock()
	if restored {
		n.log.Infow("committee state restored", "committee", n.committee.ID)
		if err := n.startCommittee(ctx); err != nil {
			return err
		}
	} else {
		n.setState(Listening)
	}

	for {
		select {
		case msg, ok := <-governor:
			if !ok {
				return tangle.ErrLedgerUnavailable
			}
			n.handleGovernor(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) watchSessionEvents(ctx context.Context) {
	for {
		select {
		case ev, ok := <-n.mux.Events():
			if !ok {
				return
			}
			if ev.TimedOut {
				select {
				case n.dkgAborted <- ev.Session:
				default:
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleGovernor runs one committee formation. Instructions are ignored
// outside the Listening state: membership does not change after a DKG.
func (n *Node) handleGovernor(ctx context.Context, msg tangle.Message) {
	if n.State() != Listening {
		n.log.Debugw("ignoring governor message", "state", n.State().String())
		return
	}
	instr, err := parseInstruction(msg.Data, n.DID())
	if err != nil {
		n.log.Debugw("ignoring governor payload", "error", err)
		return
	}
	if err := n.runDKG(ctx, instr, msg); err != nil {
		n.log.Errorw("dkg failed", "error", err)
		n.setState(DidPublished)
		n.setState(Listening)
		return
	}
}

func (n *Node) runDKG(ctx context.Context, instr *GovernorInstruction, msg tangle.Message) error {
	n.setState(DkgRunning)
	n.log.Infow("forming committee", "nodes", len(instr.Nodes), "instruction", msg.BlockID)

	ids := make([]*key.Identity, 0, len(instr.Nodes))
	for _, did := range instr.Nodes {
		if did == n.DID() {
			ids = append(ids, n.pair.Public)
			continue
		}
		id, err := ResolveIdentity(ctx, n.cfg.Ledger, n.cfg.Clock, did, n.cfg.DKGTimeout)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	group := key.NewGroup(ids, 0)

	sid := session.NewID(session.KindDKG, []byte(msg.BlockID))
	participants := make(map[string]kyber.Point, group.Len())
	for _, node := range group.Nodes {
		participants[node.DID] = node.Key
	}
	deadline := n.cfg.Clock.Now().Add(3 * n.cfg.DKGTimeout)
	sess, err := n.mux.Open(ctx, sid, session.KindDKG, n.DID(), n.pair.Key, participants, deadline)
	if err != nil {
		return err
	}
	defer n.mux.Close(sid)
	// the dkg handler buffers responses that arrive before their deal
	sess.OpenRound(dkg.RoundJustification)

	handler, err := dkg.NewHandler(&sessionBroadcaster{sess}, &dkg.Config{
		Pair:    n.pair,
		Group:   group,
		Timeout: n.cfg.DKGTimeout,
		Clock:   n.cfg.Clock,
	}, n.log)
	if err != nil {
		return err
	}
	go handler.Start(ctx)

	for {
		select {
		case in := <-sess.Inbound():
			handler.Process(ctx, in.Round, in.Payload)
		case share := <-handler.WaitShare():
			return n.finishDKG(ctx, instr, group, &share)
		case err := <-handler.WaitError():
			return err
		case id := <-n.dkgAborted:
			if id == sid {
				return dkg.ErrAborted
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finishDKG persists the outcome, publishes (or observes) the committee DID
// document and moves to CommitteeReady.
func (n *Node) finishDKG(ctx context.Context, instr *GovernorInstruction, group *key.Group, share *key.Share) error {
	if err := n.store.SaveShare(share); err != nil {
		return err
	}
	if err := n.store.SaveGroup(group); err != nil {
		return err
	}

	nonce, err := hex.DecodeString(instr.Nonce)
	if err != nil {
		return fmt.Errorf("core: instruction nonce: %w", err)
	}
	doc := key.NewCommitteeDocument(group, share.Public(), nonce, n.cfg.Clock.Now(), n.cfg.TimeResolution)

	idx, _ := group.Index(n.pair.Public)
	if err := n.publishElected(ctx, doc.ServiceEndpoint, idx, func() []byte {
		data, _ := doc.Bytes()
		return data
	}, func() bool {
		return FindDocument(ctx, n.cfg.Ledger, doc.ID) != nil
	}); err != nil {
		return err
	}

	if err := n.store.SaveCommittee(doc); err != nil {
		return err
	}
	n.mu.Lock()
	n.group = group
	n.share = share
	n.committee = doc
	n.mu.Unlock()
	n.log.Infow("committee formed", "committee", doc.ID, "tag", doc.ServiceEndpoint, "index", idx)
	return n.startCommittee(ctx)
}

// publishElected implements the designated-publisher rule: the member at
// rank zero publishes immediately, every later rank waits one backoff per
// rank and takes over only when the publication is still unobserved.
func (n *Node) publishElected(ctx context.Context, tag string, rank int, payload func() []byte, observed func() bool) error {
	if rank > 0 {
		wait := time.Duration(rank) * n.cfg.PublishBackoff
		deadline := n.cfg.Clock.Now().Add(wait)
		for n.cfg.Clock.Now().Before(deadline) {
			if observed() {
				return nil
			}
			select {
			case <-n.cfg.Clock.After(resolvePollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if observed() {
			return nil
		}
	}
	_, err := n.publisher.Publish(ctx, tag, payload())
	return err
}

// startCommittee subscribes to the committee tag and serves requests.
func (n *Node) startCommittee(ctx context.Context) error {
	n.mu.Lock()
	doc := n.committee
	n.mu.Unlock()
	stream, err := n.cfg.Ledger.Subscribe(ctx, doc.ServiceEndpoint)
	if err != nil {
		return fmt.Errorf("%w: committee subscribe: %v", tangle.ErrLedgerUnavailable, err)
	}
	n.setState(CommitteeReady)
	go func() {
		for {
			select {
			case msg, ok := <-stream:
				if !ok {
					return
				}
				n.handleCommitteeMessage(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (n *Node) handleCommitteeMessage(ctx context.Context, msg tangle.Message) {
	req, err := parseRequest(msg.Data)
	if err != nil {
		// logs and other committee traffic share the tag
		return
	}
	requestID := string(msg.BlockID)
	if n.history.Processed(requestID) {
		n.log.Debugw("request already processed", "request", requestID)
		return
	}
	if err := n.history.MarkProcessed(requestID); err != nil {
		n.log.Errorw("marking request failed", "request", requestID, "error", err)
		return
	}

	task := newSigningTask(n, req, requestID, msg)
	n.mu.Lock()
	n.signing[requestID] = task
	n.mu.Unlock()
	n.log.Infow("request accepted", "request", requestID, "uri", req.InputURI)
	go func() {
		task.run(ctx)
		n.mu.Lock()
		delete(n.signing, requestID)
		n.mu.Unlock()
	}()
}

// sessionBroadcaster adapts a session to the dkg Broadcaster interface.
type sessionBroadcaster struct {
	sess *session.Session
}

func (b *sessionBroadcaster) Broadcast(ctx context.Context, round uint8, payload []byte) error {
	return b.sess.Send(ctx, round, payload)
}
