package session

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/drand/kyber"
	"github.com/jonboulle/clockwork"

	"github.com/teleconsys/dora-storage/common/log"
	"github.com/teleconsys/dora-storage/internal/metrics"
	"github.com/teleconsys/dora-storage/key"
	"github.com/teleconsys/dora-storage/tangle"
)

const (
	// DefaultRetryInterval is how often outbound messages are republished
	// until acknowledged.
	DefaultRetryInterval = 15 * time.Second

	inboundBuffer = 1024
	gcInterval    = time.Second
)

// Inbound is an authenticated, deduplicated protocol message delivered to
// the engine driving the session.
type Inbound struct {
	Sender  string
	Round   uint8
	Payload []byte
}

// Event notifies the node FSM about a session the mux closed on its own.
type Event struct {
	Session  ID
	TimedOut bool
}

// Mux owns the session table: it opens sessions, pumps their ledger
// subscriptions and garbage collects them past their deadline.
type Mux struct {
	ledger    tangle.Client
	publisher *tangle.Publisher
	clock     clockwork.Clock
	retry     time.Duration
	log       log.Logger

	mu       sync.Mutex
	sessions map[ID]*Session
	events   chan Event
}

// NewMux returns a mux publishing through the given retrying publisher.
func NewMux(ledger tangle.Client, publisher *tangle.Publisher, clock clockwork.Clock, retry time.Duration, l log.Logger) *Mux {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retry == 0 {
		retry = DefaultRetryInterval
	}
	return &Mux{
		ledger:    ledger,
		publisher: publisher,
		clock:     clock,
		retry:     retry,
		log:       l.Named("session"),
		sessions:  make(map[ID]*Session),
		events:    make(chan Event, 16),
	}
}

// Events delivers the timeouts of sessions the FSM still references.
func (m *Mux) Events() <-chan Event {
	return m.events
}

// Run drives retries and garbage collection until the context is done.
func (m *Mux) Run(ctx context.Context) {
	gc := m.clock.NewTicker(gcInterval)
	defer gc.Stop()
	retry := m.clock.NewTicker(m.retry)
	defer retry.Stop()
	for {
		select {
		case <-gc.Chan():
			m.collect(ctx)
		case <-retry.Chan():
			m.republish(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mux) collect(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if now.After(s.deadline) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, s := range expired {
		s.stop()
		metrics.SessionTimeouts.Inc()
		m.log.Infow("session timed out", "session", s.id)
		select {
		case m.events <- Event{Session: s.id, TimedOut: true}:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mux) republish(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.republish(ctx)
	}
}

// Open creates a session, subscribes to its tag and starts its pump. The
// participants map binds each member DID to the public key authenticating
// its envelopes.
func (m *Mux) Open(ctx context.Context, id ID, kind Kind, selfDID string, selfKey kyber.Scalar,
	participants map[string]kyber.Point, deadline time.Time) (*Session, error) {
	sctx, cancel := context.WithCancel(ctx)
	stream, err := m.ledger.Subscribe(sctx, id.Tag())
	if err != nil {
		cancel()
		return nil, err
	}
	s := &Session{
		id:           id,
		kind:         kind,
		selfDID:      selfDID,
		selfKey:      selfKey,
		participants: participants,
		deadline:     deadline,
		mux:          m,
		cancel:       cancel,
		out:          make(chan Inbound, inboundBuffer),
		seen:         make(map[string]struct{}),
		buffered:     make(map[uint8][]Inbound),
		lastRound:    make(map[string]uint8),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	go s.pump(sctx, stream)
	return s, nil
}

// Close removes a completed session without emitting a timeout event.
func (m *Mux) Close(id ID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.stop()
	}
}

type outbound struct {
	round uint8
	data  []byte
}

// Session is one live protocol run seen from the transport layer.
type Session struct {
	id           ID
	kind         Kind
	selfDID      string
	selfKey      kyber.Scalar
	participants map[string]kyber.Point
	deadline     time.Time
	mux          *Mux
	cancel       context.CancelFunc

	mu        sync.Mutex
	round     uint8
	seen      map[string]struct{}
	buffered  map[uint8][]Inbound
	lastRound map[string]uint8
	pending   []outbound
	out       chan Inbound
	stopped   bool
}

// ID returns the session identifier.
func (s *Session) ID() ID { return s.id }

// Inbound delivers the authenticated messages of open rounds.
func (s *Session) Inbound() <-chan Inbound { return s.out }

// Send signs, frames and publishes a protocol message, keeping it for
// periodic republication until acknowledged or the session ends.
func (s *Session) Send(ctx context.Context, round uint8, payload []byte) error {
	data, err := sealEnvelope(s.id, s.kind, round, s.selfDID, payload, s.selfKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = append(s.pending, outbound{round: round, data: data})
	s.mu.Unlock()
	_, err = s.mux.publisher.Publish(ctx, s.id.Tag(), data)
	if err == nil {
		metrics.PublishedBlocks.Inc()
	}
	return err
}

// OpenRound flushes messages buffered for the given round and lets new ones
// through. Rounds only move forward.
func (s *Session) OpenRound(round uint8) {
	s.mu.Lock()
	if round < s.round {
		s.mu.Unlock()
		return
	}
	s.round = round
	var flush []Inbound
	for r := uint8(0); r <= round; r++ {
		flush = append(flush, s.buffered[r]...)
		delete(s.buffered, r)
	}
	s.mu.Unlock()
	for _, in := range flush {
		s.deliver(in)
	}
}

func (s *Session) pump(ctx context.Context, stream <-chan tangle.Message) {
	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				return
			}
			s.handle(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handle(msg tangle.Message) {
	env, err := openEnvelope(msg.Data, func(did string) (kyber.Point, bool) {
		pub, ok := s.participants[did]
		return pub, ok
	})
	if err != nil {
		// unauthenticated traffic on a public tag is expected, drop it
		s.mux.log.Debugw("dropping envelope", "session", s.id, "error", err)
		return
	}
	if !bytes.Equal(env.SessionID, s.id[:]) || Kind(env.Kind) != s.kind {
		return
	}
	if env.SenderDID == s.selfDID {
		return
	}
	round := uint8(env.Round)
	in := Inbound{Sender: env.SenderDID, Round: round, Payload: env.Payload}

	s.mu.Lock()
	dedup := string(key.Digest([]byte(env.SenderDID), []byte{round}, env.Payload))
	if _, ok := s.seen[dedup]; ok {
		s.mu.Unlock()
		return
	}
	s.seen[dedup] = struct{}{}
	if round > s.lastRound[env.SenderDID] {
		s.lastRound[env.SenderDID] = round
	}
	if round > s.round {
		s.buffered[round] = append(s.buffered[round], in)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.deliver(in)
}

func (s *Session) deliver(in Inbound) {
	select {
	case s.out <- in:
	default:
		// backpressure: drop the oldest unprocessed message
		metrics.InboundDropped.Inc()
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- in:
		default:
		}
	}
}

// republish resends pending outbound messages that are not yet acknowledged.
// Observing a later-round message from every peer implies the earlier rounds
// arrived.
func (s *Session) republish(ctx context.Context) {
	s.mu.Lock()
	var still []outbound
	var resend [][]byte
	for _, o := range s.pending {
		if s.ackedLocked(o.round) {
			continue
		}
		still = append(still, o)
		resend = append(resend, o.data)
	}
	s.pending = still
	s.mu.Unlock()
	for _, data := range resend {
		if _, err := s.mux.publisher.Publish(ctx, s.id.Tag(), data); err != nil {
			s.mux.log.Warnw("republish failed", "session", s.id, "error", err)
			return
		}
	}
}

func (s *Session) ackedLocked(round uint8) bool {
	for did := range s.participants {
		if did == s.selfDID {
			continue
		}
		if s.lastRound[did] <= round {
			return false
		}
	}
	return true
}

func (s *Session) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
}
