// Package dkg runs the distributed key generation of a committee on top of
// the kyber Pedersen DKG, tunneling its deals, responses and justifications
// through the ledger session transport. Private deals are ECIES-encrypted to
// the recipient's DID key before being broadcast.
package dkg

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/drand/kyber"
	dkg "github.com/drand/kyber/share/dkg/pedersen"
	vss "github.com/drand/kyber/share/vss/pedersen"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"go.dedis.ch/protobuf"

	"github.com/teleconsys/dora-storage/common/log"
	"github.com/teleconsys/dora-storage/ecies"
	"github.com/teleconsys/dora-storage/key"
)

// Rounds of a DKG session on the wire.
const (
	RoundDeal          uint8 = 0
	RoundResponse      uint8 = 1
	RoundJustification uint8 = 2
)

// DefaultTimeout is the round timeout used when unspecified in the config.
const DefaultTimeout = time.Minute

// ErrAborted is returned when the protocol cannot complete: unresolved
// complaints or not enough certified deals by the timeout.
var ErrAborted = errors.New("dkg: aborted")

// Broadcaster sends a protocol payload to every participant. The session
// layer provides authentication, dedup and retries.
type Broadcaster interface {
	Broadcast(ctx context.Context, round uint8, payload []byte) error
}

// Config holds all necessary information to run a dkg protocol.
type Config struct {
	Pair    *key.Pair
	Group   *key.Group
	Timeout time.Duration
	Clock   clockwork.Clock
}

// dealPacket carries one private deal: only the target holds the key to the
// encrypted inner deal.
type dealPacket struct {
	Target    uint32
	Encrypted *ecies.Ciphertext
}

type responsePacket struct {
	Index     uint32
	SessionID []byte
	Source    uint32
	Status    bool
	Signature []byte
}

type justificationPacket struct {
	Index         uint32
	Justification []byte
}

var constructors = func() protobuf.Constructors {
	cons := make(protobuf.Constructors)
	var point kyber.Point
	var scalar kyber.Scalar
	cons[reflect.TypeOf(&point).Elem()] = func() interface{} { return key.Suite.Point() }
	cons[reflect.TypeOf(&scalar).Elem()] = func() interface{} { return key.Suite.Scalar() }
	return cons
}()

// Handler is the stateful struct that runs a DKG with the peers.
type Handler struct {
	net   Broadcaster
	conf  *Config
	state *dkg.DistKeyGenerator
	idx   int
	n     int
	clock clockwork.Clock

	sync.Mutex
	tmpResponses  map[uint32][]*dkg.Response
	sentDeals     bool
	dealProcessed int
	done          bool
	timeouted     bool
	timerLaunched bool
	timerCh       chan bool
	shareCh       chan key.Share
	errCh         chan error
	qualified     []int
	l             log.Logger
}

// NewHandler returns a fresh dkg handler using this private key pair.
func NewHandler(b Broadcaster, c *Config, l log.Logger) (*Handler, error) {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	idx, found := c.Group.Index(c.Pair.Public)
	if !found {
		return nil, errors.New("dkg: node is not part of the group")
	}
	cdkg := &dkg.Config{
		Suite:     key.Suite,
		Longterm:  c.Pair.Key,
		NewNodes:  c.Group.Points(),
		Threshold: c.Group.Threshold,
	}
	state, err := dkg.NewDistKeyHandler(cdkg)
	if err != nil {
		return nil, fmt.Errorf("dkg: error using dkg library: %w", err)
	}
	h := &Handler{
		net:          b,
		conf:         c,
		state:        state,
		idx:          idx,
		n:            c.Group.Len(),
		clock:        c.Clock,
		tmpResponses: make(map[uint32][]*dkg.Response),
		timerCh:      make(chan bool, 1),
		shareCh:      make(chan key.Share, 1),
		errCh:        make(chan error, 1),
	}
	h.l = l.Named("dkg").With("index", idx)
	return h, nil
}

// Start sends the first deals to run the protocol.
func (h *Handler) Start(ctx context.Context) {
	h.Lock()
	h.launchTimerLocked()
	h.Unlock()
	if err := h.sendDeals(ctx); err != nil {
		h.errCh <- err
	}
}

// WaitShare returns a channel over which the share will be sent when ready.
func (h *Handler) WaitShare() chan key.Share {
	return h.shareCh
}

// WaitError returns a channel over which any fatal error for the protocol is
// sent.
func (h *Handler) WaitError() chan error {
	return h.errCh
}

// Qualified returns the indices that finished the protocol. It must only be
// called after the share has been delivered.
func (h *Handler) Qualified() []int {
	h.Lock()
	defer h.Unlock()
	return append([]int(nil), h.qualified...)
}

// Process processes an incoming session message for the given round.
func (h *Handler) Process(ctx context.Context, round uint8, payload []byte) {
	h.Lock()
	h.launchTimerLocked()
	h.Unlock()
	switch round {
	case RoundDeal:
		h.processDeal(ctx, payload)
	case RoundResponse:
		h.processResponse(ctx, payload)
	case RoundJustification:
		h.processJustification(payload)
	default:
		h.l.Warnw("unknown dkg round", "round", round)
	}
}

func (h *Handler) launchTimerLocked() {
	if h.timerLaunched {
		return
	}
	h.timerLaunched = true
	go h.startTimer()
}

func (h *Handler) startTimer() {
	select {
	case <-h.clock.After(h.conf.Timeout):
		h.Lock()
		defer h.Unlock()
		h.l.Infow("round timeout triggered")
		h.timeouted = true
		h.state.SetTimeout()
		h.checkCertifiedLocked()
	case <-h.timerCh:
		// all required deals and responses arrived in time
	}
}

// sendDeals encrypts each private deal to its target and broadcasts the
// packets on the deal round.
func (h *Handler) sendDeals(ctx context.Context) error {
	h.Lock()
	if h.sentDeals {
		h.Unlock()
		return nil
	}
	h.sentDeals = true
	deals, err := h.state.Deals()
	if err != nil {
		h.Unlock()
		return err
	}
	h.Unlock()

	var good = 1
	var errs *multierror.Error
	for i, deal := range deals {
		node, err := h.conf.Group.Node(i)
		if err != nil {
			return err
		}
		inner, err := protobuf.Encode(deal)
		if err != nil {
			return err
		}
		encrypted, err := ecies.Encrypt(key.Suite, nil, node.Key, inner)
		if err != nil {
			return err
		}
		payload, err := protobuf.Encode(&dealPacket{Target: uint32(i), Encrypted: encrypted})
		if err != nil {
			return err
		}
		if err := h.net.Broadcast(ctx, RoundDeal, payload); err != nil {
			h.l.Errorw("failed to send deal", "to", node.DID, "error", err)
			errs = multierror.Append(errs, fmt.Errorf("deal to %s: %w", node.DID, err))
			continue
		}
		good++
	}
	if good < h.conf.Group.Threshold {
		return fmt.Errorf("dkg: could only send deals to %d / %d (threshold %d): %w",
			good, h.n, h.conf.Group.Threshold, errs.ErrorOrNil())
	}
	h.l.Infow("deals sent", "to", good-1)
	return nil
}

func (h *Handler) processDeal(ctx context.Context, payload []byte) {
	packet := &dealPacket{}
	if err := protobuf.Decode(payload, packet); err != nil {
		h.l.Errorw("malformed deal packet", "error", err)
		return
	}
	if int(packet.Target) != h.idx {
		return
	}
	inner, err := ecies.Decrypt(key.Suite, nil, h.conf.Pair.Key, packet.Encrypted)
	if err != nil {
		h.l.Errorw("deal decryption failed", "error", err)
		return
	}
	deal := &dkg.Deal{Deal: &vss.EncryptedDeal{}}
	if err := protobuf.Decode(inner, deal); err != nil {
		h.l.Errorw("malformed deal", "error", err)
		return
	}

	h.Lock()
	h.dealProcessed++
	resp, err := h.state.ProcessDeal(deal)
	h.l.Debugw("deal processed", "dealer", deal.Index, "total", h.dealProcessed, "error", err)
	needDeals := !h.sentDeals
	h.Unlock()
	defer h.processTmpResponses(deal)

	if needDeals {
		go func() {
			if err := h.sendDeals(ctx); err != nil {
				h.errCh <- err
			}
		}()
	}
	if err != nil {
		h.l.Errorw("deal rejected", "dealer", deal.Index, "error", err)
		return
	}

	out := &responsePacket{
		Index:     resp.Index,
		SessionID: resp.Response.SessionID,
		Source:    resp.Response.Index,
		Status:    resp.Response.Status,
		Signature: resp.Response.Signature,
	}
	buff, err := protobuf.Encode(out)
	if err != nil {
		h.l.Errorw("response encoding failed", "error", err)
		return
	}
	go func() {
		if err := h.net.Broadcast(ctx, RoundResponse, buff); err != nil {
			h.l.Errorw("response broadcast failed", "error", err)
		}
	}()
}

func (h *Handler) processTmpResponses(deal *dkg.Deal) {
	h.Lock()
	defer h.Unlock()
	defer h.checkCertifiedLocked()
	resps, ok := h.tmpResponses[deal.Index]
	if !ok {
		return
	}
	h.l.Debugw("replaying buffered responses", "dealer", deal.Index, "count", len(resps))
	delete(h.tmpResponses, deal.Index)
	for _, r := range resps {
		if _, err := h.state.ProcessResponse(r); err != nil {
			h.l.Errorw("buffered response rejected", "error", err)
		}
	}
}

func (h *Handler) processResponse(ctx context.Context, payload []byte) {
	packet := &responsePacket{}
	if err := protobuf.Decode(payload, packet); err != nil {
		h.l.Errorw("malformed response packet", "error", err)
		return
	}
	resp := &dkg.Response{
		Index: packet.Index,
		Response: &vss.Response{
			SessionID: packet.SessionID,
			Index:     packet.Source,
			Status:    packet.Status,
			Signature: packet.Signature,
		},
	}

	h.Lock()
	defer h.Unlock()
	defer h.checkCertifiedLocked()
	j, err := h.state.ProcessResponse(resp)
	if err != nil {
		if errors.Is(err, vss.ErrNoDealBeforeResponse) {
			h.tmpResponses[resp.Index] = append(h.tmpResponses[resp.Index], resp)
			h.l.Debugw("response before deal, buffering", "dealer", resp.Index)
			return
		}
		h.l.Errorw("response rejected", "dealer", resp.Index, "error", err)
		return
	}
	if j != nil {
		// a complaint against our deal: reveal it publicly
		buff, err := protobuf.Encode(j)
		if err != nil {
			h.l.Errorw("justification encoding failed", "error", err)
			return
		}
		out, err := protobuf.Encode(&justificationPacket{Index: j.Index, Justification: buff})
		if err != nil {
			h.l.Errorw("justification encoding failed", "error", err)
			return
		}
		h.l.Infow("broadcasting justification", "dealer", j.Index)
		go func() {
			if err := h.net.Broadcast(ctx, RoundJustification, out); err != nil {
				h.l.Errorw("justification broadcast failed", "error", err)
			}
		}()
	}
}

func (h *Handler) processJustification(payload []byte) {
	packet := &justificationPacket{}
	if err := protobuf.Decode(payload, packet); err != nil {
		h.l.Errorw("malformed justification packet", "error", err)
		return
	}
	j := &dkg.Justification{}
	if err := protobuf.DecodeWithConstructors(packet.Justification, j, constructors); err != nil {
		h.l.Errorw("malformed justification", "error", err)
		return
	}
	h.Lock()
	defer h.Unlock()
	defer h.checkCertifiedLocked()
	if err := h.state.ProcessJustification(j); err != nil {
		h.l.Errorw("justification rejected", "dealer", j.Index, "error", err)
	}
}

// checkCertifiedLocked checks if there have been enough responses and if so,
// creates the distributed key share and sends it over the WaitShare channel.
func (h *Handler) checkCertifiedLocked() {
	if h.done {
		return
	}
	fully := true
	if !h.state.Certified() {
		if !(h.state.ThresholdCertified() && h.timeouted) {
			return
		}
		fully = false
	}
	h.done = true
	close(h.timerCh)
	if fully {
		h.l.Infow("dkg certified", "mode", "full")
	} else {
		h.l.Infow("dkg certified", "mode", "threshold")
	}
	dks, err := h.state.DistKeyShare()
	if err != nil {
		h.errCh <- fmt.Errorf("%w: %v", ErrAborted, err)
		return
	}
	h.qualified = h.state.QualifiedShares()
	h.shareCh <- key.Share(*dks)
}
