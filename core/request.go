package core

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/drand/kyber"
	"github.com/google/uuid"
	"go.dedis.ch/protobuf"

	"github.com/teleconsys/dora-storage/common/log"
	"github.com/teleconsys/dora-storage/dss"
	"github.com/teleconsys/dora-storage/key"
	"github.com/teleconsys/dora-storage/records"
	"github.com/teleconsys/dora-storage/session"
	"github.com/teleconsys/dora-storage/tangle"
)

// Rounds of a signing session on the wire.
const (
	roundView    uint8 = 0
	roundCommit  uint8 = 1
	roundPartial uint8 = 2
)

// Failure reasons recorded on task logs.
const (
	reasonInputUnavailable   = "input_unavailable"
	reasonStorageUnavailable = "storage_unavailable"
	reasonQuorumNotReached   = "quorum_not_reached"
)

// viewPacket carries a node's hash of its independently resolved input.
type viewPacket struct {
	Hash []byte
}

// signingTask drives one request end to end: fetch, store, agree, sign,
// log. It owns no node state beyond its entry in the signing map.
type signingTask struct {
	node      *Node
	req       *Request
	requestID string
	message   tangle.Message
	log       log.Logger
}

func newSigningTask(n *Node, req *Request, requestID string, msg tangle.Message) *signingTask {
	return &signingTask{
		node:      n,
		req:       req,
		requestID: requestID,
		message:   msg,
		log:       n.log.Named("sign").With("request", requestID),
	}
}

func (t *signingTask) run(ctx context.Context) {
	n := t.node
	clock := n.cfg.Clock

	n.mu.Lock()
	group := n.group
	share := n.share
	committee := n.committee
	n.mu.Unlock()
	total := group.Len()
	threshold := group.Threshold
	selfIdx, _ := group.Index(n.pair.Public)

	sid := session.NewID(session.KindSign, []byte(t.message.BlockID))
	participants := make(map[string]kyber.Point, total)
	for _, node := range group.Nodes {
		participants[node.DID] = node.Key
	}
	deadline := clock.Now().Add(3*n.cfg.SignatureSleepTime + time.Duration(total)*n.cfg.PublishBackoff)
	sess, err := n.mux.Open(ctx, sid, session.KindSign, n.DID(), n.pair.Key, participants, deadline)
	if err != nil {
		t.log.Errorw("session open failed", "error", err)
		return
	}
	defer n.mux.Close(sid)

	// resolve the input independently; peers must land on the same bytes
	outcome, reason, data := records.Success, "", []byte(nil)
	data, err = t.fetchInput(ctx)
	if err != nil {
		outcome, reason, data = records.Failure, reasonInputUnavailable, nil
		t.log.Warnw("input unavailable", "uri", t.req.InputURI, "error", err)
	} else if t.req.StorageID != "" {
		if err := n.cfg.Storage.Put(t.req.StorageID, data); err != nil {
			outcome, reason = records.Failure, reasonStorageUnavailable
			t.log.Errorw("storage put failed", "key", t.req.StorageID, "error", err)
		}
	}

	// round 0: exchange input hashes and find who shares our view
	view := key.Digest([]byte(reason), data)
	payload, err := protobuf.Encode(&viewPacket{Hash: view})
	if err != nil {
		t.log.Errorw("view encoding failed", "error", err)
		return
	}
	if err := sess.Send(ctx, roundView, payload); err != nil {
		t.log.Errorw("view broadcast failed", "error", err)
		return
	}

	matching := map[string]bool{n.DID(): true}
	dissent := map[string]bool{}
	t.collectRound(ctx, sess, roundView, func(in session.Inbound) bool {
		packet := &viewPacket{}
		if err := protobuf.Decode(in.Payload, packet); err != nil {
			return false
		}
		if string(packet.Hash) == string(view) {
			matching[in.Sender] = true
		} else {
			dissent[in.Sender] = true
			t.log.Warnw("input hash mismatch", "peer", in.Sender)
		}
		return len(matching)+len(dissent) == total
	})

	if len(matching) < threshold {
		t.log.Warnw("view agreement below threshold", "matching", len(matching), "threshold", threshold)
		t.emitFailure(ctx, sess.ID(), group, matching, reasonQuorumNotReached, committee)
		return
	}

	// the task log body is the message the committee signs; it must be
	// byte-identical on every matching node
	taskLog := &records.TaskLog{
		RequestID:    t.requestID,
		Outcome:      outcome,
		CommitteeDID: committee.ID,
		Timestamp:    key.RoundTimestamp(t.message.Timestamp, n.cfg.TimeResolution),
	}
	if outcome == records.Success {
		taskLog.SetData(data)
	} else {
		taskLog.Reason = reason
	}
	msg, err := taskLog.SigningBytes()
	if err != nil {
		t.log.Errorw("task log encoding failed", "error", err)
		return
	}

	signer := dss.NewSigner(share.PriShare(), share.Public(), total, threshold, msg)

	// round 1: nonce commitments from everyone sharing our view
	sess.OpenRound(roundCommit)
	commitment := signer.Commitment()
	if err := t.broadcast(ctx, sess, roundCommit, commitment); err != nil {
		return
	}
	t.collectRound(ctx, sess, roundCommit, func(in session.Inbound) bool {
		if !matching[in.Sender] {
			return false
		}
		packet := &dss.Commitment{}
		if err := protobuf.Decode(in.Payload, packet); err != nil {
			return false
		}
		idx, ok := t.indexOf(group, in.Sender)
		if !ok || idx != packet.Index {
			t.log.Warnw("commitment with forged index", "peer", in.Sender)
			return false
		}
		if err := signer.ProcessCommitment(packet); err != nil {
			t.log.Warnw("commitment rejected", "peer", in.Sender, "error", err)
		}
		return signer.CommitmentCount() == len(matching)
	})

	if err := signer.Freeze(); err != nil {
		t.emitFailure(ctx, sess.ID(), group, matching, reasonQuorumNotReached, committee)
		return
	}

	// round 2: partial signatures over the frozen set
	sess.OpenRound(roundPartial)
	sendPartial := func() {
		if !signer.Chosen() {
			return
		}
		partial, err := signer.PartialSig()
		if err != nil {
			t.log.Errorw("partial signature failed", "error", err)
			return
		}
		_ = t.broadcast(ctx, sess, roundPartial, partial)
	}
	sendPartial()

	currentSet := string(signer.SetID())
	excludedOnce := false
	for attempt := 0; attempt < 2; attempt++ {
		t.collectRound(ctx, sess, roundPartial, func(in session.Inbound) bool {
			packet := &dss.PartialSig{}
			if err := protobuf.Decode(in.Payload, packet); err != nil {
				return false
			}
			err := signer.ProcessPartial(packet)
			switch {
			case err == nil:
			case errors.Is(err, dss.ErrStalePartial):
			case errors.Is(err, dss.ErrInvalidPartial):
				t.log.Warnw("invalid partial", "peer", in.Sender, "error", err)
				if set := string(signer.SetID()); signer.Frozen() && set != currentSet {
					currentSet = set
					sendPartial()
				}
			default:
				t.log.Warnw("partial rejected", "peer", in.Sender, "error", err)
			}
			return signer.Frozen() && signer.EnoughPartials()
		})
		if signer.Frozen() && signer.EnoughPartials() {
			break
		}
		if excludedOnce {
			break
		}
		// the stragglers are recorded faulty; retry once with the
		// reselected set
		for _, idx := range signer.MissingPartials() {
			t.log.Warnw("partial missing past deadline", "index", idx)
			signer.Exclude(idx)
		}
		if !signer.Frozen() {
			break
		}
		currentSet = string(signer.SetID())
		sendPartial()
		excludedOnce = true
	}

	if !signer.Frozen() || !signer.EnoughPartials() {
		t.emitFailure(ctx, sess.ID(), group, matching, reasonQuorumNotReached, committee)
		return
	}

	sig, err := signer.Signature()
	if err != nil {
		t.log.Errorw("aggregation failed", "error", err)
		return
	}
	taskLog.Attach(sig)
	if err := taskLog.Verify(mustCommitteeKey(committee)); err != nil {
		t.log.Errorw("aggregate signature does not verify", "error", err)
		return
	}

	present := t.didsOf(group, signer.Participants())
	faulty := t.faultyDIDs(group, signer, matching, dissent)
	t.publishSignatureLog(ctx, sess.ID(), present, faulty)

	rank := t.rankIn(signer.Participants(), uint32(selfIdx))
	t.publishTaskLog(ctx, taskLog, committee, rank)
	t.log.Infow("request served", "outcome", taskLog.Outcome, "participants", present)
}

// fetchInput resolves the request URI, retrying local storage reads once.
func (t *signingTask) fetchInput(ctx context.Context) ([]byte, error) {
	data, err := t.node.fetcher.Fetch(ctx, t.req.InputURI)
	if err != nil && len(t.req.InputURI) > 8 && t.req.InputURI[:8] == "storage:" {
		data, err = t.node.fetcher.Fetch(ctx, t.req.InputURI)
	}
	return data, err
}

// collectRound drains inbound messages of one round until done reports
// completion or the signature sleep deadline fires.
func (t *signingTask) collectRound(ctx context.Context, sess *session.Session, round uint8, done func(session.Inbound) bool) {
	timer := t.node.cfg.Clock.After(t.node.cfg.SignatureSleepTime)
	for {
		select {
		case in := <-sess.Inbound():
			if in.Round != round {
				continue
			}
			if done(in) {
				return
			}
		case <-timer:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *signingTask) broadcast(ctx context.Context, sess *session.Session, round uint8, packet interface{}) error {
	payload, err := protobuf.Encode(packet)
	if err != nil {
		t.log.Errorw("packet encoding failed", "round", round, "error", err)
		return err
	}
	if err := sess.Send(ctx, round, payload); err != nil {
		t.log.Errorw("packet broadcast failed", "round", round, "error", err)
		return err
	}
	return nil
}

func (t *signingTask) indexOf(group *key.Group, did string) (uint32, bool) {
	node, ok := group.ByDID(did)
	if !ok {
		return 0, false
	}
	return node.Index, true
}

func (t *signingTask) didsOf(group *key.Group, indices []uint32) []string {
	dids := make([]string, 0, len(indices))
	for _, idx := range indices {
		if node, err := group.Node(int(idx)); err == nil {
			dids = append(dids, node.DID)
		}
	}
	sort.Strings(dids)
	return dids
}

// faultyDIDs merges every class of fault: invalid or missing partials,
// dissenting views and members that never spoke.
func (t *signingTask) faultyDIDs(group *key.Group, signer *dss.Signer, matching, dissent map[string]bool) []string {
	faulty := make(map[string]bool)
	for _, idx := range signer.Faulty() {
		if node, err := group.Node(int(idx)); err == nil {
			faulty[node.DID] = true
		}
	}
	for did := range dissent {
		faulty[did] = true
	}
	for _, node := range group.Nodes {
		if !matching[node.DID] && !dissent[node.DID] {
			faulty[node.DID] = true
		}
	}
	out := make([]string, 0, len(faulty))
	for did := range faulty {
		out = append(out, did)
	}
	sort.Strings(out)
	return out
}

func (t *signingTask) rankIn(set []uint32, self uint32) int {
	for i, idx := range set {
		if idx == self {
			return i
		}
	}
	return len(set)
}

// publishSignatureLog emits this node's individually signed account of the
// session on the committee tag.
func (t *signingTask) publishSignatureLog(ctx context.Context, sid session.ID, present, faulty []string) {
	n := t.node
	slog := &records.SignatureLog{
		SessionID:           sid.Tag(),
		RequestID:           t.requestID,
		ParticipantsPresent: present,
		ParticipantsFaulty:  faulty,
		NodeDID:             n.DID(),
		Timestamp:           n.cfg.Clock.Now().Unix(),
		Nonce:               uuid.NewString(),
	}
	if err := slog.Sign(n.pair.Key); err != nil {
		t.log.Errorw("signature log signing failed", "error", err)
		return
	}
	data, err := json.Marshal(slog)
	if err != nil {
		t.log.Errorw("signature log encoding failed", "error", err)
		return
	}
	n.mu.Lock()
	tag := n.committee.ServiceEndpoint
	n.mu.Unlock()
	if _, err := n.publisher.Publish(ctx, tag, data); err != nil {
		t.log.Errorw("signature log publish failed", "error", err)
	}
}

// publishTaskLog applies the publisher election: rank zero publishes right
// away, later ranks hold the log for one backoff per rank and publish only
// when still unobserved.
func (t *signingTask) publishTaskLog(ctx context.Context, taskLog *records.TaskLog, committee *key.Document, rank int) {
	n := t.node
	data, err := json.Marshal(taskLog)
	if err != nil {
		t.log.Errorw("task log encoding failed", "error", err)
		return
	}
	if err := n.publishElected(ctx, committee.ServiceEndpoint, rank, func() []byte {
		return data
	}, func() bool {
		return t.observedTaskLog(ctx, committee.ServiceEndpoint)
	}); err != nil {
		t.log.Errorw("task log publish failed", "error", err)
		return
	}
	if err := n.history.SaveTaskLog(t.requestID, data); err != nil {
		t.log.Errorw("task log persist failed", "error", err)
	}
}

func (t *signingTask) observedTaskLog(ctx context.Context, tag string) bool {
	msgs, err := t.node.cfg.Ledger.Find(ctx, tag)
	if err != nil {
		return false
	}
	for _, msg := range msgs {
		observed := &records.TaskLog{}
		if err := json.Unmarshal(msg.Data, observed); err != nil {
			continue
		}
		if observed.RequestID == t.requestID && observed.Outcome != "" {
			return true
		}
	}
	return false
}

// emitFailure records a request the committee could not serve: a node-level
// signature log plus an unsigned Failure task log published by the lowest
// present member.
func (t *signingTask) emitFailure(ctx context.Context, sid session.ID, group *key.Group, matching map[string]bool, reason string, committee *key.Document) {
	n := t.node
	present := make([]string, 0, len(matching))
	for did := range matching {
		present = append(present, did)
	}
	sort.Strings(present)
	var faulty []string
	for _, node := range group.Nodes {
		if !matching[node.DID] {
			faulty = append(faulty, node.DID)
		}
	}
	t.publishSignatureLog(ctx, sid, present, faulty)

	taskLog := &records.TaskLog{
		RequestID:    t.requestID,
		Outcome:      records.Failure,
		Reason:       reason,
		CommitteeDID: committee.ID,
		Timestamp:    key.RoundTimestamp(t.message.Timestamp, n.cfg.TimeResolution),
	}
	rank := 0
	for _, node := range group.Nodes {
		if node.DID == n.DID() {
			break
		}
		if matching[node.DID] {
			rank++
		}
	}
	t.publishTaskLog(ctx, taskLog, committee, rank)
}

func mustCommitteeKey(doc *key.Document) kyber.Point {
	pub, err := doc.PublicKey()
	if err != nil {
		// validated at load and formation time
		panic(err)
	}
	return pub
}
