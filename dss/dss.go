// Package dss implements the threshold Schnorr signing protocol run by a
// committee over its distributed key. A signing session has two message
// rounds: every live participant publishes a nonce commitment, then the
// deterministically chosen set of signers publishes partial signatures which
// aggregate into a plain Schnorr signature verifiable under the committee
// public key.
package dss

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/sign/schnorr"
	"github.com/drand/kyber/util/random"

	"github.com/teleconsys/dora-storage/key"
)

var (
	// ErrQuorumNotReached is returned when fewer than threshold commitments
	// or partials are available at the deadline.
	ErrQuorumNotReached = errors.New("dss: quorum not reached")
	// ErrInvalidPartial flags a partial signature that fails verification;
	// its sender must be recorded as faulty.
	ErrInvalidPartial = errors.New("dss: invalid partial signature")
	// ErrStalePartial flags a partial computed against a superseded
	// participant set. It is ignored, not evidence of fault.
	ErrStalePartial = errors.New("dss: stale partial signature")
	// ErrNotChosen is returned by PartialSig when this node is not part of
	// the chosen signing set.
	ErrNotChosen = errors.New("dss: not part of the signing set")
)

// Commitment is the round-one message: the public nonce of a participant.
type Commitment struct {
	Index uint32
	R     []byte
}

// PartialSig is the round-two message: a participant's share of the
// signature, bound to the participant set it was computed for.
type PartialSig struct {
	Index uint32
	SetID []byte
	V     []byte
}

// Signer runs one signing session for one node.
type Signer struct {
	msg       []byte
	priShare  *share.PriShare
	pub       *key.DistPublic
	n         int
	threshold int

	k   kyber.Scalar
	own kyber.Point

	commitments map[uint32]kyber.Point
	faulty      map[uint32]bool
	partials    map[uint32]kyber.Scalar
	frozen      bool
	chosen      []uint32
}

// NewSigner prepares a signing session over msg. It draws the random nonce
// immediately so Commitment can be broadcast right away.
func NewSigner(priShare *share.PriShare, pub *key.DistPublic, n, threshold int, msg []byte) *Signer {
	k := key.Suite.Scalar().Pick(random.New())
	return &Signer{
		msg:         msg,
		priShare:    priShare,
		pub:         pub,
		n:           n,
		threshold:   threshold,
		k:           k,
		own:         key.Suite.Point().Mul(k, nil),
		commitments: make(map[uint32]kyber.Point),
		faulty:      make(map[uint32]bool),
		partials:    make(map[uint32]kyber.Scalar),
	}
}

// Index returns this node's share index.
func (s *Signer) Index() uint32 {
	return uint32(s.priShare.I)
}

// Commitment returns this node's nonce commitment. It also registers it so
// the local node counts toward the quorum.
func (s *Signer) Commitment() *Commitment {
	buff, _ := s.own.MarshalBinary()
	s.commitments[s.Index()] = s.own
	return &Commitment{Index: s.Index(), R: buff}
}

// ProcessCommitment registers a peer commitment. Late commitments, received
// after Freeze, are ignored by the caller; duplicate senders keep their
// first value.
func (s *Signer) ProcessCommitment(c *Commitment) error {
	if int(c.Index) >= s.n {
		return fmt.Errorf("dss: commitment index %d out of range", c.Index)
	}
	if _, ok := s.commitments[c.Index]; ok {
		return nil
	}
	R := key.Suite.Point()
	if err := R.UnmarshalBinary(c.R); err != nil {
		return fmt.Errorf("dss: malformed commitment from %d: %w", c.Index, err)
	}
	s.commitments[c.Index] = R
	return nil
}

// CommitmentCount returns how many commitments have been registered.
func (s *Signer) CommitmentCount() int {
	return len(s.commitments)
}

// Complete reports whether every member has committed, which allows an early
// freeze without waiting for the deadline.
func (s *Signer) Complete() bool {
	return len(s.commitments) == s.n
}

// Freeze fixes the signing set: the lowest threshold indices among the
// non-faulty commitments received so far. Every honest node freezes the same
// set because selection is deterministic over the same observed messages.
func (s *Signer) Freeze() error {
	available := s.available()
	if len(available) < s.threshold {
		return ErrQuorumNotReached
	}
	s.chosen = available[:s.threshold]
	s.frozen = true
	// partials from a previous selection cannot verify anymore
	s.partials = make(map[uint32]kyber.Scalar)
	return nil
}

func (s *Signer) available() []uint32 {
	available := make([]uint32, 0, len(s.commitments))
	for idx := range s.commitments {
		if !s.faulty[idx] {
			available = append(available, idx)
		}
	}
	sort.Slice(available, func(i, j int) bool { return available[i] < available[j] })
	return available
}

// Participants returns the frozen signing set.
func (s *Signer) Participants() []uint32 {
	return append([]uint32(nil), s.chosen...)
}

// Chosen reports whether this node is part of the signing set.
func (s *Signer) Chosen() bool {
	if !s.frozen {
		return false
	}
	for _, idx := range s.chosen {
		if idx == s.Index() {
			return true
		}
	}
	return false
}

// SetID identifies the frozen participant set; partials are only valid for
// the set they were produced against.
func (s *Signer) SetID() []byte {
	var buff bytes.Buffer
	for _, idx := range s.chosen {
		_ = binary.Write(&buff, binary.BigEndian, idx)
	}
	return key.Digest(buff.Bytes())
}

// aggregateNonce computes R as the sum of the chosen commitments.
func (s *Signer) aggregateNonce() kyber.Point {
	R := key.Suite.Point().Null()
	for _, idx := range s.chosen {
		R = key.Suite.Point().Add(R, s.commitments[idx])
	}
	return R
}

// challenge computes c = H(R || Q || m), matching the plain Schnorr
// verification equation so the aggregate verifies as an ordinary signature.
func (s *Signer) challenge() (kyber.Scalar, error) {
	return schnorrChallenge(s.aggregateNonce(), s.pub.Key(), s.msg)
}

func schnorrChallenge(R, public kyber.Point, msg []byte) (kyber.Scalar, error) {
	h := sha512.New()
	if _, err := R.MarshalTo(h); err != nil {
		return nil, err
	}
	if _, err := public.MarshalTo(h); err != nil {
		return nil, err
	}
	if _, err := h.Write(msg); err != nil {
		return nil, err
	}
	return key.Suite.Scalar().SetBytes(h.Sum(nil)), nil
}

// lagrange computes the Lagrange coefficient at zero of the participant at
// index i within the chosen set. Share indices map to evaluation points
// x = index + 1.
func lagrange(i uint32, set []uint32) kyber.Scalar {
	xi := key.Suite.Scalar().SetInt64(int64(i) + 1)
	num := key.Suite.Scalar().One()
	den := key.Suite.Scalar().One()
	for _, j := range set {
		if j == i {
			continue
		}
		xj := key.Suite.Scalar().SetInt64(int64(j) + 1)
		num = key.Suite.Scalar().Mul(num, xj)
		diff := key.Suite.Scalar().Sub(xj, xi)
		den = key.Suite.Scalar().Mul(den, diff)
	}
	return key.Suite.Scalar().Div(num, den)
}

// PartialSig computes this node's partial signature over the frozen set:
// sigma_i = k_i + c * lambda_i * s_i.
func (s *Signer) PartialSig() (*PartialSig, error) {
	if !s.frozen {
		return nil, errors.New("dss: participant set not frozen")
	}
	if !s.Chosen() {
		return nil, ErrNotChosen
	}
	c, err := s.challenge()
	if err != nil {
		return nil, err
	}
	lambda := lagrange(s.Index(), s.chosen)
	sigma := key.Suite.Scalar().Mul(c, lambda)
	sigma = sigma.Mul(sigma, s.priShare.V)
	sigma = sigma.Add(sigma, s.k)
	buff, err := sigma.MarshalBinary()
	if err != nil {
		return nil, err
	}
	s.partials[s.Index()] = key.Suite.Scalar().Set(sigma)
	return &PartialSig{Index: s.Index(), SetID: s.SetID(), V: buff}, nil
}

// ProcessPartial verifies a peer partial against
// sigma_i * G == R_i + c * lambda_i * P_i and registers it. An invalid
// partial returns ErrInvalidPartial and marks the sender faulty; a partial
// for a superseded set returns ErrStalePartial and is ignored.
func (s *Signer) ProcessPartial(p *PartialSig) error {
	if !s.frozen {
		return errors.New("dss: participant set not frozen")
	}
	if !bytes.Equal(p.SetID, s.SetID()) {
		return ErrStalePartial
	}
	inSet := false
	for _, idx := range s.chosen {
		if idx == p.Index {
			inSet = true
			break
		}
	}
	if !inSet {
		return ErrStalePartial
	}
	sigma := key.Suite.Scalar()
	if err := sigma.UnmarshalBinary(p.V); err != nil {
		s.markFaulty(p.Index)
		return fmt.Errorf("%w: index %d: %v", ErrInvalidPartial, p.Index, err)
	}
	c, err := s.challenge()
	if err != nil {
		return err
	}
	lambda := lagrange(p.Index, s.chosen)
	left := key.Suite.Point().Mul(sigma, nil)
	right := key.Suite.Point().Mul(key.Suite.Scalar().Mul(c, lambda), s.pub.Eval(int(p.Index)))
	right = right.Add(right, s.commitments[p.Index])
	if !left.Equal(right) {
		s.markFaulty(p.Index)
		return fmt.Errorf("%w: index %d", ErrInvalidPartial, p.Index)
	}
	s.partials[p.Index] = sigma
	return nil
}

// markFaulty excludes the index and reselects the signing set from the
// remaining commitments when at least threshold remain.
func (s *Signer) markFaulty(idx uint32) {
	s.faulty[idx] = true
	delete(s.partials, idx)
	if s.frozen {
		if err := s.Freeze(); err != nil {
			s.frozen = false
		}
	}
}

// Exclude marks a chosen participant that failed to deliver its partial by
// the deadline as faulty and reselects the signing set.
func (s *Signer) Exclude(idx uint32) {
	s.markFaulty(idx)
}

// Frozen reports whether a signing set is currently fixed. It turns false
// when exclusions leave fewer than threshold candidates.
func (s *Signer) Frozen() bool {
	return s.frozen
}

// Faulty returns the indices excluded so far.
func (s *Signer) Faulty() []uint32 {
	out := make([]uint32, 0, len(s.faulty))
	for idx := range s.faulty {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EnoughPartials reports whether every chosen participant has delivered a
// valid partial.
func (s *Signer) EnoughPartials() bool {
	if !s.frozen {
		return false
	}
	for _, idx := range s.chosen {
		if _, ok := s.partials[idx]; !ok {
			return false
		}
	}
	return true
}

// MissingPartials returns the chosen participants that have not yet
// delivered a valid partial. At the deadline they are recorded faulty.
func (s *Signer) MissingPartials() []uint32 {
	var missing []uint32
	for _, idx := range s.chosen {
		if _, ok := s.partials[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	return missing
}

// Signature aggregates the partials into a Schnorr signature (R || sigma).
// Every honest node that reaches this point produces byte-identical output.
func (s *Signer) Signature() ([]byte, error) {
	if !s.EnoughPartials() {
		return nil, ErrQuorumNotReached
	}
	sigma := key.Suite.Scalar().Zero()
	for _, idx := range s.chosen {
		sigma = key.Suite.Scalar().Add(sigma, s.partials[idx])
	}
	R := s.aggregateNonce()
	var buff bytes.Buffer
	if _, err := R.MarshalTo(&buff); err != nil {
		return nil, err
	}
	sigmaBuff, err := sigma.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buff.Write(sigmaBuff)
	return buff.Bytes(), nil
}

// Verify checks an aggregate signature against the committee public key. It
// is plain Schnorr verification.
func Verify(public kyber.Point, msg, sig []byte) error {
	return schnorr.Verify(key.Suite, public, msg, sig)
}
