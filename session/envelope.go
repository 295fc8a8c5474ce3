// Package session frames, authenticates and orders the protocol messages a
// committee exchanges through the ledger. Each logical protocol run (a DKG,
// one signing request) is a session: a 32-byte id, a dedicated ledger tag,
// per-round buffers and a deadline after which it is garbage collected.
package session

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/sign/schnorr"
	"go.dedis.ch/protobuf"

	"github.com/teleconsys/dora-storage/key"
)

// Kind discriminates the protocol a session runs.
type Kind uint8

const (
	// KindDKG is a distributed key generation session.
	KindDKG Kind = iota
	// KindSign is a threshold signing session.
	KindSign
)

// IDLen is the length of a session identifier.
const IDLen = 32

// ID identifies a session. It is derived from the kind and the block id of
// the message that started the protocol run, so every participant computes
// the same value independently.
type ID [IDLen]byte

// NewID derives a session id from the session kind and its seed (the
// instruction or request block id).
func NewID(kind Kind, seed []byte) ID {
	var id ID
	copy(id[:], key.Digest([]byte{byte(kind)}, seed))
	return id
}

// Tag returns the ledger tag the session's messages travel on.
func (id ID) Tag() string {
	return hex.EncodeToString(id[:])
}

func (id ID) String() string {
	return id.Tag()
}

// Envelope is the wire frame of every protocol message. The signature is a
// plain Schnorr signature by the sender's node key over the encoded envelope
// with the signature field left empty.
type Envelope struct {
	SessionID []byte
	Kind      uint32
	Round     uint32
	SenderDID string
	Payload   []byte
	Signature []byte
}

var errBadEnvelope = errors.New("session: malformed envelope")

// sealEnvelope builds and signs an envelope.
func sealEnvelope(id ID, kind Kind, round uint8, senderDID string, payload []byte, priv kyber.Scalar) ([]byte, error) {
	env := &Envelope{
		SessionID: id[:],
		Kind:      uint32(kind),
		Round:     uint32(round),
		SenderDID: senderDID,
		Payload:   payload,
	}
	unsigned, err := protobuf.Encode(env)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.Sign(key.Suite, priv, unsigned)
	if err != nil {
		return nil, err
	}
	env.Signature = sig
	return protobuf.Encode(env)
}

// openEnvelope decodes an envelope and verifies its signature against the
// sender's public key. It returns the envelope only when authentic.
func openEnvelope(data []byte, lookup func(did string) (kyber.Point, bool)) (*Envelope, error) {
	env := &Envelope{}
	if err := protobuf.Decode(data, env); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadEnvelope, err)
	}
	if len(env.SessionID) != IDLen || env.SenderDID == "" {
		return nil, errBadEnvelope
	}
	pub, ok := lookup(env.SenderDID)
	if !ok {
		return nil, fmt.Errorf("session: unknown sender %s", env.SenderDID)
	}
	sig := env.Signature
	env.Signature = nil
	unsigned, err := protobuf.Encode(env)
	if err != nil {
		return nil, err
	}
	if err := schnorr.Verify(key.Suite, pub, unsigned, sig); err != nil {
		return nil, fmt.Errorf("session: envelope signature from %s: %w", env.SenderDID, err)
	}
	env.Signature = sig
	return env, nil
}
