// Package records defines the two logs a committee emits: the per-node
// signature log documenting who took part in a signing session, and the
// committee task log carrying the outcome of a request under the aggregate
// threshold signature. Both are canonical JSON so that signatures can be
// re-verified from the serialized form alone.
package records

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/sign/schnorr"

	"github.com/teleconsys/dora-storage/key"
)

// Outcome is the result of a request.
type Outcome string

const (
	// Success marks a request fully served and signed.
	Success Outcome = "Success"
	// Failure marks a request that could not be served.
	Failure Outcome = "Failure"
)

// ErrInvalidLog is returned when a log's signature does not verify.
var ErrInvalidLog = errors.New("records: invalid log signature")

// SignatureLog is emitted by every participant of a signing session and
// signed with its individual node key.
type SignatureLog struct {
	SessionID           string   `json:"session_id"`
	RequestID           string   `json:"request_id"`
	ParticipantsPresent []string `json:"participants_present"`
	ParticipantsFaulty  []string `json:"participants_faulty"`
	NodeDID             string   `json:"node_did"`
	Timestamp           int64    `json:"timestamp"`
	Nonce               string   `json:"nonce"`
	NodeSignature       string   `json:"node_signature,omitempty"`
}

// TaskLog is the committee-level record of a request, signed with the
// aggregate threshold signature. Data carries the payload for successful
// requests; Reason names the failure class otherwise.
type TaskLog struct {
	RequestID          string  `json:"request_id"`
	Outcome            Outcome `json:"outcome"`
	Data               string  `json:"data,omitempty"`
	Reason             string  `json:"reason,omitempty"`
	CommitteeDID       string  `json:"committee_did"`
	Timestamp          int64   `json:"timestamp"`
	CommitteeSignature string  `json:"committee_signature,omitempty"`
}

// SetData stores a binary payload.
func (t *TaskLog) SetData(data []byte) {
	t.Data = base64.StdEncoding.EncodeToString(data)
}

// Payload decodes the binary payload.
func (t *TaskLog) Payload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(t.Data)
}

// canonical reproduces the signed form of a log: JSON with sorted keys and
// no whitespace, signature field absent.
func canonical(v interface{}) ([]byte, error) {
	direct, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(direct, &m); err != nil {
		return nil, err
	}
	delete(m, "node_signature")
	delete(m, "committee_signature")
	return json.Marshal(m)
}

// SigningBytes returns the canonical bytes a signature log signs.
func (s *SignatureLog) SigningBytes() ([]byte, error) {
	return canonical(s)
}

// Sign signs the log in place with the node's private key.
func (s *SignatureLog) Sign(priv kyber.Scalar) error {
	msg, err := s.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(key.Suite, priv, msg)
	if err != nil {
		return err
	}
	s.NodeSignature = hex.EncodeToString(sig)
	return nil
}

// Verify checks the log against the node's published public key.
func (s *SignatureLog) Verify(pub kyber.Point) error {
	msg, err := s.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(s.NodeSignature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLog, err)
	}
	if err := schnorr.Verify(key.Suite, pub, msg, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLog, err)
	}
	return nil
}

// SigningBytes returns the canonical bytes the committee signs.
func (t *TaskLog) SigningBytes() ([]byte, error) {
	return canonical(t)
}

// Attach stores the aggregate signature on the log.
func (t *TaskLog) Attach(sig []byte) {
	t.CommitteeSignature = hex.EncodeToString(sig)
}

// Verify checks the task log against the committee public key Q.
func (t *TaskLog) Verify(committee kyber.Point) error {
	if t.CommitteeSignature == "" {
		return fmt.Errorf("%w: missing committee signature", ErrInvalidLog)
	}
	msg, err := t.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(t.CommitteeSignature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLog, err)
	}
	if err := schnorr.Verify(key.Suite, committee, msg, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLog, err)
	}
	return nil
}
