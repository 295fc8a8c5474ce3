package key

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drand/kyber"
)

// Document is the DID document anchored on the ledger for a node or a
// committee. It binds a public key to the tag the holder listens on.
type Document struct {
	ID                 string `json:"id"`
	VerificationMethod string `json:"verification_method"`
	ServiceEndpoint    string `json:"service_endpoint"`
	Timestamp          int64  `json:"timestamp"`
}

// NewDocument assembles the DID document of a node identity. The timestamp
// is rounded down to a multiple of resolution so that documents rebuilt at
// slightly different times stay identical.
func NewDocument(id *Identity, now time.Time, resolution time.Duration) *Document {
	return &Document{
		ID:                 id.DID,
		VerificationMethod: pointToString(id.Key),
		ServiceEndpoint:    id.Tag(),
		Timestamp:          roundTimestamp(now, resolution),
	}
}

// CommitteeDID derives the committee identifier from the sorted member DIDs
// and the instruction nonce. Every honest member computes the same value.
func CommitteeDID(sortedDIDs []string, nonce []byte) string {
	parts := make([][]byte, 0, len(sortedDIDs)+1)
	for _, did := range sortedDIDs {
		parts = append(parts, []byte(did))
	}
	parts = append(parts, nonce)
	return DIDPrefix + hex.EncodeToString(Digest(parts...))
}

// NewCommitteeDocument assembles the DID document of a freshly formed
// committee: its verification method is the committee public key Q.
func NewCommitteeDocument(g *Group, pub *DistPublic, nonce []byte, now time.Time, resolution time.Duration) *Document {
	did := CommitteeDID(g.DIDs(), nonce)
	return &Document{
		ID:                 did,
		VerificationMethod: pointToString(pub.Key()),
		ServiceEndpoint:    TagFromDID(did),
		Timestamp:          roundTimestamp(now, resolution),
	}
}

// RoundTimestamp rounds a timestamp down to a multiple of the resolution.
// Logs and documents built independently by several nodes use it so their
// signed bytes stay identical.
func RoundTimestamp(now time.Time, resolution time.Duration) int64 {
	return roundTimestamp(now, resolution)
}

func roundTimestamp(now time.Time, resolution time.Duration) int64 {
	if resolution <= 0 {
		return now.Unix()
	}
	step := int64(resolution / time.Second)
	if step <= 0 {
		step = 1
	}
	return now.Unix() / step * step
}

// PublicKey parses the verification method of the document.
func (d *Document) PublicKey() (kyber.Point, error) {
	return stringToPoint(Suite, d.VerificationMethod)
}

// Validate performs the structural checks every consumer of a document must
// run before trusting it.
func (d *Document) Validate() error {
	if d.ID == "" {
		return errors.New("key: document has empty id")
	}
	if d.ServiceEndpoint != TagFromDID(d.ID) {
		return fmt.Errorf("key: document %s endpoint does not match its identifier", d.ID)
	}
	if _, err := d.PublicKey(); err != nil {
		return fmt.Errorf("key: document %s verification method: %w", d.ID, err)
	}
	return nil
}

// Bytes returns the JSON encoding published on the ledger.
func (d *Document) Bytes() ([]byte, error) {
	return json.Marshal(d)
}

// DocumentFromBytes parses and validates a ledger-published document.
func DocumentFromBytes(data []byte) (*Document, error) {
	doc := new(Document)
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}
