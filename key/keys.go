// Package key holds the node identity material: the longterm keypair, the
// committee group with its ordering, the distributed share coming out of a
// DKG and the file store persisting all of them between restarts.
package key

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
)

// DIDPrefix is the method prefix of every identifier anchored on the ledger.
const DIDPrefix = "did:iota:"

// Pair is a wrapper around a random scalar and the corresponding public
// identity.
type Pair struct {
	Key    kyber.Scalar
	Public *Identity
}

// Identity holds the public key of a node together with the DID derived from
// it. The DID identifier is the blake2b-256 digest of the marshalled public
// key; the ledger tag the node listens on is derived from the identifier.
type Identity struct {
	Key kyber.Point
	DID string
}

// NewKeyPair returns a freshly created private / public key pair on Suite.
func NewKeyPair() *Pair {
	key := Suite.Scalar().Pick(random.New())
	pub := Suite.Point().Mul(key, nil)
	return &Pair{
		Key:    key,
		Public: NewIdentity(pub),
	}
}

// NewIdentity builds an identity from a public key, deriving its DID.
func NewIdentity(pub kyber.Point) *Identity {
	buff, _ := pub.MarshalBinary()
	return &Identity{
		Key: pub,
		DID: DIDPrefix + hex.EncodeToString(Digest(buff)),
	}
}

// Equal returns true if the cryptographic public key of i equals i2's.
func (i *Identity) Equal(i2 *Identity) bool {
	return i.Key.Equal(i2.Key)
}

// Tag returns the ledger tag this identity listens on.
func (i *Identity) Tag() string {
	return TagFromDID(i.DID)
}

// TagFromDID derives a ledger tag from a DID: the lower 32 bytes of the
// identifier, hex encoded. Identifiers are 32-byte digests so the tag is the
// identifier itself.
func TagFromDID(did string) string {
	id := did
	if idx := strings.LastIndex(did, ":"); idx >= 0 {
		id = did[idx+1:]
	}
	const tagLen = 64 // 32 bytes hex encoded
	if len(id) > tagLen {
		id = id[len(id)-tagLen:]
	}
	return id
}

// PairTOML is the TOML-able version of a private key pair.
type PairTOML struct {
	Key string
}

// PublicTOML is the TOML-able version of a public identity.
type PublicTOML struct {
	DID string
	Key string
}

// TOML returns a struct that can be marshalled using a TOML-encoding library.
func (p *Pair) TOML() interface{} {
	return &PairTOML{scalarToString(p.Key)}
}

// FromTOML constructs the private key pair from an unmarshalled TOML struct.
func (p *Pair) FromTOML(i interface{}) error {
	ptoml, ok := i.(*PairTOML)
	if !ok {
		return errors.New("key: pair can't decode toml from non PairTOML struct")
	}

	var err error
	p.Key, err = stringToScalar(Suite, ptoml.Key)
	if err != nil {
		return err
	}
	p.Public = NewIdentity(Suite.Point().Mul(p.Key, nil))
	return nil
}

// TOMLValue returns an empty TOML-compatible interface value.
func (p *Pair) TOMLValue() interface{} {
	return &PairTOML{}
}

// TOML returns a TOML-compatible version of the identity.
func (i *Identity) TOML() interface{} {
	return &PublicTOML{
		DID: i.DID,
		Key: pointToString(i.Key),
	}
}

// FromTOML loads the identity from its TOML description.
func (i *Identity) FromTOML(t interface{}) error {
	ptoml, ok := t.(*PublicTOML)
	if !ok {
		return errors.New("key: identity can't decode from non PublicTOML struct")
	}
	pub, err := stringToPoint(Suite, ptoml.Key)
	if err != nil {
		return err
	}
	id := NewIdentity(pub)
	if ptoml.DID != "" && ptoml.DID != id.DID {
		return errors.New("key: identity DID does not match public key")
	}
	*i = *id
	return nil
}

// TOMLValue returns a TOML-compatible interface value.
func (i *Identity) TOMLValue() interface{} {
	return &PublicTOML{}
}

// PointFromHex parses a hex encoded public key on Suite.
func PointFromHex(s string) (kyber.Point, error) {
	return stringToPoint(Suite, s)
}

func pointToString(p kyber.Point) string {
	buff, _ := p.MarshalBinary()
	return hex.EncodeToString(buff)
}

func scalarToString(s kyber.Scalar) string {
	buff, _ := s.MarshalBinary()
	return hex.EncodeToString(buff)
}

func stringToPoint(g kyber.Group, s string) (kyber.Point, error) {
	buff, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	p := g.Point()
	return p, p.UnmarshalBinary(buff)
}

func stringToScalar(g kyber.Group, s string) (kyber.Scalar, error) {
	buff, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	sc := g.Scalar()
	return sc, sc.UnmarshalBinary(buff)
}
