package key

import (
	"hash"

	"github.com/drand/kyber/group/edwards25519"
	"golang.org/x/crypto/blake2b"
)

// Suite is the cryptographic suite used for node identities, the DKG and the
// threshold signing scheme. A single group keeps individual keys, shares and
// aggregate signatures compatible with each other.
var Suite = edwards25519.NewBlakeSHA256Ed25519()

func hashFunc() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// Digest returns the blake2b-256 digest of the concatenation of the given
// byte slices. It is the hash used for identifiers, session ids and message
// dedup keys.
func Digest(parts ...[]byte) []byte {
	h := hashFunc()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return h.Sum(nil)
}
