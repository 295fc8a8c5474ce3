// Package ecies implements the hybrid encryption a dealer uses to hand a
// private share to a single recipient over the public ledger: an ephemeral
// ECDH exchange, HKDF key derivation and an AES-GCM seal.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"hash"
	"io"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"golang.org/x/crypto/hkdf"
)

// DefaultHash is the hash driving the HKDF when none is given.
var DefaultHash = sha256.New

const symKeyLen = 32

// Ciphertext is what travels on the ledger: the ephemeral public point of
// the exchange plus the sealed payload and its nonce.
type Ciphertext struct {
	Ephemeral  []byte
	Nonce      []byte
	Ciphertext []byte
}

// Encrypt seals msg to the holder of the private counterpart of public.
// Only that holder can rebuild the shared point from the ephemeral one, so
// the ciphertext is safe to broadcast.
func Encrypt(g kyber.Group, fn func() hash.Hash, public kyber.Point, msg []byte) (*Ciphertext, error) {
	esk := g.Scalar().Pick(random.New())
	epk, err := g.Point().Mul(esk, nil).MarshalBinary()
	if err != nil {
		return nil, err
	}
	aead, err := sealer(fn, g.Point().Mul(esk, public))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Ciphertext{
		Ephemeral:  epk,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, msg, nil),
	}, nil
}

// Decrypt rebuilds the shared point with the recipient's private key and
// opens the seal. A ciphertext encrypted to a different key, or tampered
// with in flight, fails authentication here.
func Decrypt(g kyber.Group, fn func() hash.Hash, priv kyber.Scalar, c *Ciphertext) ([]byte, error) {
	epk := g.Point()
	if err := epk.UnmarshalBinary(c.Ephemeral); err != nil {
		return nil, err
	}
	aead, err := sealer(fn, g.Point().Mul(priv, epk))
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, c.Nonce, c.Ciphertext, nil)
}

// sealer turns the shared point of the exchange into an AEAD: HKDF over the
// marshalled point yields the AES-GCM key.
func sealer(fn func() hash.Hash, shared kyber.Point) (cipher.AEAD, error) {
	if fn == nil {
		fn = DefaultHash
	}
	secret, err := shared.MarshalBinary()
	if err != nil {
		return nil, err
	}
	symKey := make([]byte, symKeyLen)
	if _, err := io.ReadFull(hkdf.New(fn, secret, nil, nil), symKey); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
