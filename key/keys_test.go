package key

import (
	"bytes"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
)

func TestKeyPublic(t *testing.T) {
	kp := NewKeyPair()
	require.True(t, strings.HasPrefix(kp.Public.DID, DIDPrefix))
	require.Len(t, kp.Public.Tag(), 64)

	ptoml := kp.Public.TOML().(*PublicTOML)
	require.Equal(t, kp.Public.DID, ptoml.DID)

	var writer bytes.Buffer
	enc := toml.NewEncoder(&writer)
	require.NoError(t, enc.Encode(ptoml))

	p2 := new(Identity)
	p2toml := new(PublicTOML)
	_, err := toml.Decode(writer.String(), p2toml)
	require.NoError(t, err)
	require.NoError(t, p2.FromTOML(p2toml))

	require.Equal(t, kp.Public.DID, p2.DID)
	require.Equal(t, kp.Public.Key.String(), p2.Key.String())
}

func TestKeyPrivate(t *testing.T) {
	kp := NewKeyPair()
	ptoml := kp.TOML().(*PairTOML)

	p2 := new(Pair)
	require.NoError(t, p2.FromTOML(ptoml))
	require.Equal(t, kp.Key.String(), p2.Key.String())
	// the public identity is rederived from the scalar
	require.Equal(t, kp.Public.DID, p2.Public.DID)
}

func TestIdentityTamperedDID(t *testing.T) {
	kp := NewKeyPair()
	other := NewKeyPair()
	ptoml := kp.Public.TOML().(*PublicTOML)
	ptoml.DID = other.Public.DID

	p2 := new(Identity)
	require.Error(t, p2.FromTOML(ptoml))
}

func TestTagFromDID(t *testing.T) {
	kp := NewKeyPair()
	require.Equal(t, kp.Public.Tag(), TagFromDID(kp.Public.DID))
	// the tag is the lower 32 bytes of the identifier
	require.True(t, strings.HasSuffix(kp.Public.DID, kp.Public.Tag()))
}
