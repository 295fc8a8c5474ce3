package key

import (
	"errors"
	"os"
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"
)

func newTestShare(t *testing.T, n, threshold, idx int) *Share {
	t.Helper()
	poly := share.NewPriPoly(Suite, threshold, nil, random.New())
	pub := poly.Commit(Suite.Point().Base())
	_, commits := pub.Info()
	shares := poly.Shares(n)
	return &Share{
		Commits: commits,
		Share:   shares[idx],
	}
}

func TestStoreKeyPair(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	_, err := store.LoadKeyPair()
	require.True(t, errors.Is(err, os.ErrNotExist))

	kp := NewKeyPair()
	require.NoError(t, store.SaveKeyPair(kp))

	loaded, err := store.LoadKeyPair()
	require.NoError(t, err)
	require.Equal(t, kp.Key.String(), loaded.Key.String())
	require.Equal(t, kp.Public.DID, loaded.Public.DID)
}

func TestStoreShare(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	s := newTestShare(t, 3, 2, 1)
	require.True(t, s.Valid())
	require.NoError(t, store.SaveShare(s))

	loaded, err := store.LoadShare()
	require.NoError(t, err)
	require.Equal(t, s.Share.I, loaded.Share.I)
	require.Equal(t, s.Share.V.String(), loaded.Share.V.String())
	require.True(t, loaded.Public().Key().Equal(s.Public().Key()))
}

func TestStoreShareCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	s := newTestShare(t, 3, 2, 1)
	// a share that does not match its commitments must refuse to load
	s.Share.V = Suite.Scalar().Pick(random.New())
	require.NoError(t, store.SaveShare(s))

	_, err := store.LoadShare()
	require.True(t, errors.Is(err, ErrCorruptState))
}

func TestStoreGroup(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	g := NewGroup(newIdentities(3), 0)
	require.NoError(t, store.SaveGroup(g))

	loaded, err := store.LoadGroup()
	require.NoError(t, err)
	require.Equal(t, g.DIDs(), loaded.DIDs())
	require.Equal(t, g.Threshold, loaded.Threshold)
}

func TestStoreCommittee(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	s := newTestShare(t, 3, 2, 0)
	g := NewGroup(newIdentities(3), 0)
	doc := NewCommitteeDocument(g, s.Public(), []byte("nonce"), nowForTest(), 0)
	require.NoError(t, store.SaveCommittee(doc))

	loaded, err := store.LoadCommittee()
	require.NoError(t, err)
	require.Equal(t, doc.ID, loaded.ID)
	require.Equal(t, doc.ServiceEndpoint, loaded.ServiceEndpoint)
}
