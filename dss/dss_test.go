package dss

import (
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/teleconsys/dora-storage/key"
)

// newSigners distributes a fresh secret over n nodes as a completed DKG
// would and returns one signer per node over the same message.
func newSigners(t *testing.T, n, threshold int, msg []byte) ([]*Signer, *key.DistPublic) {
	t.Helper()
	poly := share.NewPriPoly(key.Suite, threshold, nil, random.New())
	_, commits := poly.Commit(key.Suite.Point().Base()).Info()
	pub := &key.DistPublic{Coefficients: commits}
	shares := poly.Shares(n)
	signers := make([]*Signer, n)
	for i := range signers {
		signers[i] = NewSigner(shares[i], pub, n, threshold, msg)
	}
	return signers, pub
}

func exchangeCommitments(t *testing.T, signers []*Signer, live []int) {
	t.Helper()
	commitments := make([]*Commitment, 0, len(live))
	for _, i := range live {
		commitments = append(commitments, signers[i].Commitment())
	}
	for _, i := range live {
		for _, c := range commitments {
			if c.Index == signers[i].Index() {
				continue
			}
			require.NoError(t, signers[i].ProcessCommitment(c))
		}
	}
}

func TestThresholdSigning(t *testing.T) {
	msg := []byte("a committee statement")
	signers, pub := newSigners(t, 3, 2, msg)
	live := []int{0, 1, 2}

	exchangeCommitments(t, signers, live)
	for _, i := range live {
		require.NoError(t, signers[i].Freeze())
		require.Equal(t, []uint32{0, 1}, signers[i].Participants())
	}

	partials := make([]*PartialSig, 0, 2)
	for _, i := range []int{0, 1} {
		require.True(t, signers[i].Chosen())
		ps, err := signers[i].PartialSig()
		require.NoError(t, err)
		partials = append(partials, ps)
	}
	require.False(t, signers[2].Chosen())
	_, err := signers[2].PartialSig()
	require.ErrorIs(t, err, ErrNotChosen)

	sigs := make([][]byte, 0, 3)
	for _, i := range live {
		for _, ps := range partials {
			if ps.Index == signers[i].Index() {
				continue
			}
			require.NoError(t, signers[i].ProcessPartial(ps))
		}
		require.True(t, signers[i].EnoughPartials())
		sig, err := signers[i].Signature()
		require.NoError(t, err)
		require.NoError(t, Verify(pub.Key(), msg, sig))
		sigs = append(sigs, sig)
	}
	// every honest node aggregates byte-identical output
	require.Equal(t, sigs[0], sigs[1])
	require.Equal(t, sigs[0], sigs[2])
}

func TestSigningWithMissingNode(t *testing.T) {
	msg := []byte("two of three")
	signers, pub := newSigners(t, 3, 2, msg)
	// node 2 is dead: only 0 and 1 commit
	live := []int{0, 1}

	exchangeCommitments(t, signers, live)
	for _, i := range live {
		require.NoError(t, signers[i].Freeze())
	}
	ps0, err := signers[0].PartialSig()
	require.NoError(t, err)
	ps1, err := signers[1].PartialSig()
	require.NoError(t, err)
	require.NoError(t, signers[0].ProcessPartial(ps1))
	require.NoError(t, signers[1].ProcessPartial(ps0))

	sig, err := signers[0].Signature()
	require.NoError(t, err)
	require.NoError(t, Verify(pub.Key(), msg, sig))
}

func TestQuorumNotReached(t *testing.T) {
	msg := []byte("lonely node")
	signers, _ := newSigners(t, 3, 2, msg)
	signers[0].Commitment()
	require.ErrorIs(t, signers[0].Freeze(), ErrQuorumNotReached)
}

func TestInvalidPartialExcludesSender(t *testing.T) {
	msg := []byte("malice afoot")
	signers, pub := newSigners(t, 4, 3, msg)
	live := []int{0, 1, 2, 3}

	exchangeCommitments(t, signers, live)
	for _, i := range live {
		require.NoError(t, signers[i].Freeze())
	}
	require.Equal(t, []uint32{0, 1, 2}, signers[3].Participants())

	// node 1 signs garbage
	forged, err := signers[1].PartialSig()
	require.NoError(t, err)
	forged.V[0] ^= 0xff
	require.ErrorIs(t, signers[3].ProcessPartial(forged), ErrInvalidPartial)
	require.Equal(t, []uint32{1}, signers[3].Faulty())

	// the set reselected to the next lowest indices
	require.True(t, signers[3].Frozen())
	require.Equal(t, []uint32{0, 2, 3}, signers[3].Participants())

	// the other signers drop node 1 the same way and finish
	for _, i := range []int{0, 2} {
		signers[i].Exclude(1)
	}
	newSet := [][]uint32{signers[0].Participants(), signers[2].Participants(), signers[3].Participants()}
	require.Equal(t, newSet[0], newSet[1])
	require.Equal(t, newSet[0], newSet[2])

	partials := make([]*PartialSig, 0, 3)
	for _, i := range []int{0, 2, 3} {
		ps, err := signers[i].PartialSig()
		require.NoError(t, err)
		partials = append(partials, ps)
	}
	for _, i := range []int{0, 2, 3} {
		for _, ps := range partials {
			if ps.Index == signers[i].Index() {
				continue
			}
			require.NoError(t, signers[i].ProcessPartial(ps))
		}
		sig, err := signers[i].Signature()
		require.NoError(t, err)
		require.NoError(t, Verify(pub.Key(), msg, sig))
	}
}

func TestStalePartialIgnored(t *testing.T) {
	msg := []byte("old news")
	signers, _ := newSigners(t, 3, 2, msg)
	exchangeCommitments(t, signers, []int{0, 1, 2})
	require.NoError(t, signers[0].Freeze())
	require.NoError(t, signers[1].Freeze())

	ps, err := signers[1].PartialSig()
	require.NoError(t, err)
	ps.SetID = []byte("not the frozen set")
	require.ErrorIs(t, signers[0].ProcessPartial(ps), ErrStalePartial)
	require.Empty(t, signers[0].Faulty())
}

func TestPartialVerificationEquation(t *testing.T) {
	msg := []byte("check the algebra")
	signers, _ := newSigners(t, 3, 2, msg)
	exchangeCommitments(t, signers, []int{0, 1, 2})
	require.NoError(t, signers[0].Freeze())
	require.NoError(t, signers[1].Freeze())

	// a valid partial passes the verification equation on a peer
	ps, err := signers[1].PartialSig()
	require.NoError(t, err)
	require.NoError(t, signers[0].ProcessPartial(ps))
}
