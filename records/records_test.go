package records

import (
	"encoding/json"
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/teleconsys/dora-storage/dss"
	"github.com/teleconsys/dora-storage/key"
)

func TestSignatureLogRoundTrip(t *testing.T) {
	kp := key.NewKeyPair()
	slog := &SignatureLog{
		SessionID:           "aabb",
		RequestID:           "req-1",
		ParticipantsPresent: []string{"did:iota:a", "did:iota:b"},
		ParticipantsFaulty:  []string{"did:iota:c"},
		NodeDID:             kp.Public.DID,
		Timestamp:           1700000000,
		Nonce:               "n-1",
	}
	require.NoError(t, slog.Sign(kp.Key))
	require.NoError(t, slog.Verify(kp.Public.Key))

	// serialize, deserialize, verify again
	data, err := json.Marshal(slog)
	require.NoError(t, err)
	parsed := &SignatureLog{}
	require.NoError(t, json.Unmarshal(data, parsed))
	require.NoError(t, parsed.Verify(kp.Public.Key))
}

func TestSignatureLogTampered(t *testing.T) {
	kp := key.NewKeyPair()
	slog := &SignatureLog{
		SessionID: "aabb",
		RequestID: "req-1",
		NodeDID:   kp.Public.DID,
		Timestamp: 1700000000,
		Nonce:     "n-1",
	}
	require.NoError(t, slog.Sign(kp.Key))
	slog.RequestID = "req-2"
	require.ErrorIs(t, slog.Verify(kp.Public.Key), ErrInvalidLog)
}

func TestSignatureLogWrongKey(t *testing.T) {
	kp := key.NewKeyPair()
	other := key.NewKeyPair()
	slog := &SignatureLog{NodeDID: kp.Public.DID, Nonce: "n"}
	require.NoError(t, slog.Sign(kp.Key))
	require.ErrorIs(t, slog.Verify(other.Public.Key), ErrInvalidLog)
}

// aggregate signs a task log with a 2-of-3 threshold setup, as a committee
// would.
func aggregate(t *testing.T, taskLog *TaskLog) *key.DistPublic {
	t.Helper()
	msg, err := taskLog.SigningBytes()
	require.NoError(t, err)

	poly := share.NewPriPoly(key.Suite, 2, nil, random.New())
	_, commits := poly.Commit(key.Suite.Point().Base()).Info()
	pub := &key.DistPublic{Coefficients: commits}
	shares := poly.Shares(3)

	signers := make([]*dss.Signer, 3)
	for i := range signers {
		signers[i] = dss.NewSigner(shares[i], pub, 3, 2, msg)
	}
	var commitments []*dss.Commitment
	for _, s := range signers {
		commitments = append(commitments, s.Commitment())
	}
	for _, s := range signers {
		for _, c := range commitments {
			if c.Index != s.Index() {
				require.NoError(t, s.ProcessCommitment(c))
			}
		}
		require.NoError(t, s.Freeze())
	}
	ps0, err := signers[0].PartialSig()
	require.NoError(t, err)
	ps1, err := signers[1].PartialSig()
	require.NoError(t, err)
	require.NoError(t, signers[0].ProcessPartial(ps1))
	require.NoError(t, signers[1].ProcessPartial(ps0))

	sig, err := signers[0].Signature()
	require.NoError(t, err)
	taskLog.Attach(sig)
	return pub
}

func TestTaskLogRoundTrip(t *testing.T) {
	taskLog := &TaskLog{
		RequestID:    "req-7",
		Outcome:      Success,
		CommitteeDID: "did:iota:feed",
		Timestamp:    1700000040,
	}
	taskLog.SetData([]byte("hello"))
	pub := aggregate(t, taskLog)

	require.NoError(t, taskLog.Verify(pub.Key()))
	payload, err := taskLog.Payload()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)

	data, err := json.Marshal(taskLog)
	require.NoError(t, err)
	parsed := &TaskLog{}
	require.NoError(t, json.Unmarshal(data, parsed))
	require.NoError(t, parsed.Verify(pub.Key()))
}

func TestTaskLogTampered(t *testing.T) {
	taskLog := &TaskLog{
		RequestID:    "req-7",
		Outcome:      Success,
		CommitteeDID: "did:iota:feed",
		Timestamp:    1700000040,
	}
	pub := aggregate(t, taskLog)
	taskLog.Outcome = Failure
	require.ErrorIs(t, taskLog.Verify(pub.Key()), ErrInvalidLog)
}

func TestTaskLogMissingSignature(t *testing.T) {
	kp := key.NewKeyPair()
	taskLog := &TaskLog{RequestID: "r", Outcome: Failure, Reason: "quorum_not_reached"}
	require.ErrorIs(t, taskLog.Verify(kp.Public.Key), ErrInvalidLog)
}
