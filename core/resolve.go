package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/teleconsys/dora-storage/key"
	"github.com/teleconsys/dora-storage/tangle"
)

const resolvePollInterval = 2 * time.Second

// ResolveIdentity finds the identity behind a DID by scanning the DID's tag
// for a document whose key actually derives the identifier. It polls until
// the timeout: peers may publish their documents at slightly different
// times.
func ResolveIdentity(ctx context.Context, ledger tangle.Client, clock clockwork.Clock, did string, timeout time.Duration) (*key.Identity, error) {
	deadline := clock.Now().Add(timeout)
	tag := key.TagFromDID(did)
	for {
		msgs, err := ledger.Find(ctx, tag)
		if err == nil {
			// newest first: a republished document supersedes older ones
			for i := len(msgs) - 1; i >= 0; i-- {
				doc, err := key.DocumentFromBytes(msgs[i].Data)
				if err != nil || doc.ID != did {
					continue
				}
				pub, err := doc.PublicKey()
				if err != nil {
					continue
				}
				id := key.NewIdentity(pub)
				if id.DID != did {
					// key does not derive the identifier, forged document
					continue
				}
				return id, nil
			}
		}
		if !clock.Now().Before(deadline) {
			return nil, fmt.Errorf("core: could not resolve %s within %s", did, timeout)
		}
		select {
		case <-clock.After(resolvePollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// FindDocument scans a DID's tag for the document carrying the expected
// identifier. It returns nil when unobserved.
func FindDocument(ctx context.Context, ledger tangle.Client, committeeDID string) *key.Document {
	msgs, err := ledger.Find(ctx, key.TagFromDID(committeeDID))
	if err != nil {
		return nil
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		doc, err := key.DocumentFromBytes(msgs[i].Data)
		if err == nil && doc.ID == committeeDID {
			return doc
		}
	}
	return nil
}
