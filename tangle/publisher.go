package tangle

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/teleconsys/dora-storage/common/log"
	"github.com/teleconsys/dora-storage/internal/metrics"
)

const (
	publishAttempts   = 5
	publishBackoffMin = 1 * time.Second
	publishBackoffMax = 30 * time.Second
)

// Publisher wraps a Client with the publication retry policy: exponential
// backoff doubling from one second, capped at thirty seconds, five attempts
// total. A node with an empty balance asks the faucet before retrying; the
// client itself throttles faucet requests.
type Publisher struct {
	client Client
	clock  clockwork.Clock
	log    log.Logger
}

// NewPublisher returns a retrying publisher over the given client.
func NewPublisher(c Client, clock clockwork.Clock, l log.Logger) *Publisher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Publisher{client: c, clock: clock, log: l.Named("publisher")}
}

// Publish publishes the payload under the tag, retrying transient failures.
// It returns ErrLedgerUnavailable once the attempts are exhausted.
func (p *Publisher) Publish(ctx context.Context, tag string, data []byte) (BlockID, error) {
	backoff := publishBackoffMin
	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if balance, err := p.client.Balance(ctx); err == nil && balance == 0 {
			p.log.Infow("empty balance, requesting funds", "tag", tag)
			metrics.FaucetRequests.Inc()
			if err := p.client.RequestFunds(ctx); err != nil {
				p.log.Errorw("faucet request failed", "error", err)
			}
		}

		id, err := p.client.Publish(ctx, tag, data)
		if err == nil {
			return id, nil
		}
		lastErr = err
		p.log.Warnw("publish failed", "tag", tag, "attempt", attempt, "error", err)

		if attempt == publishAttempts {
			break
		}
		select {
		case <-p.clock.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
		if backoff > publishBackoffMax {
			backoff = publishBackoffMax
		}
	}
	return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, lastErr)
}
