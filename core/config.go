package core

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/teleconsys/dora-storage/common/log"
	"github.com/teleconsys/dora-storage/fetch"
	"github.com/teleconsys/dora-storage/storage"
	"github.com/teleconsys/dora-storage/tangle"
)

// Defaults for the protocol timers.
const (
	DefaultSignatureSleepTime = 20 * time.Second
	DefaultDKGTimeout         = 60 * time.Second
	DefaultPublishBackoff     = 30 * time.Second
	DefaultTimeResolution     = 10 * time.Second
)

// Config carries everything a node needs; there are no process-wide
// singletons, the state directory included.
type Config struct {
	// SaveDir is the state directory (DORA_SAVE_DIR).
	SaveDir string
	// GovernorTag is the tag instructions are accepted from.
	GovernorTag string

	Ledger  tangle.Client
	Storage storage.Storage
	// Fetcher resolves input URIs; the default resolver is used when nil.
	Fetcher fetch.Fetcher

	Clock  clockwork.Clock
	Logger log.Logger

	// TimeResolution rounds DID document timestamps down to a multiple of
	// this duration.
	TimeResolution time.Duration
	// SignatureSleepTime bounds each signing round; messages past it are
	// ignored and their senders recorded faulty.
	SignatureSleepTime time.Duration
	// DKGTimeout bounds each DKG round.
	DKGTimeout time.Duration
	// PublishBackoff is how long a non-designated participant waits before
	// taking over a publication it has not observed.
	PublishBackoff time.Duration
	// RetryInterval is the republish interval of the session layer.
	RetryInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if out.Logger == nil {
		out.Logger = log.DefaultLogger()
	}
	if out.SignatureSleepTime == 0 {
		out.SignatureSleepTime = DefaultSignatureSleepTime
	}
	if out.DKGTimeout == 0 {
		out.DKGTimeout = DefaultDKGTimeout
	}
	if out.PublishBackoff == 0 {
		out.PublishBackoff = DefaultPublishBackoff
	}
	if out.TimeResolution == 0 {
		out.TimeResolution = DefaultTimeResolution
	}
	return out
}
