// Package fetch resolves the input-uri of a request into canonical bytes.
// Every committee member resolves the same URI independently; signing only
// proceeds when the resulting hashes agree, so resolvers must be
// deterministic for any given URI at any given time.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teleconsys/dora-storage/storage"
	"github.com/teleconsys/dora-storage/tangle"
)

const (
	httpTimeout  = 10 * time.Second
	maxRedirects = 5
	maxBody      = 16 << 20
)

// ErrInputUnavailable is returned when a URI cannot be resolved.
var ErrInputUnavailable = errors.New("fetch: input unavailable")

// Fetcher resolves input URIs. It is the pluggable policy point for oracle
// sources: replacing it changes how (and whether) non-deterministic inputs
// are admitted.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Resolver is the default Fetcher, wired to the ledger, the local object
// store and plain HTTP.
type Resolver struct {
	ledger  tangle.Client
	storage storage.Storage
	http    *http.Client
}

// NewResolver builds the default resolver.
func NewResolver(ledger tangle.Client, store storage.Storage) *Resolver {
	return &Resolver{
		ledger:  ledger,
		storage: store,
		http: &http.Client{
			Timeout: httpTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// Fetch resolves a URI of one of the supported schemes:
//
//	literal:string:<s>    the UTF-8 bytes of <s>
//	iota:message:<id>     the tagged data payload of ledger block <id>
//	storage:local:<id>    the object stored under <id>
//	http(s)://<url>       the body of a GET, 2xx only
func (r *Resolver) Fetch(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "literal:string:"):
		return []byte(strings.TrimPrefix(uri, "literal:string:")), nil

	case strings.HasPrefix(uri, "iota:message:"):
		id := tangle.BlockID(strings.TrimPrefix(uri, "iota:message:"))
		msg, err := r.ledger.Block(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: block %s: %v", ErrInputUnavailable, id, err)
		}
		return msg.Data, nil

	case strings.HasPrefix(uri, "storage:local:"):
		id := strings.TrimPrefix(uri, "storage:local:")
		data, err := r.storage.Get(id)
		if err != nil {
			return nil, fmt.Errorf("%w: storage %s: %v", ErrInputUnavailable, id, err)
		}
		return data, nil

	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return r.fetchHTTP(ctx, uri)
	}
	return nil, fmt.Errorf("%w: unsupported scheme in %q", ErrInputUnavailable, uri)
}

func (r *Resolver) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnavailable, err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned %s", ErrInputUnavailable, uri, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnavailable, err)
	}
	return data, nil
}
