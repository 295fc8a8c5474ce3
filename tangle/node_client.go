package tangle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/teleconsys/dora-storage/common/log"
)

const (
	defaultPollInterval  = 5 * time.Second
	faucetMinInterval    = 60 * time.Second
	taggedDataPayload    = 5
	defaultClientTimeout = 30 * time.Second
)

// NodeClient talks to the REST API of a ledger node. Tag subscriptions are
// driven by polling the tagged-data index: the stream survives node
// restarts, resuming from the last acknowledged block.
type NodeClient struct {
	nodeURL   string
	faucetURL string
	address   string
	http      *http.Client
	log       log.Logger

	mu         sync.Mutex
	lastFaucet time.Time
}

// NewNodeClient returns a client for the node at nodeURL. faucetURL may be
// empty, in which case RequestFunds fails.
func NewNodeClient(nodeURL, faucetURL, address string, l log.Logger) *NodeClient {
	return &NodeClient{
		nodeURL:   strings.TrimRight(nodeURL, "/"),
		faucetURL: strings.TrimRight(faucetURL, "/"),
		address:   address,
		http:      &http.Client{Timeout: defaultClientTimeout},
		log:       l.Named("tangle"),
	}
}

type restBlock struct {
	Payload *restPayload `json:"payload"`
}

type restPayload struct {
	Type int    `json:"type"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

type submitResponse struct {
	BlockID string `json:"blockId"`
}

// Publish submits a tagged data block. It performs a single attempt; the
// retry policy lives in Publisher.
func (c *NodeClient) Publish(ctx context.Context, tag string, data []byte) (BlockID, error) {
	block := restBlock{Payload: &restPayload{
		Type: taggedDataPayload,
		Tag:  "0x" + hex.EncodeToString([]byte(tag)),
		Data: "0x" + hex.EncodeToString(data),
	}}
	body, err := json.Marshal(block)
	if err != nil {
		return "", err
	}
	var resp submitResponse
	if err := c.doJSON(ctx, http.MethodPost, c.nodeURL+"/api/core/v2/blocks", body, &resp); err != nil {
		return "", err
	}
	return BlockID(resp.BlockID), nil
}

// Block fetches a block by id and extracts its tagged data payload.
func (c *NodeClient) Block(ctx context.Context, id BlockID) (Message, error) {
	var blk restBlock
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("%s/api/core/v2/blocks/%s", c.nodeURL, url.PathEscape(string(id))), nil, &blk)
	if err != nil {
		return Message{}, err
	}
	return decodeBlock(id, &blk, time.Time{})
}

type taggedEntry struct {
	BlockID   string `json:"blockId"`
	Timestamp int64  `json:"timestamp"`
}

type taggedIndex struct {
	Items []taggedEntry `json:"items"`
}

// Find returns the history of blocks carrying the tag, oldest first.
func (c *NodeClient) Find(ctx context.Context, tag string) ([]Message, error) {
	endpoint := fmt.Sprintf("%s/api/plugins/indexer/v1/tagged/0x%s", c.nodeURL, hex.EncodeToString([]byte(tag)))
	var index taggedIndex
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &index); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(index.Items))
	for _, item := range index.Items {
		msg, err := c.Block(ctx, BlockID(item.BlockID))
		if err != nil {
			c.log.Warnw("indexed block unavailable", "block", item.BlockID, "error", err)
			continue
		}
		msg.Timestamp = time.Unix(item.Timestamp, 0)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Subscribe polls the tagged-data index and streams unseen blocks. It
// reconnects forever; index errors only delay the next poll.
func (c *NodeClient) Subscribe(ctx context.Context, tag string) (<-chan Message, error) {
	ch := make(chan Message, subscriberBuffer)
	go func() {
		defer close(ch)
		seen := make(map[BlockID]struct{})
		ticker := time.NewTicker(defaultPollInterval)
		defer ticker.Stop()
		for {
			msgs, err := c.Find(ctx, tag)
			if err != nil {
				c.log.Warnw("tag poll failed", "tag", tag, "error", err)
			}
			for _, msg := range msgs {
				if _, ok := seen[msg.BlockID]; ok {
					continue
				}
				seen[msg.BlockID] = struct{}{}
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type balanceResponse struct {
	Balance uint64 `json:"balance"`
}

// Balance reports the funds available to the node address.
func (c *NodeClient) Balance(ctx context.Context) (uint64, error) {
	var resp balanceResponse
	endpoint := fmt.Sprintf("%s/api/core/v2/addresses/%s", c.nodeURL, url.PathEscape(c.address))
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// RequestFunds asks the faucet for funds, at most once per minute.
func (c *NodeClient) RequestFunds(ctx context.Context) error {
	if c.faucetURL == "" {
		return fmt.Errorf("%w: no faucet configured", ErrLedgerUnavailable)
	}
	c.mu.Lock()
	if since := time.Since(c.lastFaucet); since < faucetMinInterval {
		c.mu.Unlock()
		return fmt.Errorf("faucet throttled, retry in %s", faucetMinInterval-since)
	}
	c.lastFaucet = time.Now()
	c.mu.Unlock()

	body, _ := json.Marshal(map[string]string{"address": c.address})
	return c.doJSON(ctx, http.MethodPost, c.faucetURL+"/api/enqueue", body, nil)
}

func (c *NodeClient) doJSON(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %s", ErrLedgerUnavailable, endpoint, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeBlock(id BlockID, blk *restBlock, ts time.Time) (Message, error) {
	if blk.Payload == nil || blk.Payload.Type != taggedDataPayload {
		return Message{}, ErrNotTaggedData
	}
	tag, err := hex.DecodeString(strings.TrimPrefix(blk.Payload.Tag, "0x"))
	if err != nil {
		return Message{}, err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(blk.Payload.Data, "0x"))
	if err != nil {
		return Message{}, err
	}
	return Message{BlockID: id, Tag: string(tag), Data: data, Timestamp: ts}, nil
}
