package tangle

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/teleconsys/dora-storage/key"
)

const subscriberBuffer = 1024

// MemLedger is an in-process ledger shared by every node of a test cluster.
// It keeps the full tagged history so Find and Block behave like an indexed
// node, and fans published messages out to subscribers. Slow subscribers
// lose the oldest undelivered messages, mirroring the lossy nature of a real
// stream.
type MemLedger struct {
	mu      sync.Mutex
	counter uint64
	history map[string][]Message
	blocks  map[BlockID]Message
	subs    map[string][]chan Message
}

// NewMemLedger returns an empty in-process ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		history: make(map[string][]Message),
		blocks:  make(map[BlockID]Message),
		subs:    make(map[string][]chan Message),
	}
}

// Publish appends a tagged message and delivers it to subscribers.
func (m *MemLedger) Publish(_ context.Context, tag string, data []byte) (BlockID, error) {
	m.mu.Lock()
	m.counter++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], m.counter)
	id := BlockID(hex.EncodeToString(key.Digest([]byte(tag), data, seq[:])))
	msg := Message{
		BlockID:   id,
		Tag:       tag,
		Data:      append([]byte(nil), data...),
		Timestamp: time.Now(),
	}
	m.history[tag] = append(m.history[tag], msg)
	m.blocks[id] = msg
	subs := append([]chan Message(nil), m.subs[tag]...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			// drop the oldest to make room, the stream is best-effort
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
	return id, nil
}

// Subscribe returns a stream of messages bearing the tag, starting from the
// moment of the call.
func (m *MemLedger) Subscribe(ctx context.Context, tag string) (<-chan Message, error) {
	ch := make(chan Message, subscriberBuffer)
	m.mu.Lock()
	m.subs[tag] = append(m.subs[tag], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		subs := m.subs[tag]
		for i, c := range subs {
			if c == ch {
				m.subs[tag] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

// Block resolves a block by content id.
func (m *MemLedger) Block(_ context.Context, id BlockID) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.blocks[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

// Find returns the full history of messages bearing the tag.
func (m *MemLedger) Find(_ context.Context, tag string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.history[tag]...), nil
}

// Balance reports an always funded account.
func (m *MemLedger) Balance(context.Context) (uint64, error) {
	return 1 << 20, nil
}

// RequestFunds is a no-op on the in-process ledger.
func (m *MemLedger) RequestFunds(context.Context) error {
	return nil
}
