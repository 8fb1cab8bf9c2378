package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/uhyunpark/orderflow/pkg/order"
)

// DefaultTopic is the channel name shared by every process in a deployment.
const DefaultTopic = "order-events"

// Message is the envelope carried on the event channel.
type Message struct {
	OrderID string            `json:"orderId"`
	Payload order.StatusEvent `json:"payload"`
}

// Bus is a broadcast channel of status messages. Every subscriber sees
// every message published after it subscribed.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe returns a message stream and a function that ends the
	// subscription and closes the stream.
	Subscribe(ctx context.Context) (<-chan Message, func(), error)
}

const memoryBufferSize = 1024

// MemoryBus fans messages out to in-process subscribers. A subscriber that
// falls memoryBufferSize messages behind misses messages instead of
// stalling publishers.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[chan Message]struct{}
	dropped atomic.Uint64
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[chan Message]struct{})}
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Message, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch := make(chan Message, memoryBufferSize)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (b *MemoryBus) Dropped() uint64 { return b.dropped.Load() }

var _ Bus = (*MemoryBus)(nil)
