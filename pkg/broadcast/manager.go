package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/util"
)

// ErrStreamClosed is returned by Run when the bus ends the subscription.
var ErrStreamClosed = errors.New("event stream closed")

// Conn is one subscriber's outbound channel. Send must not block: a slow
// or broken connection reports an error and is dropped by the manager.
type Conn interface {
	Send(ev order.StatusEvent) error
}

type Options struct {
	// Retention bounds how long the latest terminal status of an order with
	// no subscribers stays cached. Zero keeps it until the order's last
	// subscriber leaves.
	Retention time.Duration
	Logger    *zap.SugaredLogger
}

type cached struct {
	ev order.StatusEvent
	at time.Time
}

// Manager owns the per-order subscriber registry and the latest-status
// cache. Both maps are guarded by mu and never leave the manager.
type Manager struct {
	opts Options
	log  *zap.SugaredLogger
	now  func() time.Time

	mu     sync.Mutex
	subs   map[string]map[Conn]*order.StatusEvent // last event sent per connection
	latest map[string]cached
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:   opts,
		log:    util.OrNop(opts.Logger),
		now:    time.Now,
		subs:   make(map[string]map[Conn]*order.StatusEvent),
		latest: make(map[string]cached),
	}
}

// Subscribe registers c for orderID after sending it the cached latest
// status, or a pending placeholder when nothing is cached. If that first
// send fails c is not registered.
func (m *Manager) Subscribe(orderID string, c Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := order.Pending(orderID)
	if cur, ok := m.latest[orderID]; ok {
		first = cur.ev
	}
	if err := c.Send(first); err != nil {
		return err
	}

	set, ok := m.subs[orderID]
	if !ok {
		set = make(map[Conn]*order.StatusEvent)
		m.subs[orderID] = set
	}
	set[c] = &first
	m.log.Debugw("subscriber_added", "order_id", orderID, "subscribers", len(set), "first_status", first.Status)
	return nil
}

// Unsubscribe removes c. Removing the last subscriber of an order drops
// the order's cached status as well.
func (m *Manager) Unsubscribe(orderID string, c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(orderID, c)
}

func (m *Manager) remove(orderID string, c Conn) {
	set, ok := m.subs[orderID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m.subs, orderID)
		delete(m.latest, orderID)
		m.log.Debugw("order_released", "order_id", orderID)
	}
}

// Deliver caches ev as the order's latest status and fans it out. Each
// connection only receives events that advance what it has already seen.
func (m *Manager) Deliver(ev order.StatusEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latest[ev.OrderID] = cached{ev: ev, at: m.now()}

	set := m.subs[ev.OrderID]
	for c, last := range set {
		if !ev.Advances(last) {
			continue
		}
		if err := c.Send(ev); err != nil {
			m.log.Infow("subscriber_dropped", "order_id", ev.OrderID, "status", ev.Status, "err", err)
			m.remove(ev.OrderID, c)
			continue
		}
		*last = ev
	}
}

// Run delivers every bus message until ctx is done or the stream ends.
func (m *Manager) Run(ctx context.Context, bus events.Bus) error {
	msgs, cancel, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	var sweep <-chan time.Time
	if m.opts.Retention > 0 {
		t := time.NewTicker(m.opts.Retention / 2)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ErrStreamClosed
			}
			ev := msg.Payload
			if ev.OrderID == "" {
				ev.OrderID = msg.OrderID
			}
			m.Deliver(ev)
		case <-sweep:
			if n := m.Sweep(); n > 0 {
				m.log.Debugw("status_cache_swept", "evicted", n)
			}
		}
	}
}

// Sweep evicts cached terminal statuses of unwatched orders older than
// Retention and returns how many were evicted.
func (m *Manager) Sweep() int {
	if m.opts.Retention <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.opts.Retention)
	n := 0
	for id, c := range m.latest {
		if _, watched := m.subs[id]; watched || !c.ev.Terminal() || c.at.After(cutoff) {
			continue
		}
		delete(m.latest, id)
		n++
	}
	return n
}

// Latest returns the cached status of an order.
func (m *Manager) Latest(orderID string) (order.StatusEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.latest[orderID]
	return c.ev, ok
}

// Subscribers returns the number of live connections for an order.
func (m *Manager) Subscribers(orderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[orderID])
}

type Stats struct {
	Orders      int `json:"orders"`
	Subscribers int `json:"subscribers"`
	Cached      int `json:"cached"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Orders: len(m.subs), Cached: len(m.latest)}
	for _, set := range m.subs {
		st.Subscribers += len(set)
	}
	return st
}
