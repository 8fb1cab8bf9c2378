// file: tests/pipeline_e2e_test.go
package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/orderflow/pkg/api"
	"github.com/uhyunpark/orderflow/pkg/broadcast"
	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/pipeline"
	"github.com/uhyunpark/orderflow/pkg/queue"
	"github.com/uhyunpark/orderflow/pkg/storage"
	"github.com/uhyunpark/orderflow/pkg/venue"
)

// stack is the whole service wired in-process over a Pebble directory.
type stack struct {
	t        *testing.T
	ctx      context.Context
	cancel   context.CancelFunc
	store    *storage.PebbleStore
	queue    *queue.Queue
	executor *pipeline.Executor
	http     *httptest.Server
}

func midpoint() float64 { return 0.5 }

func newStack(t *testing.T, dir string) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := storage.NewPebbleStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewMemoryBus()
	pub := events.NewPublisher(store, bus, nil)
	q, err := queue.New(store, queue.Options{
		Concurrency: 10,
		MaxAttempts: 3,
		Backoff:     queue.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	// Raydium quotes 100.0 and Meteora 99.5; fills land exactly on the quote.
	sources := []venue.Source{
		venue.NewRaydium(venue.WithoutLatency(), venue.WithRand(midpoint)),
		venue.NewMeteora(venue.WithoutLatency(), venue.WithRand(midpoint)),
	}
	ex := pipeline.NewExecutor(pipeline.DefaultConfig(), sources, pub, store, nil)

	streams := broadcast.NewManager(broadcast.Options{})
	go streams.Run(ctx, bus)

	srv := api.NewServer(api.Config{}, q, pub, streams, store)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &stack{t: t, ctx: ctx, cancel: cancel, store: store, queue: q, executor: ex, http: hs}
}

// startWorkers runs the queue until the test ends.
func (s *stack) startWorkers() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.queue.Run(s.ctx, s.executor.Handle, s.executor.OnFailure)
	}()
	s.t.Cleanup(func() {
		s.cancel()
		<-done
	})
}

func (s *stack) submit(body string) string {
	s.t.Helper()
	resp, err := http.Post(s.http.URL+"/api/orders/execute", "application/json", strings.NewReader(body))
	require.NoError(s.t, err)
	defer resp.Body.Close()
	require.Equal(s.t, http.StatusOK, resp.StatusCode)
	var ack api.SubmitOrderResponse
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&ack))
	require.NotEmpty(s.t, ack.OrderID)
	return ack.OrderID
}

func (s *stack) follow(orderID string) *websocket.Conn {
	s.t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws/orders?orderId=" + orderID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilTerminal collects events from conn up to and including the first terminal one.
func readUntilTerminal(t *testing.T, conn *websocket.Conn) []order.StatusEvent {
	t.Helper()
	var out []order.StatusEvent
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var ev order.StatusEvent
		require.NoError(t, conn.ReadJSON(&ev), "after %d events", len(out))
		out = append(out, ev)
		if ev.Terminal() {
			return out
		}
	}
}

func statuses(evs []order.StatusEvent) []order.Status {
	out := make([]order.Status, len(evs))
	for i, ev := range evs {
		out[i] = ev.Status
	}
	return out
}

var lifecycle = []order.Status{
	order.StatusPending,
	order.StatusRouting,
	order.StatusBuilding,
	order.StatusSubmitted,
	order.StatusConfirmed,
}

func TestAAPLBuyEmitsFiveEvents(t *testing.T) {
	s := newStack(t, t.TempDir())
	id := s.submit(`{"symbol":"AAPL","side":"buy","quantity":10}`)
	conn := s.follow(id)

	// subscribe before any worker runs so the whole lifecycle is observed
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first order.StatusEvent
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, order.StatusPending, first.Status)

	s.startWorkers()
	evs := append([]order.StatusEvent{first}, readUntilTerminal(t, conn)...)

	require.Equal(t, lifecycle, statuses(evs))
	for _, ev := range evs {
		assert.Equal(t, id, ev.OrderID)
	}
	assert.Equal(t, "Raydium", evs[2].Dex)
	assert.Equal(t, "Raydium", evs[3].Dex)
	assert.Equal(t, 50, evs[3].SlippageBps)

	confirmed := evs[4]
	assert.True(t, strings.HasPrefix(confirmed.TxHash, "0x"))
	require.NotNil(t, confirmed.Price)
	require.NotNil(t, confirmed.Slippage)
	assert.Equal(t, "100", confirmed.Price.String())
	assert.True(t, confirmed.Slippage.IsZero())

	rec, err := s.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, rec.Status)
	var stored order.StatusEvent
	require.NoError(t, json.Unmarshal(rec.Meta, &stored))
	assert.Equal(t, confirmed.TxHash, stored.TxHash)
	assert.Equal(t, confirmed.Dex, stored.Dex)
	assert.Equal(t, confirmed.Timestamp, stored.Timestamp)

	require.Eventually(t, func() bool { return s.queue.Stats().Completed == 1 }, 2*time.Second, 5*time.Millisecond)
	jobs, err := s.store.LoadJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs, "completed jobs are removed")
}

func TestConcurrentOrdersDoNotCrossStreams(t *testing.T) {
	s := newStack(t, t.TempDir())
	a := s.submit(`{"symbol":"AAPL","side":"buy","quantity":10}`)
	b := s.submit(`{"symbol":"SOL","side":"sell","quantity":3}`)
	require.NotEqual(t, a, b)

	connA, connB := s.follow(a), s.follow(b)
	for _, c := range []*websocket.Conn{connA, connB} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev order.StatusEvent
		require.NoError(t, c.ReadJSON(&ev))
	}
	s.startWorkers()

	hashes := map[string]bool{}
	for id, c := range map[string]*websocket.Conn{a: connA, b: connB} {
		evs := readUntilTerminal(t, c)
		assert.Equal(t, lifecycle[1:], statuses(evs))
		for _, ev := range evs {
			assert.Equal(t, id, ev.OrderID)
		}
		hashes[evs[len(evs)-1].TxHash] = true
	}
	assert.Len(t, hashes, 2)
}

func TestAcceptedOrderSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	first := newStack(t, dir)
	id := first.submit(`{"symbol":"AAPL","side":"buy","quantity":1}`)
	require.Equal(t, 1, first.queue.Count())
	// simulate a crash before any worker picked the job up
	first.http.Close()
	require.NoError(t, first.store.Close())

	second := newStack(t, dir)
	require.Equal(t, 1, second.queue.Count())
	second.startWorkers()

	require.Eventually(t, func() bool {
		rec, err := second.store.Get(context.Background(), id)
		return err == nil && rec.Status == order.StatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)
}
