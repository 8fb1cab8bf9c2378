package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/storage"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "stream closed")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	a, cancelA, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, cancelB, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelB()

	msg := Message{OrderID: "o-1", Payload: order.StatusEvent{OrderID: "o-1", Status: order.StatusRouting}}
	require.NoError(t, bus.Publish(ctx, msg))
	assert.Equal(t, msg, recv(t, a))
	assert.Equal(t, msg, recv(t, b))

	cancelA()
	cancelA()
	_, ok := <-a
	assert.False(t, ok, "cancel closes the stream")

	require.NoError(t, bus.Publish(ctx, msg))
	assert.Equal(t, msg, recv(t, b))
}

func TestMemoryBusDropsForStalledSubscriber(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	_, cancel, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < memoryBufferSize+5; i++ {
		require.NoError(t, bus.Publish(ctx, Message{OrderID: "o-1"}))
	}
	assert.Equal(t, uint64(5), bus.Dropped())
}

type failingStore struct{ storage.OrderStore }

func (failingStore) Upsert(context.Context, string, order.Status, any) error {
	return errors.New("disk full")
}

type failingBus struct{}

func (failingBus) Publish(context.Context, Message) error { return errors.New("no peers") }
func (failingBus) Subscribe(context.Context) (<-chan Message, func(), error) {
	return nil, nil, errors.New("no peers")
}

func TestPublisherStoresThenBroadcasts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bus := NewMemoryBus()
	ch, cancel, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	pub := NewPublisher(store, bus, nil)
	pub.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	require.NoError(t, pub.Publish(ctx, order.StatusEvent{OrderID: "o-1", Status: order.StatusBuilding, Dex: "Raydium"}))

	m := recv(t, ch)
	assert.Equal(t, "o-1", m.OrderID)
	assert.Equal(t, order.StatusBuilding, m.Payload.Status)
	assert.Equal(t, int64(1_700_000_000_000), m.Payload.Timestamp)

	rec, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusBuilding, rec.Status)
	var meta order.StatusEvent
	require.NoError(t, json.Unmarshal(rec.Meta, &meta))
	assert.Equal(t, "Raydium", meta.Dex)
}

func TestPublisherBroadcastsDespiteStoreFailure(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	ch, cancel, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	pub := NewPublisher(failingStore{}, bus, nil)
	err = pub.Publish(ctx, order.StatusEvent{OrderID: "o-1", Status: order.StatusRouting})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, order.StatusRouting, recv(t, ch).Payload.Status)
}

func TestPublisherJoinsErrors(t *testing.T) {
	pub := NewPublisher(failingStore{}, failingBus{}, nil)
	err := pub.Publish(context.Background(), order.StatusEvent{OrderID: "o-1", Status: order.StatusRouting})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "no peers")
}

func TestLibp2pBusDeliversLocally(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := NewLibp2pBus(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	require.NoError(t, err)
	defer bus.Close()

	ch, unsub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer unsub()

	msg := Message{OrderID: "o-1", Payload: order.StatusEvent{OrderID: "o-1", Status: order.StatusSubmitted, SlippageBps: 50}}
	require.NoError(t, bus.Publish(ctx, msg))
	assert.Equal(t, msg, recv(t, ch))
}

func TestLibp2pBusAcrossHosts(t *testing.T) {
	if testing.Short() {
		t.Skip("gossipsub mesh formation is slow")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewLibp2pBus(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewLibp2pBus(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0", Bootstrap: a.Addrs()})
	require.NoError(t, err)
	defer b.Close()

	ch, unsub, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer unsub()

	msg := Message{OrderID: "o-2", Payload: order.StatusEvent{OrderID: "o-2", Status: order.StatusConfirmed, TxHash: "0x01"}}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, a.Publish(ctx, msg))
		select {
		case got := <-ch:
			assert.Equal(t, msg, got)
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
	t.Fatal("message never crossed hosts")
}
