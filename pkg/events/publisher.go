package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/storage"
	"github.com/uhyunpark/orderflow/pkg/util"
)

// Publisher records a status event in the order store and then broadcasts
// it on the bus. The broadcast happens even when the store write fails.
type Publisher struct {
	store storage.OrderStore
	bus   Bus
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewPublisher(store storage.OrderStore, bus Bus, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{store: store, bus: bus, log: util.OrNop(logger), now: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, ev order.StatusEvent) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = p.now().UnixMilli()
	}

	var storeErr, busErr error
	if err := p.store.Upsert(ctx, ev.OrderID, ev.Status, ev); err != nil {
		p.log.Errorw("order_upsert_failed", "order_id", ev.OrderID, "status", ev.Status, "err", err)
		storeErr = fmt.Errorf("upsert order %s: %w", ev.OrderID, err)
	}
	if err := p.bus.Publish(ctx, Message{OrderID: ev.OrderID, Payload: ev}); err != nil {
		p.log.Errorw("event_publish_failed", "order_id", ev.OrderID, "status", ev.Status, "err", err)
		busErr = fmt.Errorf("publish order %s: %w", ev.OrderID, err)
	}
	if storeErr == nil && busErr == nil {
		p.log.Debugw("status_published", "order_id", ev.OrderID, "status", ev.Status)
	}
	return errors.Join(storeErr, busErr)
}
