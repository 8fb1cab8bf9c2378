package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/uhyunpark/orderflow/pkg/order"
)

// ErrNotFound is returned by Get when no record exists for an order id.
var ErrNotFound = errors.New("order record not found")

// Record is the durable row kept per order. Every upsert replaces Status
// and Meta and bumps UpdatedAt; CreatedAt is kept from the first write.
type Record struct {
	OrderID   string          `json:"orderId"`
	Status    order.Status    `json:"status"`
	Meta      json.RawMessage `json:"meta"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// OrderStore is the durable sink for order status. Upsert is idempotent on
// orderID with last-write-wins semantics.
type OrderStore interface {
	Upsert(ctx context.Context, orderID string, status order.Status, meta any) error
	Get(ctx context.Context, orderID string) (Record, error)
}

func encodeMeta(meta any) (json.RawMessage, error) {
	if meta == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := meta.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(meta)
}
