package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/orderflow/pkg/broadcast"
	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/queue"
)

// SubmitOrderRequest is the payload for POST /api/orders/execute
type SubmitOrderRequest struct {
	Symbol   string          `json:"symbol"`
	Side     order.Side      `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// SubmitOrderResponse acknowledges an accepted order
type SubmitOrderResponse struct {
	OrderID string `json:"orderId"`
}

// StatsResponse is returned by GET /api/queue/stats
type StatsResponse struct {
	Queue   queue.Stats     `json:"queue"`
	Streams broadcast.Stats `json:"streams"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
