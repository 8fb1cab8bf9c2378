package order

import (
	"github.com/shopspring/decimal"
)

// Status is a forward-progressing lifecycle stage of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusRouting:   1,
	StatusBuilding:  2,
	StatusSubmitted: 3,
	StatusConfirmed: 4,
	StatusFailed:    4,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank orders statuses along the lifecycle. Unknown statuses rank -1.
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// StatusEvent is an immutable snapshot published once per transition.
type StatusEvent struct {
	OrderID     string           `json:"orderId"`
	Status      Status           `json:"status"`
	Dex         string           `json:"dex,omitempty"`
	SlippageBps int              `json:"slippageBps,omitempty"`
	TxHash      string           `json:"txHash,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Slippage    *decimal.Decimal `json:"slippage,omitempty"`
	Error       string           `json:"error,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Attempt     int              `json:"attempt,omitempty"`
	Attempts    int              `json:"attempts,omitempty"`
	Final       bool             `json:"final,omitempty"`
	Timestamp   int64            `json:"ts,omitempty"` // Unix milliseconds
}

// Pending is the placeholder snapshot for an order nobody has published about yet.
func Pending(orderID string) StatusEvent {
	return StatusEvent{OrderID: orderID, Status: StatusPending}
}

// Terminal reports whether no further transitions may follow this event.
// A failed event is terminal only once the queue has given up on the job.
func (e StatusEvent) Terminal() bool {
	return e.Status == StatusConfirmed || (e.Status == StatusFailed && e.Final)
}

// Retrying reports whether this is a failed attempt that the queue will retry.
func (e StatusEvent) Retrying() bool {
	return e.Status == StatusFailed && !e.Final
}

// Advances reports whether e moves the order forward relative to prev, the
// last event an observer has seen. A retried attempt restarts at routing.
func (e StatusEvent) Advances(prev *StatusEvent) bool {
	if prev == nil {
		return true
	}
	if prev.Terminal() {
		return false
	}
	if prev.Retrying() {
		return e.Status == StatusRouting || e.Terminal()
	}
	return e.Status.Rank() > prev.Status.Rank()
}
