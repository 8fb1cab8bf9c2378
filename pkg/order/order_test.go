package order

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderValidate(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		want  error
	}{
		{"valid buy", Order{Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(10)}, nil},
		{"valid sell fractional", Order{Symbol: "ETH", Side: SideSell, Quantity: decimal.RequireFromString("0.5")}, nil},
		{"empty symbol", Order{Symbol: "  ", Side: SideBuy, Quantity: decimal.NewFromInt(1)}, ErrInvalidSymbol},
		{"bad side", Order{Symbol: "AAPL", Side: "hold", Quantity: decimal.NewFromInt(1)}, ErrInvalidSide},
		{"zero quantity", Order{Symbol: "AAPL", Side: SideBuy}, ErrInvalidQuantity},
		{"negative quantity", Order{Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(-3)}, ErrInvalidQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.order.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOrderNormalize(t *testing.T) {
	o := Order{Symbol: " aapl ", Side: "BUY", Quantity: decimal.NewFromInt(1)}.Normalize()
	assert.Equal(t, "AAPL", o.Symbol)
	assert.Equal(t, SideBuy, o.Side)
}

func TestOrderJSONQuantityIsNumber(t *testing.T) {
	var o Order
	require.NoError(t, json.Unmarshal([]byte(`{"symbol":"AAPL","side":"buy","quantity":10}`), &o))
	assert.True(t, o.Quantity.Equal(decimal.NewFromInt(10)))

	out, err := json.Marshal(o)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"quantity":10`)
}

func TestStatusEventAdvances(t *testing.T) {
	ev := func(s Status, final bool) *StatusEvent {
		return &StatusEvent{OrderID: "x", Status: s, Final: final}
	}
	tests := []struct {
		name string
		prev *StatusEvent
		next *StatusEvent
		want bool
	}{
		{"first event", nil, ev(StatusRouting, false), true},
		{"forward step", ev(StatusPending, false), ev(StatusRouting, false), true},
		{"skip ahead", ev(StatusPending, false), ev(StatusSubmitted, false), true},
		{"duplicate pending", ev(StatusPending, false), ev(StatusPending, false), false},
		{"backwards", ev(StatusSubmitted, false), ev(StatusBuilding, false), false},
		{"after confirmed", ev(StatusConfirmed, false), ev(StatusFailed, true), false},
		{"after final failure", ev(StatusFailed, true), ev(StatusRouting, false), false},
		{"retry restarts at routing", ev(StatusFailed, false), ev(StatusRouting, false), true},
		{"retry then terminal", ev(StatusFailed, false), ev(StatusFailed, true), true},
		{"retry then building", ev(StatusFailed, false), ev(StatusBuilding, false), false},
		{"mid-flight failure", ev(StatusBuilding, false), ev(StatusFailed, false), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.next.Advances(tt.prev))
		})
	}
}

func TestStatusRank(t *testing.T) {
	order := []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("%s should rank after %s", order[i], order[i-1])
		}
	}
	assert.Equal(t, -1, Status("unknown").Rank())
	assert.False(t, Status("unknown").Valid())
}
