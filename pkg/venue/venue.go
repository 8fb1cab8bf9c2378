package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/orderflow/pkg/order"
)

// ErrSlippageExceeded is returned by Execute when the fill would land
// outside the caller's tolerance around the quoted price.
var ErrSlippageExceeded = errors.New("slippage tolerance exceeded")

// Quote is one venue's indicative price for a quantity.
type Quote struct {
	Venue string          `json:"venue"`
	Price decimal.Decimal `json:"price"`
	Fee   decimal.Decimal `json:"fee"`
}

// Fill is the result of a successful execution. SlippagePct is the signed
// distance of ExecutedPrice from the quoted price, in percent.
type Fill struct {
	TxHash        string          `json:"txHash"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	SlippagePct   decimal.Decimal `json:"slippage"`
}

// Source is a liquidity venue that can quote and execute swaps.
type Source interface {
	Name() string
	Quote(ctx context.Context, qty decimal.Decimal) (Quote, error)
	Execute(ctx context.Context, o order.Order, quoted decimal.Decimal, toleranceBps int) (Fill, error)
}

// WithinTolerance reports whether executed lies within toleranceBps of quoted.
func WithinTolerance(quoted, executed decimal.Decimal, toleranceBps int) bool {
	maxDev := quoted.Mul(decimal.NewFromInt(int64(toleranceBps))).Div(decimal.NewFromInt(10_000))
	return executed.Sub(quoted).Abs().LessThanOrEqual(maxDev)
}
