package order

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

func init() {
	// Prices and quantities travel as JSON numbers, matching the intake payload.
	decimal.MarshalJSONWithoutQuotes = true
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

var (
	ErrInvalidSymbol   = errors.New("symbol is required")
	ErrInvalidSide     = errors.New("side must be buy or sell")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Order is a client's intent to buy or sell a quantity of a symbol.
// It is created at intake and never mutated afterwards.
type Order struct {
	ID       string          `json:"orderId"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Normalize trims and upper-cases the symbol and lower-cases the side.
func (o Order) Normalize() Order {
	o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	o.Side = Side(strings.ToLower(strings.TrimSpace(string(o.Side))))
	return o
}

// Validate checks the payload is well-formed. The order id is not checked;
// intake assigns it after validation.
func (o Order) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return ErrInvalidSymbol
	}
	if !o.Side.Valid() {
		return ErrInvalidSide
	}
	if !o.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	return nil
}
