package venue

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/util"
)

// SimConfig describes a simulated AMM venue. Quoted prices are drawn
// uniformly from RefPrice*[Low, Low+Spread).
type SimConfig struct {
	Name         string
	RefPrice     float64
	Low          float64
	Spread       float64
	Fee          float64
	QuoteLatency time.Duration
	ExecLatency  time.Duration // minimum execution time
	ExecJitter   time.Duration // added uniformly on top of ExecLatency
	MaxImpact    float64       // market impact drawn uniformly from [-MaxImpact, MaxImpact)
}

func RaydiumConfig() SimConfig {
	return SimConfig{
		Name: "Raydium", RefPrice: 100, Low: 0.98, Spread: 0.04, Fee: 0.003,
		QuoteLatency: 200 * time.Millisecond,
		ExecLatency:  2 * time.Second, ExecJitter: time.Second,
		MaxImpact: 0.003,
	}
}

func MeteoraConfig() SimConfig {
	return SimConfig{
		Name: "Meteora", RefPrice: 100, Low: 0.97, Spread: 0.05, Fee: 0.002,
		QuoteLatency: 200 * time.Millisecond,
		ExecLatency:  2 * time.Second, ExecJitter: time.Second,
		MaxImpact: 0.003,
	}
}

type Option func(*Simulated)

// WithRand replaces the uniform [0,1) source. Calls are serialized.
func WithRand(f func() float64) Option { return func(s *Simulated) { s.rand = f } }

func WithClock(c util.Clock) Option { return func(s *Simulated) { s.clock = c } }

// WithoutLatency disables the simulated network and settlement delays.
func WithoutLatency() Option {
	return func(s *Simulated) {
		s.cfg.QuoteLatency, s.cfg.ExecLatency, s.cfg.ExecJitter = 0, 0, 0
	}
}

// Simulated is an in-process venue with randomized prices and latency.
type Simulated struct {
	cfg   SimConfig
	clock util.Clock

	mu   sync.Mutex
	rand func() float64

	nonce atomic.Uint64
}

func NewSimulated(cfg SimConfig, opts ...Option) *Simulated {
	s := &Simulated{cfg: cfg, clock: util.RealClock{}, rand: rand.Float64}
	for _, o := range opts {
		o(s)
	}
	return s
}

func NewRaydium(opts ...Option) *Simulated { return NewSimulated(RaydiumConfig(), opts...) }
func NewMeteora(opts ...Option) *Simulated { return NewSimulated(MeteoraConfig(), opts...) }

func (s *Simulated) Name() string { return s.cfg.Name }

func (s *Simulated) Quote(ctx context.Context, _ decimal.Decimal) (Quote, error) {
	if err := util.Sleep(ctx, s.clock, s.cfg.QuoteLatency); err != nil {
		return Quote{}, fmt.Errorf("%s quote: %w", s.cfg.Name, err)
	}
	price := s.cfg.RefPrice * (s.cfg.Low + s.draw()*s.cfg.Spread)
	return Quote{
		Venue: s.cfg.Name,
		Price: decimal.NewFromFloat(price),
		Fee:   decimal.NewFromFloat(s.cfg.Fee),
	}, nil
}

func (s *Simulated) Execute(ctx context.Context, o order.Order, quoted decimal.Decimal, toleranceBps int) (Fill, error) {
	jitter := time.Duration(s.draw() * float64(s.cfg.ExecJitter))
	if err := util.Sleep(ctx, s.clock, s.cfg.ExecLatency+jitter); err != nil {
		return Fill{}, fmt.Errorf("%s execute: %w", s.cfg.Name, err)
	}

	impact := (s.draw()*2 - 1) * s.cfg.MaxImpact
	executed := quoted.Mul(decimal.NewFromFloat(1 + impact))
	if !WithinTolerance(quoted, executed, toleranceBps) {
		return Fill{}, fmt.Errorf("%s: executed %s vs quoted %s: %w",
			s.cfg.Name, executed.StringFixed(6), quoted.StringFixed(6), ErrSlippageExceeded)
	}

	slippage := executed.Sub(quoted).Div(quoted).Mul(decimal.NewFromInt(100))
	return Fill{
		TxHash:        s.txHash(o.ID),
		ExecutedPrice: executed.Round(6),
		SlippagePct:   slippage.Round(3),
	}, nil
}

func (s *Simulated) draw() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand()
}

// txHash derives a unique, well-formed transaction hash for a simulated swap.
func (s *Simulated) txHash(orderID string) string {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], s.nonce.Add(1))
	return crypto.Keccak256Hash([]byte(s.cfg.Name), []byte(orderID), n[:]).Hex()
}

var _ Source = (*Simulated)(nil)
