package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/queue"
	"github.com/uhyunpark/orderflow/pkg/storage"
	"github.com/uhyunpark/orderflow/pkg/venue"
)

// ErrNoQuotes is returned when every venue failed to quote.
var ErrNoQuotes = errors.New("no venue returned a quote")

// Policy picks the winning quote.
type Policy string

const (
	// PolicyHighest takes the highest price regardless of side.
	PolicyHighest Policy = "highest"
	// PolicySideAware takes the lowest price for buys and the highest for sells.
	PolicySideAware Policy = "side-aware"
)

func (p Policy) Valid() bool { return p == PolicyHighest || p == PolicySideAware }

// StatusPublisher records and broadcasts a status transition.
type StatusPublisher interface {
	Publish(ctx context.Context, ev order.StatusEvent) error
}

type Config struct {
	SlippageBps    int
	RetrySlippage  bool
	Policy         Policy
	QuoteTimeout   time.Duration
	ExecuteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SlippageBps:    50,
		RetrySlippage:  true,
		Policy:         PolicyHighest,
		QuoteTimeout:   5 * time.Second,
		ExecuteTimeout: 30 * time.Second,
	}
}

// Executor runs the routing and execution workflow for one job attempt.
type Executor struct {
	cfg     Config
	sources []venue.Source
	pub     StatusPublisher
	store   storage.OrderStore
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewExecutor(cfg Config, sources []venue.Source, pub StatusPublisher, store storage.OrderStore, logger *zap.SugaredLogger) *Executor {
	def := DefaultConfig()
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = def.SlippageBps
	}
	if !cfg.Policy.Valid() {
		cfg.Policy = def.Policy
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = def.QuoteTimeout
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = def.ExecuteTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{cfg: cfg, sources: sources, pub: pub, store: store, log: logger, now: time.Now}
}

// Handle is a queue.Handler. Status events go out in order: routing,
// building, submitted, confirmed. Any error, including a failure to record
// the fill, is handed back to the queue.
func (e *Executor) Handle(ctx context.Context, job queue.Job) error {
	o := job.Order
	log := e.log.With("order_id", o.ID, "job_id", job.ID, "attempt", job.Attempts)

	e.publish(ctx, order.StatusEvent{OrderID: o.ID, Status: order.StatusRouting, Attempt: job.Attempts})

	quotes, err := e.quoteAll(ctx, o)
	if err != nil {
		return err
	}
	chosen := e.pick(o.Side, quotes)
	best := chosen.quote
	log.Infow("order_routed", "dex", best.Venue, "price", best.Price.StringFixed(6), "quotes", len(quotes))

	e.publish(ctx, order.StatusEvent{OrderID: o.ID, Status: order.StatusBuilding, Dex: best.Venue})
	e.publish(ctx, order.StatusEvent{OrderID: o.ID, Status: order.StatusSubmitted, Dex: best.Venue, SlippageBps: e.cfg.SlippageBps})

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecuteTimeout)
	fill, err := chosen.src.Execute(execCtx, o, best.Price, e.cfg.SlippageBps)
	cancel()
	if err != nil {
		if errors.Is(err, venue.ErrSlippageExceeded) && !e.cfg.RetrySlippage {
			return queue.Permanent(err)
		}
		return err
	}

	confirmed := order.StatusEvent{
		OrderID:   o.ID,
		Status:    order.StatusConfirmed,
		Dex:       best.Venue,
		TxHash:    fill.TxHash,
		Price:     &fill.ExecutedPrice,
		Slippage:  &fill.SlippagePct,
		Timestamp: e.now().UnixMilli(),
	}
	// The fill is durable before anyone sees confirmed.
	if err := e.store.Upsert(ctx, o.ID, order.StatusConfirmed, confirmed); err != nil {
		log.Errorw("order_record_failed", "status", order.StatusConfirmed, "tx_hash", fill.TxHash, "err", err)
		return fmt.Errorf("record order %s: %w", o.ID, err)
	}
	e.publish(ctx, confirmed)
	log.Infow("order_confirmed", "dex", best.Venue, "tx_hash", fill.TxHash,
		"price", fill.ExecutedPrice.String(), "slippage_pct", fill.SlippagePct.String())
	return nil
}

// OnFailure is a queue.FailureHook. A retryable failure is reported as a
// non-final failed event; the terminal one carries the reason and attempt
// count and is recorded in the order store.
func (e *Executor) OnFailure(ctx context.Context, job queue.Job, res queue.Result) {
	msg := "execution error"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	switch res.Outcome {
	case queue.RetryableFailure:
		e.publish(ctx, order.StatusEvent{
			OrderID: job.Order.ID,
			Status:  order.StatusFailed,
			Error:   msg,
			Attempt: job.Attempts,
		})
	case queue.TerminalFailure:
		e.publish(ctx, order.StatusEvent{
			OrderID:  job.Order.ID,
			Status:   order.StatusFailed,
			Reason:   msg,
			Attempts: job.Attempts,
			Final:    true,
		})
	}
}

// publish never fails the workflow: the publisher already logs, and a
// lost event is recovered by the next one.
func (e *Executor) publish(ctx context.Context, ev order.StatusEvent) {
	_ = e.pub.Publish(ctx, ev)
}

type route struct {
	quote venue.Quote
	src   venue.Source
}

// quoteAll asks every venue concurrently. Venues that fail or time out are
// left out; the attempt fails only when none answered.
func (e *Executor) quoteAll(ctx context.Context, o order.Order) ([]route, error) {
	results := make([]*venue.Quote, len(e.sources))
	errs := make([]error, len(e.sources))

	var g errgroup.Group
	for i, src := range e.sources {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, e.cfg.QuoteTimeout)
			defer cancel()
			q, err := src.Quote(qctx, o.Quantity)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", src.Name(), err)
				return nil
			}
			if q.Venue == "" {
				q.Venue = src.Name()
			}
			results[i] = &q
			return nil
		})
	}
	_ = g.Wait()

	routes := make([]route, 0, len(results))
	for i, q := range results {
		if q == nil {
			e.log.Warnw("quote_failed", "order_id", o.ID, "dex", e.sources[i].Name(), "err", errs[i])
			continue
		}
		routes = append(routes, route{quote: *q, src: e.sources[i]})
	}
	if len(routes) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrNoQuotes, errors.Join(errs...))
	}
	return routes, nil
}

// pick returns the winning route. Ties go to the venue listed first.
func (e *Executor) pick(side order.Side, routes []route) route {
	lower := e.cfg.Policy == PolicySideAware && side == order.SideBuy
	best := routes[0]
	for _, r := range routes[1:] {
		if better(r.quote.Price, best.quote.Price, lower) {
			best = r
		}
	}
	return best
}

func better(p, than decimal.Decimal, lower bool) bool {
	if lower {
		return p.LessThan(than)
	}
	return p.GreaterThan(than)
}
