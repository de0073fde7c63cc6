package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"rsibot/internal/broker"
	"rsibot/internal/md"
	"rsibot/internal/metrics"
	"rsibot/internal/risk"
	"rsibot/internal/state"
	"rsibot/internal/strategy"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Broker is the order-side collaborator of the engine.
type Broker interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error)
	Order(ctx context.Context, orderID string) (broker.OrderRef, error)
	Clock(ctx context.Context) (broker.Clock, error)
}

type Options struct {
	Interval         time.Duration
	Allocation       decimal.Decimal
	DryRun           bool
	KillSwitch       bool
	MarketHoursOnly  bool
	FillTimeout      time.Duration
	FillPollInterval time.Duration
}

// PanicError is returned by a cycle that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic in scan cycle: %v", p.Value)
}

type Engine struct {
	opts        Options
	strategy    strategy.Strategy
	gate        risk.Gate
	data        md.Provider
	broker      Broker
	ledger      *state.Ledger
	decisions   *DecisionLogger
	metrics     *metrics.Metrics
	runID       string
	orderSeqNum uint64
	now         func() time.Time
}

func New(opts Options, strategy strategy.Strategy, gate risk.Gate, data md.Provider, brokerClient Broker, ledger *state.Ledger, decisions *DecisionLogger, m *metrics.Metrics) *Engine {
	return &Engine{
		opts:      opts,
		strategy:  strategy,
		gate:      gate,
		data:      data,
		broker:    brokerClient,
		ledger:    ledger,
		decisions: decisions,
		metrics:   m,
		runID:     decisions.RunID(),
		now:       time.Now,
	}
}

// Run scans all symbols, sleeps for the configured interval and repeats
// until ctx is cancelled. Cycle errors are logged and never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Strs("symbols", e.ledger.Symbols()).Dur("interval", e.opts.Interval).Bool("dry_run", e.opts.DryRun).Msg("bot started")
	for {
		if err := e.ScanCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logCycleError(err)
		}
		if err := broker.WaitForContext(ctx, e.opts.Interval); err != nil {
			log.Info().Msg("scan loop stopped")
			return nil
		}
	}
}

func logCycleError(err error) {
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		log.Error().Err(err).Str("stack", string(panicErr.Stack)).Msg("unexpected error in scan cycle")
		return
	}
	log.Error().Err(err).Msg("scan cycle aborted")
}

// ScanCycle evaluates every symbol once, in configured order. A failed
// fetch skips that symbol; a failed order aborts the rest of the cycle.
func (e *Engine) ScanCycle(ctx context.Context) error {
	start := e.now()
	e.metrics.Cycles.Inc()
	err := e.scanAll(ctx)
	e.metrics.CycleDuration.Observe(e.now().Sub(start).Seconds())
	if err != nil {
		e.metrics.CycleFailed(err)
		return err
	}
	e.metrics.CycleSucceeded(e.now())
	return nil
}

func (e *Engine) scanAll(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	if e.opts.MarketHoursOnly {
		clock, err := e.broker.Clock(ctx)
		if err != nil {
			return fmt.Errorf("market clock: %w", err)
		}
		if !clock.IsOpen {
			log.Info().Time("next_open", clock.NextOpen).Msg("market closed, skipping cycle")
			return nil
		}
	}

	for _, symbol := range e.ledger.Symbols() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.scanSymbol(ctx, symbol); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) scanSymbol(ctx context.Context, symbol string) error {
	log.Debug().Str("symbol", symbol).Msg("checking symbol")

	result, err := e.data.Bars(ctx, symbol)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.metrics.FetchErrors.WithLabelValues(symbol).Inc()
		log.Warn().Err(err).Str("symbol", symbol).Msg("fetch failed, skipping symbol")
		return nil
	}
	last, ok := result.Last()
	if !ok {
		e.metrics.EmptyFetches.WithLabelValues(symbol).Inc()
		log.Info().Str("symbol", symbol).Msg("no data, skipping symbol")
		return nil
	}

	pos, _ := e.ledger.Get(symbol)
	intent := e.strategy.Decide(strategy.MarketSnapshot{
		Timestamp: e.now().UTC(),
		Symbol:    symbol,
		Bars:      result.Bars,
		Position:  pos,
	})
	e.metrics.RSI.WithLabelValues(symbol).Set(intent.RSI)

	decision := Decision{
		RunID:       e.runID,
		Timestamp:   e.now().UTC(),
		BarTime:     last.Timestamp,
		Symbol:      symbol,
		Close:       last.Close,
		RSI:         intent.RSI,
		PositionQty: pos.Qty,
		Intent:      intent.Action,
		IntentQty:   intent.Qty,
		Reason:      intent.Reason,
	}
	if !pos.Flat() {
		decision.Profit = intent.Profit.StringFixed(4)
		log.Info().Str("symbol", symbol).Float64("price", last.Close).Str("entry", pos.EntryPrice.StringFixed(2)).
			Str("pnl_pct", intent.Profit.Mul(decimal.NewFromInt(100)).StringFixed(2)).Float64("rsi", intent.RSI).Msg("position check")
	}

	approved, err := e.gate.Evaluate(intent, risk.RiskContext{
		Symbol:      symbol,
		Price:       last.Close,
		PositionQty: pos.Qty,
		Allocation:  e.opts.Allocation,
		KillSwitch:  e.opts.KillSwitch,
	})
	if err != nil {
		decision.Result = "rejected"
		decision.RejectReason = err.Error()
		e.decisions.Append(decision)
		return nil
	}
	if intent.Action == strategy.Hold {
		decision.Result = "hold"
		e.decisions.Append(decision)
		return nil
	}
	if e.opts.DryRun {
		decision.Result = "dry_run"
		e.decisions.Append(decision)
		log.Info().Str("symbol", symbol).Str("intent", string(intent.Action)).Int("qty", intent.Qty).Float64("price", last.Close).Msg("dry run, order not placed")
		return nil
	}

	side := alpaca.Buy
	if approved.Intent.Action == strategy.Sell {
		side = alpaca.Sell
	}
	sideLabel := strings.ToLower(string(side))

	ref, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:        symbol,
		Qty:           approved.Intent.Qty,
		Side:          side,
		TimeInForce:   alpaca.Day,
		ClientOrderID: e.nextClientOrderID(),
	})
	if err != nil {
		e.metrics.Orders.WithLabelValues(sideLabel, "failed").Inc()
		decision.Result = "order_failed"
		decision.RejectReason = err.Error()
		e.decisions.Append(decision)
		return fmt.Errorf("%s order for %s: %w", sideLabel, symbol, err)
	}
	decision.OrderID = ref.ID
	decision.ClientOrderID = ref.ClientOrderID

	fill := e.confirmFill(ctx, ref, approved.Intent.Qty, last.Close)
	decision.Result = fill.result
	decision.FilledQty = fill.qty
	if fill.qty > 0 {
		decision.FilledAvgPrice = fill.price.String()
	}
	e.metrics.Orders.WithLabelValues(sideLabel, fill.result).Inc()

	if err := e.applyFill(symbol, pos, approved.Intent.Action, fill); err != nil {
		decision.RejectReason = err.Error()
		e.decisions.Append(decision)
		return fmt.Errorf("update ledger for %s: %w", symbol, err)
	}
	e.decisions.Append(decision)

	updated, _ := e.ledger.Get(symbol)
	e.metrics.PositionQty.WithLabelValues(symbol).Set(float64(updated.Qty))
	log.Info().Str("side", strings.ToUpper(sideLabel)).Str("symbol", symbol).Int("qty", fill.qty).Str("price", fill.price.StringFixed(2)).Str("result", fill.result).Msg("order executed")
	return nil
}

func (e *Engine) applyFill(symbol string, pos state.Position, action strategy.Action, fill fillOutcome) error {
	if fill.qty <= 0 {
		return nil
	}
	switch action {
	case strategy.Buy:
		return e.ledger.Open(symbol, fill.qty, fill.price)
	case strategy.Sell:
		remaining := pos.Qty - fill.qty
		if remaining <= 0 {
			return e.ledger.Close(symbol)
		}
		return e.ledger.Open(symbol, remaining, pos.EntryPrice)
	}
	return nil
}

type fillOutcome struct {
	result string
	qty    int
	price  decimal.Decimal
}

// confirmFill polls the order until it reaches a terminal status or the
// fill timeout elapses. An order still working at the deadline is
// assumed filled at the requested quantity and the last close.
func (e *Engine) confirmFill(ctx context.Context, ref broker.OrderRef, requested int, lastClose float64) fillOutcome {
	optimistic := fillOutcome{result: "accepted", qty: requested, price: decimal.NewFromFloat(lastClose)}

	current := ref
	if e.opts.FillTimeout > 0 {
		deadline := e.now().Add(e.opts.FillTimeout)
		for !current.Terminal() && e.now().Before(deadline) {
			if err := broker.WaitForContext(ctx, e.opts.FillPollInterval); err != nil {
				break
			}
			next, err := e.broker.Order(ctx, ref.ID)
			if errors.Is(err, broker.ErrOrderNotFound) {
				log.Warn().Str("order_id", ref.ID).Msg("order unknown to broker, stopped polling")
				break
			}
			if err != nil {
				log.Warn().Err(err).Str("order_id", ref.ID).Msg("order status poll failed")
				continue
			}
			current = next
		}
	}

	switch {
	case current.Filled():
		out := fillOutcome{result: "filled", qty: current.FilledQty, price: current.FilledAvgPrice}
		if out.qty <= 0 {
			out.qty = requested
		}
		if !out.price.IsPositive() {
			out.price = optimistic.price
		}
		return out
	case current.Terminal():
		out := fillOutcome{result: current.Status, qty: current.FilledQty, price: current.FilledAvgPrice}
		if out.qty > 0 && !out.price.IsPositive() {
			out.price = optimistic.price
		}
		log.Warn().Str("order_id", ref.ID).Str("status", current.Status).Int("filled_qty", current.FilledQty).Msg("order ended without a full fill")
		return out
	}

	if e.opts.FillTimeout > 0 {
		log.Warn().Str("order_id", ref.ID).Str("status", current.Status).Msg("order not confirmed before timeout, assuming filled")
	}
	return optimistic
}

func (e *Engine) nextClientOrderID() string {
	seq := atomic.AddUint64(&e.orderSeqNum, 1)
	return fmt.Sprintf("%s-%d", e.runID, seq)
}
