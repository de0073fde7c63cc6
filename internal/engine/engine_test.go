package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"rsibot/internal/broker"
	"rsibot/internal/indicators"
	"rsibot/internal/md"
	"rsibot/internal/metrics"
	"rsibot/internal/risk"
	"rsibot/internal/state"
	"rsibot/internal/strategy"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

type fakeProvider struct {
	results map[string]md.FetchResult
	errs    map[string]error
	calls   []string
	onFetch func(symbol string)
}

func (f *fakeProvider) Bars(ctx context.Context, symbol string) (md.FetchResult, error) {
	f.calls = append(f.calls, symbol)
	if f.onFetch != nil {
		f.onFetch(symbol)
	}
	if err := f.errs[symbol]; err != nil {
		return md.FetchResult{Symbol: symbol}, err
	}
	return f.results[symbol], nil
}

type fakeBroker struct {
	orders   []broker.OrderRequest
	placeErr error
	statuses []broker.OrderRef
	orderErr error
	polls    int
	clock    broker.Clock
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error) {
	f.orders = append(f.orders, req)
	if f.placeErr != nil {
		return broker.OrderRef{}, f.placeErr
	}
	return broker.OrderRef{ID: "ord-" + req.Symbol, ClientOrderID: req.ClientOrderID, Status: "accepted"}, nil
}

func (f *fakeBroker) Order(ctx context.Context, orderID string) (broker.OrderRef, error) {
	f.polls++
	if f.orderErr != nil {
		return broker.OrderRef{}, f.orderErr
	}
	if len(f.statuses) == 0 {
		return broker.OrderRef{ID: orderID, Status: "new"}, nil
	}
	next := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return next, nil
}

func (f *fakeBroker) Clock(ctx context.Context) (broker.Clock, error) {
	return f.clock, nil
}

type fixture struct {
	engine   *Engine
	data     *fakeProvider
	broker   *fakeBroker
	ledger   *state.Ledger
	metrics  *metrics.Metrics
	decisLog *bytes.Buffer
}

func newFixture(t *testing.T, symbols []string, opts Options) *fixture {
	t.Helper()
	if opts.Allocation.IsZero() {
		opts.Allocation = risk.Allocation(decimal.NewFromInt(100000), 4)
	}
	if opts.Interval == 0 {
		opts.Interval = time.Millisecond
	}
	f := &fixture{
		data:     &fakeProvider{results: map[string]md.FetchResult{}, errs: map[string]error{}},
		broker:   &fakeBroker{},
		ledger:   state.NewLedger(symbols),
		metrics:  metrics.New(),
		decisLog: &bytes.Buffer{},
	}
	strat := strategy.NewRSIVolume(strategy.DefaultParams(), opts.Allocation)
	decisions := newDecisionLoggerWriter(f.decisLog, "test-run")
	f.engine = New(opts, strat, risk.Gate{}, f.data, f.broker, f.ledger, decisions, f.metrics)
	f.engine.now = func() time.Time { return time.Now() }
	return f
}

// ascendingSpikeBars rises by +1/-0.6 steps, so closes trend up while RSI
// stays near 62. Every bar is bullish; the last one trades 3x volume.
func ascendingSpikeBars(symbol string, n int) md.FetchResult {
	bars := make([]md.Bar, n)
	close := 100.0
	for i := range bars {
		if i > 0 {
			if i%2 == 1 {
				close += 1
			} else {
				close -= 0.6
			}
		}
		bars[i] = md.Bar{
			Symbol:    symbol,
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      close - 0.2,
			Close:     close,
			Volume:    1000,
		}
	}
	bars[n-1].Volume = 3000
	return md.FetchResult{Symbol: symbol, Bars: bars}
}

// choppyBarsEndingAt zigzags one point around last and closes exactly at
// last, so RSI stays near 50.
func choppyBarsEndingAt(symbol string, n int, last float64) md.FetchResult {
	bars := make([]md.Bar, n)
	for i := range bars {
		close := last + 0.5
		if i%2 == 1 {
			close = last - 0.5
		}
		if i == n-1 {
			close = last
		}
		bars[i] = md.Bar{Symbol: symbol, Timestamp: t0.Add(time.Duration(i) * time.Minute), Open: close, Close: close, Volume: 1000}
	}
	return md.FetchResult{Symbol: symbol, Bars: bars}
}

// barsEndingAt returns a rising series ending at last, so RSI is 100.
func barsEndingAt(symbol string, n int, last float64) md.FetchResult {
	bars := make([]md.Bar, n)
	for i := range bars {
		close := last - 0.05*float64(n-1-i)
		bars[i] = md.Bar{Symbol: symbol, Timestamp: t0.Add(time.Duration(i) * time.Minute), Open: close, Close: close, Volume: 1000}
	}
	return md.FetchResult{Symbol: symbol, Bars: bars}
}

func TestScanCycleBuysOnEntrySignal(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{})
	window := ascendingSpikeBars("MSFT", 20)
	f.data.results["MSFT"] = window
	last, _ := window.Last()

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	wantQty := int(math.Floor(25000 / last.Close))
	require.Len(t, f.broker.orders, 1)
	order := f.broker.orders[0]
	assert.Equal(t, "MSFT", order.Symbol)
	assert.Equal(t, alpaca.Buy, order.Side)
	assert.Equal(t, alpaca.Day, order.TimeInForce)
	assert.Equal(t, wantQty, order.Qty)
	assert.Equal(t, "test-run-1", order.ClientOrderID)

	pos, _ := f.ledger.Get("MSFT")
	assert.Equal(t, wantQty, pos.Qty)
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromFloat(last.Close)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Orders.WithLabelValues("buy", "accepted")))
	assert.Equal(t, float64(wantQty), testutil.ToFloat64(f.metrics.PositionQty.WithLabelValues("MSFT")))
}

func TestScanCycleSellsAtStopLossRegardlessOfRSI(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{})
	require.NoError(t, f.ledger.Open("MSFT", 10, decimal.NewFromInt(100)))
	window := choppyBarsEndingAt("MSFT", 20, 95)
	f.data.results["MSFT"] = window
	require.LessOrEqual(t, indicators.RSI(window.Closes(), indicators.DefaultRSIPeriod), 75.0)

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	require.Len(t, f.broker.orders, 1)
	assert.Equal(t, alpaca.Sell, f.broker.orders[0].Side)
	assert.Equal(t, 10, f.broker.orders[0].Qty)
	pos, _ := f.ledger.Get("MSFT")
	assert.True(t, pos.Flat())
	assert.Contains(t, f.decisLog.String(), `"reason":"stop_loss"`)
	assert.Contains(t, f.decisLog.String(), `"profit":"-0.0500"`)
}

func TestScanCycleSellsOnOverboughtRSIAboveStopLoss(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{})
	require.NoError(t, f.ledger.Open("MSFT", 10, decimal.NewFromInt(100)))
	f.data.results["MSFT"] = barsEndingAt("MSFT", 20, 99)

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	require.Len(t, f.broker.orders, 1)
	assert.Equal(t, alpaca.Sell, f.broker.orders[0].Side)
	assert.Contains(t, f.decisLog.String(), `"reason":"rsi_overbought"`)
}

func TestScanCycleEmptyFetchLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, []string{"MSFT", "NKE"}, Options{})
	require.NoError(t, f.ledger.Open("NKE", 4, decimal.NewFromInt(80)))

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	assert.Empty(t, f.broker.orders)
	assert.Equal(t, []string{"MSFT", "NKE"}, f.data.calls)
	pos, _ := f.ledger.Get("NKE")
	assert.Equal(t, 4, pos.Qty)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EmptyFetches.WithLabelValues("MSFT")))
}

func TestScanCycleSkipsFailedFetchAndContinues(t *testing.T) {
	f := newFixture(t, []string{"MSFT", "NKE"}, Options{})
	f.data.errs["MSFT"] = errors.New("timeout")
	f.data.results["NKE"] = ascendingSpikeBars("NKE", 20)

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	require.Len(t, f.broker.orders, 1)
	assert.Equal(t, "NKE", f.broker.orders[0].Symbol)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FetchErrors.WithLabelValues("MSFT")))
}

func TestScanCycleOrderFailureAbortsCycle(t *testing.T) {
	f := newFixture(t, []string{"MSFT", "NKE"}, Options{})
	f.data.results["MSFT"] = ascendingSpikeBars("MSFT", 20)
	f.data.results["NKE"] = ascendingSpikeBars("NKE", 20)
	f.broker.placeErr = errors.New("forbidden")

	err := f.engine.ScanCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, f.broker.placeErr)
	assert.Equal(t, []string{"MSFT"}, f.data.calls)

	pos, _ := f.ledger.Get("MSFT")
	assert.True(t, pos.Flat())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CycleErrors))
}

func TestScanCycleRecoversFromPanic(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{})
	f.data.onFetch = func(string) { panic("boom") }

	err := f.engine.ScanCycle(context.Background())
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "boom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
}

func TestScanCycleDryRunPlacesNoOrders(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{DryRun: true})
	f.data.results["MSFT"] = ascendingSpikeBars("MSFT", 20)

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	assert.Empty(t, f.broker.orders)
	pos, _ := f.ledger.Get("MSFT")
	assert.True(t, pos.Flat())
	assert.Contains(t, f.decisLog.String(), `"result":"dry_run"`)
}

func TestScanCycleKillSwitchRejects(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{KillSwitch: true})
	f.data.results["MSFT"] = ascendingSpikeBars("MSFT", 20)

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	assert.Empty(t, f.broker.orders)
	assert.Contains(t, f.decisLog.String(), `"reject_reason":"kill_switch_enabled"`)
}

func TestScanCycleSkipsWhenMarketClosed(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{MarketHoursOnly: true})
	f.broker.clock = broker.Clock{IsOpen: false}

	require.NoError(t, f.engine.ScanCycle(context.Background()))
	assert.Empty(t, f.data.calls)

	f.broker.clock = broker.Clock{IsOpen: true}
	require.NoError(t, f.engine.ScanCycle(context.Background()))
	assert.Equal(t, []string{"MSFT"}, f.data.calls)
}

func TestScanCycleUsesConfirmedFill(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{FillTimeout: time.Second, FillPollInterval: time.Millisecond})
	f.data.results["MSFT"] = ascendingSpikeBars("MSFT", 20)
	f.broker.statuses = []broker.OrderRef{
		{ID: "ord-MSFT", Status: "partially_filled", FilledQty: 100},
		{ID: "ord-MSFT", Status: "filled", FilledQty: 230, FilledAvgPrice: decimal.RequireFromString("104.75")},
	}

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	pos, _ := f.ledger.Get("MSFT")
	assert.Equal(t, 230, pos.Qty)
	assert.True(t, pos.EntryPrice.Equal(decimal.RequireFromString("104.75")))
	assert.Equal(t, 2, f.broker.polls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Orders.WithLabelValues("buy", "filled")))
}

func TestScanCycleCanceledOrderLeavesLedgerFlat(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{FillTimeout: time.Second, FillPollInterval: time.Millisecond})
	f.data.results["MSFT"] = ascendingSpikeBars("MSFT", 20)
	f.broker.statuses = []broker.OrderRef{{ID: "ord-MSFT", Status: "canceled"}}

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	pos, _ := f.ledger.Get("MSFT")
	assert.True(t, pos.Flat())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Orders.WithLabelValues("buy", "canceled")))
}

func TestScanCyclePartialExitKeepsRemainder(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{FillTimeout: time.Second, FillPollInterval: time.Millisecond})
	require.NoError(t, f.ledger.Open("MSFT", 10, decimal.NewFromInt(100)))
	f.data.results["MSFT"] = barsEndingAt("MSFT", 20, 103)
	f.broker.statuses = []broker.OrderRef{{ID: "ord-MSFT", Status: "expired", FilledQty: 6, FilledAvgPrice: decimal.NewFromInt(103)}}

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	pos, _ := f.ledger.Get("MSFT")
	assert.Equal(t, 4, pos.Qty)
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(100)))
}

func TestScanCycleAssumesFillAfterTimeout(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{FillTimeout: 5 * time.Millisecond, FillPollInterval: time.Millisecond})
	window := ascendingSpikeBars("MSFT", 20)
	f.data.results["MSFT"] = window
	last, _ := window.Last()

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	pos, _ := f.ledger.Get("MSFT")
	assert.Equal(t, int(math.Floor(25000/last.Close)), pos.Qty)
	assert.Positive(t, f.broker.polls)
}

func TestScanCycleStopsPollingUnknownOrder(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{FillTimeout: time.Second, FillPollInterval: time.Millisecond})
	window := ascendingSpikeBars("MSFT", 20)
	f.data.results["MSFT"] = window
	last, _ := window.Last()
	f.broker.orderErr = fmt.Errorf("get order ord-MSFT: %w", broker.ErrOrderNotFound)

	require.NoError(t, f.engine.ScanCycle(context.Background()))

	assert.Equal(t, 1, f.broker.polls)
	pos, _ := f.ledger.Get("MSFT")
	assert.Equal(t, int(math.Floor(25000/last.Close)), pos.Qty)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cycles := 0
	f.data.onFetch = func(string) {
		cycles++
		if cycles == 3 {
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	assert.Equal(t, 3, cycles)
}

func TestRunContinuesAfterCycleError(t *testing.T) {
	f := newFixture(t, []string{"MSFT"}, Options{})
	f.data.results["MSFT"] = ascendingSpikeBars("MSFT", 20)
	f.broker.placeErr = errors.New("rejected")

	ctx, cancel := context.WithCancel(context.Background())
	f.data.onFetch = func(string) {
		if len(f.data.calls) == 2 {
			cancel()
		}
	}

	require.NoError(t, f.engine.Run(ctx))
	assert.Len(t, f.data.calls, 2)
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.CycleErrors), 1.0)
}
