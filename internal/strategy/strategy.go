package strategy

import (
	"time"

	"rsibot/internal/md"
	"rsibot/internal/state"

	"github.com/shopspring/decimal"
)

type Action string

const (
	Hold Action = "HOLD"
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

type MarketSnapshot struct {
	Timestamp time.Time
	Symbol    string
	Bars      []md.Bar
	Position  state.Position
}

func (s MarketSnapshot) window() md.FetchResult {
	return md.FetchResult{Symbol: s.Symbol, Bars: s.Bars}
}

type TradeIntent struct {
	Action Action
	Qty    int
	Reason string
	Close  float64
	RSI    float64
	// Profit is the unrealized return of the held position, zero when flat.
	Profit decimal.Decimal
}

type Strategy interface {
	Decide(snapshot MarketSnapshot) TradeIntent
}
