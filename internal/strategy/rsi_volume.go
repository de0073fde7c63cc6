package strategy

import (
	"rsibot/internal/indicators"
	"rsibot/internal/md"

	"github.com/shopspring/decimal"
)

// Params tune the RSI/volume-spike strategy.
type Params struct {
	MinBars      int
	VolumeWindow int
	VolumeSpike  float64
	RSIPeriod    int
	EntryRSIMax  float64
	ExitRSIMin   float64
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
}

func DefaultParams() Params {
	return Params{
		MinBars:      15,
		VolumeWindow: 12,
		VolumeSpike:  2.5,
		RSIPeriod:    indicators.DefaultRSIPeriod,
		EntryRSIMax:  70,
		ExitRSIMin:   75,
		StopLoss:     decimal.RequireFromString("0.05"),
		TakeProfit:   decimal.RequireFromString("0.02"),
	}
}

// RSIVolume enters on a bullish volume spike that is not yet overbought
// and exits on overbought RSI, stop loss or take profit.
type RSIVolume struct {
	Params     Params
	Allocation decimal.Decimal
}

func NewRSIVolume(params Params, allocation decimal.Decimal) RSIVolume {
	return RSIVolume{Params: params, Allocation: allocation}
}

func (s RSIVolume) Decide(snapshot MarketSnapshot) TradeIntent {
	window := snapshot.window()
	last, ok := window.Last()
	if !ok {
		return TradeIntent{Action: Hold, Reason: "no_data"}
	}
	rsi := indicators.RSI(window.Closes(), s.Params.RSIPeriod)
	intent := TradeIntent{Action: Hold, Close: last.Close, RSI: rsi}

	if snapshot.Position.Flat() {
		if len(window.Bars) < s.Params.MinBars {
			intent.Reason = "insufficient_bars"
			return intent
		}
		if !s.ShouldBuy(window.Bars) {
			intent.Reason = "no_signal"
			return intent
		}
		intent.Action = Buy
		intent.Qty = OrderQty(s.Allocation, last.Close)
		intent.Reason = "entry_signal"
		return intent
	}

	entry := snapshot.Position.EntryPrice
	intent.Profit = Profit(last.Close, entry)
	if reason, exit := s.exitReason(rsi, intent.Profit); exit {
		intent.Action = Sell
		intent.Qty = snapshot.Position.Qty
		intent.Reason = reason
		return intent
	}
	intent.Reason = "no_signal"
	return intent
}

// ShouldBuy reports whether the latest bar closed up on a volume spike
// while RSI is below the entry ceiling.
func (s RSIVolume) ShouldBuy(bars []md.Bar) bool {
	if len(bars) < s.Params.MinBars || len(bars) == 0 {
		return false
	}
	window := md.FetchResult{Bars: bars}
	last := bars[len(bars)-1]

	volAvg, err := indicators.SMA(window.Volumes(), s.Params.VolumeWindow)
	if err != nil {
		return false
	}
	rsi := indicators.RSI(window.Closes(), s.Params.RSIPeriod)

	return last.Close > last.Open &&
		last.Volume > s.Params.VolumeSpike*volAvg &&
		rsi < s.Params.EntryRSIMax
}

// ShouldSell reports whether a position opened at entryPrice should be
// closed on the latest bar.
func (s RSIVolume) ShouldSell(bars []md.Bar, entryPrice decimal.Decimal) bool {
	if len(bars) == 0 || !entryPrice.IsPositive() {
		return false
	}
	window := md.FetchResult{Bars: bars}
	last := bars[len(bars)-1]
	rsi := indicators.RSI(window.Closes(), s.Params.RSIPeriod)
	_, exit := s.exitReason(rsi, Profit(last.Close, entryPrice))
	return exit
}

func (s RSIVolume) exitReason(rsi float64, profit decimal.Decimal) (string, bool) {
	switch {
	case rsi > s.Params.ExitRSIMin:
		return "rsi_overbought", true
	case profit.LessThanOrEqual(s.Params.StopLoss.Neg()):
		return "stop_loss", true
	case profit.GreaterThanOrEqual(s.Params.TakeProfit):
		return "take_profit", true
	}
	return "", false
}

// Profit returns (price - entry) / entry. A non-positive entry yields zero.
func Profit(price float64, entry decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromFloat(price).Sub(entry).Div(entry)
}

// OrderQty is the whole number of shares allocation buys at price.
func OrderQty(allocation decimal.Decimal, price float64) int {
	if price <= 0 || !allocation.IsPositive() {
		return 0
	}
	return int(allocation.Div(decimal.NewFromFloat(price)).Floor().IntPart())
}
