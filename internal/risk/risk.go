package risk

import (
	"errors"

	"rsibot/internal/strategy"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrKillSwitch         = errors.New("kill_switch_enabled")
	ErrInvalidQuantity    = errors.New("invalid_quantity")
	ErrAlreadyHolding     = errors.New("position_already_open")
	ErrNoPosition         = errors.New("no_position_to_sell")
	ErrPartialExit        = errors.New("partial_exit_not_allowed")
	ErrAllocationExceeded = errors.New("allocation_exceeded")
)

type RiskContext struct {
	Symbol      string
	Price       float64
	PositionQty int
	Allocation  decimal.Decimal
	KillSwitch  bool
}

type ApprovedIntent struct {
	Intent strategy.TradeIntent
	Reason string
}

type Gate struct{}

func (g Gate) Evaluate(intent strategy.TradeIntent, ctx RiskContext) (ApprovedIntent, error) {
	if intent.Action == strategy.Hold {
		return ApprovedIntent{Intent: intent, Reason: "hold"}, nil
	}

	notional := decimal.NewFromFloat(ctx.Price).Mul(decimal.NewFromInt(int64(intent.Qty)))
	logger := log.With().Str("symbol", ctx.Symbol).Str("intent", string(intent.Action)).Int("qty", intent.Qty).Logger()
	logger.Debug().Int("position", ctx.PositionQty).Float64("price", ctx.Price).Str("notional", notional.StringFixed(2)).Msg("risk evaluation")

	reject := func(err error) (ApprovedIntent, error) {
		logger.Info().Str("reason", err.Error()).Msg("risk rejected")
		return ApprovedIntent{}, err
	}

	if ctx.KillSwitch {
		return reject(ErrKillSwitch)
	}
	if intent.Qty <= 0 {
		return reject(ErrInvalidQuantity)
	}
	switch intent.Action {
	case strategy.Buy:
		if ctx.PositionQty > 0 {
			return reject(ErrAlreadyHolding)
		}
		if ctx.Allocation.IsPositive() && notional.GreaterThan(ctx.Allocation) {
			return reject(ErrAllocationExceeded)
		}
	case strategy.Sell:
		if ctx.PositionQty <= 0 {
			return reject(ErrNoPosition)
		}
		if intent.Qty != ctx.PositionQty {
			return reject(ErrPartialExit)
		}
	}

	logger.Debug().Str("reason", intent.Reason).Msg("risk approved")
	return ApprovedIntent{Intent: intent, Reason: "approved"}, nil
}

// Allocation splits total capital evenly across symbolCount symbols.
func Allocation(totalCapital decimal.Decimal, symbolCount int) decimal.Decimal {
	if symbolCount <= 0 {
		return decimal.Zero
	}
	return totalCapital.Div(decimal.NewFromInt(int64(symbolCount)))
}
