package engine

import (
	"context"
	"fmt"

	"rsibot/internal/broker"
	"rsibot/internal/state"

	"github.com/rs/zerolog/log"
)

type HoldingsReporter interface {
	Positions(ctx context.Context) ([]broker.Position, error)
}

// Reconcile seeds the ledger from the holdings the broker reports.
// Holdings outside the configured symbols are ignored.
func Reconcile(ctx context.Context, reporter HoldingsReporter, ledger *state.Ledger) error {
	positions, err := reporter.Positions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile positions: %w", err)
	}

	holdings := make([]state.Holding, 0, len(positions))
	for _, pos := range positions {
		holdings = append(holdings, state.Holding{
			Symbol:     pos.Symbol,
			Qty:        pos.Qty,
			EntryPrice: pos.AvgEntry,
		})
	}
	ignored := ledger.Seed(holdings)
	for _, symbol := range ignored {
		log.Debug().Str("symbol", symbol).Msg("ignoring unmanaged holding")
	}

	for _, symbol := range ledger.Symbols() {
		pos, _ := ledger.Get(symbol)
		if pos.Flat() {
			continue
		}
		log.Info().Str("symbol", symbol).Int("qty", pos.Qty).Str("entry", pos.EntryPrice.String()).Msg("loaded position")
	}
	return nil
}
