package engine

import (
	"io"
	"os"
	"sync"
	"time"

	"rsibot/internal/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Decision struct {
	RunID          string
	Timestamp      time.Time
	BarTime        time.Time
	Symbol         string
	Close          float64
	RSI            float64
	Profit         string
	PositionQty    int
	Intent         strategy.Action
	IntentQty      int
	Reason         string
	Result         string
	RejectReason   string
	OrderID        string
	ClientOrderID  string
	FilledQty      int
	FilledAvgPrice string
}

// DecisionLogger writes one JSON line per decision, either to its own
// file or through the process logger.
type DecisionLogger struct {
	runID  string
	logger zerolog.Logger
	closer io.Closer
	mu     sync.Mutex
}

func NewDecisionLogger(path string, runID string) (*DecisionLogger, error) {
	if path == "" {
		return &DecisionLogger{
			runID:  runID,
			logger: log.Logger.With().Str("component", "decision").Logger(),
		}, nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &DecisionLogger{
		runID:  runID,
		logger: zerolog.New(file).With().Timestamp().Logger(),
		closer: file,
	}, nil
}

func newDecisionLoggerWriter(w io.Writer, runID string) *DecisionLogger {
	return &DecisionLogger{runID: runID, logger: zerolog.New(w)}
}

func (d *DecisionLogger) RunID() string {
	return d.runID
}

func (d *DecisionLogger) Append(decision Decision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	event := d.logger.Info().
		Str("run_id", decision.RunID).
		Time("decided_at", decision.Timestamp).
		Str("symbol", decision.Symbol).
		Float64("close", decision.Close).
		Float64("rsi", decision.RSI).
		Int("position_qty", decision.PositionQty).
		Str("intent", string(decision.Intent)).
		Int("intent_qty", decision.IntentQty).
		Str("reason", decision.Reason).
		Str("result", decision.Result)
	if !decision.BarTime.IsZero() {
		event = event.Time("bar_time", decision.BarTime)
	}
	if decision.Profit != "" {
		event = event.Str("profit", decision.Profit)
	}
	if decision.RejectReason != "" {
		event = event.Str("reject_reason", decision.RejectReason)
	}
	if decision.OrderID != "" {
		event = event.Str("order_id", decision.OrderID).Str("client_order_id", decision.ClientOrderID)
	}
	if decision.FilledQty > 0 {
		event = event.Int("filled_qty", decision.FilledQty).Str("filled_avg_price", decision.FilledAvgPrice)
	}
	event.Msg("decision")
}

func (d *DecisionLogger) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}
