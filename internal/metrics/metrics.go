package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bot's Prometheus collectors and cycle health.
type Metrics struct {
	Registry *prometheus.Registry

	Cycles        prometheus.Counter
	CycleErrors   prometheus.Counter
	CycleDuration prometheus.Histogram
	FetchErrors   *prometheus.CounterVec
	EmptyFetches  *prometheus.CounterVec
	Orders        *prometheus.CounterVec
	RSI           *prometheus.GaugeVec
	PositionQty   *prometheus.GaugeVec

	mu          sync.RWMutex
	lastSuccess time.Time
	lastError   string
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsibot_cycles_total",
			Help: "Total number of scan cycles started",
		}),
		CycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsibot_cycle_errors_total",
			Help: "Total number of scan cycles aborted by an error",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rsibot_cycle_duration_seconds",
			Help:    "Duration of a full scan over all symbols",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rsibot_fetch_errors_total",
			Help: "Market data fetch failures by symbol",
		}, []string{"symbol"}),
		EmptyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rsibot_empty_fetches_total",
			Help: "Fetches that returned no bars by symbol",
		}, []string{"symbol"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rsibot_orders_total",
			Help: "Orders by side and result",
		}, []string{"side", "result"}),
		RSI: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rsibot_rsi",
			Help: "Latest RSI value by symbol",
		}, []string{"symbol"}),
		PositionQty: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rsibot_position_qty",
			Help: "Ledger quantity by symbol",
		}, []string{"symbol"}),
	}
	m.Registry.MustRegister(
		m.Cycles,
		m.CycleErrors,
		m.CycleDuration,
		m.FetchErrors,
		m.EmptyFetches,
		m.Orders,
		m.RSI,
		m.PositionQty,
	)
	return m
}

func (m *Metrics) CycleSucceeded(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSuccess = at
	m.lastError = ""
}

func (m *Metrics) CycleFailed(err error) {
	m.CycleErrors.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastError = err.Error()
}

type Health struct {
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
}

func (m *Metrics) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Health{LastSuccess: m.lastSuccess, LastError: m.lastError}
}
