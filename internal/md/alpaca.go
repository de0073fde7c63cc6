package md

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultLookback = 30 * time.Minute
	// DefaultRPS stays below the 200 requests/minute budget of the free
	// data plan.
	DefaultRPS = 3.0
)

type barsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

type AlpacaOptions struct {
	APIKey    string
	APISecret string
	Feed      string
	Lookback  time.Duration
	RPS       float64
}

// AlpacaProvider fetches trailing 1-minute bars from the Alpaca
// historical data API.
type AlpacaProvider struct {
	client   barsClient
	feed     marketdata.Feed
	lookback time.Duration
	limiter  *rate.Limiter
	now      func() time.Time
}

func NewAlpacaProvider(opts AlpacaOptions) *AlpacaProvider {
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	})
	return newAlpacaProvider(client, opts)
}

func newAlpacaProvider(client barsClient, opts AlpacaOptions) *AlpacaProvider {
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = DefaultRPS
	}
	return &AlpacaProvider{
		client:   client,
		feed:     parseFeed(opts.Feed),
		lookback: lookback,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		now:      time.Now,
	}
}

func (p *AlpacaProvider) Bars(ctx context.Context, symbol string) (FetchResult, error) {
	result := FetchResult{Symbol: symbol}
	if err := p.limiter.Wait(ctx); err != nil {
		return result, fmt.Errorf("%w %s: rate limit wait: %v", ErrFetch, symbol, err)
	}

	end := p.now().UTC()
	bars, err := p.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneMin,
		Start:     end.Add(-p.lookback),
		End:       end,
		Feed:      p.feed,
	})
	if err != nil {
		return result, fmt.Errorf("%w %s: %v", ErrFetch, symbol, err)
	}
	if len(bars) == 0 {
		log.Debug().Str("symbol", symbol).Msg("no bars returned")
		return result, nil
	}

	result.Bars = make([]Bar, 0, len(bars))
	for _, b := range bars {
		result.Bars = append(result.Bars, Bar{
			Symbol:    symbol,
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    float64(b.Volume),
		})
	}
	sort.SliceStable(result.Bars, func(i, j int) bool {
		return result.Bars[i].Timestamp.Before(result.Bars[j].Timestamp)
	})
	log.Debug().Str("symbol", symbol).Int("bars", len(result.Bars)).Msg("bars fetched")
	return result, nil
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
