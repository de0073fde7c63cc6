package md

import (
	"context"
	"errors"
	"time"
)

// ErrFetch marks a transport failure while retrieving bars. An empty
// result is not an error.
var ErrFetch = errors.New("fetch bars")

type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// FetchResult holds the bars of one symbol ordered oldest to newest.
type FetchResult struct {
	Symbol string
	Bars   []Bar
}

func (r FetchResult) Empty() bool {
	return len(r.Bars) == 0
}

func (r FetchResult) Last() (Bar, bool) {
	if r.Empty() {
		return Bar{}, false
	}
	return r.Bars[len(r.Bars)-1], true
}

func (r FetchResult) Closes() []float64 {
	out := make([]float64, len(r.Bars))
	for i, bar := range r.Bars {
		out[i] = bar.Close
	}
	return out
}

func (r FetchResult) Volumes() []float64 {
	out := make([]float64, len(r.Bars))
	for i, bar := range r.Bars {
		out[i] = bar.Volume
	}
	return out
}

type Provider interface {
	Bars(ctx context.Context, symbol string) (FetchResult, error)
}
