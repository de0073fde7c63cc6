package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// ErrOrderNotFound is returned by Order when the broker has no order with
// the given id.
var ErrOrderNotFound = errors.New("order not found")

type OrderRequest struct {
	Symbol        string
	Qty           int
	Side          alpaca.Side
	TimeInForce   alpaca.TimeInForce
	ClientOrderID string
}

type OrderRef struct {
	ID             string
	ClientOrderID  string
	Status         string
	FilledQty      int
	FilledAvgPrice decimal.Decimal
}

// Filled reports whether the whole order has executed.
func (o OrderRef) Filled() bool {
	return o.Status == "filled"
}

// Terminal reports whether the order can no longer fill.
func (o OrderRef) Terminal() bool {
	switch o.Status {
	case "filled", "canceled", "expired", "rejected", "done_for_day", "stopped", "suspended":
		return true
	}
	return false
}

type Position struct {
	Symbol   string
	Qty      int
	AvgEntry decimal.Decimal
}

type Account struct {
	Equity      decimal.Decimal
	BuyingPower decimal.Decimal
}

type Clock struct {
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

type tradingAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	GetPositions() ([]alpaca.Position, error)
	GetAccount() (*alpaca.Account, error)
	GetClock() (*alpaca.Clock, error)
}

type Client struct {
	client  tradingAPI
	breaker *gobreaker.CircuitBreaker
	runID   string
}

func New(apiKey, apiSecret, baseURL, runID string) *Client {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	return newClient(alpaca.NewClient(opts), runID)
}

func newClient(api tradingAPI, runID string) *Client {
	return &Client{
		client:  api,
		breaker: newBreaker("alpaca-trading"),
		runID:   runID,
	}
}

// newBreaker opens after three consecutive failures or a failure rate
// above 5% once twenty requests have been seen in the interval.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// NewClientOrderID returns an id unique to this run.
func (c *Client) NewClientOrderID() string {
	return fmt.Sprintf("%s-%s", c.runID, uuid.NewString()[:8])
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return OrderRef{}, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = c.NewClientOrderID()
	}
	if req.TimeInForce == "" {
		req.TimeInForce = alpaca.Day
	}
	qty := decimal.NewFromInt(int64(req.Qty))
	orderReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          req.Side,
		Type:          alpaca.Market,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.PlaceOrder(orderReq)
	})
	if err != nil {
		log.Error().Err(err).Str("side", string(req.Side)).Str("symbol", req.Symbol).Int("qty", req.Qty).Msg("place order failed")
		return OrderRef{}, fmt.Errorf("place %s order %s: %w", req.Side, req.Symbol, err)
	}
	order := res.(*alpaca.Order)

	log.Info().Str("order_id", order.ID).Str("side", string(req.Side)).Str("symbol", req.Symbol).Int("qty", req.Qty).Str("status", string(order.Status)).Msg("place order success")
	return toOrderRef(order), nil
}

func (c *Client) Order(ctx context.Context, orderID string) (OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return OrderRef{}, err
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.GetOrder(orderID)
	})
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return OrderRef{}, fmt.Errorf("get order %s: %w", orderID, ErrOrderNotFound)
		}
		log.Error().Err(err).Str("order_id", orderID).Msg("fetch order failed")
		return OrderRef{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return toOrderRef(res.(*alpaca.Order)), nil
}

func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.GetPositions()
	})
	if err != nil {
		log.Error().Err(err).Msg("fetch positions failed")
		return nil, fmt.Errorf("get positions: %w", err)
	}
	positions := res.([]alpaca.Position)
	out := make([]Position, 0, len(positions))
	for _, pos := range positions {
		out = append(out, Position{
			Symbol:   pos.Symbol,
			Qty:      int(pos.Qty.IntPart()),
			AvgEntry: pos.AvgEntryPrice,
		})
	}
	log.Info().Int("count", len(out)).Msg("positions fetched")
	return out, nil
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.GetAccount()
	})
	if err != nil {
		log.Error().Err(err).Msg("fetch account failed")
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	acct := res.(*alpaca.Account)
	return Account{Equity: acct.Equity, BuyingPower: acct.BuyingPower}, nil
}

func (c *Client) Clock(ctx context.Context) (Clock, error) {
	if err := ctx.Err(); err != nil {
		return Clock{}, err
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.GetClock()
	})
	if err != nil {
		log.Error().Err(err).Msg("fetch clock failed")
		return Clock{}, fmt.Errorf("get clock: %w", err)
	}
	clock := res.(*alpaca.Clock)
	return Clock{IsOpen: clock.IsOpen, NextOpen: clock.NextOpen, NextClose: clock.NextClose}, nil
}

func toOrderRef(order *alpaca.Order) OrderRef {
	ref := OrderRef{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Status:        string(order.Status),
		FilledQty:     int(order.FilledQty.IntPart()),
	}
	if order.FilledAvgPrice != nil {
		ref.FilledAvgPrice = *order.FilledAvgPrice
	}
	return ref
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
