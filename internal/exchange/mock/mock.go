// Package mock implements an in-memory core.IExchangeConnector for
// integration tests and local demos, fills happening immediately at a
// caller-set price rather than round-tripping a real exchange.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ohlcv/gridengine/internal/core"

	"github.com/shopspring/decimal"
)

// Exchange is a deterministic, in-memory stand-in for a real connector.
type Exchange struct {
	mu sync.RWMutex

	symbols map[string]core.SymbolConfig
	prices  map[string]decimal.Decimal

	ticks  chan core.TickerEvent
	fills  chan core.FillEventEnvelope
	status chan core.ConnectionState

	subscribers map[string]map[string]struct{}
	orderSeq    int64
}

// New builds an empty mock exchange. Call SetSymbolConfig/SetPrice to
// seed it before wiring a strategy to it.
func New() *Exchange {
	e := &Exchange{
		symbols:     make(map[string]core.SymbolConfig),
		prices:      make(map[string]decimal.Decimal),
		ticks:       make(chan core.TickerEvent, 256),
		fills:       make(chan core.FillEventEnvelope, 256),
		status:      make(chan core.ConnectionState, 8),
		subscribers: make(map[string]map[string]struct{}),
	}
	e.status <- core.Ready
	return e
}

// SetSymbolConfig registers the metadata GetSymbolConfig will return.
func (e *Exchange) SetSymbolConfig(cfg core.SymbolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbols[cfg.Pair] = cfg
}

// SetPrice updates the mock last-traded price for a pair and, if any
// strategy is subscribed to it, pushes a tick.
func (e *Exchange) SetPrice(pair string, price decimal.Decimal) {
	e.mu.Lock()
	e.prices[pair] = price
	subscribed := len(e.subscribers[pair]) > 0
	e.mu.Unlock()

	if !subscribed {
		return
	}
	e.ticks <- core.TickerEvent{Pair: pair, Ticker: core.Ticker{Pair: pair, LastPrice: price, TimeMS: time.Now().UnixMilli()}}
}

func (e *Exchange) GetSymbolConfig(ctx context.Context, symbol string, instType core.InstType) (core.SymbolConfig, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, ok := e.symbols[symbol]
	if !ok {
		return core.SymbolConfig{}, fmt.Errorf("mock exchange: no symbol config seeded for %s", symbol)
	}
	return cfg, nil
}

// PlaceOrder always fills immediately at the current mock price.
func (e *Exchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderResponse, error) {
	e.mu.Lock()
	price, ok := e.prices[req.Pair]
	e.orderSeq++
	orderID := fmt.Sprintf("mock-%d", e.orderSeq)
	e.mu.Unlock()

	if !ok {
		return core.OrderResponse{}, fmt.Errorf("mock exchange: no price seeded for %s", req.Pair)
	}
	if !req.Price.IsZero() {
		price = req.Price
	}

	amount := req.BaseSize
	if amount.IsZero() && !req.QuoteSize.IsZero() {
		amount = req.QuoteSize.Div(price)
	}

	return core.OrderResponse{
		OrderID: orderID,
		Success: true,
		ImmediateFill: &core.FillResponse{
			OrderID:       orderID,
			ClientOrderID: req.ClientOrderID,
			Price:         price,
			Amount:        amount,
			Fee:           decimal.Zero,
			ReportedPnL:   decimal.Zero,
			Time:          time.Now(),
		},
	}, nil
}

func (e *Exchange) GetFills(ctx context.Context, symbol, orderID string) ([]core.FillResponse, error) {
	return nil, nil
}

func (e *Exchange) CloseAllPositions(ctx context.Context, pair string, side core.Side) (core.OrderResponse, error) {
	e.mu.Lock()
	price := e.prices[pair]
	e.orderSeq++
	orderID := fmt.Sprintf("mock-close-%d", e.orderSeq)
	e.mu.Unlock()

	return core.OrderResponse{
		OrderID: orderID,
		Success: true,
		ImmediateFill: &core.FillResponse{
			OrderID: orderID,
			Price:   price,
			Time:    time.Now(),
		},
	}, nil
}

func (e *Exchange) SubscribeTicker(pair, subscriberID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs, ok := e.subscribers[pair]
	if !ok {
		subs = make(map[string]struct{})
		e.subscribers[pair] = subs
	}
	subs[subscriberID] = struct{}{}
}

func (e *Exchange) UnsubscribeTicker(pair, subscriberID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subscribers[pair], subscriberID)
}

func (e *Exchange) Ticks() <-chan core.TickerEvent       { return e.ticks }
func (e *Exchange) Fills() <-chan core.FillEventEnvelope { return e.fills }
func (e *Exchange) Status() <-chan core.ConnectionState  { return e.status }
