// Package core defines the domain types and interfaces shared across the
// grid trading engine: the exchange connector surface, symbol metadata,
// order requests/responses, and the market-data/fill DTOs the connector
// hands to the engine.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstType distinguishes spot markets from perpetual-futures markets.
type InstType string

const (
	InstTypeSpot    InstType = "Spot"
	InstTypeFutures InstType = "Futures"
)

// Direction is the grid's trading bias.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Side is the exchange order side.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// TradeSide distinguishes a position-opening order from a closing one.
type TradeSide string

const (
	TradeSideOpen  TradeSide = "Open"
	TradeSideClose TradeSide = "Close"
)

// OrderType is the exchange order type. The engine only ever submits
// market or limit orders (spec non-goal: no other order types).
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Status is the strategy's display-only lifecycle status.
type Status string

const (
	StatusAdded   Status = "Added"
	StatusRunning Status = "Running"
	StatusStopped Status = "Stopped"
	StatusClosed  Status = "Closed"
	StatusError   Status = "Error"
)

// ConnectionState models the connector's public/private stream lifecycle
// (spec §4.1): Disconnected -> Connecting -> PublicUp/PrivateUp (independent)
// -> Ready once both legs are up. Any drop returns to Connecting.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	PublicUp
	PrivateUp
	Ready
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case PublicUp:
		return "public_up"
	case PrivateUp:
		return "private_up"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// SymbolConfig is the immutable per-pair metadata fetched from the
// exchange at subscription time. It is never mutated afterwards.
type SymbolConfig struct {
	Symbol         string
	Pair           string
	BaseCoin       string
	QuoteCoin      string
	BasePrecision  int32
	QuotePrecision int32
	PricePrecision int32
	MinBaseAmount  decimal.Decimal
	MinQuoteAmount decimal.Decimal
	InstType       InstType
}

// OrderRequest is submitted to the connector's PlaceOrder call. Exactly
// one of BaseSize/QuoteSize must be set (spec §4.1).
type OrderRequest struct {
	Pair          string
	Side          Side
	TradeSide     TradeSide
	PositionSide  Direction
	OrderType     OrderType
	BaseSize      decimal.Decimal
	QuoteSize     decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string

	// Futures margin passthrough (spec non-goal: no leverage optimization,
	// the engine passes these values through verbatim).
	Leverage   decimal.Decimal
	MarginMode string
}

// HasBaseSize reports whether the request carries a base-denominated size.
func (r OrderRequest) HasBaseSize() bool { return !r.BaseSize.IsZero() }

// OrderResponse is the connector's synchronous reply to PlaceOrder.
type OrderResponse struct {
	OrderID       string
	Success       bool
	ImmediateFill *FillResponse
}

// FillResponse is a single fill returned by GetFills or embedded in an
// OrderResponse for orders that filled immediately.
type FillResponse struct {
	OrderID       string
	ClientOrderID string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	ReportedPnL   decimal.Decimal
	Time          time.Time
}

// Ticker is the normalized market-data tick the connector emits.
type Ticker struct {
	Pair      string
	LastPrice decimal.Decimal
	TimeMS    int64
}

// FillEvent is pushed out-of-band by the connector's private stream when
// an order the engine placed is filled (fully or partially) or canceled.
type FillEvent struct {
	ClientOrderID string
	OrderID       string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	ReportedPnL   decimal.Decimal
	FullyFilled   bool
	Canceled      bool
	Time          time.Time
}
