package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchangeConnector is the only surface the engine consumes from an
// exchange integration (spec §6). Every connector (REST+WS) must
// implement it; the engine never sees raw exchange JSON.
type IExchangeConnector interface {
	GetSymbolConfig(ctx context.Context, symbol string, instType InstType) (SymbolConfig, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	GetFills(ctx context.Context, symbol string, orderID string) ([]FillResponse, error)
	CloseAllPositions(ctx context.Context, pair string, side Side) (OrderResponse, error)

	SubscribeTicker(pair string, subscriberID string)
	UnsubscribeTicker(pair string, subscriberID string)

	Ticks() <-chan TickerEvent
	Fills() <-chan FillEventEnvelope
	Status() <-chan ConnectionState
}

// TickerEvent pairs a pair with its latest Ticker, as emitted by the
// connector's public stream.
type TickerEvent struct {
	Pair   string
	Ticker Ticker
}

// FillEventEnvelope pairs a client order id with its fill event, as
// emitted by the connector's private stream.
type FillEventEnvelope struct {
	ClientOrderID string
	Fill          FillEvent
}

// ILogger is the structured-logging interface every component codes
// against; internal/logging.ZapLogger is the production implementation.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IStateStore persists and restores the full set of strategies for one
// market (spot or futures), per the wire format of spec §6.
type IStateStore interface {
	Save(ctx context.Context, doc PersistedFile) error
	Load(ctx context.Context) (PersistedFile, error)
}

// PersistedFile is the top-level JSON document of spec §6.
type PersistedFile struct {
	InstType           InstType                  `json:"inst_type"`
	Strategies         map[string]PersistedGrid  `json:"strategies"`
	RunningStrategies  []string                  `json:"running_strategies"`
	LastSave           string                    `json:"last_save"`
}

// PersistedGrid is <GridData-serialized> from spec §6: every numeric
// field is encoded as a string to preserve exact decimal semantics.
type PersistedGrid struct {
	UID                 string                       `json:"uid"`
	Pair                string                       `json:"pair"`
	Exchange             string                      `json:"exchange"`
	InstType            InstType                     `json:"inst_type"`
	Direction           Direction                    `json:"direction"`
	TakeProfitConfig    PersistedTakeProfitConfig    `json:"take_profit_config"`
	StopLossConfig      PersistedStopLossConfig      `json:"stop_loss_config"`
	TotalRealizedProfit string                       `json:"total_realized_profit"`
	GridLevels          map[string]PersistedLevel    `json:"grid_levels"`
	Operations          PersistedOperations          `json:"operations"`
	Status              Status                       `json:"status"`
}

type PersistedTakeProfitConfig struct {
	Enabled      bool    `json:"enabled"`
	ProfitAmount *string `json:"profit_amount,omitempty"`
}

type PersistedStopLossConfig struct {
	Enabled    bool    `json:"enabled"`
	LossAmount *string `json:"loss_amount,omitempty"`
}

type PersistedOperations struct {
	OpenEnabled  bool `json:"open_enabled"`
	CloseEnabled bool `json:"close_enabled"`
}

// PersistedLevel is one entry of grid_levels in spec §6.
type PersistedLevel struct {
	IntervalPercent     string  `json:"interval_percent"`
	TakeProfitPercent   string  `json:"take_profit_percent"`
	OpenReboundPercent  string  `json:"open_rebound_percent"`
	CloseReboundPercent string  `json:"close_rebound_percent"`
	InvestAmount        string  `json:"invest_amount"`
	FilledAmount        *string `json:"filled_amount,omitempty"`
	FilledPrice         *string `json:"filled_price,omitempty"`
	FilledTime          *string `json:"filled_time,omitempty"`
	IsFilled            bool    `json:"is_filled"`
	OrderID             *string `json:"order_id,omitempty"`
	LastTakeProfitPrice *string `json:"last_take_profit_price,omitempty"`
}

// DecimalOrZero parses an optional decimal string, defaulting to zero
// decimal.Decimal when nil.
func DecimalOrZero(s *string) decimal.Decimal {
	if s == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
