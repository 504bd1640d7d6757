// Package grid implements the per-strategy grid data model and the
// rebound-confirmed, trigger-price-driven state machine that decides
// when to open a level, take profit, or liquidate (spec §3, §4.2, §4.3).
package grid

import (
	"time"

	"github.com/ohlcv/gridengine/internal/core"

	"github.com/shopspring/decimal"
)

// LevelConfig is one rung of the grid ladder (spec §3). Parameters are
// mutable only while the level is unfilled; fill state is written once
// by apply_fill and cleared by reset_level.
type LevelConfig struct {
	IntervalPercent     decimal.Decimal
	OpenReboundPercent  decimal.Decimal
	CloseReboundPercent decimal.Decimal
	TakeProfitPercent   decimal.Decimal
	InvestAmount        decimal.Decimal

	FilledAmount        decimal.Decimal
	FilledPrice         decimal.Decimal
	FilledTime          time.Time
	IsFilled            bool
	OrderID             string
	LastTakeProfitPrice decimal.Decimal
	hasLastTakeProfit   bool
}

// HasLastTakeProfitPrice reports whether this level carries a stored
// prior take-profit price (used by the open branch's damping rule).
func (l LevelConfig) HasLastTakeProfitPrice() bool { return l.hasLastTakeProfit }

// clone returns a value copy; LevelConfig has no reference fields so a
// plain copy already suffices, this documents the intent at call sites.
func (l LevelConfig) clone() LevelConfig { return l }

// TakeProfitConfig is the strategy-wide take-profit guard (spec §3).
type TakeProfitConfig struct {
	Enabled      bool
	ProfitAmount decimal.Decimal
}

// StopLossConfig is the strategy-wide stop-loss guard (spec §3).
type StopLossConfig struct {
	Enabled    bool
	LossAmount decimal.Decimal
}

// Operations are the user-toggled open/close guards (spec §3).
type Operations struct {
	OpenEnabled  bool
	CloseEnabled bool
}

// PositionMetrics is the derived projection of calculate_position_metrics
// (spec §4.2).
type PositionMetrics struct {
	TotalBase     decimal.Decimal
	AvgPrice      decimal.Decimal
	TotalValue    decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// GridStatus is the derived projection of get_grid_status (spec §4.2).
type GridStatus struct {
	Configured    bool
	TotalLevels   int
	FilledLevels  int
	NextLevel     int
	IsFull        bool
}

// RowSnapshot is the read-only display projection recomputed on demand
// from GridData (spec §3, §9 — replaces the original's mutable
// row-dictionary with a derived value type that is never the source of
// truth).
type RowSnapshot struct {
	Exchange            string
	Pair                string
	Direction           core.Direction
	OpenEnabled         bool
	CloseEnabled        bool
	Status              core.Status
	CurrentLevel        int
	PositionValue       decimal.Decimal
	UnrealizedPnL       decimal.Decimal
	AvgPrice            decimal.Decimal
	LastPrice           decimal.Decimal
	OpenTriggerPrice    decimal.Decimal
	TakeProfitTrigger   decimal.Decimal
	RealizedProfit      decimal.Decimal
	TakeProfitConfig    TakeProfitConfig
	StopLossConfig      StopLossConfig
	LastUpdateTime      time.Time
	UID                 string
}
