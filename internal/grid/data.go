package grid

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ohlcv/gridengine/internal/core"

	"github.com/shopspring/decimal"
)

// Data is the per-strategy mutable aggregate of spec §3 ("GridData").
// It is owned by exactly one GridTrader goroutine while the strategy
// runs; external readers (persistence, CLI) take a snapshot under Mu
// rather than holding a long-lived reference into it.
type Data struct {
	Mu sync.RWMutex

	UID      string
	Pair     string
	Exchange string
	InstType core.InstType
	Direction core.Direction

	// levels is kept dense and ordered: levels[i] is level index i.
	levels []LevelConfig

	TakeProfitConfig TakeProfitConfig
	StopLossConfig   StopLossConfig

	TotalRealizedProfit decimal.Decimal

	LastPrice      decimal.Decimal
	LastUpdateTime time.Time

	Status     core.Status
	Operations Operations
}

// New creates an empty GridData for a freshly created strategy (spec §4.5
// create_strategy): no levels, default operations (both enabled), Added
// status. For spot instruments the direction is forced Long.
func New(uid, pair, exchange string, instType core.InstType) *Data {
	direction := core.DirectionLong
	return &Data{
		UID:        uid,
		Pair:       pair,
		Exchange:   exchange,
		InstType:   instType,
		Direction:  direction,
		Status:     core.StatusAdded,
		Operations: Operations{OpenEnabled: true, CloseEnabled: true},
	}
}

// SetDirection sets the strategy's long/short bias. Only allowed when no
// level is filled (spec §4.2); spot instruments are forced Long.
func (d *Data) SetDirection(dir core.Direction) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()

	if d.InstType == core.InstTypeSpot {
		dir = core.DirectionLong
	}
	for _, lvl := range d.levels {
		if lvl.IsFilled {
			return &core.StateError{UID: d.UID, Message: "cannot change direction while a level is filled"}
		}
	}
	d.Direction = dir
	return nil
}

// LevelCount returns the number of configured levels.
func (d *Data) LevelCount() int {
	d.Mu.RLock()
	defer d.Mu.RUnlock()
	return len(d.levels)
}

// Level returns a copy of the level at the given index, and whether it
// exists.
func (d *Data) Level(index int) (LevelConfig, bool) {
	d.Mu.RLock()
	defer d.Mu.RUnlock()
	if index < 0 || index >= len(d.levels) {
		return LevelConfig{}, false
	}
	return d.levels[index].clone(), true
}

// Levels returns a copy of every configured level, in index order.
func (d *Data) Levels() []LevelConfig {
	d.Mu.RLock()
	defer d.Mu.RUnlock()
	out := make([]LevelConfig, len(d.levels))
	copy(out, d.levels)
	return out
}

// UpdateLevel modifies an unfilled level's parameters, or appends the
// next dense level if index == len(levels) (spec §4.2). It is a
// StateError to update a filled level or to leave a hole.
func (d *Data) UpdateLevel(index int, params LevelConfig) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()

	if index < 0 || index > len(d.levels) {
		return &core.StateError{UID: d.UID, Message: fmt.Sprintf("level %d would create a hole: only %d levels configured", index, len(d.levels))}
	}
	if index == len(d.levels) {
		d.levels = append(d.levels, params)
		return nil
	}
	if d.levels[index].IsFilled {
		return &core.StateError{UID: d.UID, Message: fmt.Sprintf("level %d is filled and cannot be reconfigured", index)}
	}

	existing := d.levels[index]
	params.FilledAmount = existing.FilledAmount
	params.FilledPrice = existing.FilledPrice
	params.FilledTime = existing.FilledTime
	params.IsFilled = existing.IsFilled
	params.OrderID = existing.OrderID
	params.LastTakeProfitPrice = existing.LastTakeProfitPrice
	params.hasLastTakeProfit = existing.hasLastTakeProfit
	d.levels[index] = params
	return nil
}

// ResetLevel clears a level's fill state while preserving its
// parameters (spec §4.2). It fails if the level has a pending order.
func (d *Data) ResetLevel(index int, pendingOrderID string) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	return d.resetLevelLocked(index, pendingOrderID)
}

func (d *Data) resetLevelLocked(index int, pendingOrderID string) error {
	if index < 0 || index >= len(d.levels) {
		return &core.StateError{UID: d.UID, Message: fmt.Sprintf("level %d does not exist", index)}
	}
	lvl := &d.levels[index]
	if lvl.OrderID != "" && lvl.OrderID == pendingOrderID {
		return &core.StateError{UID: d.UID, Message: fmt.Sprintf("level %d has a pending order %s", index, pendingOrderID)}
	}
	lvl.FilledAmount = decimal.Zero
	lvl.FilledPrice = decimal.Zero
	lvl.FilledTime = time.Time{}
	lvl.IsFilled = false
	lvl.OrderID = ""
	return nil
}

// ApplyFill applies an Open or Close fill to a level (spec §4.2, §4.4).
//
// On Open: marks the level filled and records amount/price/time. The
// level must not already be filled (StateError otherwise), and it must
// be the first unfilled level (invariant 2: no holes).
//
// On Close: adds profit-fee to TotalRealizedProfit, stashes the fill
// price as the level's LastTakeProfitPrice, then resets the level.
func (d *Data) ApplyFill(index int, side core.TradeSide, amount, price, fee, reportedProfit decimal.Decimal, filledTime time.Time, orderID string) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()

	if index < 0 || index >= len(d.levels) {
		return &core.StateError{UID: d.UID, Message: fmt.Sprintf("level %d does not exist", index)}
	}

	switch side {
	case core.TradeSideOpen:
		lvl := &d.levels[index]
		if lvl.IsFilled {
			return &core.StateError{UID: d.UID, Message: fmt.Sprintf("level %d is already filled", index)}
		}
		for j := 0; j < index; j++ {
			if !d.levels[j].IsFilled {
				return &core.StateError{UID: d.UID, Message: fmt.Sprintf("level %d cannot fill before level %d", index, j)}
			}
		}
		lvl.IsFilled = true
		lvl.FilledAmount = amount
		lvl.FilledPrice = price
		lvl.FilledTime = filledTime
		lvl.OrderID = orderID
		return nil

	case core.TradeSideClose:
		lvl := &d.levels[index]
		if !lvl.IsFilled {
			return &core.StateError{UID: d.UID, Message: fmt.Sprintf("level %d is not filled; cannot close", index)}
		}
		d.TotalRealizedProfit = d.TotalRealizedProfit.Add(reportedProfit.Sub(fee))
		return d.resetLevelAndStashLocked(index, price)

	default:
		return &core.StateError{UID: d.UID, Message: fmt.Sprintf("unknown trade side %q", side)}
	}
}

func (d *Data) resetLevelAndStashLocked(index int, lastTakeProfitPrice decimal.Decimal) error {
	lvl := &d.levels[index]
	lvl.FilledAmount = decimal.Zero
	lvl.FilledPrice = decimal.Zero
	lvl.FilledTime = time.Time{}
	lvl.IsFilled = false
	lvl.OrderID = ""
	lvl.LastTakeProfitPrice = lastTakeProfitPrice
	lvl.hasLastTakeProfit = true
	return nil
}

// FilledAmounts returns the level index and filled amount of every
// currently filled level, in index order (used by liquidation to size
// the close-all order).
func (d *Data) FilledAmounts() (indices []int, totalAmount decimal.Decimal) {
	d.Mu.RLock()
	defer d.Mu.RUnlock()
	totalAmount = decimal.Zero
	for i, lvl := range d.levels {
		if lvl.IsFilled {
			indices = append(indices, i)
			totalAmount = totalAmount.Add(lvl.FilledAmount)
		}
	}
	return indices, totalAmount
}

// CloseAll liquidates every filled level in one step (spec §4.3
// _close_all_positions): it credits the reported profit once, resets
// every filled level without stashing a take-profit price (a forced
// liquidation is not a take-profit), and marks the strategy Closed.
func (d *Data) CloseAll(reportedProfit decimal.Decimal, reason string) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()

	d.TotalRealizedProfit = d.TotalRealizedProfit.Add(reportedProfit)
	for i := range d.levels {
		if d.levels[i].IsFilled {
			if err := d.resetLevelLocked(i, ""); err != nil {
				return err
			}
		}
	}
	d.Status = core.StatusClosed
	return nil
}

// CalculatePositionMetrics computes the aggregate position exposure at
// the current LastPrice (spec §4.2).
func (d *Data) CalculatePositionMetrics() PositionMetrics {
	d.Mu.RLock()
	defer d.Mu.RUnlock()
	return d.calculatePositionMetricsLocked()
}

func (d *Data) calculatePositionMetricsLocked() PositionMetrics {
	totalBase := decimal.Zero
	weightedPrice := decimal.Zero
	for _, lvl := range d.levels {
		if !lvl.IsFilled {
			continue
		}
		totalBase = totalBase.Add(lvl.FilledAmount)
		weightedPrice = weightedPrice.Add(lvl.FilledAmount.Mul(lvl.FilledPrice))
	}

	avgPrice := decimal.Zero
	if !totalBase.IsZero() {
		avgPrice = weightedPrice.Div(totalBase)
	}

	totalValue := totalBase.Mul(d.LastPrice)

	unrealized := d.LastPrice.Sub(avgPrice).Mul(totalBase)
	if d.Direction == core.DirectionShort {
		unrealized = unrealized.Neg()
	}

	return PositionMetrics{
		TotalBase:     totalBase,
		AvgPrice:      avgPrice,
		TotalValue:    totalValue,
		UnrealizedPnL: unrealized,
	}
}

// GetGridStatus computes the derived level-configuration summary (spec
// §4.2).
func (d *Data) GetGridStatus() GridStatus {
	d.Mu.RLock()
	defer d.Mu.RUnlock()
	return d.getGridStatusLocked()
}

func (d *Data) getGridStatusLocked() GridStatus {
	filled := 0
	next := 0
	for i, lvl := range d.levels {
		if lvl.IsFilled {
			filled++
			next = i + 1
		}
	}
	return GridStatus{
		Configured:   len(d.levels) > 0,
		TotalLevels:  len(d.levels),
		FilledLevels: filled,
		NextLevel:    next,
		IsFull:       len(d.levels) > 0 && filled == len(d.levels),
	}
}

// CheckTakeProfitReached reports whether the strategy-wide take-profit
// guard has fired (spec §4.2).
func (d *Data) CheckTakeProfitReached() bool {
	d.Mu.RLock()
	defer d.Mu.RUnlock()
	if !d.TakeProfitConfig.Enabled {
		return false
	}
	return d.TotalRealizedProfit.GreaterThanOrEqual(d.TakeProfitConfig.ProfitAmount)
}

// CheckStopLossReached reports whether the strategy-wide stop-loss guard
// has fired for the given unrealized P&L (spec §4.2).
func (d *Data) CheckStopLossReached(unrealizedPnL decimal.Decimal) bool {
	d.Mu.RLock()
	defer d.Mu.RUnlock()
	if !d.StopLossConfig.Enabled {
		return false
	}
	return unrealizedPnL.LessThanOrEqual(d.StopLossConfig.LossAmount.Neg())
}

// RowSnapshot recomputes the display projection from current state
// (spec §3, §9 — never the source of truth).
func (d *Data) RowSnapshot() RowSnapshot {
	d.Mu.RLock()
	defer d.Mu.RUnlock()

	metrics := d.calculatePositionMetricsLocked()
	status := d.getGridStatusLocked()

	return RowSnapshot{
		Exchange:          d.Exchange,
		Pair:              d.Pair,
		Direction:         d.Direction,
		OpenEnabled:       d.Operations.OpenEnabled,
		CloseEnabled:      d.Operations.CloseEnabled,
		Status:            d.Status,
		CurrentLevel:      status.FilledLevels,
		PositionValue:     metrics.TotalValue,
		UnrealizedPnL:     metrics.UnrealizedPnL,
		AvgPrice:          metrics.AvgPrice,
		LastPrice:         d.LastPrice,
		RealizedProfit:    d.TotalRealizedProfit,
		TakeProfitConfig:  d.TakeProfitConfig,
		StopLossConfig:    d.StopLossConfig,
		LastUpdateTime:    d.LastUpdateTime,
		UID:               d.UID,
	}
}

// Serialize converts the aggregate into the wire-format DTO of spec §6,
// preserving every field losslessly (decimals and times as strings).
func (d *Data) Serialize() core.PersistedGrid {
	d.Mu.RLock()
	defer d.Mu.RUnlock()

	levels := make(map[string]core.PersistedLevel, len(d.levels))
	for i, lvl := range d.levels {
		pl := core.PersistedLevel{
			IntervalPercent:     lvl.IntervalPercent.String(),
			TakeProfitPercent:   lvl.TakeProfitPercent.String(),
			OpenReboundPercent:  lvl.OpenReboundPercent.String(),
			CloseReboundPercent: lvl.CloseReboundPercent.String(),
			InvestAmount:        lvl.InvestAmount.String(),
			IsFilled:            lvl.IsFilled,
		}
		if lvl.IsFilled {
			amt := lvl.FilledAmount.String()
			price := lvl.FilledPrice.String()
			ft := lvl.FilledTime.UTC().Format(time.RFC3339Nano)
			pl.FilledAmount = &amt
			pl.FilledPrice = &price
			pl.FilledTime = &ft
		}
		if lvl.OrderID != "" {
			oid := lvl.OrderID
			pl.OrderID = &oid
		}
		if lvl.hasLastTakeProfit {
			ltp := lvl.LastTakeProfitPrice.String()
			pl.LastTakeProfitPrice = &ltp
		}
		levels[fmt.Sprintf("%d", i)] = pl
	}

	var tpConfig core.PersistedTakeProfitConfig
	tpConfig.Enabled = d.TakeProfitConfig.Enabled
	if d.TakeProfitConfig.Enabled {
		amt := d.TakeProfitConfig.ProfitAmount.String()
		tpConfig.ProfitAmount = &amt
	}

	var slConfig core.PersistedStopLossConfig
	slConfig.Enabled = d.StopLossConfig.Enabled
	if d.StopLossConfig.Enabled {
		amt := d.StopLossConfig.LossAmount.String()
		slConfig.LossAmount = &amt
	}

	return core.PersistedGrid{
		UID:                 d.UID,
		Pair:                d.Pair,
		Exchange:            d.Exchange,
		InstType:            d.InstType,
		Direction:           d.Direction,
		TakeProfitConfig:    tpConfig,
		StopLossConfig:      slConfig,
		TotalRealizedProfit: d.TotalRealizedProfit.String(),
		GridLevels:          levels,
		Operations:          core.PersistedOperations{OpenEnabled: d.Operations.OpenEnabled, CloseEnabled: d.Operations.CloseEnabled},
		Status:              d.Status,
	}
}

// Deserialize rebuilds a Data aggregate from its persisted form. Level
// indices are sorted numerically and must be dense starting at zero
// (invariant 1); otherwise an error is returned and no partial state is
// constructed (spec §7: a file failing schema validation is refused).
func Deserialize(pg core.PersistedGrid) (*Data, error) {
	d := &Data{
		UID:        pg.UID,
		Pair:       pg.Pair,
		Exchange:   pg.Exchange,
		InstType:   pg.InstType,
		Direction:  pg.Direction,
		Status:     pg.Status,
		Operations: Operations{OpenEnabled: pg.Operations.OpenEnabled, CloseEnabled: pg.Operations.CloseEnabled},
	}

	profit, err := decimal.NewFromString(pg.TotalRealizedProfit)
	if err != nil {
		return nil, fmt.Errorf("invalid total_realized_profit %q: %w", pg.TotalRealizedProfit, err)
	}
	d.TotalRealizedProfit = profit

	if pg.TakeProfitConfig.Enabled {
		d.TakeProfitConfig.Enabled = true
		d.TakeProfitConfig.ProfitAmount = core.DecimalOrZero(pg.TakeProfitConfig.ProfitAmount)
	}
	if pg.StopLossConfig.Enabled {
		d.StopLossConfig.Enabled = true
		d.StopLossConfig.LossAmount = core.DecimalOrZero(pg.StopLossConfig.LossAmount)
	}

	indices := make([]int, 0, len(pg.GridLevels))
	byIndex := make(map[int]core.PersistedLevel, len(pg.GridLevels))
	for k, pl := range pg.GridLevels {
		var idx int
		if _, err := fmt.Sscanf(k, "%d", &idx); err != nil {
			return nil, fmt.Errorf("invalid level index %q: %w", k, err)
		}
		indices = append(indices, idx)
		byIndex[idx] = pl
	}
	sort.Ints(indices)

	d.levels = make([]LevelConfig, len(indices))
	for i, idx := range indices {
		if idx != i {
			return nil, fmt.Errorf("grid levels have a hole or gap: expected index %d, got %d", i, idx)
		}
		pl := byIndex[idx]
		lvl := LevelConfig{IsFilled: pl.IsFilled}

		if lvl.IntervalPercent, err = decimal.NewFromString(pl.IntervalPercent); err != nil {
			return nil, fmt.Errorf("level %d: invalid interval_percent: %w", idx, err)
		}
		if lvl.TakeProfitPercent, err = decimal.NewFromString(pl.TakeProfitPercent); err != nil {
			return nil, fmt.Errorf("level %d: invalid take_profit_percent: %w", idx, err)
		}
		if lvl.OpenReboundPercent, err = decimal.NewFromString(pl.OpenReboundPercent); err != nil {
			return nil, fmt.Errorf("level %d: invalid open_rebound_percent: %w", idx, err)
		}
		if lvl.CloseReboundPercent, err = decimal.NewFromString(pl.CloseReboundPercent); err != nil {
			return nil, fmt.Errorf("level %d: invalid close_rebound_percent: %w", idx, err)
		}
		if lvl.InvestAmount, err = decimal.NewFromString(pl.InvestAmount); err != nil {
			return nil, fmt.Errorf("level %d: invalid invest_amount: %w", idx, err)
		}

		if pl.IsFilled {
			if pl.FilledAmount == nil || pl.FilledPrice == nil || pl.FilledTime == nil {
				return nil, fmt.Errorf("level %d: marked filled but missing fill fields", idx)
			}
			if lvl.FilledAmount, err = decimal.NewFromString(*pl.FilledAmount); err != nil {
				return nil, fmt.Errorf("level %d: invalid filled_amount: %w", idx, err)
			}
			if lvl.FilledPrice, err = decimal.NewFromString(*pl.FilledPrice); err != nil {
				return nil, fmt.Errorf("level %d: invalid filled_price: %w", idx, err)
			}
			if lvl.FilledTime, err = time.Parse(time.RFC3339Nano, *pl.FilledTime); err != nil {
				return nil, fmt.Errorf("level %d: invalid filled_time: %w", idx, err)
			}
		}
		if pl.OrderID != nil {
			lvl.OrderID = *pl.OrderID
		}
		if pl.LastTakeProfitPrice != nil {
			lvl.LastTakeProfitPrice = core.DecimalOrZero(pl.LastTakeProfitPrice)
			lvl.hasLastTakeProfit = true
		}

		d.levels[i] = lvl
	}

	return d, nil
}
