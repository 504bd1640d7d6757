package grid

import (
	"context"
	"fmt"
	"time"

	"github.com/ohlcv/gridengine/internal/core"

	"github.com/shopspring/decimal"
)

// priceState tracks the trigger/extreme prices used by the rebound
// checks, mirroring PriceState in the original algorithm (spec §4.3).
// It lives entirely in trader memory: a restart re-derives it from the
// first tick rather than persisting it.
type priceState struct {
	triggerPrice   decimal.Decimal
	hasTrigger     bool
	extremePrice   decimal.Decimal
	hasExtreme     bool
	tpTriggerPrice decimal.Decimal
	hasTPTrigger   bool
	tpExtremePrice decimal.Decimal
	hasTPExtreme   bool
}

func (s *priceState) reset() { *s = priceState{} }

func (s *priceState) updateExtreme(price decimal.Decimal, isLong bool) {
	if !s.hasExtreme {
		s.extremePrice = price
		s.hasExtreme = true
		return
	}
	if isLong {
		if price.LessThan(s.extremePrice) {
			s.extremePrice = price
		}
	} else if price.GreaterThan(s.extremePrice) {
		s.extremePrice = price
	}
}

func (s *priceState) updateTPExtreme(price decimal.Decimal, isLong bool) {
	if !s.hasTPExtreme {
		s.tpExtremePrice = price
		s.hasTPExtreme = true
		return
	}
	if isLong {
		if price.GreaterThan(s.tpExtremePrice) {
			s.tpExtremePrice = price
		}
	} else if price.LessThan(s.tpExtremePrice) {
		s.tpExtremePrice = price
	}
}

// Trader drives one GridData through the rebound-confirmed state
// machine of spec §4.3: on every qualifying tick it checks stop-loss,
// then take-profit, then whether the next level should open. It places
// at most one order at a time (invariant 6) and clears the pending
// marker when that order's full fill has been applied or the order is
// reported canceled.
type Trader struct {
	data      *Data
	symbol    core.SymbolConfig
	connector core.IExchangeConnector
	logger    core.ILogger

	minProcessInterval time.Duration

	price priceState

	hasPendingOrder bool
	pendingOrderID  string
	pendingLevel    int
	pendingIsClose  bool

	lastProcessedPrice    decimal.Decimal
	hasLastProcessedPrice bool
	lastProcessTime       time.Time

	lastTickTimeMS    int64
	hasLastTickTimeMS bool
}

// NewTrader builds a trader bound to one strategy's data and exchange
// connector. symbol must already be resolved (spec §4.1: cached once at
// start, never refetched mid-run).
func NewTrader(data *Data, symbol core.SymbolConfig, connector core.IExchangeConnector, logger core.ILogger, minProcessInterval time.Duration) *Trader {
	return &Trader{
		data:               data,
		symbol:             symbol,
		connector:          connector,
		logger:             logger.WithField("uid", data.UID).WithField("pair", data.Pair),
		minProcessInterval: minProcessInterval,
	}
}

// HasPendingOrder reports whether an order is currently in flight,
// blocking further tick processing (spec §4.3, invariant 6).
func (t *Trader) HasPendingOrder() bool { return t.hasPendingOrder }

// ProcessTick advances the state machine for one ticker update. It is a
// no-op if an order is already in flight, if tickTimeMS is not strictly
// newer than the last processed tick's timestamp (spec §4.3/§5/§8's
// stale-tick guard — ticks are discarded by exchange timestamp, not
// wall clock), if less than minProcessInterval has elapsed since the
// last processed tick, or if the price is unchanged from the last
// processed tick.
func (t *Trader) ProcessTick(ctx context.Context, price decimal.Decimal, tickTimeMS int64, now time.Time) error {
	if t.hasPendingOrder {
		return nil
	}
	if t.hasLastTickTimeMS && tickTimeMS <= t.lastTickTimeMS {
		return nil
	}
	if !t.lastProcessTime.IsZero() && now.Sub(t.lastProcessTime) < t.minProcessInterval {
		return nil
	}
	t.lastProcessTime = now
	t.lastTickTimeMS = tickTimeMS
	t.hasLastTickTimeMS = true

	if t.hasLastProcessedPrice && price.Equal(t.lastProcessedPrice) {
		return nil
	}
	t.lastProcessedPrice = price
	t.hasLastProcessedPrice = true

	t.data.Mu.Lock()
	t.data.LastPrice = price
	t.data.LastUpdateTime = now
	t.data.Mu.Unlock()

	return t.processPriceUpdate(ctx, price)
}

func (t *Trader) processPriceUpdate(ctx context.Context, price decimal.Decimal) error {
	status := t.data.GetGridStatus()
	if !status.Configured {
		return nil
	}

	metrics := t.data.CalculatePositionMetrics()

	if status.FilledLevels > 0 && t.data.CheckStopLossReached(metrics.UnrealizedPnL) {
		return t.closeAllPositions(ctx, "stop_loss_triggered")
	}

	t.data.Mu.RLock()
	closeEnabled := t.data.Operations.CloseEnabled
	openEnabled := t.data.Operations.OpenEnabled
	t.data.Mu.RUnlock()

	if status.FilledLevels > 0 && closeEnabled {
		closed, err := t.checkTakeProfit(ctx, price)
		if err != nil {
			return err
		}
		if closed {
			return nil
		}
	}

	if !status.IsFull && openEnabled {
		return t.checkOpenPosition(ctx, price)
	}
	return nil
}

func (t *Trader) isLong() bool {
	t.data.Mu.RLock()
	defer t.data.Mu.RUnlock()
	return t.data.Direction == core.DirectionLong
}

// checkOpenPosition implements _check_open_position: the first level
// always opens (no precondition beyond being level 0); every later
// level opens on its own interval-derived trigger price, confirmed by
// a rebound off the post-trigger extreme. A level that carries a prior
// take-profit price only rearms once the market has pulled back below
// it (spec §4.3's damping rule, preserved verbatim from the original —
// the comparison is against current_price regardless of direction).
func (t *Trader) checkOpenPosition(ctx context.Context, currentPrice decimal.Decimal) error {
	status := t.data.GetGridStatus()
	if status.NextLevel >= status.TotalLevels {
		return nil
	}
	next := status.NextLevel
	isLong := t.isLong()

	if next == 0 {
		return t.placeOpenOrder(ctx, 0)
	}

	lastLevel, ok := t.data.Level(next - 1)
	if !ok || !lastLevel.IsFilled {
		return nil
	}
	levelCfg, ok := t.data.Level(next)
	if !ok {
		return nil
	}

	intervalRatio := core.PercentOf(decimal.NewFromInt(1), levelCfg.IntervalPercent)
	basePrice := lastLevel.FilledPrice
	var trigger decimal.Decimal
	if isLong {
		trigger = basePrice.Mul(decimal.NewFromInt(1).Sub(intervalRatio))
	} else {
		trigger = basePrice.Mul(decimal.NewFromInt(1).Add(intervalRatio))
	}
	t.price.triggerPrice = trigger
	t.price.hasTrigger = true

	if levelCfg.HasLastTakeProfitPrice() {
		if currentPrice.GreaterThan(levelCfg.LastTakeProfitPrice) {
			return nil
		}
		t.price.updateExtreme(currentPrice, isLong)
		if !t.checkRebound(currentPrice, levelCfg, true, isLong) {
			return nil
		}
		return t.placeOpenOrder(ctx, next)
	}

	var triggered bool
	if isLong {
		triggered = currentPrice.LessThanOrEqual(trigger)
	} else {
		triggered = currentPrice.GreaterThanOrEqual(trigger)
	}
	if !triggered {
		return nil
	}
	t.price.updateExtreme(currentPrice, isLong)
	if !t.checkRebound(currentPrice, levelCfg, true, isLong) {
		return nil
	}
	return t.placeOpenOrder(ctx, next)
}

// checkTakeProfit implements _check_take_profit: the per-level
// take-profit branch only ever watches the top of the fill stack (the
// highest-index filled level), computing its trigger off that level's
// own fill price (spec's Open Question resolution: never off
// last_price).
func (t *Trader) checkTakeProfit(ctx context.Context, currentPrice decimal.Decimal) (bool, error) {
	status := t.data.GetGridStatus()
	if status.FilledLevels == 0 {
		return false, nil
	}
	lastLevel := status.FilledLevels - 1
	levelCfg, ok := t.data.Level(lastLevel)
	if !ok || !levelCfg.IsFilled {
		return false, nil
	}
	isLong := t.isLong()

	profitRatio := core.PercentOf(decimal.NewFromInt(1), levelCfg.TakeProfitPercent)
	var trigger decimal.Decimal
	if isLong {
		trigger = levelCfg.FilledPrice.Mul(decimal.NewFromInt(1).Add(profitRatio))
	} else {
		trigger = levelCfg.FilledPrice.Mul(decimal.NewFromInt(1).Sub(profitRatio))
	}
	t.price.tpTriggerPrice = trigger
	t.price.hasTPTrigger = true

	var triggered bool
	if isLong {
		triggered = currentPrice.GreaterThanOrEqual(trigger)
	} else {
		triggered = currentPrice.LessThanOrEqual(trigger)
	}
	if !triggered {
		return false, nil
	}

	t.price.updateTPExtreme(currentPrice, isLong)
	if !t.checkRebound(currentPrice, levelCfg, false, isLong) {
		return false, nil
	}

	if err := t.placeTakeProfitOrder(ctx, lastLevel); err != nil {
		return false, err
	}
	t.price.reset()
	return true, nil
}

// checkRebound implements _check_rebound for both the open and the
// close direction.
func (t *Trader) checkRebound(currentPrice decimal.Decimal, levelCfg LevelConfig, isOpen, isLong bool) bool {
	var extreme decimal.Decimal
	var pct decimal.Decimal
	if isOpen {
		if !t.price.hasExtreme {
			return false
		}
		extreme = t.price.extremePrice
		pct = levelCfg.OpenReboundPercent
	} else {
		if !t.price.hasTPExtreme {
			return false
		}
		extreme = t.price.tpExtremePrice
		pct = levelCfg.CloseReboundPercent
	}

	target := core.PercentOf(decimal.NewFromInt(1), pct)

	var diff decimal.Decimal
	switch {
	case isOpen && isLong:
		diff = currentPrice.Sub(extreme)
	case isOpen && !isLong:
		diff = extreme.Sub(currentPrice)
	case !isOpen && isLong:
		diff = extreme.Sub(currentPrice)
	default: // close, short
		diff = currentPrice.Sub(extreme)
	}

	ratio := core.ReboundRatio(diff, extreme)
	return ratio.GreaterThanOrEqual(target)
}

func clientOrderID(uid string, level int, now time.Time, suffix string) string {
	return fmt.Sprintf("grid_%s_%d_%d%s", uid, level, now.UnixMilli(), suffix)
}

// placeOpenOrder implements _place_order: size the order from
// invest_amount (spot: quote-denominated; futures: base-denominated,
// computed off the current price), reject below-minimum sizes as a
// ConfigError, then submit and either apply an immediate fill or park
// the order as pending.
func (t *Trader) placeOpenOrder(ctx context.Context, level int) error {
	levelCfg, ok := t.data.Level(level)
	if !ok {
		return &core.StateError{UID: t.data.UID, Message: fmt.Sprintf("level %d vanished before order placement", level)}
	}
	isLong := t.isLong()
	now := time.Now()

	quoteSize := core.RoundDownQuote(levelCfg.InvestAmount, t.symbol.QuotePrecision)
	if quoteSize.LessThan(t.symbol.MinQuoteAmount) {
		return &core.ConfigError{UID: t.data.UID, Message: fmt.Sprintf("level %d invest_amount %s is below the exchange minimum %s", level, quoteSize, t.symbol.MinQuoteAmount)}
	}

	req := core.OrderRequest{
		Pair:          t.data.Pair,
		TradeSide:     core.TradeSideOpen,
		PositionSide:  t.data.Direction,
		OrderType:     core.OrderTypeMarket,
		ClientOrderID: clientOrderID(t.data.UID, level, now, ""),
	}
	if isLong {
		req.Side = core.SideBuy
	} else {
		req.Side = core.SideSell
	}

	if t.symbol.InstType == core.InstTypeFutures {
		baseSize := core.RoundDownBase(quoteSize.Div(currentPriceOrOne(t.data)), t.symbol.BasePrecision)
		if baseSize.LessThan(t.symbol.MinBaseAmount) {
			return &core.ConfigError{UID: t.data.UID, Message: fmt.Sprintf("level %d computed base_size %s is below the exchange minimum %s", level, baseSize, t.symbol.MinBaseAmount)}
		}
		req.BaseSize = baseSize
	} else {
		req.QuoteSize = quoteSize
	}

	resp, err := t.connector.PlaceOrder(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &core.ExchangeError{Kind: core.ExchangeErrorRejected, Err: fmt.Errorf("open order for level %d rejected", level)}
	}

	if resp.ImmediateFill != nil {
		f := resp.ImmediateFill
		return t.data.ApplyFill(level, core.TradeSideOpen, f.Amount, f.Price, f.Fee, decimal.Zero, f.Time, resp.OrderID)
	}

	t.hasPendingOrder = true
	t.pendingOrderID = resp.OrderID
	t.pendingLevel = level
	t.pendingIsClose = false
	return nil
}

// placeTakeProfitOrder implements _place_take_profit_order: close the
// exact filled amount of the given level at market.
func (t *Trader) placeTakeProfitOrder(ctx context.Context, level int) error {
	levelCfg, ok := t.data.Level(level)
	if !ok || !levelCfg.IsFilled {
		return &core.StateError{UID: t.data.UID, Message: fmt.Sprintf("level %d is not filled; cannot take profit", level)}
	}
	isLong := t.isLong()
	now := time.Now()

	baseSize := core.RoundDownBase(levelCfg.FilledAmount, t.symbol.BasePrecision)
	if baseSize.LessThan(t.symbol.MinBaseAmount) {
		return &core.ConfigError{UID: t.data.UID, Message: fmt.Sprintf("level %d take-profit amount %s is below the exchange minimum %s", level, baseSize, t.symbol.MinBaseAmount)}
	}

	req := core.OrderRequest{
		Pair:          t.data.Pair,
		TradeSide:     core.TradeSideClose,
		PositionSide:  t.data.Direction,
		OrderType:     core.OrderTypeMarket,
		BaseSize:      baseSize,
		ClientOrderID: clientOrderID(t.data.UID, level, now, "_tp"),
	}
	if isLong {
		req.Side = core.SideSell
	} else {
		req.Side = core.SideBuy
	}

	resp, err := t.connector.PlaceOrder(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &core.ExchangeError{Kind: core.ExchangeErrorRejected, Err: fmt.Errorf("take-profit order for level %d rejected", level)}
	}

	if resp.ImmediateFill != nil {
		f := resp.ImmediateFill
		return t.data.ApplyFill(level, core.TradeSideClose, f.Amount, f.Price, f.Fee, f.ReportedPnL, f.Time, resp.OrderID)
	}

	t.hasPendingOrder = true
	t.pendingOrderID = resp.OrderID
	t.pendingLevel = level
	t.pendingIsClose = true
	return nil
}

// CloseAllNow liquidates the entire position on operator request,
// outside of the stop-loss branch of processPriceUpdate.
func (t *Trader) CloseAllNow(ctx context.Context, reason string) error {
	return t.closeAllPositions(ctx, reason)
}

// closeAllPositions implements _close_all_positions: a synchronous
// market liquidation of the entire position, used by the stop-loss
// branch and by an operator-initiated close_position call. Unlike a
// per-level take-profit it does not go through the pending-order
// tracking above; CloseAllPositions on the connector is expected to
// settle (or fail) within one call.
func (t *Trader) closeAllPositions(ctx context.Context, reason string) error {
	indices, totalAmount := t.data.FilledAmounts()
	if len(indices) == 0 || totalAmount.IsZero() {
		return nil
	}

	baseSize := core.RoundDownBase(totalAmount, t.symbol.BasePrecision)
	if baseSize.LessThan(t.symbol.MinBaseAmount) {
		t.logger.Warn("close-all amount below exchange minimum, skipping", "amount", baseSize.String())
		return nil
	}

	isLong := t.isLong()
	side := core.SideSell
	if !isLong {
		side = core.SideBuy
	}

	resp, err := t.connector.CloseAllPositions(ctx, t.data.Pair, side)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &core.ExchangeError{Kind: core.ExchangeErrorRejected, Err: fmt.Errorf("close-all for %q rejected", reason)}
	}

	profit := decimal.Zero
	if resp.ImmediateFill != nil {
		profit = resp.ImmediateFill.ReportedPnL.Sub(resp.ImmediateFill.Fee)
	}
	if err := t.data.CloseAll(profit, reason); err != nil {
		return err
	}
	t.price.reset()
	t.logger.Info("closed all positions", "reason", reason, "levels", len(indices))
	return nil
}

// ApplyExternalFill correlates an asynchronous fill notification (from
// the connector's private stream) against the pending order this trader
// is waiting on, applies it to the grid data, and clears the pending
// marker. It is a no-op unless the fill's exchange order id matches the
// pending order's id.
func (t *Trader) ApplyExternalFill(fill core.FillEvent) (bool, error) {
	if !t.hasPendingOrder || fill.OrderID != t.pendingOrderID {
		return false, nil
	}
	if fill.Canceled {
		t.hasPendingOrder = false
		t.pendingOrderID = ""
		return false, nil
	}
	if !fill.FullyFilled {
		return false, nil
	}

	side := core.TradeSideOpen
	if t.pendingIsClose {
		side = core.TradeSideClose
	}
	level := t.pendingLevel

	err := t.data.ApplyFill(level, side, fill.Amount, fill.Price, fill.Fee, fill.ReportedPnL, fill.Time, fill.OrderID)
	t.hasPendingOrder = false
	t.pendingOrderID = ""
	if err != nil {
		return false, err
	}
	if side == core.TradeSideClose {
		t.price.reset()
	}
	return true, nil
}

func currentPriceOrOne(d *Data) decimal.Decimal {
	d.Mu.RLock()
	defer d.Mu.RUnlock()
	if d.LastPrice.IsZero() {
		return decimal.NewFromInt(1)
	}
	return d.LastPrice
}
