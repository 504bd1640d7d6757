package grid

import (
	"context"
	"testing"
	"time"

	"github.com/ohlcv/gridengine/internal/core"
	"github.com/ohlcv/gridengine/internal/logging"

	"github.com/shopspring/decimal"
)

// stubConnector is a minimal core.IExchangeConnector double: every
// PlaceOrder call fills immediately at fillPrice (the request's own
// Price is ignored), which is enough to drive the trader's state machine without a real
// exchange.
type stubConnector struct {
	fillPrice    decimal.Decimal
	placeCalls   []core.OrderRequest
	closeAllCall bool
	closeAllPnL  decimal.Decimal
}

func (s *stubConnector) GetSymbolConfig(ctx context.Context, symbol string, instType core.InstType) (core.SymbolConfig, error) {
	return core.SymbolConfig{}, nil
}

func (s *stubConnector) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderResponse, error) {
	s.placeCalls = append(s.placeCalls, req)
	amount := req.BaseSize
	if amount.IsZero() && !req.QuoteSize.IsZero() {
		amount = req.QuoteSize.Div(s.fillPrice)
	}
	return core.OrderResponse{
		OrderID: "stub-order",
		Success: true,
		ImmediateFill: &core.FillResponse{
			OrderID:       "stub-order",
			ClientOrderID: req.ClientOrderID,
			Price:         s.fillPrice,
			Amount:        amount,
			Fee:           decimal.Zero,
			ReportedPnL:   decimal.Zero,
			Time:          time.Now(),
		},
	}, nil
}

func (s *stubConnector) GetFills(ctx context.Context, symbol, orderID string) ([]core.FillResponse, error) {
	return nil, nil
}

func (s *stubConnector) CloseAllPositions(ctx context.Context, pair string, side core.Side) (core.OrderResponse, error) {
	s.closeAllCall = true
	return core.OrderResponse{
		OrderID: "stub-close-all",
		Success: true,
		ImmediateFill: &core.FillResponse{
			OrderID:     "stub-close-all",
			ReportedPnL: s.closeAllPnL,
			Time:        time.Now(),
		},
	}, nil
}

func (s *stubConnector) SubscribeTicker(pair, subscriberID string)   {}
func (s *stubConnector) UnsubscribeTicker(pair, subscriberID string) {}
func (s *stubConnector) Ticks() <-chan core.TickerEvent              { return nil }
func (s *stubConnector) Fills() <-chan core.FillEventEnvelope        { return nil }
func (s *stubConnector) Status() <-chan core.ConnectionState         { return nil }

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	l, err := logging.NewZapLogger("error")
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return l
}

func testSymbol() core.SymbolConfig {
	return core.SymbolConfig{
		Symbol:         "BTCUSDT",
		Pair:           "BTCUSDT",
		BasePrecision:  6,
		QuotePrecision: 2,
		PricePrecision: 2,
		MinBaseAmount:  decimal.NewFromFloat(0.0001),
		MinQuoteAmount: decimal.NewFromInt(5),
		InstType:       core.InstTypeSpot,
	}
}

func tick(tr *Trader, price string, t *testing.T, at time.Time) {
	t.Helper()
	if err := tr.ProcessTick(context.Background(), mustDecimal(t, price), at.UnixMilli(), at); err != nil {
		t.Fatalf("unexpected ProcessTick error at price %s: %v", price, err)
	}
}

// TestTrader_LongOpensFirstLevelImmediately covers spec scenario A: the
// first level opens the instant a tick arrives, with no rebound
// precondition.
func TestTrader_LongOpensFirstLevelImmediately(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	_ = d.UpdateLevel(0, newTestLevel(t, "1", "2", "0.5", "0.5", "100"))
	d.Operations = Operations{OpenEnabled: true, CloseEnabled: true}

	conn := &stubConnector{fillPrice: mustDecimal(t, "100")}
	tr := NewTrader(d, testSymbol(), conn, testLogger(t), time.Millisecond)

	tick(tr, "100", t, time.Now())

	lvl, ok := d.Level(0)
	if !ok || !lvl.IsFilled {
		t.Fatal("expected level 0 to fill on the first tick")
	}
}

// TestTrader_LongSecondLevelOpensOnReboundAfterTrigger covers spec
// scenario A's rebound confirmation: price must first cross the
// interval-derived trigger, then rebound by open_rebound_percent off
// the post-trigger extreme before the order is placed.
func TestTrader_LongSecondLevelOpensOnReboundAfterTrigger(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	_ = d.UpdateLevel(0, newTestLevel(t, "1", "2", "0.5", "0.5", "100"))
	_ = d.UpdateLevel(1, newTestLevel(t, "1", "2", "0.5", "0.5", "100"))
	d.Operations = Operations{OpenEnabled: true, CloseEnabled: true}

	conn := &stubConnector{fillPrice: mustDecimal(t, "100")}
	tr := NewTrader(d, testSymbol(), conn, testLogger(t), time.Millisecond)

	base := time.Now()
	tick(tr, "100", t, base) // fills level 0 at 100

	// trigger price for level 1 = 100 * (1 - 1%) = 99
	conn.fillPrice = mustDecimal(t, "99")
	tick(tr, "99.5", t, base.Add(1*time.Millisecond))
	if _, ok := d.Level(1); ok {
		lvl, _ := d.Level(1)
		if lvl.IsFilled {
			t.Fatal("level 1 should not fill before crossing the trigger price")
		}
	}

	tick(tr, "99", t, base.Add(2*time.Millisecond)) // crosses trigger, sets extreme=99
	tick(tr, "98.5", t, base.Add(3*time.Millisecond)) // new extreme=98.5, rebound not yet 0.5%

	lvl, _ := d.Level(1)
	if lvl.IsFilled {
		t.Fatal("level 1 should not fill until the rebound threshold is met")
	}

	// rebound of 0.5% off extreme 98.5 => price >= 98.5 * 1.005 = 99.0 (approx)
	conn.fillPrice = mustDecimal(t, "99.1")
	tick(tr, "99.1", t, base.Add(4*time.Millisecond))

	lvl, ok := d.Level(1)
	if !ok || !lvl.IsFilled {
		t.Fatal("expected level 1 to fill once the rebound threshold was met")
	}
}

// TestTrader_TakeProfitClosesOnRebound covers spec scenario B: once
// price crosses the level's take-profit trigger, the trader waits for a
// pullback of close_rebound_percent before actually closing.
func TestTrader_TakeProfitClosesOnRebound(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	_ = d.UpdateLevel(0, newTestLevel(t, "1", "2", "0.5", "0.5", "100"))
	d.Operations = Operations{OpenEnabled: true, CloseEnabled: true}

	conn := &stubConnector{fillPrice: mustDecimal(t, "100")}
	tr := NewTrader(d, testSymbol(), conn, testLogger(t), time.Millisecond)

	base := time.Now()
	tick(tr, "100", t, base) // opens level 0 at 100

	// take profit trigger = 100 * 1.02 = 102
	tick(tr, "102", t, base.Add(1*time.Millisecond)) // crosses trigger, tp_extreme=102
	tick(tr, "103", t, base.Add(2*time.Millisecond)) // tp_extreme updates to 103

	lvl, _ := d.Level(0)
	if !lvl.IsFilled {
		t.Fatal("level should still be open before the close-rebound threshold is met")
	}

	// pullback of 0.5% off 103 => price <= 103 * 0.995 = 102.485
	conn.fillPrice = mustDecimal(t, "102.4")
	tick(tr, "102.4", t, base.Add(3*time.Millisecond))

	lvl, _ = d.Level(0)
	if lvl.IsFilled {
		t.Fatal("expected the level to close once the pullback threshold was met")
	}
	if !lvl.HasLastTakeProfitPrice() {
		t.Fatal("expected the close fill price to be stashed as the level's last take-profit price")
	}
}

// TestTrader_StopLossLiquidatesEverything covers spec scenario C: a
// breach of the strategy-wide stop-loss guard liquidates every filled
// level in a single close-all call, bypassing the per-level take-profit
// machinery entirely.
func TestTrader_StopLossLiquidatesEverything(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	_ = d.UpdateLevel(0, newTestLevel(t, "1", "50", "0.5", "0.5", "100"))
	d.Operations = Operations{OpenEnabled: true, CloseEnabled: true}
	d.StopLossConfig = StopLossConfig{Enabled: true, LossAmount: mustDecimal(t, "5")}

	conn := &stubConnector{fillPrice: mustDecimal(t, "100")}
	tr := NewTrader(d, testSymbol(), conn, testLogger(t), time.Millisecond)

	base := time.Now()
	tick(tr, "100", t, base) // opens level 0 at 100, 1 unit

	// unrealized pnl = (90 - 100) * 1 = -10, breaches the -5 stop loss
	tick(tr, "90", t, base.Add(1*time.Millisecond))

	if !conn.closeAllCall {
		t.Fatal("expected CloseAllPositions to be called on stop-loss breach")
	}
	status := d.GetGridStatus()
	if status.FilledLevels != 0 {
		t.Fatalf("expected all levels reset after stop-loss liquidation, got %d filled", status.FilledLevels)
	}
	if d.Status != core.StatusClosed {
		t.Fatalf("expected status Closed after liquidation, got %s", d.Status)
	}
}

// TestTrader_SkipsTickWhilePendingOrder covers the at-most-one
// in-flight-order invariant: ProcessTick must not re-enter the state
// machine while hasPendingOrder is set.
func TestTrader_SkipsTickWhilePendingOrder(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	_ = d.UpdateLevel(0, newTestLevel(t, "1", "2", "0.5", "0.5", "100"))

	conn := &stubConnector{fillPrice: mustDecimal(t, "100")}
	tr := NewTrader(d, testSymbol(), conn, testLogger(t), time.Millisecond)
	tr.hasPendingOrder = true

	now := time.Now()
	if err := tr.ProcessTick(context.Background(), mustDecimal(t, "100"), now.UnixMilli(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conn.placeCalls) != 0 {
		t.Fatal("expected no order to be placed while an order is already pending")
	}
}
