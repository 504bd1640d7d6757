package manager

import (
	"context"
	"testing"
	"time"

	"github.com/ohlcv/gridengine/internal/core"
	"github.com/ohlcv/gridengine/internal/events"
	"github.com/ohlcv/gridengine/internal/grid"
	"github.com/ohlcv/gridengine/internal/logging"

	"github.com/shopspring/decimal"
)

type stubConnector struct {
	fillPrice      decimal.Decimal
	subscribeCalls int
	unsubscribe    int
}

func (s *stubConnector) GetSymbolConfig(ctx context.Context, symbol string, instType core.InstType) (core.SymbolConfig, error) {
	return core.SymbolConfig{
		Symbol: symbol, Pair: symbol, InstType: instType,
		BasePrecision: 6, QuotePrecision: 2, PricePrecision: 2,
		MinBaseAmount: decimal.NewFromFloat(0.0001), MinQuoteAmount: decimal.NewFromInt(5),
	}, nil
}

func (s *stubConnector) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderResponse, error) {
	amount := req.BaseSize
	if amount.IsZero() && !req.QuoteSize.IsZero() {
		amount = req.QuoteSize.Div(s.fillPrice)
	}
	return core.OrderResponse{
		OrderID: "order-1",
		Success: true,
		ImmediateFill: &core.FillResponse{
			OrderID: "order-1", Price: s.fillPrice, Amount: amount, Time: time.Now(),
		},
	}, nil
}

func (s *stubConnector) GetFills(ctx context.Context, symbol, orderID string) ([]core.FillResponse, error) {
	return nil, nil
}

func (s *stubConnector) CloseAllPositions(ctx context.Context, pair string, side core.Side) (core.OrderResponse, error) {
	return core.OrderResponse{OrderID: "close-all", Success: true, ImmediateFill: &core.FillResponse{Time: time.Now()}}, nil
}

func (s *stubConnector) SubscribeTicker(pair, subscriberID string)   { s.subscribeCalls++ }
func (s *stubConnector) UnsubscribeTicker(pair, subscriberID string) { s.unsubscribe++ }
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

func newTestManager(t *testing.T, conn *stubConnector) *Manager {
	t.Helper()
	bus := events.NewBus()
	return New(conn, testLogger(t), bus, Config{StopTimeout: 100 * time.Millisecond, TickMinProcessInterval: time.Millisecond})
}

func TestManager_CreateStartProcessTickFillsFirstLevel(t *testing.T) {
	conn := &stubConnector{fillPrice: decimal.NewFromInt(100)}
	m := newTestManager(t, conn)

	uid, err := m.CreateStrategy("BTCUSDT", "bitget", core.InstTypeSpot)
	if err != nil {
		t.Fatalf("unexpected error creating strategy: %v", err)
	}

	data, ok := m.Data(uid)
	if !ok {
		t.Fatal("expected strategy data to be retrievable")
	}
	if err := data.UpdateLevel(0, grid.LevelConfig{
		IntervalPercent: decimal.NewFromInt(1), TakeProfitPercent: decimal.NewFromInt(2),
		OpenReboundPercent: decimal.NewFromFloat(0.5), CloseReboundPercent: decimal.NewFromFloat(0.5),
		InvestAmount: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("unexpected error configuring level 0: %v", err)
	}

	if err := m.StartStrategy(context.Background(), uid); err != nil {
		t.Fatalf("unexpected error starting strategy: %v", err)
	}
	if conn.subscribeCalls != 1 {
		t.Fatalf("expected exactly 1 subscribe call, got %d", conn.subscribeCalls)
	}

	if err := m.ProcessTick(context.Background(), "BTCUSDT", core.Ticker{Pair: "BTCUSDT", LastPrice: decimal.NewFromInt(100)}); err != nil {
		t.Fatalf("unexpected error processing tick: %v", err)
	}

	lvl, _ := data.Level(0)
	if !lvl.IsFilled {
		t.Fatal("expected level 0 to fill after the first tick")
	}
}

func TestManager_DeleteRefusesWhileHoldingPosition(t *testing.T) {
	conn := &stubConnector{fillPrice: decimal.NewFromInt(100)}
	m := newTestManager(t, conn)

	uid, _ := m.CreateStrategy("BTCUSDT", "bitget", core.InstTypeSpot)
	data, _ := m.Data(uid)
	_ = data.UpdateLevel(0, grid.LevelConfig{
		IntervalPercent: decimal.NewFromInt(1), TakeProfitPercent: decimal.NewFromInt(2),
		OpenReboundPercent: decimal.NewFromFloat(0.5), CloseReboundPercent: decimal.NewFromFloat(0.5),
		InvestAmount: decimal.NewFromInt(100),
	})
	_ = m.StartStrategy(context.Background(), uid)
	_ = m.ProcessTick(context.Background(), "BTCUSDT", core.Ticker{Pair: "BTCUSDT", LastPrice: decimal.NewFromInt(100)})
	_ = m.StopStrategy(uid)

	if err := m.DeleteStrategy(uid); err == nil {
		t.Fatal("expected delete to be refused while a position is open")
	}
}

func TestManager_StartRefusesWithNoLevelsConfigured(t *testing.T) {
	conn := &stubConnector{fillPrice: decimal.NewFromInt(100)}
	m := newTestManager(t, conn)

	uid, _ := m.CreateStrategy("BTCUSDT", "bitget", core.InstTypeSpot)

	if err := m.StartStrategy(context.Background(), uid); err == nil {
		t.Fatal("expected start to be refused for a strategy with no levels configured")
	}
	if conn.subscribeCalls != 0 {
		t.Fatalf("expected no subscribe call for a refused start, got %d", conn.subscribeCalls)
	}
}

func TestManager_StopUnsubscribesOnlyAfterLastStrategy(t *testing.T) {
	conn := &stubConnector{fillPrice: decimal.NewFromInt(100)}
	m := newTestManager(t, conn)

	uid1, _ := m.CreateStrategy("BTCUSDT", "bitget", core.InstTypeSpot)
	uid2, _ := m.CreateStrategy("BTCUSDT", "bitget", core.InstTypeSpot)
	for _, uid := range []string{uid1, uid2} {
		data, _ := m.Data(uid)
		_ = data.UpdateLevel(0, grid.LevelConfig{
			IntervalPercent: decimal.NewFromInt(1), TakeProfitPercent: decimal.NewFromInt(2),
			OpenReboundPercent: decimal.NewFromFloat(0.5), CloseReboundPercent: decimal.NewFromFloat(0.5),
			InvestAmount: decimal.NewFromInt(100),
		})
	}
	_ = m.StartStrategy(context.Background(), uid1)
	_ = m.StartStrategy(context.Background(), uid2)

	if conn.subscribeCalls != 1 {
		t.Fatalf("expected a single subscribe call for two strategies on the same pair, got %d", conn.subscribeCalls)
	}

	_ = m.StopStrategy(uid1)
	if conn.unsubscribe != 0 {
		t.Fatal("did not expect unsubscribe while another strategy still uses the pair")
	}

	_ = m.StopStrategy(uid2)
	if conn.unsubscribe != 1 {
		t.Fatalf("expected exactly 1 unsubscribe call once the last strategy stopped, got %d", conn.unsubscribe)
	}
}

func TestUIDFromClientOrderID(t *testing.T) {
	uid, ok := UIDFromClientOrderID("grid_abcd1234_0_1700000000000")
	if !ok || uid != "abcd1234" {
		t.Fatalf("expected uid abcd1234, got %q ok=%v", uid, ok)
	}

	uid, ok = UIDFromClientOrderID("grid_abcd1234_1_1700000000000_tp")
	if !ok || uid != "abcd1234" {
		t.Fatalf("expected uid abcd1234 for take-profit suffix, got %q ok=%v", uid, ok)
	}

	if _, ok := UIDFromClientOrderID("close_all_123"); ok {
		t.Fatal("expected an unrelated client order id to be rejected")
	}
}

func TestManager_ApplyFillEnvelopeRoutesByClientOrderID(t *testing.T) {
	conn := &stubConnector{fillPrice: decimal.NewFromInt(100)}
	m := newTestManager(t, conn)

	uid, _ := m.CreateStrategy("BTCUSDT", "bitget", core.InstTypeSpot)
	data, _ := m.Data(uid)
	_ = data.UpdateLevel(0, grid.LevelConfig{
		IntervalPercent: decimal.NewFromInt(1), TakeProfitPercent: decimal.NewFromInt(2),
		OpenReboundPercent: decimal.NewFromFloat(0.5), CloseReboundPercent: decimal.NewFromFloat(0.5),
		InvestAmount: decimal.NewFromInt(100),
	})
	_ = m.StartStrategy(context.Background(), uid)

	err := m.ApplyFillEnvelope(core.FillEventEnvelope{
		ClientOrderID: "grid_" + uid + "_unknown_0",
		Fill:          core.FillEvent{ClientOrderID: "grid_" + uid + "_unknown_0"},
	})
	if err != nil {
		t.Fatalf("unexpected error routing fill envelope: %v", err)
	}
}
