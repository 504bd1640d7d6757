package grid

import (
	"testing"
	"time"

	"github.com/ohlcv/gridengine/internal/core"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("invalid decimal %q: %v", s, err)
	}
	return d
}

func newTestLevel(t *testing.T, interval, tp, openRebound, closeRebound, invest string) LevelConfig {
	return LevelConfig{
		IntervalPercent:     mustDecimal(t, interval),
		TakeProfitPercent:   mustDecimal(t, tp),
		OpenReboundPercent:  mustDecimal(t, openRebound),
		CloseReboundPercent: mustDecimal(t, closeRebound),
		InvestAmount:        mustDecimal(t, invest),
	}
}

func TestUpdateLevel_AppendsDenseAndRejectsHole(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)

	if err := d.UpdateLevel(0, newTestLevel(t, "1", "1", "0.5", "0.5", "100")); err != nil {
		t.Fatalf("unexpected error appending level 0: %v", err)
	}
	if err := d.UpdateLevel(2, newTestLevel(t, "1", "1", "0.5", "0.5", "100")); err == nil {
		t.Fatal("expected hole error appending level 2 before level 1 exists")
	}
	if err := d.UpdateLevel(1, newTestLevel(t, "1", "1", "0.5", "0.5", "100")); err != nil {
		t.Fatalf("unexpected error appending level 1: %v", err)
	}
	if d.LevelCount() != 2 {
		t.Fatalf("expected 2 levels, got %d", d.LevelCount())
	}
}

func TestUpdateLevel_RejectsFilledLevel(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	_ = d.UpdateLevel(0, newTestLevel(t, "1", "1", "0.5", "0.5", "100"))

	if err := d.ApplyFill(0, core.TradeSideOpen, mustDecimal(t, "10"), mustDecimal(t, "100"), decimal.Zero, decimal.Zero, time.Now(), "order-1"); err != nil {
		t.Fatalf("unexpected error applying open fill: %v", err)
	}

	if err := d.UpdateLevel(0, newTestLevel(t, "2", "2", "1", "1", "200")); err == nil {
		t.Fatal("expected error reconfiguring a filled level")
	}
}

func TestApplyFill_OpenRequiresSequentialOrder(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	_ = d.UpdateLevel(0, newTestLevel(t, "1", "1", "0.5", "0.5", "100"))
	_ = d.UpdateLevel(1, newTestLevel(t, "1", "1", "0.5", "0.5", "100"))

	if err := d.ApplyFill(1, core.TradeSideOpen, mustDecimal(t, "10"), mustDecimal(t, "100"), decimal.Zero, decimal.Zero, time.Now(), "order-1"); err == nil {
		t.Fatal("expected error filling level 1 before level 0")
	}
}

func TestApplyFill_CloseAccumulatesRealizedProfitAndResetsLevel(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	_ = d.UpdateLevel(0, newTestLevel(t, "1", "1", "0.5", "0.5", "100"))

	now := time.Now()
	if err := d.ApplyFill(0, core.TradeSideOpen, mustDecimal(t, "1"), mustDecimal(t, "100"), decimal.Zero, decimal.Zero, now, "order-1"); err != nil {
		t.Fatalf("unexpected error on open fill: %v", err)
	}

	if err := d.ApplyFill(0, core.TradeSideClose, mustDecimal(t, "1"), mustDecimal(t, "101"), mustDecimal(t, "0.1"), mustDecimal(t, "1.0"), now, "order-2"); err != nil {
		t.Fatalf("unexpected error on close fill: %v", err)
	}

	if !d.TotalRealizedProfit.Equal(mustDecimal(t, "0.9")) {
		t.Fatalf("expected realized profit 0.9, got %s", d.TotalRealizedProfit)
	}

	lvl, _ := d.Level(0)
	if lvl.IsFilled {
		t.Fatal("expected level to be reset after close fill")
	}
	if !lvl.HasLastTakeProfitPrice() || !lvl.LastTakeProfitPrice.Equal(mustDecimal(t, "101")) {
		t.Fatalf("expected last_take_profit_price stashed as the close fill price, got %v", lvl.LastTakeProfitPrice)
	}
}

func TestCalculatePositionMetrics_WeightedAveragePrice(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	_ = d.UpdateLevel(0, newTestLevel(t, "1", "1", "0.5", "0.5", "100"))
	_ = d.UpdateLevel(1, newTestLevel(t, "1", "1", "0.5", "0.5", "100"))

	now := time.Now()
	_ = d.ApplyFill(0, core.TradeSideOpen, mustDecimal(t, "1"), mustDecimal(t, "100"), decimal.Zero, decimal.Zero, now, "o1")
	_ = d.ApplyFill(1, core.TradeSideOpen, mustDecimal(t, "1"), mustDecimal(t, "120"), decimal.Zero, decimal.Zero, now, "o2")

	d.Mu.Lock()
	d.LastPrice = mustDecimal(t, "130")
	d.Mu.Unlock()

	metrics := d.CalculatePositionMetrics()
	if !metrics.AvgPrice.Equal(mustDecimal(t, "110")) {
		t.Fatalf("expected avg price 110, got %s", metrics.AvgPrice)
	}
	if !metrics.TotalBase.Equal(mustDecimal(t, "2")) {
		t.Fatalf("expected total base 2, got %s", metrics.TotalBase)
	}
	if !metrics.UnrealizedPnL.Equal(mustDecimal(t, "40")) {
		t.Fatalf("expected unrealized pnl 40, got %s", metrics.UnrealizedPnL)
	}
}

func TestSerializeDeserialize_RoundTrips(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	_ = d.UpdateLevel(0, newTestLevel(t, "1", "1", "0.5", "0.5", "100"))
	d.TakeProfitConfig = TakeProfitConfig{Enabled: true, ProfitAmount: mustDecimal(t, "50")}
	d.StopLossConfig = StopLossConfig{Enabled: true, LossAmount: mustDecimal(t, "200")}

	now := time.Now()
	_ = d.ApplyFill(0, core.TradeSideOpen, mustDecimal(t, "1"), mustDecimal(t, "100"), decimal.Zero, decimal.Zero, now, "o1")

	pg := d.Serialize()

	restored, err := Deserialize(pg)
	if err != nil {
		t.Fatalf("unexpected deserialize error: %v", err)
	}
	if restored.UID != d.UID || restored.Pair != d.Pair {
		t.Fatal("identity fields did not round-trip")
	}
	lvl, ok := restored.Level(0)
	if !ok || !lvl.IsFilled {
		t.Fatal("expected level 0 to still be filled after round-trip")
	}
	if !lvl.FilledPrice.Equal(mustDecimal(t, "100")) {
		t.Fatalf("expected filled price 100, got %s", lvl.FilledPrice)
	}
	if !restored.TakeProfitConfig.ProfitAmount.Equal(mustDecimal(t, "50")) {
		t.Fatal("take profit config did not round-trip")
	}
}

func TestDeserialize_RejectsLevelGap(t *testing.T) {
	pg := core.PersistedGrid{
		UID:      "uid1",
		Pair:     "BTCUSDT",
		InstType: core.InstTypeSpot,
		GridLevels: map[string]core.PersistedLevel{
			"0": {IntervalPercent: "1", TakeProfitPercent: "1", OpenReboundPercent: "0.5", CloseReboundPercent: "0.5", InvestAmount: "100"},
			"2": {IntervalPercent: "1", TakeProfitPercent: "1", OpenReboundPercent: "0.5", CloseReboundPercent: "0.5", InvestAmount: "100"},
		},
		TotalRealizedProfit: "0",
	}
	if _, err := Deserialize(pg); err == nil {
		t.Fatal("expected an error deserializing a grid with a level gap")
	}
}

func TestCheckTakeProfitAndStopLossReached(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	d.TakeProfitConfig = TakeProfitConfig{Enabled: true, ProfitAmount: mustDecimal(t, "10")}
	d.StopLossConfig = StopLossConfig{Enabled: true, LossAmount: mustDecimal(t, "10")}

	d.TotalRealizedProfit = mustDecimal(t, "10")
	if !d.CheckTakeProfitReached() {
		t.Fatal("expected take profit reached at realized profit == threshold")
	}

	if !d.CheckStopLossReached(mustDecimal(t, "-10")) {
		t.Fatal("expected stop loss reached at unrealized pnl == -threshold")
	}
	if d.CheckStopLossReached(mustDecimal(t, "-9")) {
		t.Fatal("did not expect stop loss reached above the threshold")
	}
}

func TestDeleteRequiresNoFillsOrLiquidation(t *testing.T) {
	d := New("uid1", "BTCUSDT", "bitget", core.InstTypeSpot)
	_ = d.UpdateLevel(0, newTestLevel(t, "1", "1", "0.5", "0.5", "100"))
	_ = d.ApplyFill(0, core.TradeSideOpen, mustDecimal(t, "1"), mustDecimal(t, "100"), decimal.Zero, decimal.Zero, time.Now(), "o1")

	d.Mu.Lock()
	d.LastPrice = mustDecimal(t, "100")
	d.Mu.Unlock()

	metrics := d.CalculatePositionMetrics()
	if metrics.TotalValue.IsZero() {
		t.Fatal("expected non-zero position value while a level is filled")
	}

	if err := d.CloseAll(decimal.Zero, "manual_close"); err != nil {
		t.Fatalf("unexpected error closing all: %v", err)
	}
	metrics = d.CalculatePositionMetrics()
	if !metrics.TotalValue.IsZero() {
		t.Fatal("expected zero position value after close-all")
	}
}
