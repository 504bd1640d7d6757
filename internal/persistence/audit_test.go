package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ohlcv/gridengine/internal/core"

	"github.com/shopspring/decimal"
)

func TestAuditStore_RecordAndQueryFills(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewAuditStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open audit store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	err = store.RecordFill(context.Background(), "uid1", "BTCUSDT", "bitget", 0, core.TradeSideOpen,
		decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.Zero, decimal.Zero, now, "order-1")
	if err != nil {
		t.Fatalf("unexpected error recording fill: %v", err)
	}

	// Duplicate order id should be ignored, not error.
	err = store.RecordFill(context.Background(), "uid1", "BTCUSDT", "bitget", 0, core.TradeSideOpen,
		decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.Zero, decimal.Zero, now, "order-1")
	if err != nil {
		t.Fatalf("unexpected error recording duplicate fill: %v", err)
	}

	records, err := store.FillsForStrategy(context.Background(), "uid1")
	if err != nil {
		t.Fatalf("unexpected error querying fills: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 recorded fill, got %d", len(records))
	}
	if !records[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected price 100, got %s", records[0].Price)
	}
}
