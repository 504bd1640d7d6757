package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ohlcv/gridengine/internal/core"
	"github.com/ohlcv/gridengine/internal/logging"
)

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	l, err := logging.NewZapLogger("error")
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return l
}

func TestFileStore_SaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, core.InstTypeSpot, testLogger(t))

	doc := core.PersistedFile{
		InstType: core.InstTypeSpot,
		Strategies: map[string]core.PersistedGrid{
			"uid1": {
				UID:                 "uid1",
				Pair:                "BTCUSDT",
				Exchange:            "bitget",
				InstType:            core.InstTypeSpot,
				Direction:           core.DirectionLong,
				TotalRealizedProfit: "12.5",
				GridLevels:          map[string]core.PersistedLevel{},
			},
		},
		RunningStrategies: []string{"uid1"},
	}

	if err := store.Save(context.Background(), doc); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(loaded.Strategies) != 1 {
		t.Fatalf("expected 1 strategy, got %d", len(loaded.Strategies))
	}
	if loaded.Strategies["uid1"].TotalRealizedProfit != "12.5" {
		t.Fatalf("expected realized profit 12.5, got %s", loaded.Strategies["uid1"].TotalRealizedProfit)
	}
	if loaded.LastSave == "" {
		t.Fatal("expected last_save to be stamped on save")
	}
}

func TestFileStore_LoadMissingFileReturnsEmptyDoc(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, core.InstTypeFutures, testLogger(t))

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error loading a missing file: %v", err)
	}
	if len(loaded.Strategies) != 0 {
		t.Fatal("expected an empty strategies map for a missing file")
	}
}

func TestFileStore_LoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, core.InstTypeSpot, testLogger(t))

	if err := os.WriteFile(filepath.Join(dir, "spot.json"), []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("failed to seed corrupt file: %v", err)
	}

	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("expected an error loading a corrupt file")
	}
}

func TestFileStore_NoTempFilesLeftBehindAfterSave(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, core.InstTypeSpot, testLogger(t))

	if err := store.Save(context.Background(), core.PersistedFile{Strategies: map[string]core.PersistedGrid{}}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Fatalf("expected only the final json file, found leftover %q", e.Name())
		}
	}
}
