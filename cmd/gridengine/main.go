// Command gridengine runs the grid-trading engine as a standalone
// process: it loads configuration, restores any persisted strategies,
// then drives them off the configured exchange connector's ticker and
// fill streams until it receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ohlcv/gridengine/internal/config"
	"github.com/ohlcv/gridengine/internal/core"
	"github.com/ohlcv/gridengine/internal/events"
	"github.com/ohlcv/gridengine/internal/exchange/bitget"
	"github.com/ohlcv/gridengine/internal/exchange/mock"
	"github.com/ohlcv/gridengine/internal/logging"
	"github.com/ohlcv/gridengine/internal/manager"
	"github.com/ohlcv/gridengine/internal/persistence"
	"github.com/ohlcv/gridengine/pkg/concurrency"
	"github.com/ohlcv/gridengine/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the engine's YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		panic(err)
	}

	var tel *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tel, err = telemetry.Setup("gridengine")
		if err != nil {
			logger.Fatal("failed to set up telemetry", "error", err)
		}
	}

	connector := buildConnector(cfg, logger)
	if closer, ok := connector.(interface{ Close() }); ok {
		defer closer.Close()
	}

	bus := events.NewBus()
	mgr := manager.New(connector, logger, bus, manager.Config{
		StopTimeout:            cfg.Engine.StopTimeout(),
		TickMinProcessInterval: cfg.Engine.TickMinProcessInterval(),
	})

	spotStore := persistence.NewFileStore(cfg.System.StateDir, core.InstTypeSpot, logger)
	futuresStore := persistence.NewFileStore(cfg.System.StateDir, core.InstTypeFutures, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var auditStore *persistence.AuditStore
	var auditPool *concurrency.WorkerPool
	if cfg.System.AuditDBPath != "" {
		auditStore, err = persistence.NewAuditStore(cfg.System.AuditDBPath)
		if err != nil {
			logger.Fatal("failed to open audit store", "error", err)
		}
		defer auditStore.Close()

		auditPool = concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name: "audit-writer", MaxWorkers: 4, MaxCapacity: 256,
		}, logger)
		defer auditPool.Stop()
	}

	restoreMarket(ctx, mgr, spotStore, logger)
	restoreMarket(ctx, mgr, futuresStore, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go consumeTicks(ctx, mgr, connector, logger)
	go consumeFills(ctx, mgr, connector, logger, auditStore, auditPool)
	go consumeStatus(ctx, connector, logger)
	go autoSave(ctx, mgr, spotStore, futuresStore, bus, cfg.Engine.AutoSaveInterval(), logger)

	logger.Info("gridengine started", "config", *configPath)
	<-sigCh
	logger.Info("shutdown signal received, stopping strategies")

	cancel()
	shutdown(mgr, spotStore, futuresStore, cfg.Engine.StopTimeout(), logger)

	if tel != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tel.Shutdown(shutdownCtx)
	}
}

func buildConnector(cfg *config.Config, logger core.ILogger) core.IExchangeConnector {
	if exCfg, ok := cfg.Exchanges["bitget"]; ok {
		return bitget.New(exCfg, logger)
	}
	logger.Warn("no bitget exchange configured, falling back to the in-memory mock connector")
	return mock.New()
}

func restoreMarket(ctx context.Context, mgr *manager.Manager, store *persistence.FileStore, logger core.ILogger) {
	doc, err := store.Load(ctx)
	if err != nil {
		logger.Fatal("failed to load persisted state", "error", err)
	}
	running := make(map[string]bool, len(doc.RunningStrategies))
	for _, uid := range doc.RunningStrategies {
		running[uid] = true
	}
	for uid, pg := range doc.Strategies {
		if err := mgr.RestoreStrategy(pg); err != nil {
			logger.Error("failed to restore strategy", "uid", uid, "error", err)
			continue
		}
		if running[uid] {
			if err := mgr.StartStrategy(ctx, uid); err != nil {
				logger.Error("failed to restart strategy after restore", "uid", uid, "error", err)
			}
		}
	}
}

func consumeTicks(ctx context.Context, mgr *manager.Manager, connector core.IExchangeConnector, logger core.ILogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-connector.Ticks():
			if !ok {
				return
			}
			if err := mgr.ProcessTick(ctx, tick.Pair, tick.Ticker); err != nil {
				logger.Error("tick processing failed", "pair", tick.Pair, "error", err)
			}
		}
	}
}

func consumeFills(ctx context.Context, mgr *manager.Manager, connector core.IExchangeConnector, logger core.ILogger, audit *persistence.AuditStore, auditPool *concurrency.WorkerPool) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-connector.Fills():
			if !ok {
				return
			}
			if err := mgr.ApplyFillEnvelope(env); err != nil {
				logger.Error("failed to apply fill", "client_order_id", env.ClientOrderID, "error", err)
				continue
			}
			if audit == nil {
				continue
			}
			uid, ok := manager.UIDFromClientOrderID(env.ClientOrderID)
			if !ok {
				continue
			}
			data, ok := mgr.Data(uid)
			if !ok {
				continue
			}
			row := data.RowSnapshot()
			env := env
			if err := auditPool.Submit(func() {
				if err := audit.RecordFill(ctx, uid, row.Pair, row.Exchange, row.CurrentLevel,
					core.TradeSideOpen, env.Fill.Price, env.Fill.Amount, env.Fill.Fee,
					env.Fill.ReportedPnL, env.Fill.Time, env.Fill.OrderID); err != nil {
					logger.Warn("failed to record fill in audit trail", "uid", uid, "error", err)
				}
			}); err != nil {
				logger.Warn("audit writer pool rejected a fill record", "uid", uid, "error", err)
			}
		}
	}
}

func consumeStatus(ctx context.Context, connector core.IExchangeConnector, logger core.ILogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-connector.Status():
			if !ok {
				return
			}
			logger.Info("connector status changed", "status", st.String())
		}
	}
}

func autoSave(ctx context.Context, mgr *manager.Manager, spotStore, futuresStore *persistence.FileStore, bus *events.Bus, interval time.Duration, logger core.ILogger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	saveCh, unsubscribe := bus.Subscribe(32)
	defer unsubscribe()

	save := func() {
		if err := spotStore.Save(ctx, mgr.SerializeAll(core.InstTypeSpot)); err != nil {
			logger.Error("failed to save spot state", "error", err)
		}
		if err := futuresStore.Save(ctx, mgr.SerializeAll(core.InstTypeFutures)); err != nil {
			logger.Error("failed to save futures state", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			save()
		case ev, ok := <-saveCh:
			if !ok {
				return
			}
			if ev.Kind == events.SaveRequested {
				save()
			}
		}
	}
}

func shutdown(mgr *manager.Manager, spotStore, futuresStore *persistence.FileStore, timeout time.Duration, logger core.ILogger) {
	for _, row := range mgr.Snapshot() {
		if row.Status != core.StatusRunning {
			continue
		}
		if err := mgr.StopStrategy(row.UID); err != nil {
			logger.Error("failed to stop strategy during shutdown", "uid", row.UID, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+2*time.Second)
	defer cancel()
	if err := spotStore.Save(ctx, mgr.SerializeAll(core.InstTypeSpot)); err != nil {
		logger.Error("final spot save failed", "error", err)
	}
	if err := futuresStore.Save(ctx, mgr.SerializeAll(core.InstTypeFutures)); err != nil {
		logger.Error("final futures save failed", "error", err)
	}
}
