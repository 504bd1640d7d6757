// Package manager implements the StrategyManager: the registry of
// every grid strategy, subscription ref-counting against the exchange
// connector, and the per-tick fan-out into each strategy's trader
// (spec §4.5, §5).
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ohlcv/gridengine/internal/core"
	"github.com/ohlcv/gridengine/internal/events"
	"github.com/ohlcv/gridengine/internal/grid"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// entry is one registered strategy: its data, its trader, and the
// bookkeeping the manager needs to stop it cleanly.
type entry struct {
	data    *grid.Data
	trader  *grid.Trader
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Manager owns every strategy for one exchange connector. It is safe
// for concurrent use; process_market_data fans a tick out to every
// subscribed strategy concurrently, with no ordering guarantee across
// pairs (spec §5).
type Manager struct {
	mu         sync.RWMutex
	strategies map[string]*entry
	subs       map[string]map[string]struct{} // pair -> set of uid

	connector   core.IExchangeConnector
	logger      core.ILogger
	bus         *events.Bus
	maxParallel int

	stopTimeout            time.Duration
	tickMinProcessInterval time.Duration
}

// Config carries the tunables a Manager needs from the engine config.
type Config struct {
	StopTimeout            time.Duration
	TickMinProcessInterval time.Duration
	MaxParallel            int
}

// New builds an empty Manager bound to one exchange connector.
func New(connector core.IExchangeConnector, logger core.ILogger, bus *events.Bus, cfg Config) *Manager {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 16
	}
	return &Manager{
		strategies:             make(map[string]*entry),
		subs:                   make(map[string]map[string]struct{}),
		connector:              connector,
		logger:                 logger.WithField("component", "manager"),
		bus:                    bus,
		maxParallel:            cfg.MaxParallel,
		stopTimeout:            cfg.StopTimeout,
		tickMinProcessInterval: cfg.TickMinProcessInterval,
	}
}

// CreateStrategy registers a new, stopped strategy and returns its uid
// (spec §4.5: uid is an 8-character identifier).
func (m *Manager) CreateStrategy(pair, exchange string, instType core.InstType) (string, error) {
	uid := uuid.New().String()[:8]

	data := grid.New(uid, pair, exchange, instType)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.strategies[uid]; exists {
		return "", fmt.Errorf("uid collision: %s", uid)
	}
	m.strategies[uid] = &entry{data: data}
	m.bus.Publish(events.Event{Kind: events.StrategyAdded, UID: uid})
	return uid, nil
}

// RestoreStrategy rehydrates a strategy from its persisted form (used
// at startup, before any trader is attached).
func (m *Manager) RestoreStrategy(pg core.PersistedGrid) error {
	data, err := grid.Deserialize(pg)
	if err != nil {
		return fmt.Errorf("restoring strategy %s: %w", pg.UID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[pg.UID] = &entry{data: data}
	return nil
}

// Data returns the underlying grid.Data for uid, if it exists.
func (m *Manager) Data(uid string) (*grid.Data, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.strategies[uid]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Snapshot returns a RowSnapshot for every registered strategy.
func (m *Manager) Snapshot() []grid.RowSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]grid.RowSnapshot, 0, len(m.strategies))
	for _, e := range m.strategies {
		out = append(out, e.data.RowSnapshot())
	}
	return out
}

// StartStrategy resolves the strategy's symbol config, attaches a
// trader, subscribes its pair on the connector (ref-counted across
// strategies sharing the same pair), and marks it Running.
func (m *Manager) StartStrategy(ctx context.Context, uid string) error {
	m.mu.Lock()
	e, ok := m.strategies[uid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown strategy %s", uid)
	}
	if e.running {
		m.mu.Unlock()
		return nil
	}
	if e.data.LevelCount() == 0 {
		m.mu.Unlock()
		return &core.ConfigError{UID: uid, Message: "cannot start a strategy with no levels configured"}
	}
	pair := e.data.Pair
	instType := e.data.InstType
	m.mu.Unlock()

	symbol, err := m.connector.GetSymbolConfig(ctx, pair, instType)
	if err != nil {
		return fmt.Errorf("resolving symbol config for %s: %w", pair, err)
	}

	m.mu.Lock()
	e.trader = grid.NewTrader(e.data, symbol, m.connector, m.logger, m.tickMinProcessInterval)
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	close(e.doneCh) // no background goroutine of its own; ticks drive it synchronously

	subs, ok := m.subs[pair]
	if !ok {
		subs = make(map[string]struct{})
		m.subs[pair] = subs
	}
	firstSubscriber := len(subs) == 0
	subs[uid] = struct{}{}
	m.mu.Unlock()

	if firstSubscriber {
		m.connector.SubscribeTicker(pair, "manager")
	}

	e.data.Mu.Lock()
	e.data.Status = core.StatusRunning
	e.data.Mu.Unlock()

	m.bus.Publish(events.Event{Kind: events.StrategyStarted, UID: uid})
	return nil
}

// StopStrategy marks the strategy stopped and unsubscribes its pair
// once no other running strategy still references it. It waits up to
// the configured stop timeout on the entry's done channel; StartStrategy
// closes that channel at once (the trader has no goroutine of its own),
// so the wait returns immediately and a tick already being processed is
// not waited for.
func (m *Manager) StopStrategy(uid string) error {
	m.mu.Lock()
	e, ok := m.strategies[uid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown strategy %s", uid)
	}
	if !e.running {
		m.mu.Unlock()
		return nil
	}
	pair := e.data.Pair
	e.running = false
	close(e.stopCh)
	doneCh := e.doneCh
	m.mu.Unlock()

	select {
	case <-doneCh:
	case <-time.After(m.stopTimeout):
		m.logger.Warn("strategy did not settle within stop timeout", "uid", uid)
	}

	m.mu.Lock()
	subs := m.subs[pair]
	delete(subs, uid)
	lastSubscriber := len(subs) == 0
	if lastSubscriber {
		delete(m.subs, pair)
	}
	m.mu.Unlock()

	if lastSubscriber {
		m.connector.UnsubscribeTicker(pair, "manager")
	}

	e.data.Mu.Lock()
	e.data.Status = core.StatusStopped
	e.data.Mu.Unlock()

	m.bus.Publish(events.Event{Kind: events.StrategyStopped, UID: uid})
	return nil
}

// DeleteStrategy removes a strategy's registration entirely. It
// refuses while the strategy holds an open position (invariant 7): the
// operator must close the position first.
func (m *Manager) DeleteStrategy(uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.strategies[uid]
	if !ok {
		return fmt.Errorf("unknown strategy %s", uid)
	}
	if e.running {
		return fmt.Errorf("strategy %s is still running; stop it before deleting", uid)
	}
	metrics := e.data.CalculatePositionMetrics()
	if !metrics.TotalValue.IsZero() {
		return fmt.Errorf("strategy %s still holds an open position (%s); close it before deleting", uid, metrics.TotalValue)
	}

	delete(m.strategies, uid)
	m.bus.Publish(events.Event{Kind: events.StrategyDeleted, UID: uid})
	return nil
}

// ClosePosition forces an immediate liquidation of a running strategy's
// position via its trader, without stopping the strategy.
func (m *Manager) ClosePosition(ctx context.Context, uid string) error {
	m.mu.RLock()
	e, ok := m.strategies[uid]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown strategy %s", uid)
	}
	if e.trader == nil {
		return fmt.Errorf("strategy %s has no attached trader; start it first", uid)
	}
	return e.trader.CloseAllNow(ctx, "operator_requested")
}

// ProcessTick fans one ticker update out to every running strategy
// subscribed to its pair, bounded to maxParallel concurrent traders.
// Strategies across different pairs, or even the same pair, may be
// processed in any order relative to each other (spec §5's explicit
// non-goal of cross-pair ordering).
func (m *Manager) ProcessTick(ctx context.Context, pair string, price core.Ticker) error {
	m.mu.RLock()
	uids := make([]string, 0, len(m.subs[pair]))
	for uid := range m.subs[pair] {
		uids = append(uids, uid)
	}
	m.mu.RUnlock()

	if len(uids) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, m.maxParallel)
	now := time.Now()

	for _, uid := range uids {
		uid := uid
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}
			return m.processOne(gctx, uid, price, now)
		})
	}
	return g.Wait()
}

func (m *Manager) processOne(ctx context.Context, uid string, ticker core.Ticker, now time.Time) error {
	m.mu.RLock()
	e, ok := m.strategies[uid]
	m.mu.RUnlock()
	if !ok || !e.running || e.trader == nil {
		return nil
	}

	if err := e.trader.ProcessTick(ctx, ticker.LastPrice, ticker.TimeMS, now); err != nil {
		m.logger.Error("strategy tick processing failed", "uid", uid, "error", err)
		m.bus.Publish(events.Event{Kind: events.StrategyError, UID: uid, Message: err.Error()})

		var stateErr *core.StateError
		if isStateError(err, &stateErr) {
			e.data.Mu.Lock()
			e.data.Status = core.StatusError
			e.data.Mu.Unlock()
		}
	}
	m.bus.Publish(events.Event{Kind: events.StrategyUpdated, UID: uid})
	return nil
}

func isStateError(err error, target **core.StateError) bool {
	se, ok := err.(*core.StateError)
	if ok {
		*target = se
	}
	return ok
}

// UIDFromClientOrderID recovers the owning strategy's uid from a
// client_order_id of the form grid_{uid}_{level}_{ms}[_tp] (spec §4.3),
// the only correlation key the private fill stream carries back.
func UIDFromClientOrderID(clientOrderID string) (string, bool) {
	parts := strings.Split(clientOrderID, "_")
	if len(parts) < 4 || parts[0] != "grid" {
		return "", false
	}
	return parts[1], true
}

// ApplyFillEnvelope routes a connector's FillEventEnvelope to the
// strategy its client_order_id names, the entrypoint the engine's
// private-stream consumption loop calls for every event off
// connector.Fills().
func (m *Manager) ApplyFillEnvelope(env core.FillEventEnvelope) error {
	uid, ok := UIDFromClientOrderID(env.ClientOrderID)
	if !ok {
		m.logger.Warn("fill event with unrecognized client_order_id", "client_order_id", env.ClientOrderID)
		return nil
	}
	return m.ApplyFill(uid, env.Fill)
}

// ApplyFill correlates an asynchronous private-stream fill with the
// strategy currently waiting on it.
func (m *Manager) ApplyFill(uid string, fill core.FillEvent) error {
	m.mu.RLock()
	e, ok := m.strategies[uid]
	m.mu.RUnlock()
	if !ok || e.trader == nil {
		return nil
	}
	applied, err := e.trader.ApplyExternalFill(fill)
	if err != nil {
		return err
	}
	if applied {
		m.bus.Publish(events.Event{Kind: events.StrategyUpdated, UID: uid})
		m.bus.Publish(events.Event{Kind: events.SaveRequested, UID: uid})
	}
	return nil
}

// SerializeAll builds the PersistedFile document for every registered
// strategy of the given instrument type, for the auto-save loop.
func (m *Manager) SerializeAll(instType core.InstType) core.PersistedFile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc := core.PersistedFile{
		InstType:   instType,
		Strategies: make(map[string]core.PersistedGrid),
	}
	for uid, e := range m.strategies {
		if e.data.InstType != instType {
			continue
		}
		doc.Strategies[uid] = e.data.Serialize()
		if e.running {
			doc.RunningStrategies = append(doc.RunningStrategies, uid)
		}
	}
	return doc
}
