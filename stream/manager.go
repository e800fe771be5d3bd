// Package stream owns the resilient connection manager for the venue's push
// channels: equity bars, crypto bars, and trade updates. It batches
// subscriptions, monitors liveness, and drives reconnects through an
// exponential-backoff rate limiter.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	appconfig "quoteflow/config"
	"quoteflow/internal/batch"
	"quoteflow/internal/feed"
	"quoteflow/internal/ratelimit"
	"quoteflow/logger"
	"quoteflow/models"
)

// StartupError is raised when one channel fails during multi-channel start.
// By the time it propagates, every sibling channel opened by the same call
// has been closed again.
type StartupError struct {
	Channel string
	Err     error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("failed to start %s channel: %v", e.Channel, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Handlers are the callbacks the manager delivers events through. They must
// be registered before Start.
type Handlers struct {
	OnBar              func(models.Bar)
	OnOrderUpdate      func(models.OrderUpdateEvent)
	OnMarketDisconnect func()
	OnTradeDisconnect  func()
}

// Backfiller fills the gap left by a connection outage. Invoked after every
// successful reconnect with the symbols that were resubscribed.
type Backfiller interface {
	Backfill(ctx context.Context, symbols []string)
}

// channelState tracks one logical push channel. The handle is owned
// exclusively by the manager: nothing else may close or mutate it.
type channelState struct {
	kind      string
	symbols   []string
	connected bool

	closeFeed func() error
	events    chan models.Event
	done      chan struct{}
}

// Manager owns up to three concurrent channels and their lifecycle:
// Closed -> Starting -> Connected -> (Reconnecting -> Starting|Closed) -> Closed.
type Manager struct {
	cfg     *appconfig.Config
	factory feed.Factory
	log     *logger.Log

	// limiter backs the market reconnect procedure. The trade channel would
	// need its own instance if it ever drove reconnects through backoff.
	limiter *ratelimit.Limiter

	backfiller Backfiller
	handlers   Handlers

	mu        sync.RWMutex
	running   bool
	equity    *channelState
	crypto    *channelState
	trade     *channelState
	feedTier  string
	batchSize int
	symbols   []string
	attempts  int

	lastMessage atomic.Int64 // unix nanos of the most recent event

	// reconnectMu serializes reconnect attempts: the limiter state has a
	// single writer. Monitor-triggered reconnects are additionally coalesced
	// through the 1-slot reconnectReq channel.
	reconnectMu  sync.Mutex
	reconnectReq chan struct{}

	subPacer *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. The factory provides feed instances; the
// backfiller may be nil when no post-reconnect backfill is wanted.
func NewManager(cfg *appconfig.Config, factory feed.Factory, backfiller Backfiller, log *logger.Log) *Manager {
	batchDelay := cfg.Stream.BatchDelay
	if batchDelay <= 0 {
		batchDelay = time.Second
	}

	return &Manager{
		cfg:     cfg,
		factory: factory,
		log:     log,
		limiter: ratelimit.New(
			cfg.Reconnect.BaseDelay,
			cfg.Reconnect.MaxDelay,
			cfg.Reconnect.MaxRetries,
		),
		backfiller: backfiller,
		// One subscription batch per batch-delay interval, shared by every
		// channel so concurrent starts respect the venue-wide limit.
		subPacer:     rate.NewLimiter(rate.Every(batchDelay), 1),
		reconnectReq: make(chan struct{}, 1),
	}
}

// RegisterHandlers wires the caller's callbacks. Must be called before Start.
func (m *Manager) RegisterHandlers(h Handlers) error {
	if h.OnBar == nil || h.OnOrderUpdate == nil || h.OnMarketDisconnect == nil || h.OnTradeDisconnect == nil {
		return fmt.Errorf("all four handlers must be set")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("cannot register handlers while running")
	}
	m.handlers = h
	return nil
}

// Start classifies and batches symbols, opens the push channels, and starts
// the liveness monitor. On partial failure every channel already opened by
// this call is closed before the error is returned.
func (m *Manager) Start(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("stream manager already running")
	}
	if m.handlers.OnBar == nil {
		m.mu.Unlock()
		return fmt.Errorf("handlers must be registered before start")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.symbols = append([]string(nil), symbols...)
	m.mu.Unlock()

	log := m.log.WithComponent("stream_manager")

	tier, batchSize := m.resolveFeed(m.ctx)
	m.mu.Lock()
	m.feedTier = tier
	m.batchSize = batchSize
	m.mu.Unlock()

	equity, crypto := classifySymbols(symbols)
	log.WithFields(logger.Fields{
		"equity": len(equity),
		"crypto": len(crypto),
		"feed":   tier,
		"batch":  batchSize,
	}).Info("starting stream channels")

	if err := m.startChannels(m.ctx, equity, crypto, true); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.cancel()
		return err
	}

	m.touch()
	m.wg.Add(1)
	go m.monitor(m.ctx)

	log.Info("stream manager started")
	return nil
}

// resolveFeed validates the configured feed tier and downgrades to the
// fallback tier with a reduced batch size when the account lacks the
// entitlement.
func (m *Manager) resolveFeed(ctx context.Context) (string, int) {
	log := m.log.WithComponent("stream_manager")
	tier := m.cfg.Stream.Feed
	batchSize := m.cfg.Stream.BatchSize

	if tier == "" || m.cfg.Stream.FallbackFeed == "" || tier == m.cfg.Stream.FallbackFeed {
		return tier, batchSize
	}

	err := m.factory.ValidateFeed(ctx, tier)
	if err == nil {
		return tier, batchSize
	}
	if !errors.Is(err, feed.ErrEntitlement) {
		// Transient validation failure: keep the requested tier and let the
		// subscribe path surface a real error if one exists.
		log.WithError(err).Warn("feed entitlement check failed, keeping requested tier")
		return tier, batchSize
	}

	fallback := m.cfg.Stream.FallbackFeed
	reduced := m.cfg.Stream.FallbackBatchSize
	if reduced <= 0 {
		reduced = batchSize / 2
		if reduced < 1 {
			reduced = 1
		}
	}
	log.WithFields(logger.Fields{
		"requested_feed": tier,
		"fallback_feed":  fallback,
		"batch_size":     reduced,
	}).Warn("feed tier not authorized; batch size reduced for fallback feed")
	return fallback, reduced
}

// startChannels opens the requested channels in order (equity, crypto,
// trade), rolling back everything already opened when one fails.
func (m *Manager) startChannels(ctx context.Context, equity, crypto []string, withTrade bool) error {
	var started []*channelState

	// Detach the started states under the lock before touching them, the
	// same order closeMarketChannels uses, so status readers never observe a
	// channelState being torn down.
	rollback := func(kind string, err error) error {
		m.mu.Lock()
		for _, cs := range started {
			switch cs.kind {
			case "equity":
				m.equity = nil
			case "crypto":
				m.crypto = nil
			case "trade":
				m.trade = nil
			}
		}
		m.mu.Unlock()
		for _, cs := range started {
			m.closeChannel(cs)
		}
		return &StartupError{Channel: kind, Err: err}
	}

	if len(equity) > 0 {
		cs, err := m.openMarketChannel(ctx, feed.KindEquity, equity)
		if err != nil {
			return rollback("equity", err)
		}
		started = append(started, cs)
		m.mu.Lock()
		m.equity = cs
		m.mu.Unlock()
	}

	if len(crypto) > 0 {
		cs, err := m.openMarketChannel(ctx, feed.KindCrypto, crypto)
		if err != nil {
			return rollback("crypto", err)
		}
		started = append(started, cs)
		m.mu.Lock()
		m.crypto = cs
		m.mu.Unlock()
	}

	if withTrade {
		cs, err := m.openTradeChannel(ctx)
		if err != nil {
			return rollback("trade", err)
		}
		started = append(started, cs)
		m.mu.Lock()
		m.trade = cs
		m.mu.Unlock()
	}

	return nil
}

// openMarketChannel creates one bar feed, subscribes its symbols in paced
// batches, and starts the read and dispatch goroutines.
func (m *Manager) openMarketChannel(ctx context.Context, kind feed.MarketKind, symbols []string) (*channelState, error) {
	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{"channel": string(kind)})

	f, err := m.factory.MarketFeed(kind, m.currentTier())
	if err != nil {
		return nil, err
	}

	cs := &channelState{
		kind:      string(kind),
		symbols:   append([]string(nil), symbols...),
		closeFeed: f.Close,
		events:    make(chan models.Event, m.channelBuffer()),
		done:      make(chan struct{}),
	}

	handler := func(bar models.Bar) {
		m.touch()
		select {
		case cs.events <- models.BarEvent{Bar: bar}:
		default:
			log.Warn("channel event buffer full, dropping bar")
		}
	}

	for _, chunk := range batch.Chunks(symbols, m.currentBatchSize()) {
		if err := m.subPacer.Wait(ctx); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SubscribeBars(handler, chunk...); err != nil {
			f.Close()
			return nil, err
		}
	}
	cs.connected = true

	m.wg.Add(2)
	go m.runChannel(ctx, cs, func(runCtx context.Context) error { return f.Run(runCtx) })
	go m.dispatch(ctx, cs)

	log.WithFields(logger.Fields{"symbols": len(symbols)}).Info("channel connected")
	return cs, nil
}

// openTradeChannel creates the trade-update feed and its goroutines.
func (m *Manager) openTradeChannel(ctx context.Context) (*channelState, error) {
	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{"channel": "trade"})

	f, err := m.factory.TradeFeed()
	if err != nil {
		return nil, err
	}

	cs := &channelState{
		kind:      "trade",
		closeFeed: f.Close,
		events:    make(chan models.Event, m.channelBuffer()),
		done:      make(chan struct{}),
	}

	handler := func(update models.OrderUpdateEvent) {
		m.touch()
		select {
		case cs.events <- models.OrderEvent{Update: update}:
		default:
			log.Warn("channel event buffer full, dropping order update")
		}
	}

	if err := f.SubscribeTradeUpdates(handler); err != nil {
		f.Close()
		return nil, err
	}
	cs.connected = true

	m.wg.Add(2)
	go m.runChannel(ctx, cs, func(runCtx context.Context) error { return f.Run(runCtx) })
	go m.dispatch(ctx, cs)

	log.Info("channel connected")
	return cs, nil
}

// runChannel drives one feed's blocking read loop. An unexpected exit while
// the manager is running requests a reconnect (market channels) or surfaces
// the trade disconnect callback.
func (m *Manager) runChannel(ctx context.Context, cs *channelState, run func(context.Context) error) {
	defer m.wg.Done()
	defer close(cs.done)

	err := run(ctx)
	if ctx.Err() != nil || !m.isRunning() {
		return
	}

	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{"channel": cs.kind})
	if err != nil {
		log.WithError(err).Warn("channel terminated unexpectedly")
	} else {
		log.Warn("channel closed by venue")
	}

	if cs.kind == "trade" {
		if m.handlers.OnTradeDisconnect != nil {
			m.handlers.OnTradeDisconnect()
		}
		return
	}
	m.requestReconnect()
}

// dispatch forwards one channel's events to the registered handlers. Each
// channel owns its outbound queue, keeping control flow and cancellation
// explicit rather than buried in callback chains.
func (m *Manager) dispatch(ctx context.Context, cs *channelState) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cs.events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case models.BarEvent:
				m.handlers.OnBar(e.Bar)
			case models.OrderEvent:
				m.handlers.OnOrderUpdate(e.Update)
			}
		}
	}
}

// requestReconnect coalesces concurrent triggers into the single pending
// request the monitor loop consumes.
func (m *Manager) requestReconnect() {
	select {
	case m.reconnectReq <- struct{}{}:
	default:
	}
}

// monitor wakes on a fixed interval to check message recency and also
// consumes coalesced reconnect requests from failed channels.
func (m *Manager) monitor(ctx context.Context) {
	defer m.wg.Done()

	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{"worker": "liveness_monitor"})
	interval := m.cfg.Stream.MonitorInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := m.cfg.Stream.LivenessTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, m.lastMessage.Load()))
			if idle < timeout {
				continue
			}
			log.WithFields(logger.Fields{"idle": idle}).Warn("no messages within liveness timeout, forcing reconnect")
			m.ReconnectMarketStream(ctx, m.currentSymbols())
		case <-m.reconnectReq:
			m.ReconnectMarketStream(ctx, m.currentSymbols())
		}
	}
}

// ReconnectMarketStream restarts the equity/crypto channels, consulting the
// rate limiter first. It returns true only when the channels are connected
// again. Attempts are serialized; a concurrent trigger waits here.
func (m *Manager) ReconnectMarketStream(ctx context.Context, symbols []string) bool {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{"operation": "reconnect"})

	if m.limiter.Limited() {
		log.Error("reconnect attempts exhausted, signalling disconnect")
		if m.handlers.OnMarketDisconnect != nil {
			m.handlers.OnMarketDisconnect()
		}
		return false
	}

	if !m.limiter.ReadyToRetry() {
		// RetryAfter clamps at zero, so a stale failure never produces a
		// negative sleep.
		wait := m.limiter.RetryAfter()
		if wait > 0 {
			log.WithFields(logger.Fields{"wait": wait}).Info("waiting out reconnect backoff")
			select {
			case <-ctx.Done():
				return false
			case <-time.After(wait):
			}
		}
	}

	logger.IncrementReconnect()
	m.mu.Lock()
	m.attempts++
	attempts := m.attempts
	m.mu.Unlock()

	// Close stale handles before reopening so the venue never sees duplicate
	// subscriptions from this session.
	m.closeMarketChannels()

	equity, crypto := classifySymbols(symbols)
	log.WithFields(logger.Fields{
		"attempt": attempts,
		"equity":  len(equity),
		"crypto":  len(crypto),
	}).Info("attempting market stream reconnect")

	if err := m.startChannels(ctx, equity, crypto, false); err != nil {
		m.limiter.RecordFailure()
		if feed.IsRateLimitSignal(err) {
			log.WithError(err).Warn("venue throttled reconnect attempt")
		} else {
			log.WithError(err).Warn("reconnect attempt failed")
		}
		return false
	}

	m.limiter.RecordSuccess()
	m.touch()
	log.Info("market stream reconnected")

	if m.backfiller != nil {
		m.backfiller.Backfill(ctx, symbols)
	}
	return true
}

// ResetReconnectCount clears the local attempt counter. Called by periodic
// housekeeping after an observed healthy interval, independent of the
// limiter's own success-based reset.
func (m *Manager) ResetReconnectCount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts != 0 {
		m.log.WithComponent("stream_manager").WithFields(logger.Fields{
			"attempts": m.attempts,
		}).Info("resetting reconnect attempt counter")
	}
	m.attempts = 0
}

// Stop closes every channel best-effort and waits for the monitor and
// channel goroutines within a bounded timeout.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	log := m.log.WithComponent("stream_manager")
	log.Info("stopping stream manager")

	m.cancel()
	m.closeMarketChannels()

	m.mu.Lock()
	trade := m.trade
	m.trade = nil
	m.mu.Unlock()
	if trade != nil {
		m.closeChannel(trade)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("stream manager stopped")
	case <-time.After(10 * time.Second):
		log.Warn("stream manager shutdown timeout exceeded")
	}
}

// closeMarketChannels releases the equity and crypto handles. A close
// failure on one channel must not block closing the other.
func (m *Manager) closeMarketChannels() {
	m.mu.Lock()
	equity, crypto := m.equity, m.crypto
	m.equity, m.crypto = nil, nil
	m.mu.Unlock()

	if equity != nil {
		m.closeChannel(equity)
	}
	if crypto != nil {
		m.closeChannel(crypto)
	}
}

func (m *Manager) closeChannel(cs *channelState) {
	cs.connected = false
	if cs.closeFeed != nil {
		if err := cs.closeFeed(); err != nil {
			m.log.WithComponent("stream_manager").WithError(err).WithFields(logger.Fields{
				"channel": cs.kind,
			}).Warn("failed to close channel cleanly")
		}
	}
}

// MarketConnected reports whether at least one of the equity/crypto channels
// is connected.
func (m *Manager) MarketConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (m.equity != nil && m.equity.connected) || (m.crypto != nil && m.crypto.connected)
}

// TradeConnected reports whether the trade-update channel is connected.
func (m *Manager) TradeConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trade != nil && m.trade.connected
}

// Healthy reports whether a message arrived within the liveness timeout.
func (m *Manager) Healthy() bool {
	return time.Since(time.Unix(0, m.lastMessage.Load())) < m.cfg.Stream.LivenessTimeout
}

func (m *Manager) touch() {
	m.lastMessage.Store(time.Now().UnixNano())
}

func (m *Manager) isRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) currentTier() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.feedTier
}

func (m *Manager) currentBatchSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.batchSize <= 0 {
		return m.cfg.Stream.BatchSize
	}
	return m.batchSize
}

func (m *Manager) currentSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.symbols...)
}

func (m *Manager) channelBuffer() int {
	if m.cfg.Stream.ChannelBuffer > 0 {
		return m.cfg.Stream.ChannelBuffer
	}
	return 1000
}
