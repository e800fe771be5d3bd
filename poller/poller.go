package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

// RestSource is the subset of the venue REST client the poller needs.
type RestSource interface {
	LatestBars(ctx context.Context, symbols []string) ([]models.Bar, error)
	RecentOrders(ctx context.Context, since time.Time) ([]models.OrderUpdateEvent, error)
}

// Handlers receive polled data on the same contract as the push channels.
type Handlers struct {
	OnBar         func(models.Bar)
	OnOrderUpdate func(models.OrderUpdateEvent)
}

// Poller periodically fetches bars and order updates over REST when the push
// channels are unavailable. Bar and order polling run as independent loops
// with their own intervals.
type Poller struct {
	config   *config.Config
	source   RestSource
	handlers Handlers
	symbols  []string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	ordersSince time.Time
	now         func() time.Time
}

func NewPoller(cfg *config.Config, source RestSource, symbols []string, handlers Handlers, log *logger.Log) *Poller {
	p := &Poller{
		config:   cfg,
		source:   source,
		handlers: handlers,
		symbols:  append([]string(nil), symbols...),
		log:      log,
		now:      time.Now,
	}

	log.WithComponent("poller").WithFields(logger.Fields{
		"symbols":        len(p.symbols),
		"bar_interval":   cfg.Polling.BarInterval,
		"order_interval": cfg.Polling.OrderInterval,
	}).Info("poller initialized")
	return p
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.ordersSince = p.now()
	p.mu.Unlock()

	log := p.log.WithComponent("poller").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting polling fallback")

	if p.handlers.OnBar != nil && len(p.symbols) > 0 {
		p.wg.Add(1)
		go p.pollBars()
	}
	if p.handlers.OnOrderUpdate != nil {
		p.wg.Add(1)
		go p.pollOrders()
	}

	log.Info("polling fallback started")
	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	p.log.WithComponent("poller").Info("stopping polling fallback")
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.log.WithComponent("poller").Info("polling fallback stopped")
}

func (p *Poller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Poller) pollBars() {
	defer p.wg.Done()

	log := p.log.WithComponent("poller").WithFields(logger.Fields{"loop": "bars"})
	ticker := time.NewTicker(p.config.Polling.BarInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			log.Info("bar polling loop stopped")
			return
		case <-ticker.C:
			p.pollBarsOnce(log)
		}
	}
}

func (p *Poller) pollBarsOnce(log *logger.Entry) {
	bars, err := p.source.LatestBars(p.ctx, p.symbols)
	if err != nil {
		if p.ctx.Err() == nil {
			log.WithError(err).Warn("bar poll failed")
		}
		return
	}

	for _, bar := range bars {
		p.handlers.OnBar(bar)
	}
	logger.IncrementPollCycle(len(bars))
}

func (p *Poller) pollOrders() {
	defer p.wg.Done()

	log := p.log.WithComponent("poller").WithFields(logger.Fields{"loop": "orders"})
	ticker := time.NewTicker(p.config.Polling.OrderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			log.Info("order polling loop stopped")
			return
		case <-ticker.C:
			p.pollOrdersOnce(log)
		}
	}
}

func (p *Poller) pollOrdersOnce(log *logger.Entry) {
	p.mu.RLock()
	since := p.ordersSince
	p.mu.RUnlock()

	cycleStart := p.now()
	updates, err := p.source.RecentOrders(p.ctx, since)
	if err != nil {
		if p.ctx.Err() == nil {
			log.WithError(err).Warn("order poll failed")
		}
		return
	}

	for _, update := range updates {
		update.OrderID = NormalizeOrderID(update.OrderID)
		update.ClientOrderID = NormalizeOrderID(update.ClientOrderID)
		p.handlers.OnOrderUpdate(update)
	}
	logger.IncrementPollCycle(len(updates))

	// Advance the watermark only after a successful cycle so a failed poll
	// retries the same interval.
	p.mu.Lock()
	p.ordersSince = cycleStart
	p.mu.Unlock()
}

// NormalizeOrderID converts a compact 32-character hexadecimal identifier to
// its canonical hyphenated form. Already-hyphenated identifiers pass through
// and anything unparsable is returned unchanged.
func NormalizeOrderID(id string) string {
	u, err := uuid.Parse(id)
	if err != nil {
		return id
	}
	return u.String()
}
