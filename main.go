package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quoteflow/config"
	"quoteflow/internal/bus"
	"quoteflow/internal/dashboard"
	"quoteflow/internal/feed"
	"quoteflow/internal/window"
	"quoteflow/logger"
	"quoteflow/models"
	"quoteflow/poller"
	"quoteflow/stream"
)

// backfillLookback bounds how far back a post-reconnect backfill reaches.
const backfillLookback = 15 * time.Minute

func main() {
	log := logger.New()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Quoteflow.Name,
		"version":     cfg.Quoteflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting quoteflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(log, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	eventBus := bus.New(bus.Options{
		Capacity:       cfg.Bus.Capacity,
		PublishTimeout: cfg.Bus.PublishTimeout,
		ReceiveTimeout: cfg.Bus.ReceiveTimeout,
		DrainTimeout:   cfg.Bus.DrainTimeout,
	}, log)
	eventBus.Start()

	windows := window.New(cfg.Window.Size, cfg.Window.DedupLookback, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumeEvents(ctx, eventBus, windows, log)
	}()

	rest := feed.NewClient(cfg, log)
	factory := feed.NewVenueFactory(cfg, rest, log)
	backfiller := &restBackfiller{rest: rest, windows: windows, log: log}

	manager := stream.NewManager(cfg, factory, backfiller, log)

	fallback := poller.NewPoller(cfg, rest, cfg.Symbols, poller.Handlers{
		OnBar: func(b models.Bar) {
			eventBus.Publish(models.BarEvent{Bar: b})
		},
		OnOrderUpdate: func(u models.OrderUpdateEvent) {
			eventBus.Publish(models.OrderEvent{Update: u})
		},
	}, log)

	startFallback := func() {
		if !cfg.Polling.Enabled || fallback.IsRunning() {
			return
		}
		log.WithComponent("main").Warn("push channels unavailable, degrading to polling")
		if err := fallback.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start polling fallback")
		}
	}

	err = manager.RegisterHandlers(stream.Handlers{
		OnBar: func(b models.Bar) {
			eventBus.Publish(models.BarEvent{Bar: b})
		},
		OnOrderUpdate: func(u models.OrderUpdateEvent) {
			eventBus.Publish(models.OrderEvent{Update: u})
		},
		OnMarketDisconnect: startFallback,
		OnTradeDisconnect: func() {
			log.WithComponent("main").Warn("trade update channel disconnected")
		},
	})
	if err != nil {
		log.WithError(err).Error("failed to register stream handlers")
		os.Exit(1)
	}

	if err := manager.Start(ctx, cfg.Symbols); err != nil {
		var se *stream.StartupError
		if errors.As(err, &se) {
			log.WithError(err).WithFields(logger.Fields{"channel": se.Channel}).Error("stream startup failed")
		} else {
			log.WithError(err).Error("stream startup failed")
		}
		startFallback()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		housekeeping(ctx, cfg, manager, log)
	}()

	if status := dashboard.NewServer(cfg.Dashboard, manager, eventBus, windows, cfg.Symbols, log); status != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := status.Run(ctx); err != nil {
				log.WithError(err).Error("status server failed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping stream manager")
	manager.Stop()

	log.Info("stopping polling fallback")
	fallback.Stop()

	log.Info("stopping event bus")
	eventBus.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("quoteflow stopped")
}

// consumeEvents drains the bus into the rolling windows. Order updates are
// surfaced in the log until downstream trading logic claims them.
func consumeEvents(ctx context.Context, eventBus *bus.Bus, windows *window.Store, log *logger.Log) {
	entry := log.WithComponent("consumer")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, ok := eventBus.Receive()
		if !ok {
			continue
		}
		switch e := ev.(type) {
		case models.BarEvent:
			windows.OnBar(e.Bar.Symbol, e.Bar)
		case models.OrderEvent:
			entry.WithFields(logger.Fields{
				"order_id": e.Update.OrderID,
				"symbol":   e.Update.Symbol,
				"status":   e.Update.Status,
			}).Info("order update")
		}
	}
}

// housekeeping clears reconnect counters after a sustained healthy period so
// old failures do not penalize a recovered connection.
func housekeeping(ctx context.Context, cfg *config.Config, manager *stream.Manager, log *logger.Log) {
	interval := cfg.Reconnect.ResetInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if manager.Healthy() {
				manager.ResetReconnectCount()
			}
		}
	}
}

// restBackfiller fills post-outage gaps from the historical bars endpoint.
type restBackfiller struct {
	rest    *feed.Client
	windows *window.Store
	log     *logger.Log
}

func (b *restBackfiller) Backfill(ctx context.Context, symbols []string) {
	entry := b.log.WithComponent("backfill")
	end := time.Now()
	start := end.Add(-backfillLookback)

	for _, symbol := range symbols {
		bars, err := b.rest.GetBars(ctx, symbol, "1Min", start, end, 0)
		if err != nil {
			entry.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("backfill failed")
			continue
		}
		b.windows.AddHistoricalBars(symbol, bars)
		entry.WithFields(logger.Fields{"symbol": symbol, "bars": len(bars)}).Debug("backfill merged")
	}
}
