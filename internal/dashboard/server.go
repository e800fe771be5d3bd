// Package dashboard exposes a small HTTP status surface for operating the
// stream: liveness for load balancers, connection and queue state for
// humans, and host resource usage.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "quoteflow/config"
	"quoteflow/internal/bus"
	"quoteflow/internal/window"
	"quoteflow/logger"
)

// StreamStatus is the read-only view of the stream manager the dashboard
// reports on.
type StreamStatus interface {
	MarketConnected() bool
	TradeConnected() bool
	Healthy() bool
}

// Server hosts the status endpoints. A nil *Server is safe to Run; the
// constructor returns nil when the dashboard is disabled.
type Server struct {
	cfg     appconfig.DashboardConfig
	log     *logger.Log
	stream  StreamStatus
	events  *bus.Bus
	windows *window.Store
	symbols []string

	started    time.Time
	sampler    *resourceSampler
	httpServer *http.Server
}

func NewServer(cfg appconfig.DashboardConfig, stream StreamStatus, events *bus.Bus, windows *window.Store, symbols []string, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}

	return &Server{
		cfg:     cfg,
		log:     log,
		stream:  stream,
		events:  events,
		windows: windows,
		symbols: append([]string(nil), symbols...),
		started: time.Now(),
		sampler: newResourceSampler(cfg.SampleInterval, log),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.sampler.start(ctx)
	defer s.sampler.stop()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealthz)
	router.GET("/api/status", s.handleStatus)
	router.GET("/api/windows", s.handleWindows)
	router.GET("/api/resources", s.handleResources)

	return router, nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.stream != nil && !s.stream.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stale"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	payload := gin.H{
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"symbols": len(s.symbols),
	}
	if s.stream != nil {
		payload["market_connected"] = s.stream.MarketConnected()
		payload["trade_connected"] = s.stream.TradeConnected()
		payload["healthy"] = s.stream.Healthy()
	}
	if s.events != nil {
		stats := s.events.GetStats()
		payload["bus"] = gin.H{
			"size":      s.events.Size(),
			"published": stats.Published,
			"consumed":  stats.Consumed,
			"dropped":   stats.Dropped,
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleWindows(c *gin.Context) {
	counts := make(gin.H, len(s.symbols))
	if s.windows != nil {
		for _, symbol := range s.symbols {
			counts[symbol] = s.windows.BarCount(symbol)
		}
	}
	c.JSON(http.StatusOK, gin.H{"windows": counts})
}

func (s *Server) handleResources(c *gin.Context) {
	snapshot, ok := s.sampler.latest()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"sampled": false})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// normalizeAddress fills in the listen host/port shorthand operators use:
// a bare port number becomes ":port", an empty address the default port.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ":8090"
	}
	if !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}
