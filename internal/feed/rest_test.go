package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	appconfig "quoteflow/config"
	"quoteflow/logger"
)

func restConfig(baseURL string) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Venue.RestURL = baseURL
	cfg.Venue.KeyID = "test-key"
	cfg.Venue.SecretKey = "test-secret"
	cfg.Venue.Timeout = 2 * time.Second
	cfg.Venue.RetryMax = 1
	return cfg
}

func TestGetBars(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key-ID")
		if r.URL.Path != "/v1/bars/AAPL" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"bars":[
			{"t":"2025-06-02T13:30:00Z","o":190,"h":191,"l":189.5,"c":190.5,"v":12000},
			{"t":"2025-06-02T13:31:00Z","o":190.5,"h":192,"l":190.4,"c":191.8,"v":9000}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(restConfig(srv.URL), logger.New())
	end := time.Now()
	bars, err := c.GetBars(context.Background(), "AAPL", "1Min", end.Add(-5*time.Minute), end, 0)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if gotKey != "test-key" {
		t.Errorf("credentials not sent, got key %q", gotKey)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if bars[0].Symbol != "AAPL" {
		t.Errorf("symbol not stamped onto bars: %q", bars[0].Symbol)
	}
	if bars[1].Close != 191.8 {
		t.Errorf("unexpected close: %v", bars[1].Close)
	}
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream blew up", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"bars":{}}`))
	}))
	defer srv.Close()

	cfg := restConfig(srv.URL)
	cfg.Venue.RetryMax = 3
	c := NewClient(cfg, logger.New())

	if _, err := c.LatestBars(context.Background(), []string{"AAPL"}); err != nil {
		t.Fatalf("LatestBars should succeed after retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestGetJSONMapsThrottling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(restConfig(srv.URL), logger.New())
	_, err := c.LatestBars(context.Background(), []string{"AAPL"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestValidateFeedEntitlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("feed") {
		case "iex":
			w.Write([]byte(`{"authorized":true}`))
		case "sip":
			http.Error(w, "not entitled", http.StatusForbidden)
		default:
			w.Write([]byte(`{"authorized":false}`))
		}
	}))
	defer srv.Close()

	c := NewClient(restConfig(srv.URL), logger.New())

	if err := c.ValidateFeed(context.Background(), "iex"); err != nil {
		t.Fatalf("iex should validate: %v", err)
	}
	if err := c.ValidateFeed(context.Background(), "sip"); !errors.Is(err, ErrEntitlement) {
		t.Fatalf("403 should map to ErrEntitlement, got %v", err)
	}
	if err := c.ValidateFeed(context.Background(), "opra"); !errors.Is(err, ErrEntitlement) {
		t.Fatalf("unauthorized should map to ErrEntitlement, got %v", err)
	}
}
