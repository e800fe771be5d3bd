package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

type fakeSource struct {
	mu     sync.Mutex
	bars   []models.Bar
	orders []models.OrderUpdateEvent
	since  []time.Time
	fail   bool
}

func (f *fakeSource) LatestBars(ctx context.Context, symbols []string) ([]models.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("venue unavailable")
	}
	return f.bars, nil
}

func (f *fakeSource) RecentOrders(ctx context.Context, since time.Time) ([]models.OrderUpdateEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	if f.fail {
		return nil, errors.New("venue unavailable")
	}
	return f.orders, nil
}

func pollerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Polling.Enabled = true
	cfg.Polling.BarInterval = 10 * time.Millisecond
	cfg.Polling.OrderInterval = 10 * time.Millisecond
	return cfg
}

func TestPollerDeliversBars(t *testing.T) {
	source := &fakeSource{bars: []models.Bar{
		{Symbol: "AAPL", Timestamp: time.Now(), Close: 190.5},
		{Symbol: "MSFT", Timestamp: time.Now(), Close: 412.0},
	}}

	var mu sync.Mutex
	var got []models.Bar
	handlers := Handlers{OnBar: func(b models.Bar) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	}}

	p := NewPoller(pollerConfig(), source, []string{"AAPL", "MSFT"}, handlers, logger.New())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 2 bars, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Symbol != "AAPL" || got[1].Symbol != "MSFT" {
		t.Fatalf("unexpected bar order: %v %v", got[0].Symbol, got[1].Symbol)
	}
}

func TestPollerNormalizesOrderIDs(t *testing.T) {
	source := &fakeSource{orders: []models.OrderUpdateEvent{
		{OrderID: "61e69015e42b4e409f2f85a17c1a7569", Symbol: "AAPL", Status: models.OrderFilled},
	}}

	var mu sync.Mutex
	var got []models.OrderUpdateEvent
	handlers := Handlers{OnOrderUpdate: func(u models.OrderUpdateEvent) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	}}

	p := NewPoller(pollerConfig(), source, nil, handlers, logger.New())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no order update delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].OrderID != "61e69015-e42b-4e40-9f2f-85a17c1a7569" {
		t.Fatalf("order id not normalized: %s", got[0].OrderID)
	}
}

func TestPollerWatermarkHeldOnError(t *testing.T) {
	source := &fakeSource{fail: true}

	p := NewPoller(pollerConfig(), source, nil, Handlers{OnOrderUpdate: func(models.OrderUpdateEvent) {}}, logger.New())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	p.Stop()

	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.since) < 2 {
		t.Fatalf("expected multiple order polls, got %d", len(source.since))
	}
	for i := 1; i < len(source.since); i++ {
		if !source.since[i].Equal(source.since[0]) {
			t.Fatalf("watermark advanced despite poll errors: %v vs %v", source.since[i], source.since[0])
		}
	}
}

func TestPollerStartTwice(t *testing.T) {
	p := NewPoller(pollerConfig(), &fakeSource{}, nil, Handlers{}, logger.New())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error starting a running poller")
	}
}

func TestNormalizeOrderID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"compact hex", "61e69015e42b4e409f2f85a17c1a7569", "61e69015-e42b-4e40-9f2f-85a17c1a7569"},
		{"already hyphenated", "61e69015-e42b-4e40-9f2f-85a17c1a7569", "61e69015-e42b-4e40-9f2f-85a17c1a7569"},
		{"not an identifier", "my-client-order-1", "my-client-order-1"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeOrderID(tt.in); got != tt.want {
				t.Fatalf("NormalizeOrderID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
