// Package bus provides the bounded asynchronous queue that decouples stream
// callbacks from the trading pipeline consuming normalized events.
package bus

import (
	"sync"
	"time"

	"quoteflow/logger"
	"quoteflow/models"
)

const (
	DefaultCapacity       = 10000
	DefaultPublishTimeout = 5 * time.Second
	DefaultReceiveTimeout = time.Second
	DefaultDrainTimeout   = 5 * time.Second
)

// Stats counts traffic through the bus since start.
type Stats struct {
	Published int64
	Dropped   int64
	Consumed  int64
}

// Bus is a single bounded FIFO. Producers never block indefinitely: Publish
// waits at most the publish timeout and then drops the event. Receive waits
// at most the receive timeout so consumers can re-check cancellation instead
// of blocking forever.
type Bus struct {
	events chan models.Event

	mu      sync.RWMutex
	running bool
	stats   Stats

	publishTimeout time.Duration
	receiveTimeout time.Duration
	drainTimeout   time.Duration

	log *logger.Log
}

// Options configure a Bus; zero values fall back to the defaults.
type Options struct {
	Capacity       int
	PublishTimeout time.Duration
	ReceiveTimeout time.Duration
	DrainTimeout   time.Duration
}

func New(opts Options, log *logger.Log) *Bus {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = DefaultReceiveTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	b := &Bus{
		events:         make(chan models.Event, opts.Capacity),
		publishTimeout: opts.PublishTimeout,
		receiveTimeout: opts.ReceiveTimeout,
		drainTimeout:   opts.DrainTimeout,
		log:            log,
	}
	log.WithComponent("event_bus").WithFields(logger.Fields{
		"capacity":        opts.Capacity,
		"publish_timeout": opts.PublishTimeout,
	}).Info("event bus initialized")
	return b
}

// Start marks the bus as accepting events.
func (b *Bus) Start() {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	b.log.WithComponent("event_bus").Info("event bus started")
}

// Publish enqueues an event, waiting up to the publish timeout for space.
// It returns false without error when the bus is not running or the queue
// stayed full for the whole wait; saturation is lossy by contract and
// producers must not assume delivery.
func (b *Bus) Publish(ev models.Event) bool {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return false
	}

	select {
	case b.events <- ev:
		b.mu.Lock()
		b.stats.Published++
		b.mu.Unlock()
		return true
	default:
	}

	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.events <- ev:
		b.mu.Lock()
		b.stats.Published++
		b.mu.Unlock()
		return true
	case <-timer.C:
		b.mu.Lock()
		b.stats.Dropped++
		dropped := b.stats.Dropped
		b.mu.Unlock()
		logger.IncrementEventDropped()
		b.log.WithComponent("event_bus").WithFields(logger.Fields{
			"dropped_total": dropped,
		}).Warn("event bus full, dropping event")
		return false
	}
}

// Receive returns the next event, waiting up to the receive timeout. The
// second return value is false on timeout or when the bus is stopped.
func (b *Bus) Receive() (models.Event, bool) {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		// Let consumers drain anything still buffered after Stop began.
		select {
		case ev := <-b.events:
			return ev, true
		default:
			return nil, false
		}
	}

	timer := time.NewTimer(b.receiveTimeout)
	defer timer.Stop()
	select {
	case ev := <-b.events:
		b.mu.Lock()
		b.stats.Consumed++
		b.mu.Unlock()
		return ev, true
	case <-timer.C:
		return nil, false
	}
}

// Size returns the number of queued events.
func (b *Bus) Size() int {
	return len(b.events)
}

// Stop flips the bus to not running and discards whatever remains queued,
// bounded by the drain timeout.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	deadline := time.Now().Add(b.drainTimeout)
	drained := 0
	for time.Now().Before(deadline) {
		select {
		case <-b.events:
			drained++
		default:
			b.log.WithComponent("event_bus").WithFields(logger.Fields{
				"drained": drained,
			}).Info("event bus stopped")
			return
		}
	}
	b.log.WithComponent("event_bus").WithFields(logger.Fields{
		"drained":   drained,
		"remaining": len(b.events),
	}).Warn("event bus drain timeout exceeded")
}

// GetStats returns a snapshot of the traffic counters.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}
