// Package window keeps a bounded per-symbol history of bars for the trading
// pipeline, merging REST backfill after connection outages.
package window

import (
	"sort"
	"sync"
	"time"

	"quoteflow/logger"
	"quoteflow/models"
)

const (
	DefaultSize          = 200
	DefaultDedupLookback = 10
)

// Store holds one bounded ascending-by-timestamp buffer per symbol. The
// oldest entry is evicted when a buffer grows past the configured size.
type Store struct {
	mu      sync.RWMutex
	windows map[string][]models.Bar

	size          int
	dedupLookback int
	log           *logger.Log
}

// New creates a Store. Non-positive arguments fall back to the defaults.
func New(size, dedupLookback int, log *logger.Log) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	if dedupLookback <= 0 {
		dedupLookback = DefaultDedupLookback
	}
	return &Store{
		windows:       make(map[string][]models.Bar),
		size:          size,
		dedupLookback: dedupLookback,
		log:           log,
	}
}

// OnBar appends a live bar to the symbol's window and returns a copy of the
// current window in ascending timestamp order.
func (s *Store) OnBar(symbol string, bar models.Bar) []models.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.insertLocked(symbol, bar)
	out := make([]models.Bar, len(w))
	copy(out, w)
	return out
}

// insertLocked places bar in timestamp order, tolerating slight reordering
// from the channel, and evicts the oldest entry past capacity. A bar whose
// timestamp is already present replaces the existing entry so venue bar
// corrections do not duplicate timestamps.
func (s *Store) insertLocked(symbol string, bar models.Bar) []models.Bar {
	w := s.windows[symbol]
	idx := sort.Search(len(w), func(i int) bool {
		return w[i].Timestamp.After(bar.Timestamp)
	})
	if idx > 0 && w[idx-1].Timestamp.Equal(bar.Timestamp) {
		w[idx-1] = bar
		s.windows[symbol] = w
		return w
	}
	if idx == len(w) {
		w = append(w, bar)
	} else {
		w = append(w, models.Bar{})
		copy(w[idx+1:], w[idx:])
		w[idx] = bar
	}
	if len(w) > s.size {
		w = append(w[:0], w[len(w)-s.size:]...)
	}
	s.windows[symbol] = w
	return w
}

// AddHistoricalBars merges backfilled bars into the symbol's window. A bar is
// skipped when its timestamp already appears among the most recent lookback
// entries; the bounded scan keeps the merge cheap while tolerating slight
// reordering from backfill.
func (s *Store) AddHistoricalBars(symbol string, bars []models.Bar) {
	if len(bars) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, bar := range bars {
		if s.seenRecentlyLocked(symbol, bar.Timestamp) {
			continue
		}
		s.insertLocked(symbol, bar)
		added++
	}

	s.log.WithComponent("window_store").WithFields(logger.Fields{
		"symbol":   symbol,
		"offered":  len(bars),
		"added":    added,
		"window":   len(s.windows[symbol]),
		"capacity": s.size,
	}).Debug("merged historical bars")
}

func (s *Store) seenRecentlyLocked(symbol string, ts time.Time) bool {
	w := s.windows[symbol]
	start := len(w) - s.dedupLookback
	if start < 0 {
		start = 0
	}
	for _, b := range w[start:] {
		if b.Timestamp.Equal(ts) {
			return true
		}
	}
	return false
}

// Bars returns a copy of the symbol's window in ascending timestamp order.
func (s *Store) Bars(symbol string) []models.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.windows[symbol]
	out := make([]models.Bar, len(w))
	copy(out, w)
	return out
}

// BarCount returns the number of buffered bars for symbol.
func (s *Store) BarCount(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows[symbol])
}

// HasSufficientData reports whether at least n bars are buffered for symbol.
func (s *Store) HasSufficientData(symbol string, n int) bool {
	return s.BarCount(symbol) >= n
}

// ClearSymbol drops the window for one symbol.
func (s *Store) ClearSymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, symbol)
}

// ClearAll drops every window.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string][]models.Bar)
}
