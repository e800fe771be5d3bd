package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"quoteflow/logger"
)

// resourceSnapshot is one sample of host-level utilisation served on the
// resources endpoint.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
}

// resourceSampler keeps the most recent sample current in the background so
// request handling never blocks on a CPU measurement interval.
type resourceSampler struct {
	interval time.Duration
	log      *logger.Log

	mu     sync.RWMutex
	last   resourceSnapshot
	filled bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newResourceSampler(interval time.Duration, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &resourceSampler{interval: interval, log: log}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *resourceSampler) latest() (resourceSnapshot, bool) {
	if s == nil {
		return resourceSnapshot{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.filled
}

func (s *resourceSampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *resourceSampler) sample(ctx context.Context) {
	snapshot := resourceSnapshot{Timestamp: time.Now()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snapshot.CPUPercent = percents[0]
	} else if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Debug("cpu sample failed")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snapshot.MemoryUsed = vm.Used
		snapshot.MemoryTotal = vm.Total
		snapshot.MemoryPct = vm.UsedPercent
	} else {
		s.log.WithComponent("dashboard").WithError(err).Debug("memory sample failed")
	}

	s.mu.Lock()
	s.last = snapshot
	s.filled = true
	s.mu.Unlock()
}
