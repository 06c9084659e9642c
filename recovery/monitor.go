package recovery

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/macaw2000/taskforge/observability"
)

// DegradationLevel is the system-wide load-shedding hint.
type DegradationLevel int

const (
	DegradationNone DegradationLevel = iota
	DegradationMinimal
	DegradationModerate
	DegradationSevere
)

func (l DegradationLevel) String() string {
	switch l {
	case DegradationNone:
		return "none"
	case DegradationMinimal:
		return "minimal"
	case DegradationModerate:
		return "moderate"
	case DegradationSevere:
		return "severe"
	default:
		return "unknown"
	}
}

const monitorInterval = 5 * time.Second

// Monitor samples memory and scheduling headroom every five seconds
// and derives the degradation level. It also owns the maintenance
// rate limiter the engine's periodic snapshot and integrity-check
// loops consult, tightening it as pressure rises.
type Monitor struct {
	mu        sync.RWMutex
	level     DegradationLevel
	listeners []func(DegradationLevel)

	log *logrus.Entry

	// Memory budget in bytes; heap allocation beyond fractions of this
	// moves the level up.
	memoryBudget uint64
	// Goroutine budget; a proxy for CPU scheduling pressure.
	goroutineBudget int

	maintenance *rate.Limiter

	// sample is swappable so tests can drive levels directly.
	sample func() (heapBytes uint64, goroutines int)
}

// NewMonitor builds a Monitor with the given budgets. Zero budgets
// fall back to 1 GiB and 10 000 goroutines.
func NewMonitor(memoryBudget uint64, goroutineBudget int, log *logrus.Entry) *Monitor {
	if memoryBudget == 0 {
		memoryBudget = 1 << 30
	}
	if goroutineBudget <= 0 {
		goroutineBudget = 10_000
	}
	return &Monitor{
		log:             log,
		memoryBudget:    memoryBudget,
		goroutineBudget: goroutineBudget,
		maintenance:     rate.NewLimiter(rate.Every(time.Second), 10),
		sample: func() (uint64, int) {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc, runtime.NumGoroutine()
		},
	}
}

// Run samples on the monitor interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	m.mu.RLock()
	sample := m.sample
	m.mu.RUnlock()

	heap, goroutines := sample()
	memFrac := float64(heap) / float64(m.memoryBudget)
	schedFrac := float64(goroutines) / float64(m.goroutineBudget)
	pressure := memFrac
	if schedFrac > pressure {
		pressure = schedFrac
	}

	level := DegradationNone
	switch {
	case pressure >= 0.95:
		level = DegradationSevere
	case pressure >= 0.85:
		level = DegradationModerate
	case pressure >= 0.70:
		level = DegradationMinimal
	}
	m.setLevel(level)
}

func (m *Monitor) setLevel(level DegradationLevel) {
	m.mu.Lock()
	changed := level != m.level
	m.level = level
	listeners := append([]func(DegradationLevel){}, m.listeners...)

	// Tighter maintenance budget as pressure rises.
	switch level {
	case DegradationNone:
		m.maintenance.SetLimit(rate.Every(time.Second))
		m.maintenance.SetBurst(10)
	case DegradationMinimal:
		m.maintenance.SetLimit(rate.Every(5 * time.Second))
		m.maintenance.SetBurst(5)
	case DegradationModerate:
		m.maintenance.SetLimit(rate.Every(30 * time.Second))
		m.maintenance.SetBurst(2)
	case DegradationSevere:
		m.maintenance.SetLimit(rate.Every(5 * time.Minute))
		m.maintenance.SetBurst(1)
	}
	m.mu.Unlock()

	observability.DegradationLevel.Set(float64(level))
	if changed {
		m.log.WithField("level", level.String()).Info("degradation level changed")
		for _, fn := range listeners {
			fn(level)
		}
	}
}

// Level returns the current degradation level.
func (m *Monitor) Level() DegradationLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Overloaded reports whether new work should be refused outright.
func (m *Monitor) Overloaded() bool {
	return m.Level() == DegradationSevere
}

// AllowMaintenance consumes one token from the maintenance budget.
// Periodic snapshot writes and integrity checks skip their turn when
// the budget is exhausted.
func (m *Monitor) AllowMaintenance() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maintenance.Allow()
}

// OnChange registers a callback fired when the level moves.
func (m *Monitor) OnChange(fn func(DegradationLevel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetSampler overrides the resource sampler (tests).
func (m *Monitor) SetSampler(fn func() (uint64, int)) {
	m.mu.Lock()
	m.sample = fn
	m.mu.Unlock()
}

// ForceLevel drives the level directly (tests and operator tooling).
func (m *Monitor) ForceLevel(level DegradationLevel) { m.setLevel(level) }
