package limits

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/quickio/quickio/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard enforces static resource limits before a connection is
// admitted.
//
// Philosophy: static configuration, strict enforcement, no
// auto-calculation. The guard samples host CPU and process memory in
// the background and the accept path only reads atomics, so admission
// checks cost nanoseconds.
type ResourceGuard struct {
	cpuRejectThreshold float64
	memoryLimit        int64 // bytes, 0 = unlimited
	logger             zerolog.Logger

	currentCPU    atomic.Value // float64, percent
	currentMemory atomic.Int64 // bytes
}

// NewResourceGuard creates a guard with the given thresholds.
func NewResourceGuard(cpuRejectThreshold float64, memoryLimit int64, logger zerolog.Logger) *ResourceGuard {
	g := &ResourceGuard{
		cpuRejectThreshold: cpuRejectThreshold,
		memoryLimit:        memoryLimit,
		logger:             logger.With().Str("component", "resource_guard").Logger(),
	}
	g.currentCPU.Store(0.0)
	return g
}

// StartMonitoring launches the background sampling loop. It exits when
// ctx is cancelled.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		defer monitoring.RecoverPanic(g.logger, "resourceGuard", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (g *ResourceGuard) sample() {
	// Non-blocking sample: percent since the previous call.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		g.currentCPU.Store(percents[0])
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	g.currentMemory.Store(int64(ms.HeapAlloc + ms.StackInuse))
}

// ShouldAccept reports whether a new connection may be admitted, with
// the rejection reason when not.
func (g *ResourceGuard) ShouldAccept() (bool, string) {
	if g.cpuRejectThreshold > 0 {
		if cpuPct, ok := g.currentCPU.Load().(float64); ok && cpuPct > g.cpuRejectThreshold {
			return false, "cpu_above_threshold"
		}
	}
	if g.memoryLimit > 0 && g.currentMemory.Load() > g.memoryLimit {
		return false, "memory_above_limit"
	}
	return true, ""
}

// CurrentCPU returns the last sampled CPU percentage.
func (g *ResourceGuard) CurrentCPU() float64 {
	if v, ok := g.currentCPU.Load().(float64); ok {
		return v
	}
	return 0
}
