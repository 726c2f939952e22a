package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemMetrics tracks the hub's Go runtime memory stats and the host's
// overall CPU utilization, exposed at /metrics/system for operators. This is self-introspection of the hub
// binary, not the robot fleet's out-of-scope system-statistics sampler.
type SystemMetrics struct {
	mu          sync.RWMutex
	cpuPercent  float64
	memoryStats runtime.MemStats
	updatedAt   time.Time
}

// NewSystemMetrics creates a system metrics tracker and takes an initial
// sample.
func NewSystemMetrics() *SystemMetrics {
	sm := &SystemMetrics{}
	sm.Update()
	return sm
}

// Update refreshes both the Go runtime memory stats and the host-wide CPU
// percentage (all CPUs combined, not this process alone). CPU sampling blocks for up to one second (cpu.Percent's
// interval argument); callers should invoke this from a periodic ticker
// goroutine, never from a request path.
func (sm *SystemMetrics) Update() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	percents, err := cpu.Percent(time.Second, false)
	cur := 0.0
	if err == nil && len(percents) > 0 {
		cur = percents[0]
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.memoryStats = mem
	if sm.cpuPercent == 0 {
		sm.cpuPercent = cur
	} else {
		const alpha = 0.3 // exponential moving average smoothing
		sm.cpuPercent = alpha*cur + (1-alpha)*sm.cpuPercent
	}
	sm.updatedAt = time.Now()
}

// Snapshot returns a point-in-time view suitable for JSON encoding.
func (sm *SystemMetrics) Snapshot() map[string]interface{} {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return map[string]interface{}{
		"cpu_percent": sm.cpuPercent,
		"goroutines":  runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"heap_alloc_mb": float64(sm.memoryStats.HeapAlloc) / 1024 / 1024,
			"heap_sys_mb":   float64(sm.memoryStats.HeapSys) / 1024 / 1024,
			"sys_total_mb":  float64(sm.memoryStats.Sys) / 1024 / 1024,
			"gc_count":      sm.memoryStats.NumGC,
		},
		"updated_at": sm.updatedAt,
	}
}

// Run periodically refreshes the sample until stop is closed.
func (sm *SystemMetrics) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sm.Update()
		}
	}
}
