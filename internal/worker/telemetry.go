package worker

import (
	"bytes"
	"context"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

const (
	bytesPerMB = 1 << 20

	// DefaultMemoryReportInterval is used when the descriptor leaves the
	// interval unset.
	DefaultMemoryReportInterval = 10 * time.Second
	// DefaultGCHighWaterPct is the heap-used percentage above which a
	// collection is requested.
	DefaultGCHighWaterPct = 80.0
)

// telemetry samples the runtime heap and tracks the peak seen
type telemetry struct {
	interval  time.Duration
	highWater float64
	ceilingMB float64

	mu     sync.Mutex
	peakMB float64
}

func newTelemetry(desc workerprotocol.Descriptor) *telemetry {
	t := &telemetry{
		interval:  time.Duration(desc.MemoryReportIntervalMs) * time.Millisecond,
		highWater: desc.GCHighWaterPct,
		ceilingMB: float64(desc.Limits.HeapLimitMB),
	}
	if t.interval <= 0 {
		t.interval = DefaultMemoryReportInterval
	}
	if t.highWater <= 0 {
		t.highWater = DefaultGCHighWaterPct
	}
	return t
}

// run emits a memory report every interval until ctx is done
func (t *telemetry) run(ctx context.Context, emit func(workerprotocol.Message)) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := t.sample()
			emit(report)
			if report.HeapUsedPct > t.highWater {
				runtime.GC()
			}
		}
	}
}

// sample reads current memory statistics and updates the peak
func (t *telemetry) sample() workerprotocol.MemoryReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	used := float64(ms.HeapAlloc) / bytesPerMB
	total := float64(ms.HeapSys) / bytesPerMB
	if t.ceilingMB > 0 {
		total = t.ceilingMB
	}

	var pct float64
	if total > 0 {
		pct = used / total * 100
	}

	rss := residentMB()
	if rss == 0 {
		rss = float64(ms.Sys) / bytesPerMB
	}

	t.mu.Lock()
	if used > t.peakMB {
		t.peakMB = used
	}
	t.mu.Unlock()

	return workerprotocol.MemoryReport{
		HeapUsedMB:  round2(used),
		HeapTotalMB: round2(total),
		HeapUsedPct: round2(pct),
		RSSMB:       round2(rss),
	}
}

// peak takes a final sample and returns the highest heap usage observed
func (t *telemetry) peak() float64 {
	t.sample()
	t.mu.Lock()
	defer t.mu.Unlock()
	return round2(t.peakMB)
}

// residentMB reads the resident set size from procfs. It returns 0 where
// procfs is not available.
func residentMB() float64 {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0
	}
	fields := bytes.Fields(data)
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return float64(pages*int64(os.Getpagesize())) / bytesPerMB
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
