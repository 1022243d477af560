package ffmpeg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time resource snapshot of a transcoder process.
type ProcessStats struct {
	PID            int           `json:"pid"`
	CPUPercent     float64       `json:"cpu_percent"`
	MemoryRSSBytes uint64        `json:"memory_rss_bytes"`
	MemoryRSSMB    float64       `json:"memory_rss_mb"`
	MemoryPercent  float32       `json:"memory_percent"`
	StartedAt      time.Time     `json:"started_at"`
	Uptime         time.Duration `json:"uptime"`
	LastSampled    time.Time     `json:"last_sampled"`
}

// ProcessMonitor periodically samples CPU and memory usage of a spawned
// ffmpeg process. Samples survive process exit, so the last reading stays
// available while the supervisor decides what to do next.
type ProcessMonitor struct {
	pid       int
	startedAt time.Time
	interval  time.Duration
	started   atomic.Bool

	mu    sync.RWMutex
	stats ProcessStats

	// proc is touched only by the sampling goroutine.
	proc *process.Process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a monitor for the given PID sampling once per
// second.
func NewProcessMonitor(pid int) *ProcessMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessMonitor{
		pid:       pid,
		startedAt: time.Now(),
		interval:  time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithInterval sets the sampling cadence. Call before Start.
func (pm *ProcessMonitor) WithInterval(d time.Duration) *ProcessMonitor {
	pm.interval = d
	return pm
}

// Start begins sampling in the background. Later calls are no-ops; a
// stopped monitor stays stopped.
func (pm *ProcessMonitor) Start() {
	if !pm.started.CompareAndSwap(false, true) {
		return
	}
	pm.wg.Add(1)
	go pm.loop()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (pm *ProcessMonitor) Stop() {
	pm.cancel()
	pm.wg.Wait()
}

// Stats returns the most recent sample.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.stats
}

func (pm *ProcessMonitor) loop() {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		pm.sample()
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sample reads the process outside the lock (gopsutil hits /proc) and
// publishes the result in one short critical section. Readings that fail,
// typically because the process exited, keep their previous values.
func (pm *ProcessMonitor) sample() {
	now := time.Now()

	pm.mu.RLock()
	snap := pm.stats
	pm.mu.RUnlock()

	snap.PID = pm.pid
	snap.StartedAt = pm.startedAt
	snap.Uptime = now.Sub(pm.startedAt)
	snap.LastSampled = now

	if proc := pm.handle(); proc != nil {
		// Percent measures CPU used since the previous call on the same
		// handle, so the first sample reads 0 and later ones cover the
		// tick window.
		if cpu, err := proc.Percent(0); err == nil {
			snap.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			snap.MemoryRSSBytes = mem.RSS
			snap.MemoryRSSMB = float64(mem.RSS) / (1 << 20)
		}
		if pct, err := proc.MemoryPercent(); err == nil {
			snap.MemoryPercent = pct
		}
	}

	pm.mu.Lock()
	pm.stats = snap
	pm.mu.Unlock()
}

// handle lazily creates the process handle. CPU deltas only make sense
// against one handle, so it is created once and reused.
func (pm *ProcessMonitor) handle() *process.Process {
	if pm.proc == nil {
		if p, err := process.NewProcess(int32(pm.pid)); err == nil {
			pm.proc = p
		}
	}
	return pm.proc
}
