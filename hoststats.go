package vxsdr

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSample is one sampled host-resource snapshot, surfaced next to
// transport stats so an operator can tell whether host contention, not
// the device, is causing throttling.
type HostSample struct {
	CPUPercent float64
	MemPercent float64
	Load1      float64
	Load5      float64
	Load15     float64
	Timestamp  time.Time
}

// HostStatsTracker periodically samples host CPU/memory/load on a
// ticker and keeps the latest snapshot.
type HostStatsTracker struct {
	log      *Logger
	interval time.Duration

	mu      sync.RWMutex
	latest  HostSample
	running bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewHostStatsTracker constructs a tracker sampling at interval (default
// 1s).
func NewHostStatsTracker(interval time.Duration, log *Logger) *HostStatsTracker {
	if log == nil {
		log = defaultLogger
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &HostStatsTracker{log: log, interval: interval, stopChan: make(chan struct{})}
}

// Start begins the sampling goroutine.
func (t *HostStatsTracker) Start() {
	if t.running {
		return
	}
	t.running = true
	t.wg.Add(1)
	go t.sampleLoop()
	t.log.Infof("host stats tracker started (interval %s)", t.interval)
}

func (t *HostStatsTracker) sampleLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.sampleOnce()
		}
	}
}

func (t *HostStatsTracker) sampleOnce() {
	sample := HostSample{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	} else if err != nil {
		t.log.Warnf("hoststats: cpu.Percent: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemPercent = vm.UsedPercent
	} else {
		t.log.Warnf("hoststats: mem.VirtualMemory: %v", err)
	}

	if avg, err := load.Avg(); err == nil {
		sample.Load1, sample.Load5, sample.Load15 = avg.Load1, avg.Load5, avg.Load15
	} else {
		t.log.Warnf("hoststats: load.Avg: %v", err)
	}

	t.mu.Lock()
	t.latest = sample
	t.mu.Unlock()
}

// Latest returns the most recently sampled host snapshot.
func (t *HostStatsTracker) Latest() HostSample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// Stop shuts down the sampling goroutine.
func (t *HostStatsTracker) Stop() {
	if !t.running {
		return
	}
	t.running = false
	close(t.stopChan)
	t.wg.Wait()
}
