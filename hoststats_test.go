package vxsdr

import (
	"testing"
	"time"
)

func TestHostStatsTrackerSamplesAndStops(t *testing.T) {
	tr := NewHostStatsTracker(10*time.Millisecond, NewLogger(LevelOff))
	tr.Start()
	defer tr.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !tr.Latest().Timestamp.IsZero() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("tracker never produced a sample within 2s")
}

func TestHostStatsTrackerStartIsIdempotent(t *testing.T) {
	tr := NewHostStatsTracker(10*time.Millisecond, NewLogger(LevelOff))
	tr.Start()
	tr.Start() // must not spawn a second goroutine or panic on double-close
	tr.Stop()
}
