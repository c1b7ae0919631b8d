package vxsdr

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LinkStats keeps a rolling window of round-trip latency and
// fill-percent samples and reports their mean/variance.
type LinkStats struct {
	mu         sync.Mutex
	capacity   int
	latencies  []float64
	fillHist   []float64
}

// NewLinkStats constructs a tracker holding up to capacity samples of
// each series (oldest dropped first).
func NewLinkStats(capacity int) *LinkStats {
	if capacity <= 0 {
		capacity = 256
	}
	return &LinkStats{capacity: capacity}
}

// ObserveRoundTrip records one SendCommand round-trip latency.
func (l *LinkStats) ObserveRoundTrip(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latencies = pushBounded(l.latencies, float64(d.Microseconds()), l.capacity)
}

// ObserveFillPercent records one tx_buffer_fill_percent sample.
func (l *LinkStats) ObserveFillPercent(pct uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fillHist = pushBounded(l.fillHist, float64(pct), l.capacity)
}

func pushBounded(s []float64, v float64, capacity int) []float64 {
	s = append(s, v)
	if len(s) > capacity {
		s = s[len(s)-capacity:]
	}
	return s
}

// LinkSummary is the mean/variance snapshot exposed to monitor.go.
type LinkSummary struct {
	RoundTripMeanMicros float64
	RoundTripStddev     float64
	FillPercentMean     float64
	FillPercentStddev   float64
	Samples             int
}

// Summary computes the current mean/standard-deviation of both series
// using gonum/stat, returning zeroes when there's not yet any data.
func (l *LinkStats) Summary() LinkSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s LinkSummary
	s.Samples = len(l.latencies)
	if len(l.latencies) > 0 {
		s.RoundTripMeanMicros, s.RoundTripStddev = stat.MeanStdDev(l.latencies, nil)
	}
	if len(l.fillHist) > 0 {
		s.FillPercentMean, s.FillPercentStddev = stat.MeanStdDev(l.fillHist, nil)
	}
	return s
}
