package vxsdr

import (
	"math"
	"testing"
	"time"
)

func TestLinkStatsSummary(t *testing.T) {
	ls := NewLinkStats(4)
	s := ls.Summary()
	if s.Samples != 0 {
		t.Fatalf("empty tracker should report 0 samples, got %d", s.Samples)
	}

	for _, d := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond} {
		ls.ObserveRoundTrip(d)
	}
	s = ls.Summary()
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	wantMean := float64((10000 + 20000 + 30000)) / 3
	if math.Abs(s.RoundTripMeanMicros-wantMean) > 1e-6 {
		t.Errorf("RoundTripMeanMicros = %v, want %v", s.RoundTripMeanMicros, wantMean)
	}
}

func TestLinkStatsBoundedWindow(t *testing.T) {
	ls := NewLinkStats(2)
	ls.ObserveFillPercent(10)
	ls.ObserveFillPercent(20)
	ls.ObserveFillPercent(30) // should evict the 10

	s := ls.Summary()
	if s.FillPercentMean != 25 {
		t.Fatalf("FillPercentMean = %v, want 25 (window should have dropped the oldest sample)", s.FillPercentMean)
	}
}
