package vxsdr

import (
	"testing"
	"time"
)

func newTestDataTransport(t *testing.T, cfg DataTransportConfig) (*DataTransport, *loopbackBackend) {
	t.Helper()
	be := newLoopbackBackend()
	dt, err := NewDataTransport(be, cfg, NewLogger(LevelOff))
	if err != nil {
		t.Fatalf("NewDataTransport: %v", err)
	}
	t.Cleanup(func() { dt.Close() })
	return dt, be
}

func drainSentPackets(t *testing.T, be *loopbackBackend, n int) []Packet {
	t.Helper()
	out := make([]Packet, 0, n)
	for i := 0; i < n; i++ {
		select {
		case raw := <-be.tx:
			p, err := DecodePacket(raw)
			if err != nil {
				t.Fatalf("decode sent packet %d: %v", i, err)
			}
			out = append(out, p)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for sent packet %d of %d", i, n)
		}
	}
	return out
}

// TestFragmentation: 5000 samples with
// max_samples_per_packet=2048 and granularity 1 yields exactly three TX
// data packets sized 2048, 2048, 904 samples with consecutive sequence
// counters.
func TestFragmentation(t *testing.T) {
	dt, be := newTestDataTransport(t, DataTransportConfig{
		SampleGranularity:   1,
		NumRxSubdevs:        1,
		MaxSamplesPerPacket: 2048,
		Throttle:            ThrottleConfig{Enabled: false},
	})

	samples := make([]Sample, 5000)
	for i := range samples {
		samples[i] = Sample{I: int16(i), Q: int16(-i)}
	}

	n := dt.PutTxData(samples, time.Second)
	if n != 5000 {
		t.Fatalf("PutTxData placed %d samples, want 5000", n)
	}

	pkts := drainSentPackets(t, be, 3)
	wantCounts := []int{2048, 2048, 904}
	firstSeq := pkts[0].Header.SequenceCounter
	for i, p := range pkts {
		got := len(DecodeSamples(p.Payload))
		if got != wantCounts[i] {
			t.Errorf("packet %d has %d samples, want %d", i, got, wantCounts[i])
		}
		wantSeq := firstSeq + uint16(i)
		if p.Header.SequenceCounter != wantSeq {
			t.Errorf("packet %d sequence = %d, want %d", i, p.Header.SequenceCounter, wantSeq)
		}
	}
}

// TestThrottleTransitions: feeding synthetic acks with
// fill percentages [10, 50, 85, 95, 70, 55, 40] must drive the throttle
// state trace NONE, NONE, NORMAL, HARD, NORMAL, NONE, NONE.
func TestThrottleTransitions(t *testing.T) {
	dt, be := newTestDataTransport(t, DataTransportConfig{
		SampleGranularity:   1,
		NumRxSubdevs:        1,
		MaxSamplesPerPacket: 2048,
		Throttle:            DefaultUDPThrottle(),
	})

	// In HARD state the sender emits a header-only ack request every tick;
	// drain them so Send never blocks on the loopback channel.
	go func() {
		for {
			select {
			case <-be.tx:
			case <-be.closed:
				return
			}
		}
	}()

	fills := []uint32{10, 50, 85, 95, 70, 55, 40}
	want := []ThrottleState{ThrottleNone, ThrottleNone, ThrottleNormal, ThrottleHard, ThrottleNormal, ThrottleNone, ThrottleNone}

	for i, fill := range fills {
		ack := &Packet{
			Header:  Header{PacketType: PacketTxSignalDataAck, SequenceCounter: uint16(i)},
			Payload: EncodeUint32Payload(0, 0, 0, fill, 100, 0),
		}
		be.deliver(ack.Marshal())

		deadline := time.Now().Add(time.Second)
		var state ThrottleState
		for time.Now().Before(deadline) {
			state = dt.ThrottleStateNow()
			if state == want[i] {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		if state != want[i] {
			t.Fatalf("after fill=%d: throttle state = %v, want %v", fill, state, want[i])
		}
	}
}

// TestGetRxDataLeftoverConsistency: samples delivered across
// packet boundaries are returned in order, and any tail samples a call
// didn't need are held in the leftover ring for the next call.
func TestGetRxDataLeftoverConsistency(t *testing.T) {
	dt, be := newTestDataTransport(t, DataTransportConfig{
		SampleGranularity:   1,
		NumRxSubdevs:        1,
		MaxSamplesPerPacket: 2048,
		Throttle:            ThrottleConfig{Enabled: false},
	})

	all := make([]Sample, 10)
	for i := range all {
		all[i] = Sample{I: int16(i), Q: int16(i * 2)}
	}

	pkt := &Packet{
		Header:  Header{PacketType: PacketRxSignalData, SequenceCounter: 0},
		Payload: EncodeSamples(all),
	}
	be.deliver(pkt.Marshal())

	out := make([]Sample, 6)
	n, err := dt.GetRxData(out, 0, time.Second)
	if err != nil {
		t.Fatalf("first GetRxData: %v", err)
	}
	if n != 6 {
		t.Fatalf("first GetRxData delivered %d, want 6", n)
	}
	for i := 0; i < 6; i++ {
		if out[i] != all[i] {
			t.Errorf("out[%d] = %+v, want %+v", i, out[i], all[i])
		}
	}

	out2 := make([]Sample, 4)
	n2, err := dt.GetRxData(out2, 0, time.Second)
	if err != nil {
		t.Fatalf("second GetRxData: %v", err)
	}
	if n2 != 4 {
		t.Fatalf("second GetRxData delivered %d, want 4 (should drain leftover ring)", n2)
	}
	for i := 0; i < 4; i++ {
		if out2[i] != all[6+i] {
			t.Errorf("out2[%d] = %+v, want %+v", i, out2[i], all[6+i])
		}
	}
}

// TestGetRxDataSubdeviceOutOfRange: RX data requested for an unknown
// subdevice is rejected rather than silently accepted.
func TestGetRxDataSubdeviceOutOfRange(t *testing.T) {
	dt, _ := newTestDataTransport(t, DataTransportConfig{NumRxSubdevs: 2})
	out := make([]Sample, 1)
	if _, err := dt.GetRxData(out, 5, time.Second); err == nil {
		t.Fatal("expected an error for an out-of-range subdevice")
	}
}

// TestGetRxDataTimeout ensures a call that can't be fully satisfied
// returns the partial count alongside ErrTimeout rather than blocking
// forever.
func TestGetRxDataTimeout(t *testing.T) {
	dt, _ := newTestDataTransport(t, DataTransportConfig{NumRxSubdevs: 1})
	out := make([]Sample, 4)
	n, err := dt.GetRxData(out, 0, 100*time.Millisecond)
	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

// TestShutdownOrdering: closing the transport while the
// RX side is live makes the sender emit one header-only REQUEST_ACK
// packet and hold ~20ms for the final stats ack before everything joins.
func TestShutdownOrdering(t *testing.T) {
	be := newLoopbackBackend()
	dt, err := NewDataTransport(be, DataTransportConfig{NumRxSubdevs: 1}, NewLogger(LevelOff))
	if err != nil {
		t.Fatalf("NewDataTransport: %v", err)
	}

	pkt := &Packet{
		Header:  Header{PacketType: PacketRxSignalData, SequenceCounter: 0},
		Payload: EncodeSamples([]Sample{{I: 1, Q: 2}}),
	}
	be.deliver(pkt.Marshal())

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- dt.Close() }()

	select {
	case raw := <-be.tx:
		final, err := DecodePacket(raw)
		if err != nil {
			t.Fatalf("decode final packet: %v", err)
		}
		if final.Header.PacketType != PacketTxSignalData {
			t.Errorf("final packet type = %v, want TX_SIGNAL_DATA", final.Header.PacketType)
		}
		if final.Header.Flags&FlagRequestAck == 0 {
			t.Error("final packet should carry REQUEST_ACK")
		}
		if len(final.Payload) != 0 {
			t.Errorf("final packet has %d payload bytes, want header-only", len(final.Payload))
		}
	case <-time.After(time.Second):
		t.Fatal("sender never emitted its final ack-request packet")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close never returned")
	}
	elapsed := time.Since(start)
	if elapsed < finalStatsWait {
		t.Errorf("Close returned after %s, want at least the %s stats wait", elapsed, finalStatsWait)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("Close took %s, want all goroutines joined well within 150ms", elapsed)
	}
}

// TestRxSignalDataUnknownSubdeviceDiscarded: a received packet naming a
// subdevice beyond num_rx_subdevs is dropped, not delivered.
func TestRxSignalDataUnknownSubdeviceDiscarded(t *testing.T) {
	dt, be := newTestDataTransport(t, DataTransportConfig{NumRxSubdevs: 1})

	pkt := &Packet{
		Header:  Header{PacketType: PacketRxSignalData, Subdevice: 0xFF, SequenceCounter: 0},
		Payload: EncodeSamples([]Sample{{I: 1, Q: 1}}),
	}
	be.deliver(pkt.Marshal())

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && dt.rx.dropped.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if dt.rx.dropped.Load() == 0 {
		t.Fatal("expected the out-of-range subdevice packet to be counted as dropped")
	}
}
