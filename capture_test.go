package vxsdr

import (
	"bytes"
	"path/filepath"
	"testing"
)

// TestWithCaptureMirrorsBothDirections checks that a wrapped backend
// records sent and received packets in wire order.
func TestWithCaptureMirrorsBothDirections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.zst")
	cap, err := NewCapture(path, 0)
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}

	be := newLoopbackBackend()
	wrapped := WithCapture(be, cap, NewLogger(LevelOff))

	sent := (&Packet{Header: Header{PacketType: PacketDeviceCmd, Command: CmdHello}}).Marshal()
	if err := wrapped.Send(sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rsp := (&Packet{Header: Header{PacketType: PacketDeviceCmdRsp, Command: CmdHello}}).Marshal()
	be.deliver(rsp)
	got, err := wrapped.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, rsp) {
		t.Fatalf("Receive returned %v, want %v", got, rsp)
	}

	wrapped.Close()
	if err := cap.Close(); err != nil {
		t.Fatalf("capture Close: %v", err)
	}

	replayed, err := ReplayCapture(path)
	if err != nil {
		t.Fatalf("ReplayCapture: %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("replayed %d packets, want 2", len(replayed))
	}
	if !bytes.Equal(replayed[0], sent) || !bytes.Equal(replayed[1], rsp) {
		t.Fatal("replayed packets do not match the mirrored wire traffic")
	}
}

func TestCaptureRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.zst")
	cap, err := NewCapture(path, 0)
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}

	pkts := [][]byte{
		{1, 2, 3},
		(&Packet{Header: Header{PacketType: PacketDeviceCmd, Command: CmdHello}}).Marshal(),
		{},
	}
	for i, p := range pkts {
		if err := cap.Write(p); err != nil {
			t.Fatalf("Write packet %d: %v", i, err)
		}
	}
	if err := cap.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReplayCapture(path)
	if err != nil {
		t.Fatalf("ReplayCapture: %v", err)
	}
	if len(got) != len(pkts) {
		t.Fatalf("replayed %d packets, want %d", len(got), len(pkts))
	}
	for i := range pkts {
		if !bytes.Equal(got[i], pkts[i]) {
			t.Errorf("packet %d = %v, want %v", i, got[i], pkts[i])
		}
	}
}
