package vxsdr

import (
	"errors"
	"testing"
	"time"
)

func newTestCommandTransport(t *testing.T) (*CommandTransport, *loopbackBackend) {
	t.Helper()
	be := newLoopbackBackend()
	ct := NewCommandTransport(be, NewLogger(LevelOff))
	t.Cleanup(func() { ct.Close() })
	return ct, be
}

// TestHelloRoundTrip: a zero-payload DEVICE_CMD HELLO
// request gets a correlated DEVICE_CMD_RSP back with its payload intact.
func TestHelloRoundTrip(t *testing.T) {
	ct, be := newTestCommandTransport(t)

	go func() {
		raw := <-be.tx
		req, err := DecodePacket(raw)
		if err != nil {
			t.Errorf("device: decode request: %v", err)
			return
		}
		if req.Header.PacketType != PacketDeviceCmd || req.Header.Command != CmdHello {
			t.Errorf("device: unexpected request %+v", req.Header)
		}
		rsp := &Packet{
			Header:  Header{PacketType: PacketDeviceCmdRsp, Command: CmdHello},
			Payload: EncodeUint32Payload(1, 2, 3, 4, 5, 6),
		}
		be.deliver(rsp.Marshal())
	}()

	req := &Packet{Header: Header{PacketType: PacketDeviceCmd, Command: CmdHello, PacketSize: HeaderSize}}
	rsp, err := ct.SendCommand(req, time.Second)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	vals, err := DecodeUint32Payload(rsp.Payload, 6)
	if err != nil {
		t.Fatalf("decode response payload: %v", err)
	}
	for i, want := range []uint32{1, 2, 3, 4, 5, 6} {
		if vals[i] != want {
			t.Errorf("vals[%d] = %d, want %d", i, vals[i], want)
		}
	}
}

// TestSequenceErrorDetection: injecting sequence
// counters [0, 1, 3] must increment sequence_errors exactly once, set
// rx_state to Error, and still deliver the packet carrying sequence 3.
func TestSequenceErrorDetection(t *testing.T) {
	ct, be := newTestCommandTransport(t)

	for i, seq := range []uint16{0, 1, 3} {
		pkt := &Packet{Header: Header{PacketType: PacketAsyncMsg, Command: uint8(i), SequenceCounter: seq}}
		be.deliver(pkt.Marshal())
	}

	var got []*Packet
	for i := 0; i < 3; i++ {
		p, ok := ct.PopAsync(time.Second)
		if !ok {
			t.Fatalf("expected 3 async messages, got %d", i)
		}
		got = append(got, p)
	}
	if len(got) != 3 {
		t.Fatalf("got %d async messages, want 3", len(got))
	}
	if got[2].Header.SequenceCounter != 3 {
		t.Fatalf("third message sequence = %d, want 3 (must not be dropped)", got[2].Header.SequenceCounter)
	}
	if ct.rx.sequenceErrors.Load() != 1 {
		t.Fatalf("sequenceErrors = %d, want 1", ct.rx.sequenceErrors.Load())
	}
	if ct.rxState.Load() != StateError {
		t.Fatalf("rxState = %v, want Error", ct.rxState.Load())
	}
}

// TestCommandTimeout: a silent device causes
// SendCommand to time out within the configured bound, leaving no
// lingering packet in command_queue.
func TestCommandTimeout(t *testing.T) {
	ct, _ := newTestCommandTransport(t)

	req := &Packet{Header: Header{PacketType: PacketDeviceCmd, Command: CmdHello}}
	start := time.Now()
	_, err := ct.SendCommand(req, 200*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed < 200*time.Millisecond || elapsed > 400*time.Millisecond {
		t.Fatalf("SendCommand returned after %s, want in [200ms, 400ms]", elapsed)
	}
	time.Sleep(20 * time.Millisecond) // let the sender goroutine finish draining
	if ct.commandQueue.Len() != 0 {
		t.Fatalf("command_queue has %d lingering packets, want 0", ct.commandQueue.Len())
	}
}

// TestCommandCorrelationMismatch: a response whose opcode
// does not match the request's must surface as a correlation error.
func TestCommandCorrelationMismatch(t *testing.T) {
	ct, be := newTestCommandTransport(t)

	go func() {
		<-be.tx
		rsp := &Packet{Header: Header{PacketType: PacketDeviceCmdRsp, Command: 0x7f}}
		be.deliver(rsp.Marshal())
	}()

	req := &Packet{Header: Header{PacketType: PacketDeviceCmd, Command: CmdHello}}
	_, err := ct.SendCommand(req, time.Second)
	if !errors.Is(err, ErrCorrelation) {
		t.Fatalf("err = %v, want ErrCorrelation", err)
	}
}

// TestCommandErrorResponse: a device _ERR response surfaces as a
// CommandError alongside the decoded packet.
func TestCommandErrorResponse(t *testing.T) {
	ct, be := newTestCommandTransport(t)

	go func() {
		<-be.tx
		rsp := &Packet{
			Header:  Header{PacketType: PacketDeviceCmdErr, Command: CmdHello},
			Payload: EncodeUint32Payload(uint32(CmdErrBusy)),
		}
		be.deliver(rsp.Marshal())
	}()

	req := &Packet{Header: Header{PacketType: PacketDeviceCmd, Command: CmdHello}}
	rsp, err := ct.SendCommand(req, time.Second)
	if rsp == nil {
		t.Fatal("expected a non-nil response alongside the CommandError")
	}
	var cmdErr CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want a CommandError", err)
	}
	if cmdErr != CmdErrBusy {
		t.Fatalf("cmdErr = %v, want BUSY", cmdErr)
	}
}

// TestSingleInFlightCommand: two concurrent SendCommand
// calls never have more than one request outstanding at a time.
func TestSingleInFlightCommand(t *testing.T) {
	ct, be := newTestCommandTransport(t)

	respond := func(cmd uint8) {
		raw := <-be.tx
		req, _ := DecodePacket(raw)
		time.Sleep(20 * time.Millisecond) // hold the in-flight slot briefly
		rsp := &Packet{Header: Header{PacketType: PacketDeviceCmdRsp, Command: req.Header.Command}}
		be.deliver(rsp.Marshal())
		_ = cmd
	}
	go respond(0)
	go respond(1)

	done := make(chan error, 2)
	go func() {
		_, err := ct.SendCommand(&Packet{Header: Header{PacketType: PacketDeviceCmd, Command: 0}}, time.Second)
		done <- err
	}()
	go func() {
		_, err := ct.SendCommand(&Packet{Header: Header{PacketType: PacketDeviceCmd, Command: 1}}, time.Second)
		done <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("SendCommand: %v", err)
		}
	}
}
