package vxsdr

import (
	"bytes"
	stdlog "log"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDeviceOpenHelloHandshake(t *testing.T) {
	cmdBe := newLoopbackBackend()
	dataBe := newLoopbackBackend()

	go func() {
		raw := <-cmdBe.tx
		req, err := DecodePacket(raw)
		if err != nil {
			t.Errorf("device: decode hello request: %v", err)
			return
		}
		if req.Header.Command != CmdHello {
			t.Errorf("device: expected HELLO, got command 0x%02x", req.Header.Command)
		}
		// sample_format word: granularity 1 in the shifted nibble, two
		// subdevices, 8192-byte max payload.
		rsp := &Packet{
			Header: Header{PacketType: PacketDeviceCmdRsp, Command: CmdHello},
			Payload: EncodeUint32Payload(
				0xD00D, 0x00010203, 0x00040506, 0xCAFEBABE,
				libraryPacketVersionEncoded(), 1<<sampleGranularityShift, 2, 8192,
			),
		}
		cmdBe.deliver(rsp.Marshal())
	}()

	dev, err := Open(DeviceConfig{
		CommandBackend: cmdBe,
		DataBackend:    dataBe,
		Log:            NewLogger(LevelOff),
		HelloTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	info := dev.Info()
	if info.DeviceID != 0xD00D {
		t.Errorf("DeviceID = %#x, want %#x", info.DeviceID, 0xD00D)
	}
	if info.NumSubdevices != 2 {
		t.Errorf("NumSubdevices = %d, want 2", info.NumSubdevices)
	}
	if info.SampleGranularity != 1 {
		t.Errorf("SampleGranularity = %d, want 1", info.SampleGranularity)
	}
}

func TestDeviceSendCommandRecordsLinkStats(t *testing.T) {
	cmdBe := newLoopbackBackend()
	dataBe := newLoopbackBackend()

	go func() {
		for i := 0; i < 2; i++ {
			raw := <-cmdBe.tx
			req, _ := DecodePacket(raw)
			rsp := &Packet{Header: Header{PacketType: PacketDeviceCmdRsp, Command: req.Header.Command}}
			if i == 0 {
				rsp.Payload = EncodeUint32Payload(1, 2, 3, 4, 5, 1<<sampleGranularityShift, 1, 8192)
			}
			cmdBe.deliver(rsp.Marshal())
		}
	}()

	dev, err := Open(DeviceConfig{CommandBackend: cmdBe, DataBackend: dataBe, Log: NewLogger(LevelOff)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	ls := NewLinkStats(8)
	dev.AttachLinkStats(ls)

	_, err = dev.SendCommand(&Packet{Header: Header{PacketType: PacketDeviceCmd, Command: 0x01}}, time.Second)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	s := ls.Summary()
	if s.Samples != 1 {
		t.Fatalf("Samples = %d, want 1 (SendCommand should have recorded a round trip)", s.Samples)
	}
}

// lockedBuffer serializes writes so transport goroutines can share the
// captured log output with the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestHelloVersionMismatchWarnsButSucceeds: a device
// reporting an older packet version draws a warning, not a failed
// handshake.
func TestHelloVersionMismatchWarnsButSucceeds(t *testing.T) {
	cmdBe := newLoopbackBackend()
	dataBe := newLoopbackBackend()

	var captured lockedBuffer
	logger := &Logger{level: LevelWarn, out: stdlog.New(&captured, "", 0)}

	go func() {
		<-cmdBe.tx
		rsp := &Packet{
			Header: Header{PacketType: PacketDeviceCmdRsp, Command: CmdHello},
			// packet version 0.9.9, older than the library's
			Payload: EncodeUint32Payload(1, 2, 3, 4, 909, 1<<sampleGranularityShift, 1, 8192),
		}
		cmdBe.deliver(rsp.Marshal())
	}()

	dev, err := Open(DeviceConfig{CommandBackend: cmdBe, DataBackend: dataBe, Log: logger})
	if err != nil {
		t.Fatalf("Open should succeed despite the version mismatch: %v", err)
	}
	defer dev.Close()

	if !strings.Contains(captured.String(), "packet version") {
		t.Fatalf("expected a packet-version warning, log output: %q", captured.String())
	}
}

func libraryPacketVersionEncoded() uint32 {
	return uint32(libraryPacketVersionMajor)*10000 + uint32(libraryPacketVersionMinor)*100 + uint32(libraryPacketVersionPatch)
}
