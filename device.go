package vxsdr

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-version"
)

// Packet version this library was built against, compared to the
// device's reported version during the hello handshake.
const (
	libraryPacketVersionMajor = 1
	libraryPacketVersionMinor = 0
	libraryPacketVersionPatch = 0
)

// Sample-format word layout: low bits are the sample datatype, a
// shifted nibble is the sample granularity divisor.
const (
	sampleGranularityShift = 8
	sampleGranularityMask  = 0x0F << sampleGranularityShift
)

// DeviceInfo is the decoded hello-handshake response.
type DeviceInfo struct {
	DeviceID          uint32
	FPGAVersion       uint32
	MCUVersion        uint32
	SerialNumber      uint32
	PacketVersion     uint32
	SampleFormat      uint32
	NumSubdevices     uint32
	MaxDataPayload    uint32
	SampleGranularity uint32
}

// Device is the host-side façade over one radio: it owns a
// CommandTransport and a DataTransport and exposes the hello handshake,
// command round trips, and typed sample I/O.
type Device struct {
	log       *Logger
	cmd       *CommandTransport
	data      *DataTransport
	info      DeviceInfo
	linkStats *LinkStats
}

// DeviceConfig bundles the backends and options Open needs.
type DeviceConfig struct {
	CommandBackend Backend
	DataBackend    Backend
	DataConfig     DataTransportConfig
	Log            *Logger
	HelloTimeout   time.Duration
}

// Open brings up the command transport, performs the hello handshake,
// then brings up the data transport using the sample granularity and
// subdevice count the device reported.
func Open(cfg DeviceConfig) (*Device, error) {
	log := cfg.Log
	if log == nil {
		log = defaultLogger
	}

	cmd := NewCommandTransport(cfg.CommandBackend, log)

	d := &Device{log: log, cmd: cmd}

	info, err := d.hello(cfg.HelloTimeout)
	if err != nil {
		cmd.Close()
		return nil, err
	}
	d.info = info

	dataCfg := cfg.DataConfig
	dataCfg.SampleGranularity = info.SampleGranularity
	dataCfg.NumRxSubdevs = info.NumSubdevices
	maxFromDevice := info.MaxDataPayload / 4
	if dataCfg.MaxSamplesPerPacket == 0 || dataCfg.MaxSamplesPerPacket > maxFromDevice {
		perPacket := maxFromDevice
		if info.SampleGranularity > 0 {
			perPacket = info.SampleGranularity * (perPacket / info.SampleGranularity)
		}
		dataCfg.MaxSamplesPerPacket = perPacket
	}

	dt, err := NewDataTransport(cfg.DataBackend, dataCfg, log)
	if err != nil {
		cmd.Close()
		return nil, fmt.Errorf("vxsdr: opening data transport: %w", err)
	}
	d.data = dt

	return d, nil
}

// hello sends the zero-payload DEVICE_CMD HELLO opcode and decodes the
// eight-word identity response, logging it at info level and warning
// (not failing) on a packet-version mismatch.
func (d *Device) hello(timeout time.Duration) (DeviceInfo, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	req := &Packet{Header: Header{
		PacketType: PacketDeviceCmd,
		Command:    CmdHello,
		PacketSize: HeaderSize,
	}}

	rsp, err := d.cmd.SendCommand(req, timeout)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("vxsdr: hello handshake: %w", err)
	}

	words, err := DecodeUint32Payload(rsp.Payload, 8)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("vxsdr: hello response payload: %w", err)
	}

	info := DeviceInfo{
		DeviceID:       words[0],
		FPGAVersion:    words[1],
		MCUVersion:     words[2],
		SerialNumber:   words[3],
		PacketVersion:  words[4],
		SampleFormat:   words[5],
		NumSubdevices:  words[6],
		MaxDataPayload: words[7],
	}
	info.SampleGranularity = (info.SampleFormat & sampleGranularityMask) >> sampleGranularityShift
	if info.SampleGranularity == 0 {
		info.SampleGranularity = 1
	}

	d.log.Infof("device info:")
	d.log.Infof("   device ID: %d", info.DeviceID)
	d.log.Infof("   device FPGA code version: %s", versionString(info.FPGAVersion))
	d.log.Infof("   device MCU code version: %s", versionString(info.MCUVersion))
	d.log.Infof("   device serial number: %d", info.SerialNumber)
	d.log.Infof("   device supported packet version: %s", versionString(info.PacketVersion))
	d.log.Infof("   sample format: 0x%x", info.SampleFormat)
	d.log.Infof("   number of subdevices: %d", info.NumSubdevices)
	d.log.Infof("   maximum data payload bytes: %d", info.MaxDataPayload)

	d.checkPacketVersion(info.PacketVersion)

	return info, nil
}

// checkPacketVersion compares the device's reported packet version
// against the library's compiled-in one, warning (never failing) on a
// mismatch.
func (d *Device) checkPacketVersion(deviceVersion uint32) {
	mine, err := version.NewVersion(libraryPacketVersionString())
	if err != nil {
		return
	}
	theirs, err := version.NewVersion(versionString(deviceVersion))
	if err != nil {
		d.log.Warnf("device packet version 0x%08x is not parseable", deviceVersion)
		return
	}
	if !mine.Equal(theirs) {
		d.log.Warnf("library packet version is %s, device packet version is %s", mine, theirs)
	}
}

func libraryPacketVersionString() string {
	return fmt.Sprintf("%d.%d.%d", libraryPacketVersionMajor, libraryPacketVersionMinor, libraryPacketVersionPatch)
}

// versionString decodes a packed version number
// (10000*major + 100*minor + patch) into a dotted string.
func versionString(v uint32) string {
	major := v / 10000
	minor := (v / 100) % 100
	patch := v % 100
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// Info returns the device identity decoded during the hello handshake.
func (d *Device) Info() DeviceInfo { return d.info }

// CommandTransport exposes the underlying command transport so callers
// can attach an AsyncDispatcher.
func (d *Device) CommandTransport() *CommandTransport { return d.cmd }

// SendCommand issues a command/response round trip, recording the
// observed latency to AttachLinkStats's tracker, if any.
func (d *Device) SendCommand(req *Packet, timeout time.Duration) (*Packet, error) {
	start := time.Now()
	rsp, err := d.cmd.SendCommand(req, timeout)
	if d.linkStats != nil {
		d.linkStats.ObserveRoundTrip(time.Since(start))
	}
	return rsp, err
}

// AttachLinkStats wires a LinkStats tracker to observe every SendCommand
// round trip. Fill-percent samples are not recorded here; callers feed
// them to the tracker with LinkStats.ObserveFillPercent.
func (d *Device) AttachLinkStats(ls *LinkStats) { d.linkStats = ls }

// PopAsync drains one pending async message, if any.
func (d *Device) PopAsync(timeout time.Duration) (*Packet, bool) {
	return d.cmd.PopAsync(timeout)
}

// PutTxData enqueues samples for transmission, fragmenting per the
// negotiated max-samples-per-packet.
func (d *Device) PutTxData(samples []Sample, timeout time.Duration) int {
	return d.data.PutTxData(samples, timeout)
}

// GetRxData reads up to len(out) samples from the given subdevice,
// draining the leftover ring first.
func (d *Device) GetRxData(out []Sample, subdevice uint32, timeout time.Duration) (int, error) {
	return d.data.GetRxData(out, subdevice, timeout)
}

// CommandStats and DataStats expose the two transports' counters for
// metrics.go, monitor.go, and mcpserver.go.
func (d *Device) CommandStats() directionStats { return d.cmd.Stats() }
func (d *Device) DataStats() directionStats    { return d.data.Stats() }
func (d *Device) ThrottleState() ThrottleState { return d.data.ThrottleStateNow() }
func (d *Device) FillPercent() uint32          { return d.data.FillPercent() }
func (d *Device) PacketOOSCount() uint32       { return d.data.PacketOOSCount() }

// Close tears down the data transport, then the command transport, so
// the data sender's final stats ack is observed before control goes
// away.
func (d *Device) Close() error {
	var firstErr error
	if d.data != nil {
		if err := d.data.Close(); err != nil {
			firstErr = err
		}
	}
	if err := d.cmd.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
