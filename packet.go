package vxsdr

import (
	"encoding/binary"
	"fmt"
	"math"
)

// HeaderSize is the fixed on-wire size of a packet header in bytes.
const HeaderSize = 8

// Preamble word sizes.
const (
	timeSpecSize   = 8  // two uint32 words
	streamSpecSize = 8  // one uint64 word
	maxPreamble    = timeSpecSize + streamSpecSize
)

// Wire size limits.
const (
	MaxNameLengthBytes     = 16
	MaxDataLengthSamples   = 2048
	MaxDataPayloadBytes    = 4 * MaxDataLengthSamples
	MaxDataPacketBytes     = HeaderSize + maxPreamble + MaxDataPayloadBytes
	MaxFrontendFilterLen   = 16
	MaxCmdRspPayloadBytes  = 4*MaxFrontendFilterLen + 8
	MaxCmdRspPacketBytes   = HeaderSize + maxPreamble + MaxCmdRspPayloadBytes
)

// PacketType occupies the low 6 bits of the header's first word: bits
// [0:4) name the base type, bits [4:6) name the response class.
type PacketType uint8

// Base packet types.
const (
	PacketTxSignalData PacketType = 0x00
	PacketRxSignalData PacketType = 0x01
	PacketDeviceCmd    PacketType = 0x02
	PacketTxRadioCmd   PacketType = 0x03
	PacketRxRadioCmd   PacketType = 0x04
	PacketAsyncMsg     PacketType = 0x05
)

// Response-class indicator bits, ORed onto a base type.
const (
	indRsp PacketType = 0x10
	indErr PacketType = 0x20
	indAck PacketType = 0x30

	baseTypeMask PacketType = 0x0F
	indicatorMask PacketType = 0x30
)

// Derived packet types actually seen on the wire.
const (
	PacketDeviceCmdRsp   = PacketDeviceCmd | indRsp
	PacketDeviceCmdErr   = PacketDeviceCmd | indErr
	PacketTxRadioCmdRsp  = PacketTxRadioCmd | indRsp
	PacketTxRadioCmdErr  = PacketTxRadioCmd | indErr
	PacketRxRadioCmdRsp  = PacketRxRadioCmd | indRsp
	PacketRxRadioCmdErr  = PacketRxRadioCmd | indErr
	PacketTxSignalDataAck = PacketTxSignalData | indAck
	PacketRxSignalDataAck = PacketRxSignalData | indAck
)

// BaseType strips the response-class indicator bits.
func (t PacketType) BaseType() PacketType { return t & baseTypeMask }

// IsResponse reports whether t carries the _RSP indicator.
func (t PacketType) IsResponse() bool { return t&indicatorMask == indRsp }

// IsError reports whether t carries the _ERR indicator.
func (t PacketType) IsError() bool { return t&indicatorMask == indErr }

// IsAck reports whether t carries the _ACK indicator.
func (t PacketType) IsAck() bool { return t&indicatorMask == indAck }

// ResponseTypeFor returns the _RSP and _ERR variants of a request type.
func ResponseTypeFor(req PacketType) (rsp, errT PacketType) {
	base := req.BaseType()
	return base | indRsp, base | indErr
}

func (t PacketType) String() string {
	names := map[PacketType]string{
		PacketTxSignalData: "TX_SIGNAL_DATA", PacketRxSignalData: "RX_SIGNAL_DATA",
		PacketDeviceCmd: "DEVICE_CMD", PacketTxRadioCmd: "TX_RADIO_CMD",
		PacketRxRadioCmd: "RX_RADIO_CMD", PacketAsyncMsg: "ASYNC_MSG",
		PacketDeviceCmdRsp: "DEVICE_CMD_RSP", PacketDeviceCmdErr: "DEVICE_CMD_ERR",
		PacketTxRadioCmdRsp: "TX_RADIO_CMD_RSP", PacketTxRadioCmdErr: "TX_RADIO_CMD_ERR",
		PacketRxRadioCmdRsp: "RX_RADIO_CMD_RSP", PacketRxRadioCmdErr: "RX_RADIO_CMD_ERR",
		PacketTxSignalDataAck: "TX_SIGNAL_DATA_ACK", PacketRxSignalDataAck: "RX_SIGNAL_DATA_ACK",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("TYPE_0x%02x", uint8(t))
}

// Header flag bits.
const (
	FlagRequestAck      uint8 = 1 << 0
	FlagTimePresent     uint8 = 1 << 1
	FlagStreamIDPresent uint8 = 1 << 2
)

// DEVICE_CMD opcodes the transport core itself must recognize; the
// radio-semantic get_*/set_* opcode space belongs to higher layers.
const (
	CmdHello uint8 = 0x00
)

// Header is the fixed 8-byte packet header present on every packet.
type Header struct {
	PacketType      PacketType
	Command         uint8
	Flags           uint8
	Subdevice       uint8
	Channel         uint8
	PacketSize      uint16
	SequenceCounter uint16
}

// HasTime reports whether the time_spec preamble word is present.
func (h Header) HasTime() bool { return h.Flags&FlagTimePresent != 0 }

// HasStreamID reports whether the stream_spec preamble word is present.
func (h Header) HasStreamID() bool { return h.Flags&FlagStreamIDPresent != 0 }

// PreambleSize returns the number of preamble bytes implied by h.Flags.
func (h Header) PreambleSize() int {
	n := 0
	if h.HasTime() {
		n += timeSpecSize
	}
	if h.HasStreamID() {
		n += streamSpecSize
	}
	return n
}

func (h Header) MarshalBinary() []byte {
	buf := make([]byte, HeaderSize)
	word := uint16(h.PacketType&0x3F) | uint16(h.Command&0x3F)<<6 | uint16(h.Flags&0x0F)<<12
	binary.LittleEndian.PutUint16(buf[0:2], word)
	buf[2] = h.Subdevice
	buf[3] = h.Channel
	binary.LittleEndian.PutUint16(buf[4:6], h.PacketSize)
	binary.LittleEndian.PutUint16(buf[6:8], h.SequenceCounter)
	return buf
}

func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("vxsdr: short header (%d bytes)", len(buf))
	}
	word := binary.LittleEndian.Uint16(buf[0:2])
	return Header{
		PacketType:      PacketType(word & 0x3F),
		Command:         uint8((word >> 6) & 0x3F),
		Flags:           uint8((word >> 12) & 0x0F),
		Subdevice:       buf[2],
		Channel:         buf[3],
		PacketSize:      binary.LittleEndian.Uint16(buf[4:6]),
		SequenceCounter: binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

// TimeSpec is an opaque 64-bit device timestamp; this core carries it
// without interpreting it as a wall-clock time.
type TimeSpec struct {
	Seconds     uint32
	Nanoseconds uint32
}

func (t TimeSpec) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], t.Seconds)
	binary.LittleEndian.PutUint32(buf[4:8], t.Nanoseconds)
}

func decodeTimeSpec(buf []byte) TimeSpec {
	return TimeSpec{
		Seconds:     binary.LittleEndian.Uint32(buf[0:4]),
		Nanoseconds: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// StreamID is the opaque 64-bit stream correlation tag.
type StreamID uint64

// Sample is one complex wire sample: 16-bit signed in-phase and
// quadrature components, the only wire sample type this core speaks.
type Sample struct {
	I, Q int16
}

func (s Sample) marshal(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(s.I))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(s.Q))
}

func decodeSample(buf []byte) Sample {
	return Sample{
		I: int16(binary.LittleEndian.Uint16(buf[0:2])),
		Q: int16(binary.LittleEndian.Uint16(buf[2:4])),
	}
}

// Packet is a fully decoded packet: header, optional preamble, and a
// payload view backed by the original wire bytes, so decoding never
// copies the payload.
type Packet struct {
	Header   Header
	Time     TimeSpec
	StreamID StreamID
	Payload  []byte // raw payload bytes, interpreted via the Decode* helpers below
}

// Marshal produces the exact on-wire byte sequence for p, setting
// PacketSize from the actual encoded length.
func (p *Packet) Marshal() []byte {
	pre := p.Header.PreambleSize()
	total := HeaderSize + pre + len(p.Payload)
	p.Header.PacketSize = uint16(total)
	buf := make([]byte, total)
	copy(buf[0:HeaderSize], p.Header.MarshalBinary())
	off := HeaderSize
	if p.Header.HasTime() {
		p.Time.marshal(buf[off : off+timeSpecSize])
		off += timeSpecSize
	}
	if p.Header.HasStreamID() {
		binary.LittleEndian.PutUint64(buf[off:off+streamSpecSize], uint64(p.StreamID))
		off += streamSpecSize
	}
	copy(buf[off:], p.Payload)
	return buf
}

// DecodePacket parses buf (exactly one packet's worth of bytes) into a
// Packet. The caller-provided buf must not be reused while the returned
// Packet's Payload slice is alive; Payload aliases buf.
func DecodePacket(buf []byte) (Packet, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return Packet{}, err
	}
	if int(hdr.PacketSize) != len(buf) {
		return Packet{}, fmt.Errorf("%w: header says %d, got %d bytes", ErrSizeMismatch, hdr.PacketSize, len(buf))
	}
	off := HeaderSize
	var ts TimeSpec
	var sid StreamID
	if hdr.HasTime() {
		if len(buf) < off+timeSpecSize {
			return Packet{}, fmt.Errorf("%w: truncated time_spec", ErrSizeMismatch)
		}
		ts = decodeTimeSpec(buf[off : off+timeSpecSize])
		off += timeSpecSize
	}
	if hdr.HasStreamID() {
		if len(buf) < off+streamSpecSize {
			return Packet{}, fmt.Errorf("%w: truncated stream_spec", ErrSizeMismatch)
		}
		sid = StreamID(binary.LittleEndian.Uint64(buf[off : off+streamSpecSize]))
		off += streamSpecSize
	}
	return Packet{Header: hdr, Time: ts, StreamID: sid, Payload: buf[off:]}, nil
}

// --- fixed-layout payload encode/decode helpers ---

func EncodeUint32Payload(values ...uint32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:4*i+4], v)
	}
	return buf
}

func DecodeUint32Payload(payload []byte, n int) ([]uint32, error) {
	if len(payload) < 4*n {
		return nil, fmt.Errorf("%w: need %d bytes for %d uint32 values, got %d", ErrSizeMismatch, 4*n, n, len(payload))
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(payload[4*i : 4*i+4])
	}
	return out, nil
}

func EncodeFloat64Payload(values ...float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:8*i+8], math.Float64bits(v))
	}
	return buf
}

func DecodeFloat64Payload(payload []byte, n int) ([]float64, error) {
	if len(payload) < 8*n {
		return nil, fmt.Errorf("%w: need %d bytes for %d float64 values, got %d", ErrSizeMismatch, 8*n, n, len(payload))
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8*i : 8*i+8]))
	}
	return out, nil
}

func EncodeUint64Payload(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func DecodeUint64Payload(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("%w: need 8 bytes, got %d", ErrSizeMismatch, len(payload))
	}
	return binary.LittleEndian.Uint64(payload[0:8]), nil
}

// EncodeName packs s into a fixed MaxNameLengthBytes-byte buffer,
// truncating or zero-padding as needed.
func EncodeName(s string) []byte {
	buf := make([]byte, MaxNameLengthBytes)
	copy(buf, s)
	return buf
}

func DecodeName(payload []byte) (string, error) {
	if len(payload) < MaxNameLengthBytes {
		return "", fmt.Errorf("%w: need %d bytes, got %d", ErrSizeMismatch, MaxNameLengthBytes, len(payload))
	}
	n := 0
	for n < MaxNameLengthBytes && payload[n] != 0 {
		n++
	}
	return string(payload[:n]), nil
}

// EncodeSamples packs a slice of complex samples as the data payload form.
func EncodeSamples(samples []Sample) []byte {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		s.marshal(buf[4*i : 4*i+4])
	}
	return buf
}

// DecodeSamples interprets payload as a sequence of complex samples.
func DecodeSamples(payload []byte) []Sample {
	n := len(payload) / 4
	out := make([]Sample, n)
	for i := range out {
		out[i] = decodeSample(payload[4*i : 4*i+4])
	}
	return out
}

// FilterCoeff is the filter-coefficient payload: a length word, a
// reserved word, and up to MaxFrontendFilterLen complex int16 taps.
type FilterCoeff struct {
	Length int32
	Taps   []Sample
}

func EncodeFilterCoeff(f FilterCoeff) []byte {
	buf := make([]byte, MaxCmdRspPayloadBytes)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Length))
	// buf[4:8] reserved, left zero
	for i, t := range f.Taps {
		if i >= MaxFrontendFilterLen {
			break
		}
		t.marshal(buf[8+4*i : 8+4*i+4])
	}
	return buf
}

func DecodeFilterCoeff(payload []byte) (FilterCoeff, error) {
	if len(payload) < MaxCmdRspPayloadBytes {
		return FilterCoeff{}, fmt.Errorf("%w: need %d bytes, got %d", ErrSizeMismatch, MaxCmdRspPayloadBytes, len(payload))
	}
	length := int32(binary.LittleEndian.Uint32(payload[0:4]))
	taps := make([]Sample, MaxFrontendFilterLen)
	for i := range taps {
		taps[i] = decodeSample(payload[8+4*i : 8+4*i+4])
	}
	return FilterCoeff{Length: length, Taps: taps}, nil
}
