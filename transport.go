package vxsdr

import (
	"sync/atomic"
)

// DirState is the state of one direction (tx or rx) of one transport.
// Transitions are monotone except Ready<->Error; once Shutdown,
// terminal.
type DirState int32

const (
	StateUninitialized DirState = iota
	StateStarting
	StateReady
	StateShutdown
	StateError
)

func (s DirState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// atomicState wraps an atomic.Int32 with the DirState transition rules.
type atomicState struct {
	v atomic.Int32
}

func (s *atomicState) Load() DirState     { return DirState(s.v.Load()) }
func (s *atomicState) Store(d DirState)   { s.v.Store(int32(d)) }
func (s *atomicState) SetError()          { s.v.Store(int32(StateError)) }
func (s *atomicState) SetReadyIfNotShut() {
	if s.Load() != StateShutdown {
		s.v.Store(int32(StateReady))
	}
}

// Backend abstracts the wire-level transport a command or data
// direction rides on: UDP sockets or a PCIe DMA character device.
// Both send and receive are blocking; Close must unblock any
// in-flight Receive.
type Backend interface {
	Send(buf []byte) error
	// Receive blocks until a full packet is available and returns its
	// bytes in a buffer the caller owns. A backend-defined timeout
	// error is retried by the caller; Close-induced errors propagate
	// as io.EOF or net.ErrClosed-equivalent.
	Receive() ([]byte, error)
	Close() error
}

// txCounters and rxCounters are updated only by the goroutine that owns
// that direction and read by others for diagnostics: tolerate stale
// reads, hence plain atomics with no locking.
type txCounters struct {
	sent         atomic.Uint64
	sendErrors   atomic.Uint64
	bytesSent    atomic.Uint64
	packetsByType [64]atomic.Uint64
}

type rxCounters struct {
	received        atomic.Uint64
	sequenceErrors  atomic.Uint64
	sizeErrors      atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsByType   [64]atomic.Uint64
	dropped         atomic.Uint64
}

func (c *txCounters) note(ptype PacketType, n int) {
	c.sent.Add(1)
	c.bytesSent.Add(uint64(n))
	c.packetsByType[ptype&0x3F].Add(1)
}

func (c *rxCounters) note(ptype PacketType, n int) {
	c.received.Add(1)
	c.bytesReceived.Add(uint64(n))
	c.packetsByType[ptype&0x3F].Add(1)
}

// directionStats is the read-only snapshot exposed to metrics.go,
// monitor.go, and mcpserver.go.
type directionStats struct {
	TxState        DirState
	RxState        DirState
	Sent           uint64
	SendErrors     uint64
	BytesSent      uint64
	Received       uint64
	SequenceErrors uint64
	SizeErrors     uint64
	BytesReceived  uint64
	Dropped        uint64
}
