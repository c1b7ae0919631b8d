package vxsdr

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Capture mirrors every packet passed through it, zstd-compressed, to
// a file for offline replay/debugging.
// Each record is a 4-byte little-endian length prefix followed by the
// raw wire bytes, the whole stream wrapped in one zstd frame so the
// encoder can exploit cross-packet redundancy.
type Capture struct {
	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
}

// NewCapture opens path for writing and wraps it in a zstd encoder at
// the given level (0 selects the default).
func NewCapture(path string, level int) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("vxsdr: capture: create %s: %w", path, err)
	}
	opts := []zstd.EOption{}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	enc, err := zstd.NewWriter(f, opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vxsdr: capture: new zstd writer: %w", err)
	}
	return &Capture{f: f, enc: enc}, nil
}

// Write mirrors one packet's wire bytes into the capture stream.
func (c *Capture) Write(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := c.enc.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("vxsdr: capture: write length prefix: %w", err)
	}
	if _, err := c.enc.Write(buf); err != nil {
		return fmt.Errorf("vxsdr: capture: write packet: %w", err)
	}
	return nil
}

// Close flushes the zstd frame and closes the underlying file.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Close(); err != nil {
		c.f.Close()
		return fmt.Errorf("vxsdr: capture: close zstd writer: %w", err)
	}
	return c.f.Close()
}

// WithCapture wraps be so every packet sent or received on it is also
// mirrored into c. A capture write failure is logged once per direction
// and never fails the underlying transport operation.
func WithCapture(be Backend, c *Capture, log *Logger) Backend {
	if log == nil {
		log = defaultLogger
	}
	return &captureBackend{be: be, c: c, log: log}
}

type captureBackend struct {
	be  Backend
	c   *Capture
	log *Logger

	sendWarned bool
	recvWarned bool
}

func (b *captureBackend) Send(buf []byte) error {
	if err := b.be.Send(buf); err != nil {
		return err
	}
	if err := b.c.Write(buf); err != nil && !b.sendWarned {
		b.sendWarned = true
		b.log.Warnf("capture: mirroring sent packets failed: %v", err)
	}
	return nil
}

func (b *captureBackend) Receive() ([]byte, error) {
	buf, err := b.be.Receive()
	if err != nil {
		return nil, err
	}
	if werr := b.c.Write(buf); werr != nil && !b.recvWarned {
		b.recvWarned = true
		b.log.Warnf("capture: mirroring received packets failed: %v", werr)
	}
	return buf, nil
}

func (b *captureBackend) Close() error {
	return b.be.Close()
}

// ReplayCapture reads a capture file back into a sequence of packet
// byte slices, in the order they were written.
func ReplayCapture(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vxsdr: capture: open %s: %w", path, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("vxsdr: capture: new zstd reader: %w", err)
	}
	defer dec.Close()

	var out [][]byte
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(dec, lenPrefix[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("vxsdr: capture: read length prefix: %w", err)
		}
		n := binary.LittleEndian.Uint32(lenPrefix[:])
		pkt := make([]byte, n)
		if _, err := io.ReadFull(dec, pkt); err != nil {
			return nil, fmt.Errorf("vxsdr: capture: read packet: %w", err)
		}
		out = append(out, pkt)
	}
	return out, nil
}
