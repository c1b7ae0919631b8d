package vxsdr

import (
	"errors"
	"sync"
)

// loopbackBackend is a test double for Backend: Send publishes onto a
// channel the test can drain, and Receive pulls from a channel the test
// can feed, simulating a device on the other end of the wire.
type loopbackBackend struct {
	tx chan []byte
	rx chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

var errLoopbackClosed = errors.New("loopback: closed")

func newLoopbackBackend() *loopbackBackend {
	return &loopbackBackend{
		tx:     make(chan []byte, 1024),
		rx:     make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (b *loopbackBackend) Send(buf []byte) error {
	cp := append([]byte(nil), buf...)
	select {
	case b.tx <- cp:
		return nil
	case <-b.closed:
		return errLoopbackClosed
	}
}

func (b *loopbackBackend) Receive() ([]byte, error) {
	select {
	case buf := <-b.rx:
		return buf, nil
	case <-b.closed:
		return nil, errLoopbackClosed
	}
}

func (b *loopbackBackend) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// deliver injects buf as if it had arrived from the device.
func (b *loopbackBackend) deliver(buf []byte) {
	b.rx <- buf
}
