package vxsdr

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	commandQueueDepth   = 1
	responseQueueDepth  = 1
	asyncQueueDepth     = 1024
	queuePollInterval   = 200 * time.Microsecond
	defaultCmdTimeout   = 1 * time.Second
	minCmdTimeout       = 1 * time.Millisecond
	maxCmdTimeout       = 3600 * time.Second
)

// CommandTransport carries the low-rate control/response flow: a
// single in-flight command, a capacity-1 response queue, and a
// capacity-1024 async-message queue drained by async.go.
type CommandTransport struct {
	backend Backend
	log     *Logger

	txState atomicState
	rxState atomicState

	tx txCounters
	rx rxCounters

	commandQueue  *Ring[*Packet]
	responseQueue *Ring[*Packet]
	asyncMsgQueue *Ring[*Packet]

	sentCount    atomic.Uint32
	haveFirstRx  atomic.Bool
	expectedSeq  atomic.Uint32

	// roundTrip serializes SendCommand calls so the single-in-flight
	// rule holds structurally rather than merely by assertion.
	roundTrip sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCommandTransport starts the sender and receiver goroutines over
// backend and marks both directions Ready; it does not wait for the
// goroutines to begin running.
func NewCommandTransport(backend Backend, log *Logger) *CommandTransport {
	if log == nil {
		log = defaultLogger
	}
	ct := &CommandTransport{
		backend:       backend,
		log:           log,
		commandQueue:  NewRing[*Packet](commandQueueDepth),
		responseQueue: NewRing[*Packet](responseQueueDepth),
		asyncMsgQueue: NewRing[*Packet](asyncQueueDepth),
		stop:          make(chan struct{}),
	}
	ct.txState.Store(StateStarting)
	ct.rxState.Store(StateStarting)

	ct.wg.Add(2)
	go ct.senderLoop()
	go ct.receiverLoop()

	ct.txState.Store(StateReady)
	ct.rxState.Store(StateReady)
	return ct
}

func (ct *CommandTransport) senderLoop() {
	defer ct.wg.Done()
	for {
		select {
		case <-ct.stop:
			return
		default:
		}
		pkt, ok := ct.commandQueue.PopOrTimeout(10*time.Millisecond, queuePollInterval)
		if !ok {
			continue
		}
		seq := uint16(ct.sentCount.Add(1) - 1)
		pkt.Header.SequenceCounter = seq
		buf := pkt.Marshal()
		if err := ct.backend.Send(buf); err != nil {
			ct.log.Errorf("command transport: send failed: %v", err)
			ct.tx.sendErrors.Add(1)
			ct.txState.SetError()
			continue
		}
		ct.tx.note(pkt.Header.PacketType, len(buf))
	}
}

func (ct *CommandTransport) receiverLoop() {
	defer ct.wg.Done()
	for {
		select {
		case <-ct.stop:
			return
		default:
		}
		buf, err := ct.backend.Receive()
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			select {
			case <-ct.stop:
				return
			default:
			}
			ct.log.Errorf("command transport: receive failed: %v", err)
			ct.rxState.SetError()
			continue
		}
		ct.handleReceived(buf)
	}
}

func (ct *CommandTransport) handleReceived(buf []byte) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		ct.log.Warnf("command transport: %v", err)
		ct.rx.dropped.Add(1)
		return
	}
	if int(hdr.PacketSize) != len(buf) {
		ct.log.Warnf("command transport: size mismatch: header says %d, got %d", hdr.PacketSize, len(buf))
		ct.rx.sizeErrors.Add(1)
		ct.rxState.SetError()
		ct.rx.dropped.Add(1)
		return
	}
	if ct.haveFirstRx.Load() {
		expect := uint16(ct.expectedSeq.Load())
		if hdr.SequenceCounter != expect {
			ct.rx.sequenceErrors.Add(1)
			ct.rxState.SetError()
			ct.log.Warnf("command transport: sequence error: expected %d, got %d", expect, hdr.SequenceCounter)
			// out-of-order packets are still dispatched, not dropped
		}
	} else {
		ct.haveFirstRx.Store(true)
	}
	ct.expectedSeq.Store(uint32(hdr.SequenceCounter) + 1)

	pkt, err := DecodePacket(buf)
	if err != nil {
		ct.log.Warnf("command transport: %v", err)
		ct.rx.dropped.Add(1)
		return
	}
	ct.rx.note(pkt.Header.PacketType, len(buf))

	switch {
	case pkt.Header.PacketType == PacketAsyncMsg:
		if !ct.asyncMsgQueue.PushOrTimeout(&pkt, 50*time.Millisecond, queuePollInterval) {
			ct.log.Errorf("command transport: async_msg_queue push timed out, dropping message")
			ct.rxState.SetError()
		}
	case pkt.Header.PacketType.IsResponse() || pkt.Header.PacketType.IsError():
		if !ct.responseQueue.PushOrTimeout(&pkt, 50*time.Millisecond, queuePollInterval) {
			ct.log.Errorf("command transport: response_queue push timed out, dropping response")
			ct.rxState.SetError()
		}
	default:
		ct.log.Warnf("command transport: unexpected packet type %s, dropping", pkt.Header.PacketType)
		ct.rx.dropped.Add(1)
	}
}

// SendCommand pushes req onto the command queue, waits up to timeout for
// a correlated response, and returns it. At most one SendCommand is ever
// in flight on a given CommandTransport, enforced by roundTrip.
func (ct *CommandTransport) SendCommand(req *Packet, timeout time.Duration) (*Packet, error) {
	ct.roundTrip.Lock()
	defer ct.roundTrip.Unlock()

	if timeout <= 0 {
		timeout = defaultCmdTimeout
	}
	if timeout < minCmdTimeout {
		timeout = minCmdTimeout
	}
	if timeout > maxCmdTimeout {
		timeout = maxCmdTimeout
	}
	if ct.txState.Load() != StateReady && ct.txState.Load() != StateError {
		return nil, fmt.Errorf("%w", ErrTransportNotReady)
	}

	ct.responseQueue.Reset()
	if !ct.commandQueue.PushOrTimeout(req, 100*time.Millisecond, queuePollInterval) {
		return nil, fmt.Errorf("%w: command_queue full", ErrCommandBusy)
	}

	rsp, ok := ct.responseQueue.PopOrTimeout(timeout, queuePollInterval)
	if !ok {
		return nil, fmt.Errorf("%w: no response within %s", ErrTimeout, timeout)
	}

	wantRsp, wantErr := ResponseTypeFor(req.Header.PacketType)
	if rsp.Header.PacketType != wantRsp && rsp.Header.PacketType != wantErr {
		return nil, fmt.Errorf("%w: expected %s or %s, got %s", ErrCorrelation, wantRsp, wantErr, rsp.Header.PacketType)
	}
	if rsp.Header.Command != req.Header.Command {
		return nil, fmt.Errorf("%w: expected command 0x%02x, got 0x%02x", ErrCorrelation, req.Header.Command, rsp.Header.Command)
	}
	if rsp.Header.PacketType.IsError() {
		code, err := DecodeUint32Payload(rsp.Payload, 1)
		if err == nil && len(code) == 1 {
			return rsp, CommandError(code[0])
		}
		return rsp, fmt.Errorf("vxsdr: device returned error response with undecodable payload")
	}
	return rsp, nil
}

// PopAsync pops one pending async message, used by async.go's dispatcher.
func (ct *CommandTransport) PopAsync(timeout time.Duration) (*Packet, bool) {
	return ct.asyncMsgQueue.PopOrTimeout(timeout, queuePollInterval)
}

// Stats returns a snapshot of this transport's counters.
func (ct *CommandTransport) Stats() directionStats {
	return directionStats{
		TxState:        ct.txState.Load(),
		RxState:        ct.rxState.Load(),
		Sent:           ct.tx.sent.Load(),
		SendErrors:     ct.tx.sendErrors.Load(),
		BytesSent:      ct.tx.bytesSent.Load(),
		Received:       ct.rx.received.Load(),
		SequenceErrors: ct.rx.sequenceErrors.Load(),
		SizeErrors:     ct.rx.sizeErrors.Load(),
		BytesReceived:  ct.rx.bytesReceived.Load(),
		Dropped:        ct.rx.dropped.Load(),
	}
}

// Close signals both goroutines to stop, closes the backend to unblock
// any pending Receive, and waits for both to exit.
func (ct *CommandTransport) Close() error {
	ct.stopOnce.Do(func() { close(ct.stop) })
	ct.txState.Store(StateShutdown)
	ct.rxState.Store(StateShutdown)
	err := ct.backend.Close()
	ct.wg.Wait()
	return err
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}
