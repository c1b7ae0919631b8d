package vxsdr

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ThrottleState is the three-state transmit throttling machine driven
// by the remote TX buffer fill percentage.
type ThrottleState int32

const (
	ThrottleNone ThrottleState = iota
	ThrottleNormal
	ThrottleHard
)

func (s ThrottleState) String() string {
	switch s {
	case ThrottleNone:
		return "NONE"
	case ThrottleNormal:
		return "NORMAL"
	case ThrottleHard:
		return "HARD"
	default:
		return "UNKNOWN"
	}
}

const (
	dataSendBufferSize       = 256
	dataSendWait             = 10 * time.Millisecond
	dataThrottleWait         = 50 * time.Microsecond
	finalStatsWait           = 20 * time.Millisecond
	defaultRxLeftoverCap     = MaxDataLengthSamples
	rxDataQueueWaitDefault   = 100 * time.Millisecond
	dataQueuePoll            = 100 * time.Microsecond
)

// ThrottleConfig holds the hysteresis thresholds for the throttle
// state machine. Off < On < Hard must hold.
type ThrottleConfig struct {
	Enabled bool
	Hard    uint32
	On      uint32
	Off     uint32
}

// DefaultUDPThrottle returns the UDP backend's throttle defaults.
func DefaultUDPThrottle() ThrottleConfig {
	return ThrottleConfig{Enabled: true, Hard: 90, On: 80, Off: 60}
}

// DefaultPCIeThrottle disables throttling; DMA backpressure already
// bounds the PCIe path.
func DefaultPCIeThrottle() ThrottleConfig {
	return ThrottleConfig{Enabled: false}
}

func (c ThrottleConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if !(c.Off < c.On && c.On < c.Hard) {
		return fmt.Errorf("%w: throttle thresholds must satisfy off < on < hard (got off=%d on=%d hard=%d)", ErrBadConfig, c.Off, c.On, c.Hard)
	}
	return nil
}

// DataTransport carries the high-rate bidirectional signal-sample
// flow: a single TX queue, one RX packet ring plus one leftover-sample
// ring per subdevice, and the throttle state machine.
type DataTransport struct {
	backend Backend
	log     *Logger

	txState atomicState
	rxState atomicState

	tx txCounters
	rx rxCounters

	sampleGranularity   uint32
	numRxSubdevs        uint32
	maxSamplesPerPacket atomic.Uint32

	throttle        ThrottleConfig
	throttleState   atomic.Int32
	fillPercent     atomic.Uint32
	packetOOSCount  atomic.Uint32

	txDataQueue *Ring[*Packet]
	rxPackets   []*Ring[*Packet]
	rxLeftover  []*Ring[Sample]

	sentSeq atomic.Uint32

	haveFirstRx atomic.Bool
	expectedSeq atomic.Uint32

	stop       chan struct{}
	senderDone chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// DataTransportConfig parameterizes construction.
type DataTransportConfig struct {
	SampleGranularity   uint32
	NumRxSubdevs        uint32
	MaxSamplesPerPacket uint32
	TxQueueDepth        int
	RxQueueDepth        int
	Throttle            ThrottleConfig
}

// NewDataTransport starts the TX/RX goroutines over backend.
func NewDataTransport(backend Backend, cfg DataTransportConfig, log *Logger) (*DataTransport, error) {
	if log == nil {
		log = defaultLogger
	}
	if err := cfg.Throttle.validate(); err != nil {
		return nil, err
	}
	if cfg.SampleGranularity == 0 {
		cfg.SampleGranularity = 1
	}
	if cfg.NumRxSubdevs == 0 {
		cfg.NumRxSubdevs = 1
	}
	if cfg.MaxSamplesPerPacket == 0 {
		cfg.MaxSamplesPerPacket = MaxDataLengthSamples
	}
	if cfg.TxQueueDepth == 0 {
		cfg.TxQueueDepth = 511
	}
	if cfg.RxQueueDepth == 0 {
		cfg.RxQueueDepth = 262143
	}

	dt := &DataTransport{
		backend:           backend,
		log:               log,
		sampleGranularity: cfg.SampleGranularity,
		numRxSubdevs:      cfg.NumRxSubdevs,
		throttle:          cfg.Throttle,
		txDataQueue:       NewRing[*Packet](cfg.TxQueueDepth),
		rxPackets:         make([]*Ring[*Packet], cfg.NumRxSubdevs),
		rxLeftover:        make([]*Ring[Sample], cfg.NumRxSubdevs),
		stop:              make(chan struct{}),
		senderDone:        make(chan struct{}),
	}
	dt.maxSamplesPerPacket.Store(cfg.SampleGranularity * (cfg.MaxSamplesPerPacket / cfg.SampleGranularity))
	for i := range dt.rxPackets {
		dt.rxPackets[i] = NewRing[*Packet](cfg.RxQueueDepth)
		dt.rxLeftover[i] = NewRing[Sample](defaultRxLeftoverCap)
	}
	dt.txState.Store(StateStarting)
	dt.rxState.Store(StateStarting)

	dt.wg.Add(2)
	go dt.senderLoop()
	go dt.receiverLoop()

	dt.txState.Store(StateReady)
	dt.rxState.Store(StateReady)
	return dt, nil
}

// GetMaxSamplesPerPacket returns the current per-packet sample cap.
func (dt *DataTransport) GetMaxSamplesPerPacket() uint32 { return dt.maxSamplesPerPacket.Load() }

// SetMaxSamplesPerPacket rounds n down to a granularity multiple and
// applies it, rejecting zero and anything past the wire limit.
func (dt *DataTransport) SetMaxSamplesPerPacket(n uint32) bool {
	if n == 0 || n > MaxDataLengthSamples {
		return false
	}
	dt.maxSamplesPerPacket.Store(dt.sampleGranularity * (n / dt.sampleGranularity))
	return true
}

// ThrottleStateNow reports the current sender-side throttle state, for
// metrics.go and monitor.go.
func (dt *DataTransport) ThrottleStateNow() ThrottleState { return ThrottleState(dt.throttleState.Load()) }

// FillPercent reports the last TX_SIGNAL_DATA_ACK-derived fill
// percentage, clamped to [0,100].
func (dt *DataTransport) FillPercent() uint32 { return dt.fillPercent.Load() }

// PacketOOSCount reports the device's last-reported out-of-sequence
// packet count from TX_SIGNAL_DATA_ACK.
func (dt *DataTransport) PacketOOSCount() uint32 { return dt.packetOOSCount.Load() }

func (dt *DataTransport) nextSeq() uint16 { return uint16(dt.sentSeq.Add(1) - 1) }

func (dt *DataTransport) sendOne(pkt *Packet) error {
	pkt.Header.SequenceCounter = dt.nextSeq()
	buf := pkt.Marshal()
	if err := dt.backend.Send(buf); err != nil {
		dt.tx.sendErrors.Add(1)
		dt.txState.SetError()
		return err
	}
	dt.tx.note(pkt.Header.PacketType, len(buf))
	return nil
}

func headerOnlyAckPacket() *Packet {
	return &Packet{Header: Header{PacketType: PacketTxSignalData, Flags: FlagRequestAck}}
}

func (dt *DataTransport) senderLoop() {
	defer dt.wg.Done()
	defer close(dt.senderDone)

	var buf [dataSendBufferSize]*Packet
	var processed, lastCheck uint64

	for {
		select {
		case <-dt.stop:
			goto drain
		default:
		}

		state := ThrottleNone
		if dt.throttle.Enabled {
			fill := dt.fillPercent.Load()
			cur := ThrottleState(dt.throttleState.Load())
			switch cur {
			case ThrottleNone:
				if fill >= dt.throttle.Hard {
					state = ThrottleHard
				} else if fill >= dt.throttle.On {
					state = ThrottleNormal
				} else {
					state = ThrottleNone
				}
			case ThrottleNormal:
				if fill >= dt.throttle.Hard {
					state = ThrottleHard
				} else if fill < dt.throttle.Off {
					state = ThrottleNone
				} else {
					state = ThrottleNormal
				}
			case ThrottleHard:
				if fill < dt.throttle.Off {
					state = ThrottleNone
				} else if fill < dt.throttle.Hard {
					state = ThrottleNormal
				} else {
					state = ThrottleHard
				}
			}
			dt.throttleState.Store(int32(state))
		}

		ackInterval := uint64(dataSendBufferSize)
		maxSend := dataSendBufferSize
		if state == ThrottleNormal {
			ackInterval = dataSendBufferSize / 2
		}

		if dt.throttle.Enabled && state == ThrottleHard {
			_ = dt.sendOne(headerOnlyAckPacket())
			lastCheck = processed
			time.Sleep(dataThrottleWait)
			continue
		}

		n := dt.txDataQueue.PopBulk(buf[:maxSend])
		if n == 0 {
			time.Sleep(dataSendWait)
			continue
		}
		for i := 0; i < n; i++ {
			pkt := buf[i]
			if dt.throttle.Enabled && (processed == 0 || processed-lastCheck >= ackInterval) {
				pkt.Header.Flags |= FlagRequestAck
				lastCheck = processed
			}
			if len(pkt.Payload) == 0 && pkt.Header.PacketSize == 0 {
				dt.log.Errorf("data transport: zero size packet popped from tx_data_queue")
				continue
			}
			if err := dt.sendOne(pkt); err == nil {
				processed++
			}
			if dt.throttle.Enabled && state != ThrottleNone {
				time.Sleep(dataThrottleWait)
			}
		}
	}

drain:
	if dt.rxState.Load() == StateReady || dt.rxState.Load() == StateError {
		_ = dt.sendOne(headerOnlyAckPacket())
		time.Sleep(finalStatsWait)
	} else {
		dt.log.Warnf("data transport: rx unavailable at tx shutdown, stats will not be updated")
	}
	dt.txState.Store(StateShutdown)
}

func (dt *DataTransport) receiverLoop() {
	defer dt.wg.Done()
	for {
		select {
		case <-dt.stop:
			return
		default:
		}
		buf, err := dt.backend.Receive()
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			select {
			case <-dt.stop:
				return
			default:
			}
			dt.log.Errorf("data transport: receive failed: %v", err)
			dt.rxState.SetError()
			continue
		}
		dt.handleReceived(buf)
	}
}

func (dt *DataTransport) handleReceived(buf []byte) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		dt.log.Warnf("data transport: %v", err)
		dt.rx.dropped.Add(1)
		return
	}
	if int(hdr.PacketSize) != len(buf) {
		dt.log.Errorf("data transport: packet size error (header %d, packet %d)", hdr.PacketSize, len(buf))
		dt.rx.sizeErrors.Add(1)
		dt.rxState.SetError()
		dt.rx.dropped.Add(1)
		return
	}
	if dt.haveFirstRx.Load() {
		expect := uint16(dt.expectedSeq.Load())
		if hdr.SequenceCounter != expect {
			dt.rx.sequenceErrors.Add(1)
			dt.rxState.SetError()
			dt.log.Errorf("data transport: sequence error (expected %d, received %d)", expect, hdr.SequenceCounter)
		}
	} else {
		dt.haveFirstRx.Store(true)
	}
	dt.expectedSeq.Store(uint32(hdr.SequenceCounter) + 1)

	pkt, err := DecodePacket(buf)
	if err != nil {
		dt.log.Warnf("data transport: %v", err)
		dt.rx.dropped.Add(1)
		return
	}
	dt.rx.note(pkt.Header.PacketType, len(buf))

	switch pkt.Header.PacketType {
	case PacketRxSignalData:
		if uint32(pkt.Header.Subdevice) >= dt.numRxSubdevs {
			dt.log.Warnf("data transport: discarded rx data packet from unknown subdevice %d", pkt.Header.Subdevice)
			dt.rx.dropped.Add(1)
			return
		}
		if !dt.rxPackets[pkt.Header.Subdevice].Push(&pkt) {
			dt.rxState.SetError()
			dt.log.Errorf("data transport: error pushing to rx data queue (subdevice %d)", pkt.Header.Subdevice)
		}
	case PacketTxSignalDataAck:
		vals, err := DecodeUint32Payload(pkt.Payload, 6)
		if err != nil {
			dt.log.Warnf("data transport: %v", err)
			return
		}
		used, size, oos := vals[3], vals[4], vals[5]
		dt.packetOOSCount.Store(oos)
		if size > 0 {
			fill := (100 * uint64(used)) / uint64(size)
			if fill > 100 {
				fill = 100
			}
			dt.fillPercent.Store(uint32(fill))
		} else {
			dt.fillPercent.Store(0)
		}
	default:
		dt.log.Warnf("data transport: discarded incorrect packet (type %s)", pkt.Header.PacketType)
		dt.rx.dropped.Add(1)
	}
}

// PutTxData fragments data into at most GetMaxSamplesPerPacket samples
// per packet and pushes each onto the TX queue with a timed push,
// returning the number of samples placed.
func (dt *DataTransport) PutTxData(data []Sample, timeout time.Duration) int {
	if timeout <= 0 {
		timeout = rxDataQueueWaitDefault
	}
	maxPerPacket := int(dt.GetMaxSamplesPerPacket())
	if maxPerPacket <= 0 {
		return 0
	}
	n := 0
	for n < len(data) {
		end := n + maxPerPacket
		if end > len(data) {
			end = len(data)
		}
		chunk := data[n:end]
		pkt := &Packet{
			Header:  Header{PacketType: PacketTxSignalData},
			Payload: EncodeSamples(chunk),
		}
		if !dt.txDataQueue.PushOrTimeout(pkt, timeout, dataQueuePoll) {
			return n
		}
		n = end
	}
	return n
}

// GetRxData drains the leftover ring for subdev first, then pops
// packets from its RX ring until len(out) samples are copied into
// out, pushing any tail samples back into the leftover ring for the
// next call. Returns the count actually delivered.
func (dt *DataTransport) GetRxData(out []Sample, subdev uint32, timeout time.Duration) (int, error) {
	if subdev >= dt.numRxSubdevs {
		return 0, fmt.Errorf("vxsdr: subdevice %d out of range (have %d)", subdev, dt.numRxSubdevs)
	}
	if timeout <= 0 || timeout > maxCmdTimeout {
		return 0, fmt.Errorf("%w: timeout must be in (0, 3600s]", ErrBadConfig)
	}
	if dt.rxState.Load() != StateReady && dt.rxState.Load() != StateError {
		return 0, fmt.Errorf("%w", ErrTransportNotReady)
	}

	received := 0
	leftover := dt.rxLeftover[subdev]
	for received < len(out) {
		s, ok := leftover.Pop()
		if !ok {
			break
		}
		out[received] = s
		received++
	}

	for received < len(out) {
		pkt, ok := dt.rxPackets[subdev].PopOrTimeout(timeout, dataQueuePoll)
		if !ok {
			return received, fmt.Errorf("%w: received %d of %d samples", ErrTimeout, received, len(out))
		}
		samples := DecodeSamples(pkt.Payload)
		remaining := len(out) - received
		n := len(samples)
		if n > remaining {
			n = remaining
		}
		copy(out[received:received+n], samples[:n])
		received += n
		for _, s := range samples[n:] {
			if !leftover.Push(s) {
				return received, fmt.Errorf("vxsdr: error pushing leftover samples for subdevice %d", subdev)
			}
		}
	}
	return received, nil
}

// Stats returns a snapshot of this transport's counters.
func (dt *DataTransport) Stats() directionStats {
	return directionStats{
		TxState:        dt.txState.Load(),
		RxState:        dt.rxState.Load(),
		Sent:           dt.tx.sent.Load(),
		SendErrors:     dt.tx.sendErrors.Load(),
		BytesSent:      dt.tx.bytesSent.Load(),
		Received:       dt.rx.received.Load(),
		SequenceErrors: dt.rx.sequenceErrors.Load(),
		SizeErrors:     dt.rx.sizeErrors.Load(),
		BytesReceived:  dt.rx.bytesReceived.Load(),
		Dropped:        dt.rx.dropped.Load(),
	}
}

// Close signals both goroutines to stop, closes the backend to unblock
// any pending Receive, and waits for both to exit. The sender is
// stopped first (it drains with a final ack packet, observed by the
// still-live receiver) before the receiver is torn down.
func (dt *DataTransport) Close() error {
	dt.stopOnce.Do(func() { close(dt.stop) })
	<-dt.senderDone // sender emits its final ack (observed by the still-live receiver) and exits first
	dt.rxState.Store(StateShutdown)
	err := dt.backend.Close() // unblocks the receiver's blocking Receive call
	dt.wg.Wait()
	return err
}
