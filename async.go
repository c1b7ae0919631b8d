package vxsdr

import (
	"sync"
	"time"
)

// AffectedSystem is the top two bits of an async message's command byte.
type AffectedSystem uint8

const (
	AsyncUnspecified AffectedSystem = iota
	AsyncTX
	AsyncRX
	AsyncFPGA
)

func (s AffectedSystem) String() string {
	switch s {
	case AsyncTX:
		return "TX"
	case AsyncRX:
		return "RX"
	case AsyncFPGA:
		return "FPGA"
	default:
		return "UNSPECIFIED"
	}
}

// AsyncErrorType is the low 4 bits of an async message's command byte.
type AsyncErrorType uint8

const (
	AsyncNoError AsyncErrorType = iota
	AsyncDataUnderflow
	AsyncDataOverflow
	AsyncOverTemp
	AsyncPowerError
	AsyncFreqError
	AsyncOutOfSequence
	AsyncCmdError
	AsyncPpsTimeout
	AsyncVoltageError
	AsyncCurrentError
)

func (t AsyncErrorType) String() string {
	switch t {
	case AsyncNoError:
		return "NO_ERROR"
	case AsyncDataUnderflow:
		return "DATA_UNDERFLOW"
	case AsyncDataOverflow:
		return "DATA_OVERFLOW"
	case AsyncOverTemp:
		return "OVER_TEMP"
	case AsyncPowerError:
		return "POWER_ERROR"
	case AsyncFreqError:
		return "FREQ_ERROR"
	case AsyncOutOfSequence:
		return "OUT_OF_SEQUENCE"
	case AsyncCmdError:
		return "CMD_ERROR"
	case AsyncPpsTimeout:
		return "PPS_TIMEOUT"
	case AsyncVoltageError:
		return "VOLTAGE_ERROR"
	case AsyncCurrentError:
		return "CURRENT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// The command field is 6 bits on the wire: its top two bits (4-5) name
// the affected system, the low 4 bits the error type.
const (
	asyncAffectedSystemMask  = 0x30
	asyncAffectedSystemShift = 4
	asyncErrorTypeMask       = 0x0F
)

// AsyncEvent is the decoded form of one ASYNC_MSG packet, handed to
// every registered sink.
type AsyncEvent struct {
	System    AffectedSystem `json:"system"`
	ErrorType AsyncErrorType `json:"error_type"`
	Subdevice uint8          `json:"subdevice"`
	Received  time.Time      `json:"received"`
}

func decodeAsyncEvent(pkt *Packet) AsyncEvent {
	cmd := pkt.Header.Command
	return AsyncEvent{
		System:    AffectedSystem((cmd & asyncAffectedSystemMask) >> asyncAffectedSystemShift),
		ErrorType: AsyncErrorType(cmd & asyncErrorTypeMask),
		Subdevice: pkt.Header.Subdevice,
	}
}

// AsyncSink receives every decoded async event, regardless of level.
// metrics.go and telemetry_mqtt.go register sinks here rather than
// async.go importing them, keeping the dependency direction one-way.
type AsyncSink func(AsyncEvent)

// AsyncDispatcher polls a CommandTransport's async queue at a fixed
// cadence and fans each message out to logging plus any registered
// sinks.
type AsyncDispatcher struct {
	cmd  *CommandTransport
	log  *Logger
	poll time.Duration

	mu    sync.Mutex
	sinks []AsyncSink

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAsyncDispatcher starts a goroutine polling cmd's async queue at a
// ~1ms cadence.
func NewAsyncDispatcher(cmd *CommandTransport, log *Logger) *AsyncDispatcher {
	if log == nil {
		log = defaultLogger
	}
	d := &AsyncDispatcher{
		cmd:  cmd,
		log:  log,
		poll: time.Millisecond,
		stop: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// AddSink registers a sink invoked for every dispatched async event.
func (d *AsyncDispatcher) AddSink(sink AsyncSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

func (d *AsyncDispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		pkt, ok := d.cmd.PopAsync(d.poll)
		if !ok {
			continue
		}
		d.dispatch(pkt)
	}
}

func (d *AsyncDispatcher) dispatch(pkt *Packet) {
	ev := decodeAsyncEvent(pkt)
	ev.Received = time.Now()

	if ev.ErrorType == AsyncOutOfSequence {
		d.log.Warnf("async_msg: %s %s (subdev %d)", ev.System, ev.ErrorType, ev.Subdevice)
	} else {
		d.log.Errorf("async_msg: %s %s (subdev %d)", ev.System, ev.ErrorType, ev.Subdevice)
	}

	d.mu.Lock()
	sinks := append([]AsyncSink(nil), d.sinks...)
	d.mu.Unlock()
	for _, sink := range sinks {
		sink(ev)
	}
}

// Close stops the dispatcher goroutine and waits for it to exit. Call
// after the owning CommandTransport has closed: the dispatcher only
// reads the in-memory async queue, so it can drain what is left.
func (d *AsyncDispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}
