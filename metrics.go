package vxsdr

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exported for one device's
// command and data transports.
type Metrics struct {
	sequenceErrors    *prometheus.GaugeVec
	sizeErrors        *prometheus.GaugeVec
	bytesTotal        *prometheus.GaugeVec
	throttleState     prometheus.Gauge
	fillPercent       prometheus.Gauge
	packetOOSCount    prometheus.Gauge
	asyncMessagesTotal *prometheus.CounterVec
}

// NewMetrics registers the transport collectors with the default
// registry. Call at most once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		sequenceErrors: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vxsdr_sequence_errors_total",
				Help: "Cumulative sequence-counter mismatches observed on a transport direction",
			},
			[]string{"transport", "direction"},
		),
		sizeErrors: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vxsdr_size_errors_total",
				Help: "Cumulative packet-size mismatches observed on a transport direction",
			},
			[]string{"transport", "direction"},
		),
		bytesTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vxsdr_bytes_total",
				Help: "Cumulative bytes sent or received on a transport direction",
			},
			[]string{"transport", "direction"},
		),
		throttleState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vxsdr_throttle_state",
				Help: "Current TX throttle state: 0=none, 1=normal, 2=hard",
			},
		),
		fillPercent: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vxsdr_tx_buffer_fill_percent",
				Help: "Most recently reported device TX buffer fill percentage",
			},
		),
		packetOOSCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vxsdr_tx_packet_oos_count",
				Help: "Most recently reported device TX packet out-of-sequence count",
			},
		),
		asyncMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vxsdr_async_messages_total",
				Help: "Async messages received from the device, by error type",
			},
			[]string{"type"},
		),
	}
}

// Sink returns an AsyncSink (see async.go) that increments
// asyncMessagesTotal for every dispatched event.
func (m *Metrics) Sink() AsyncSink {
	return func(ev AsyncEvent) {
		m.asyncMessagesTotal.WithLabelValues(asyncMetricLabel(ev.ErrorType)).Inc()
	}
}

func asyncMetricLabel(t AsyncErrorType) string {
	switch t {
	case AsyncDataUnderflow:
		return "underflow"
	case AsyncDataOverflow:
		return "overflow"
	case AsyncOverTemp:
		return "over_temp"
	case AsyncPowerError:
		return "power_error"
	case AsyncFreqError:
		return "freq_error"
	case AsyncOutOfSequence:
		return "out_of_sequence"
	case AsyncCmdError:
		return "cmd_error"
	case AsyncPpsTimeout:
		return "pps_timeout"
	case AsyncVoltageError:
		return "voltage_error"
	case AsyncCurrentError:
		return "current_error"
	default:
		return "no_error"
	}
}

// ObserveCommand updates the gauge collectors from a CommandTransport
// snapshot.
func (m *Metrics) ObserveCommand(s directionStats) {
	m.sequenceErrors.WithLabelValues("command", "rx").Set(float64(s.SequenceErrors))
	m.sizeErrors.WithLabelValues("command", "rx").Set(float64(s.SizeErrors))
	m.bytesTotal.WithLabelValues("command", "tx").Set(float64(s.BytesSent))
	m.bytesTotal.WithLabelValues("command", "rx").Set(float64(s.BytesReceived))
}

// ObserveData updates the gauge collectors from a DataTransport snapshot
// plus its current throttle state and fill percent.
func (m *Metrics) ObserveData(s directionStats, throttle ThrottleState, fillPct, oosCount uint32) {
	m.sequenceErrors.WithLabelValues("data", "rx").Set(float64(s.SequenceErrors))
	m.sizeErrors.WithLabelValues("data", "rx").Set(float64(s.SizeErrors))
	m.bytesTotal.WithLabelValues("data", "tx").Set(float64(s.BytesSent))
	m.bytesTotal.WithLabelValues("data", "rx").Set(float64(s.BytesReceived))
	m.throttleState.Set(float64(throttle))
	m.fillPercent.Set(float64(fillPct))
	m.packetOOSCount.Set(float64(oosCount))
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
