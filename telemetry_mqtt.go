package vxsdr

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// generateClientID builds a random MQTT client ID so concurrent hosts
// never collide on the broker.
func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "vxsdr_" + hex.EncodeToString(b)
}

// loadTLSConfig builds a *tls.Config from the configured CA/cert/key
// files.
func loadTLSConfig(cfg MQTTTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tc := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("vxsdr: failed to read mqtt ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("vxsdr: failed to parse mqtt ca file")
		}
		tc.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("vxsdr: failed to load mqtt client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// TelemetryPayload is the JSON body published to <prefix>/stats and
// <prefix>/async.
type TelemetryPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// TelemetryPublisher publishes device telemetry to an MQTT broker.
type TelemetryPublisher struct {
	client mqtt.Client
	cfg    MQTTConfig
	log    *Logger
}

// NewTelemetryPublisher connects to the configured broker with
// auto-reconnect enabled.
func NewTelemetryPublisher(cfg MQTTConfig, log *Logger) (*TelemetryPublisher, error) {
	if log == nil {
		log = defaultLogger
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(generateClientID())

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if cfg.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Infof("mqtt: connected to broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("mqtt: connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Infof("mqtt: attempting to reconnect")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("vxsdr: mqtt connect: %w", token.Error())
	}
	log.Infof("mqtt: successfully connected to broker: %s", cfg.BrokerURL)

	return &TelemetryPublisher{client: client, cfg: cfg, log: log}, nil
}

func (p *TelemetryPublisher) topic(suffix string) string {
	prefix := p.cfg.TopicPrefix
	if prefix == "" {
		prefix = "vxsdr"
	}
	return prefix + "/" + suffix
}

func (p *TelemetryPublisher) publish(suffix string, payload TelemetryPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.log.Errorf("mqtt: marshal %s payload: %v", suffix, err)
		return
	}
	token := p.client.Publish(p.topic(suffix), 0, false, body)
	token.WaitTimeout(time.Second)
	if err := token.Error(); err != nil {
		p.log.Warnf("mqtt: publish %s: %v", suffix, err)
	}
}

// PublishStats sends one stats snapshot to <prefix>/stats.
func (p *TelemetryPublisher) PublishStats(cmd, data directionStats, throttle ThrottleState, fillPct uint32) {
	p.publish("stats", TelemetryPayload{
		Timestamp: time.Now().Unix(),
		Metrics: map[string]float64{
			"command_sequence_errors": float64(cmd.SequenceErrors),
			"data_sequence_errors":    float64(data.SequenceErrors),
			"throttle_state":          float64(throttle),
			"fill_percent":            float64(fillPct),
		},
	})
}

// Sink returns an AsyncSink that publishes to <prefix>/async.
func (p *TelemetryPublisher) Sink() AsyncSink {
	return func(ev AsyncEvent) {
		p.publish("async", TelemetryPayload{
			Timestamp: ev.Received.Unix(),
			Metrics: map[string]float64{
				"error_type": float64(ev.ErrorType),
			},
			Labels: map[string]string{
				"system":     ev.System.String(),
				"error_type": ev.ErrorType.String(),
			},
		})
	}
}

// StartPeriodicStats starts a goroutine publishing PublishStats every
// interval until ctx is cancelled.
func (p *TelemetryPublisher) StartPeriodicStats(ctx context.Context, d *Device, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.PublishStats(d.CommandStats(), d.DataStats(), d.ThrottleState(), d.FillPercent())
			}
		}
	}()
}

// Close disconnects from the broker.
func (p *TelemetryPublisher) Close() {
	p.client.Disconnect(250)
}
