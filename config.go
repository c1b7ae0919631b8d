package vxsdr

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportKind selects which Backend implementation a transport uses.
type TransportKind int

const (
	TransportUDP TransportKind = iota + 1
	TransportPCIe
)

func (k *TransportKind) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "", "udp":
		*k = TransportUDP
	case "pcie":
		*k = TransportPCIe
	default:
		return fmt.Errorf("unknown transport kind %q", s)
	}
	return nil
}

// Config is the top-level session configuration document.
type Config struct {
	CommandTransport TransportKind `yaml:"command_transport"`
	DataTransport    TransportKind `yaml:"data_transport"`

	UDPTransport     UDPTransportConfig     `yaml:"udp_transport"`
	UDPDataTransport UDPDataTransportConfig `yaml:"udp_data_transport"`
	PCIeDataTransport PCIeDataTransportConfig `yaml:"pcie_data_transport"`

	Monitor MonitorConfig `yaml:"monitor"`
	Metrics MetricsConfig `yaml:"metrics"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	MCP     MCPConfig     `yaml:"mcp"`
	Capture CaptureConfig `yaml:"capture"`
	Logging LoggingConfig `yaml:"logging"`

	// Extra holds unrecognized top-level keys, accepted and stored but
	// inert. yaml:",inline" only works for nested structs, not an
	// arbitrary-key map, so this is populated via a second permissive pass
	// in LoadConfig.
	Extra map[string]any `yaml:"-"`
}

// UDPTransportConfig names the command transport's local/device
// addresses.
type UDPTransportConfig struct {
	LocalAddress  string `yaml:"local_address"`
	DeviceAddress string `yaml:"device_address"`
}

// UDPDataTransportConfig configures the data transport's UDP backend.
type UDPDataTransportConfig struct {
	TxDataQueuePackets        int  `yaml:"tx_data_queue_packets"`
	RxDataQueuePackets        int  `yaml:"rx_data_queue_packets"`
	MTUBytes                  int  `yaml:"mtu_bytes"`
	NetworkSendBufferBytes    int  `yaml:"network_send_buffer_bytes"`
	NetworkReceiveBufferBytes int  `yaml:"network_receive_buffer_bytes"`
	DontFragment              bool `yaml:"dont_fragment"`
}

// PCIeDataTransportConfig parallels UDPDataTransportConfig for the PCIe
// backend.
type PCIeDataTransportConfig struct {
	DevicePath      string `yaml:"device_path"`
	TxCmdTimeoutMs  int    `yaml:"tx_cmd_timeout_ms"`
	RxCmdTimeoutMs  int    `yaml:"rx_cmd_timeout_ms"`
	TxDataTimeoutMs int    `yaml:"tx_data_timeout_ms"`
	RxDataTimeoutMs int    `yaml:"rx_data_timeout_ms"`
}

// MonitorConfig configures the websocket live-stats monitor.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTConfig configures telemetry publication.
type MQTTConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BrokerURL    string        `yaml:"broker_url"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	TopicPrefix  string        `yaml:"topic_prefix"`
	TLS          MQTTTLSConfig `yaml:"tls"`
	PublishEvery time.Duration `yaml:"publish_every"`
}

// MQTTTLSConfig configures broker TLS.
type MQTTTLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// MCPConfig configures the read-only MCP control surface.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// CaptureConfig configures zstd wire-trace capture.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Level   int    `yaml:"level"`
}

// LoggingConfig names the optional runtime logging knobs.
type LoggingConfig struct {
	ConsoleLevel   string `yaml:"console_level"`
	ConsolePattern string `yaml:"console_pattern"`
	FileLevel      string `yaml:"file_level"`
	FilePath       string `yaml:"file_path"`
}

// LoadConfig reads and validates the YAML document at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vxsdr: failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("vxsdr: failed to parse config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err == nil {
		for _, known := range []string{
			"command_transport", "data_transport", "udp_transport", "udp_data_transport",
			"pcie_data_transport", "monitor", "metrics", "mqtt", "mcp", "capture", "logging",
		} {
			delete(raw, known)
		}
		cfg.Extra = raw
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CommandTransport == 0 {
		c.CommandTransport = TransportUDP
	}
	if c.DataTransport == 0 {
		c.DataTransport = TransportUDP
	}
	if c.UDPDataTransport.TxDataQueuePackets == 0 {
		c.UDPDataTransport.TxDataQueuePackets = 511
	}
	if c.UDPDataTransport.RxDataQueuePackets == 0 {
		c.UDPDataTransport.RxDataQueuePackets = 262143
	}
	if c.UDPDataTransport.MTUBytes == 0 {
		c.UDPDataTransport.MTUBytes = 9000
	}
	if c.UDPDataTransport.NetworkSendBufferBytes == 0 {
		c.UDPDataTransport.NetworkSendBufferBytes = 262144
	}
	if c.UDPDataTransport.NetworkReceiveBufferBytes == 0 {
		c.UDPDataTransport.NetworkReceiveBufferBytes = 8388608
	}
	if c.PCIeDataTransport.DevicePath == "" {
		c.PCIeDataTransport.DevicePath = "/dev/vxsdr_dma"
	}
	if c.Capture.Level == 0 {
		c.Capture.Level = 3
	}
}

// Validate checks the configuration for required fields and sane
// ranges.
func (c *Config) Validate() error {
	if c.CommandTransport == TransportUDP || c.DataTransport == TransportUDP {
		if c.UDPTransport.LocalAddress == "" {
			return fmt.Errorf("%w: udp_transport.local_address is required", ErrBadConfig)
		}
		if c.UDPTransport.DeviceAddress == "" {
			return fmt.Errorf("%w: udp_transport.device_address is required", ErrBadConfig)
		}
		if net.ParseIP(c.UDPTransport.LocalAddress) == nil {
			return fmt.Errorf("%w: udp_transport.local_address %q is not a valid IP", ErrBadConfig, c.UDPTransport.LocalAddress)
		}
		if net.ParseIP(c.UDPTransport.DeviceAddress) == nil {
			return fmt.Errorf("%w: udp_transport.device_address %q is not a valid IP", ErrBadConfig, c.UDPTransport.DeviceAddress)
		}
	}
	if c.Monitor.Enabled && c.Monitor.Listen == "" {
		return fmt.Errorf("%w: monitor.listen is required when monitor.enabled", ErrBadConfig)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics.enabled", ErrBadConfig)
	}
	if c.MCP.Enabled && c.MCP.Listen == "" {
		return fmt.Errorf("%w: mcp.listen is required when mcp.enabled", ErrBadConfig)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("%w: mqtt.broker_url is required when mqtt.enabled", ErrBadConfig)
	}
	if c.Capture.Enabled && c.Capture.Path == "" {
		return fmt.Errorf("%w: capture.path is required when capture.enabled", ErrBadConfig)
	}
	return nil
}
