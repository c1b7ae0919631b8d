// Command vxsdrctl brings up the host-side transport core against a
// single device and exposes its monitoring/control surfaces, wiring
// together the pieces in package vxsdr.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	vxsdr "github.com/cwsl/vxsdr-go"
)

func main() {
	configPath := flag.String("config", "vxsdrctl.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := vxsdr.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vxsdrctl: %v\n", err)
		os.Exit(1)
	}

	log := vxsdr.NewLogger(vxsdr.ParseLevel(cfg.Logging.ConsoleLevel))

	var capture *vxsdr.Capture
	if cfg.Capture.Enabled {
		capture, err = vxsdr.NewCapture(cfg.Capture.Path, cfg.Capture.Level)
		if err != nil {
			log.Errorf("capture: %v", err)
		}
	}

	dev, err := openDevice(cfg, capture, log)
	if err != nil {
		log.Errorf("opening device: %v", err)
		os.Exit(1)
	}
	info := dev.Info()
	log.Infof("device ready: id=%d serial=%d subdevices=%d", info.DeviceID, info.SerialNumber, info.NumSubdevices)

	dispatcher := vxsdr.NewAsyncDispatcher(dev.CommandTransport(), log)

	asyncLog := vxsdr.NewAsyncLog(256)
	dispatcher.AddSink(asyncLog.Sink())

	linkStats := vxsdr.NewLinkStats(256)
	dev.AttachLinkStats(linkStats)
	stopFillSampler := make(chan struct{})
	go sampleFillPercent(dev, linkStats, time.Second, stopFillSampler)

	stopPeriodic := make(chan struct{})

	hostStats := vxsdr.NewHostStatsTracker(time.Second, log)
	hostStats.Start()

	var metrics *vxsdr.Metrics
	if cfg.Metrics.Enabled {
		metrics = vxsdr.NewMetrics()
		dispatcher.AddSink(metrics.Sink())
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		startHTTPServer("metrics", cfg.Metrics.Listen, mux, log)
		go sampleMetrics(dev, metrics, time.Second, stopPeriodic)
	}

	var monitor *vxsdr.Monitor
	if cfg.Monitor.Enabled {
		monitor = vxsdr.NewMonitor(log)
		monitor.SetHostSource(hostStats.Latest)
		dispatcher.AddSink(monitor.Sink(dev))
		mux := http.NewServeMux()
		mux.Handle("/ws", monitor)
		startHTTPServer("monitor", cfg.Monitor.Listen, mux, log)
		monitor.PeriodicBroadcast(dev, time.Second, stopPeriodic)
	}

	var telemetry *vxsdr.TelemetryPublisher
	if cfg.MQTT.Enabled {
		telemetry, err = vxsdr.NewTelemetryPublisher(cfg.MQTT, log)
		if err != nil {
			log.Errorf("mqtt: %v", err)
		} else {
			dispatcher.AddSink(telemetry.Sink())
			interval := cfg.MQTT.PublishEvery
			if interval <= 0 {
				interval = 10 * time.Second
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			telemetry.StartPeriodicStats(ctx, dev, interval)
		}
	}

	if cfg.MCP.Enabled {
		mcp := vxsdr.NewMCPServer(dev, asyncLog, linkStats)
		mux := http.NewServeMux()
		mux.Handle("/mcp", mcp)
		startHTTPServer("mcp", cfg.MCP.Listen, mux, log)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Infof("shutting down")
	close(stopFillSampler)
	close(stopPeriodic)
	hostStats.Stop()
	if telemetry != nil {
		telemetry.Close()
	}
	// Transports drain first (data sender, data receiver, then the
	// command pair); the async dispatcher joins last so it can keep
	// draining messages until the command transport is gone.
	if err := dev.Close(); err != nil {
		log.Warnf("device close: %v", err)
	}
	dispatcher.Close()
	if capture != nil {
		capture.Close()
	}
}

func openDevice(cfg *vxsdr.Config, capture *vxsdr.Capture, log *vxsdr.Logger) (*vxsdr.Device, error) {
	cmdBackend, err := commandBackend(cfg)
	if err != nil {
		return nil, err
	}
	dataBackend, err := dataBackend(cfg)
	if err != nil {
		return nil, err
	}
	if capture != nil {
		cmdBackend = vxsdr.WithCapture(cmdBackend, capture, log)
		dataBackend = vxsdr.WithCapture(dataBackend, capture, log)
	}

	dataCfg := vxsdr.DataTransportConfig{
		TxQueueDepth: cfg.UDPDataTransport.TxDataQueuePackets,
		RxQueueDepth: cfg.UDPDataTransport.RxDataQueuePackets,
	}
	if cfg.DataTransport == vxsdr.TransportUDP {
		dataCfg.Throttle = vxsdr.DefaultUDPThrottle()
	} else {
		dataCfg.Throttle = vxsdr.DefaultPCIeThrottle()
	}

	return vxsdr.Open(vxsdr.DeviceConfig{
		CommandBackend: cmdBackend,
		DataBackend:    dataBackend,
		DataConfig:     dataCfg,
		Log:            log,
		HelloTimeout:   2 * time.Second,
	})
}

func commandBackend(cfg *vxsdr.Config) (vxsdr.Backend, error) {
	switch cfg.CommandTransport {
	case vxsdr.TransportPCIe:
		return vxsdr.NewPCIeCommandBackend(vxsdr.PCIeBackendConfig{DevicePath: cfg.PCIeDataTransport.DevicePath})
	default:
		local := net.ParseIP(cfg.UDPTransport.LocalAddress)
		device := net.ParseIP(cfg.UDPTransport.DeviceAddress)
		return vxsdr.NewUDPBackend(vxsdr.UDPBackendConfig{
			Endpoints:      vxsdr.UDPEndpoints{LocalAddr: local, DeviceAddr: device},
			LocalSendPort:  55123,
			LocalRecvPort:  1030,
			DeviceRecvPort: 1030,
			DeviceSendPort: 1030,
		})
	}
}

func dataBackend(cfg *vxsdr.Config) (vxsdr.Backend, error) {
	switch cfg.DataTransport {
	case vxsdr.TransportPCIe:
		return vxsdr.NewPCIeDataBackend(vxsdr.PCIeBackendConfig{
			DevicePath:      cfg.PCIeDataTransport.DevicePath,
			TxCmdTimeoutMs:  cfg.PCIeDataTransport.TxCmdTimeoutMs,
			RxCmdTimeoutMs:  cfg.PCIeDataTransport.RxCmdTimeoutMs,
			TxDataTimeoutMs: cfg.PCIeDataTransport.TxDataTimeoutMs,
			RxDataTimeoutMs: cfg.PCIeDataTransport.RxDataTimeoutMs,
		})
	default:
		local := net.ParseIP(cfg.UDPTransport.LocalAddress)
		device := net.ParseIP(cfg.UDPTransport.DeviceAddress)
		return vxsdr.NewUDPBackend(vxsdr.UDPBackendConfig{
			Endpoints:       vxsdr.UDPEndpoints{LocalAddr: local, DeviceAddr: device},
			LocalSendPort:   55124,
			LocalRecvPort:   1031,
			DeviceRecvPort:  1031,
			DeviceSendPort:  1031,
			SendBufferBytes: cfg.UDPDataTransport.NetworkSendBufferBytes,
			RecvBufferBytes: cfg.UDPDataTransport.NetworkReceiveBufferBytes,
			MTUCheckBytes:   cfg.UDPDataTransport.MTUBytes,
			DontFragment:    cfg.UDPDataTransport.DontFragment,
		})
	}
}

func sampleFillPercent(dev *vxsdr.Device, ls *vxsdr.LinkStats, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ls.ObserveFillPercent(dev.FillPercent())
		}
	}
}

func sampleMetrics(dev *vxsdr.Device, m *vxsdr.Metrics, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.ObserveCommand(dev.CommandStats())
			m.ObserveData(dev.DataStats(), dev.ThrottleState(), dev.FillPercent(), dev.PacketOOSCount())
		}
	}
}

func startHTTPServer(name, addr string, handler http.Handler, log *vxsdr.Logger) {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		log.Infof("%s server listening on %s", name, addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("%s server: %v", name, err)
		}
	}()
}
