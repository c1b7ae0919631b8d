package vxsdr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// UDP port assignments: command local send/recv 55123/1030, data local
// send/recv 55124/1031; the device side uses 1030/1031 for both
// directions.
const (
	udpHostCmdSendPort   = 55123
	udpHostCmdRecvPort   = 1030
	udpDeviceCmdSendPort = 1030
	udpDeviceCmdRecvPort = 1030

	udpHostDataSendPort   = 55124
	udpHostDataRecvPort   = 1031
	udpDeviceDataSendPort = 1031
	udpDeviceDataRecvPort = 1031
)

// UDPEndpoints names the local and device IPv4 addresses one
// CommandTransport/DataTransport's UDP backend connects between.
type UDPEndpoints struct {
	LocalAddr  net.IP
	DeviceAddr net.IP
}

// UDPBackendConfig configures one transport's pair of connected UDP
// sockets.
type UDPBackendConfig struct {
	Endpoints       UDPEndpoints
	LocalSendPort   int
	LocalRecvPort   int
	DeviceRecvPort  int // device's receive port: where our sender connects to
	DeviceSendPort  int // device's send port: where our receiver connects to
	SendBufferBytes int
	RecvBufferBytes int
	MTUCheckBytes   int // non-zero enables the MTU >= MaxDataPacketBytes+20 check; 0 disables it (used for the command backend)
	ReceiveTimeout  time.Duration
	DontFragment    bool
}

// udpBackend implements Backend over a pair of connected UDP sockets:
// a sender socket bound to a fixed local port and connected to the
// device's receive port, and a separate receiver socket bound to a
// fixed local port and connected to the device's send port. Connecting
// (rather than plain ListenPacket) means the kernel filters out
// datagrams from anything but the device.
type udpBackend struct {
	sender   *net.UDPConn
	receiver *net.UDPConn
	timeout  time.Duration
}

func dialerWithSockopts(sendBuf, recvBuf int) *net.Dialer {
	return &net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("SO_REUSEADDR: %w", err)
					return
				}
				if sendBuf > 0 {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendBuf); err != nil {
						sockErr = fmt.Errorf("SO_SNDBUF: %w", err)
						return
					}
				}
				if recvBuf > 0 {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBuf); err != nil {
						sockErr = fmt.Errorf("SO_RCVBUF: %w", err)
						return
					}
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

// NewUDPBackend opens the sender/receiver socket pair described by cfg.
// A startup error releases any socket already opened.
func NewUDPBackend(cfg UDPBackendConfig) (Backend, error) {
	if cfg.Endpoints.LocalAddr == nil || cfg.Endpoints.DeviceAddr == nil {
		return nil, fmt.Errorf("%w: udp_transport local_address and device_address are required", ErrBadConfig)
	}

	senderDialer := dialerWithSockopts(cfg.SendBufferBytes, 0)
	senderDialer.LocalAddr = &net.UDPAddr{IP: cfg.Endpoints.LocalAddr, Port: cfg.LocalSendPort}
	senderConn, err := senderDialer.DialContext(context.Background(), "udp4",
		fmt.Sprintf("%s:%d", cfg.Endpoints.DeviceAddr, cfg.DeviceRecvPort))
	if err != nil {
		return nil, fmt.Errorf("vxsdr: udp sender connect: %w", err)
	}
	sender := senderConn.(*net.UDPConn)

	receiverDialer := dialerWithSockopts(0, cfg.RecvBufferBytes)
	receiverDialer.LocalAddr = &net.UDPAddr{IP: cfg.Endpoints.LocalAddr, Port: cfg.LocalRecvPort}
	receiverConn, err := receiverDialer.DialContext(context.Background(), "udp4",
		fmt.Sprintf("%s:%d", cfg.Endpoints.DeviceAddr, cfg.DeviceSendPort))
	if err != nil {
		sender.Close()
		return nil, fmt.Errorf("vxsdr: udp receiver connect: %w", err)
	}
	receiver := receiverConn.(*net.UDPConn)

	if cfg.DontFragment {
		if err := setDontFragment(sender); err != nil {
			sender.Close()
			receiver.Close()
			return nil, fmt.Errorf("vxsdr: udp set do-not-fragment: %w", err)
		}
	}

	if cfg.MTUCheckBytes > 0 {
		mtu, err := interfaceMTUForAddr(cfg.Endpoints.LocalAddr)
		if err != nil {
			sender.Close()
			receiver.Close()
			return nil, fmt.Errorf("vxsdr: udp mtu check: %w", err)
		}
		if mtu < MaxDataPacketBytes+20 {
			sender.Close()
			receiver.Close()
			return nil, fmt.Errorf("%w: interface mtu %d < required %d", ErrMTUTooSmall, mtu, MaxDataPacketBytes+20)
		}
	}

	timeout := cfg.ReceiveTimeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}

	return &udpBackend{sender: sender, receiver: receiver, timeout: timeout}, nil
}

// Send writes buf to the connected device peer. On Darwin, Write can
// return ENOBUFS instead of blocking when the kernel send buffer is
// momentarily full; the backend loops with a short sleep until the
// send succeeds.
func (b *udpBackend) Send(buf []byte) error {
	for {
		_, err := b.sender.Write(buf)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.ENOBUFS) {
			time.Sleep(time.Millisecond)
			continue
		}
		return err
	}
}

// Receive blocks, up to the configured per-call deadline so the caller's
// goroutine can observe a shutdown request, for one datagram from the
// device.
func (b *udpBackend) Receive() ([]byte, error) {
	buf := make([]byte, MaxDataPacketBytes)
	b.receiver.SetReadDeadline(time.Now().Add(b.timeout))
	n, err := b.receiver.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Close closes both sockets, unblocking any in-flight Receive.
func (b *udpBackend) Close() error {
	err1 := b.sender.Close()
	err2 := b.receiver.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// interfaceMTUForAddr finds the MTU of the local network interface
// owning addr, used for the startup MTU check.
func interfaceMTUForAddr(addr net.IP) (int, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.Equal(addr) {
				return iface.MTU, nil
			}
		}
	}
	return 0, fmt.Errorf("no local interface found owning address %s", addr)
}
