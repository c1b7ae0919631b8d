package vxsdr

import (
	"errors"
	"net"
	"testing"
)

func TestInterfaceMTUForLoopback(t *testing.T) {
	mtu, err := interfaceMTUForAddr(net.ParseIP("127.0.0.1"))
	if err != nil {
		t.Fatalf("interfaceMTUForAddr(loopback): %v", err)
	}
	if mtu <= 0 {
		t.Fatalf("loopback MTU = %d, want > 0", mtu)
	}
}

func TestInterfaceMTUForUnknownAddrFails(t *testing.T) {
	if _, err := interfaceMTUForAddr(net.ParseIP("203.0.113.254")); err == nil {
		t.Fatal("expected an error for an address with no owning local interface")
	}
}

func TestNewUDPBackendRequiresAddresses(t *testing.T) {
	_, err := NewUDPBackend(UDPBackendConfig{})
	if !errors.Is(err, ErrBadConfig) {
		t.Fatalf("err = %v, want ErrBadConfig", err)
	}
}
