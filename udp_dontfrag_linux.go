//go:build linux

package vxsdr

import (
	"net"

	"golang.org/x/sys/unix"
)

// setDontFragment sets IP_MTU_DISCOVER/IP_PMTUDISC_DO on the data
// sender socket, so oversized packets are rejected by the kernel
// instead of being silently fragmented.
func setDontFragment(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
	})
	if err != nil {
		return err
	}
	return sockErr
}
