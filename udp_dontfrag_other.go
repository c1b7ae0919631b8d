//go:build !linux

package vxsdr

import "net"

// setDontFragment is a no-op on platforms without IP_MTU_DISCOVER.
func setDontFragment(conn *net.UDPConn) error {
	return nil
}
