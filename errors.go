package vxsdr

import "errors"

// Sentinel errors for the transport core. Call sites wrap these with
// fmt.Errorf("...: %w", ErrX) so callers can errors.Is/errors.As
// against them.
var (
	ErrTimeout           = errors.New("vxsdr: timed out")
	ErrTransportNotReady = errors.New("vxsdr: transport not ready")
	ErrSequence          = errors.New("vxsdr: sequence counter mismatch")
	ErrSizeMismatch      = errors.New("vxsdr: packet size mismatch")
	ErrCorrelation       = errors.New("vxsdr: response does not correlate to request")
	ErrCommandBusy       = errors.New("vxsdr: command transport busy")
	ErrQueueFull         = errors.New("vxsdr: queue push timed out")
	ErrShuttingDown      = errors.New("vxsdr: transport is shutting down")
	ErrMTUTooSmall       = errors.New("vxsdr: sender MTU too small for data packets")
	ErrBadConfig         = errors.New("vxsdr: invalid configuration")
	ErrUnsupportedBackend = errors.New("vxsdr: unsupported transport backend")
)

// CommandError is the error code carried in the first payload word of
// a device _ERR response.
type CommandError uint32

const (
	CmdErrNoError CommandError = iota
	CmdErrBadCommand
	CmdErrBusy
	CmdErrNoSuchSubdevice
	CmdErrNoSuchChannel
	CmdErrTimeout
	CmdErrBadHeaderSize
	CmdErrBadHeaderFlags
	CmdErrBadParameter
	CmdErrNotSupported
	CmdErrBadPacketSize
	CmdErrInternalError
	CmdErrFailed
)

func (e CommandError) String() string {
	names := [...]string{
		"NO_ERROR", "BAD_COMMAND", "BUSY", "NO_SUCH_SUBDEVICE", "NO_SUCH_CHANNEL",
		"TIMEOUT", "BAD_HEADER_SIZE", "BAD_HEADER_FLAGS", "BAD_PARAMETER",
		"NOT_SUPPORTED", "BAD_PACKET_SIZE", "INTERNAL_ERROR", "FAILED",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return "UNKNOWN_COMMAND_ERROR"
}

// Error satisfies the error interface so a decoded _ERR response can be
// returned directly from a façade call.
func (e CommandError) Error() string { return "vxsdr: device reported " + e.String() }
