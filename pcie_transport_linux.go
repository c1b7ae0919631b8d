//go:build linux

package vxsdr

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Linux ioctl request numbers for the DMA character device, encoded
// the standard way (_IO/_IOR/_IOW/_IOWR, magic 'v'). The authoritative
// numbering lives in the vendor driver header; these encodings must
// match the driver build the device node was created by.
const dmaIoctlMagic = 'v'

func ioctlIO(nr uintptr) uintptr     { return ioctlEncode(0, nr, 0) }
func ioctlIOW(nr, size uintptr) uintptr  { return ioctlEncode(1, nr, size) }
func ioctlIOR(nr, size uintptr) uintptr  { return ioctlEncode(2, nr, size) }
func ioctlIOWR(nr, size uintptr) uintptr { return ioctlEncode(3, nr, size) }

func ioctlEncode(dir, nr, size uintptr) uintptr {
	return dir<<30 | uintptr(dmaIoctlMagic)<<8 | (nr & 0xff) | size<<16
}

var (
	ioctlRxClearData          = ioctlIO(1)
	ioctlRxClearCtrl          = ioctlIO(2)
	ioctlTxReset              = ioctlIO(3)
	ioctlGetDataMsgBufferSize = ioctlIO(4)
	ioctlTxBufferCnt          = ioctlIO(5)
	ioctlRxBufferCnt          = ioctlIO(6)
	ioctlGetTxDevDDRSize      = ioctlIO(7)
	ioctlGetRxDevDDRSize      = ioctlIO(8)
	ioctlMmapTxSel            = ioctlIOW(9, 4)
	ioctlCheckoutTxBuffer     = ioctlIO(10)
	ioctlUploadTxBufferBlock  = ioctlIOW(11, 8)
	ioctlReleaseTxBuffer      = ioctlIO(12)
	ioctlCheckoutRxBufferBlk  = ioctlIO(13)
	ioctlReleaseRxBuffer      = ioctlIO(14)
	ioctlTxBlockTimeout       = ioctlIOW(15, 4)
	ioctlRxBlockTimeout       = ioctlIOW(16, 4)
	ioctlTxIoctlBlockTimeout  = ioctlIOW(17, 4)
	ioctlRxIoctlBlockTimeout  = ioctlIOW(18, 4)
)

// PCIeBackendConfig configures the character-device DMA backend.
type PCIeBackendConfig struct {
	DevicePath      string
	TxCmdTimeoutMs  int
	RxCmdTimeoutMs  int
	TxDataTimeoutMs int
	RxDataTimeoutMs int
}

func (c PCIeBackendConfig) withDefaults() PCIeBackendConfig {
	if c.DevicePath == "" {
		c.DevicePath = "/dev/vxsdr_dma"
	}
	if c.TxCmdTimeoutMs == 0 {
		c.TxCmdTimeoutMs = 1500
	}
	if c.RxCmdTimeoutMs == 0 {
		c.RxCmdTimeoutMs = 1500
	}
	if c.TxDataTimeoutMs == 0 {
		c.TxDataTimeoutMs = 100
	}
	if c.RxDataTimeoutMs == 0 {
		c.RxDataTimeoutMs = 500
	}
	return c
}

// pcieBackend implements Backend over the vxsdr DMA character device:
// ioctl-managed checkout/upload/release of mmap'd ring buffers for
// data, plain read/write for commands.
type pcieBackend struct {
	fd           int
	bufSize      int
	txBufs       [][]byte
	rxBufs       [][]byte
	isDataStream bool // command device uses read/write; data device uses mmap buffers

	mu sync.Mutex
}

// NewPCIeCommandBackend opens the DMA device for command/response
// traffic, using plain blocking read/write.
func NewPCIeCommandBackend(cfg PCIeBackendConfig) (Backend, error) {
	b, err := openPCIeDevice(cfg.withDefaults(), false)
	return b, err
}

// NewPCIeDataBackend opens the DMA device for sample-data traffic,
// using the mmap'd checkout/release buffer protocol.
func NewPCIeDataBackend(cfg PCIeBackendConfig) (Backend, error) {
	b, err := openPCIeDevice(cfg.withDefaults(), true)
	return b, err
}

func openPCIeDevice(cfg PCIeBackendConfig, dataStream bool) (*pcieBackend, error) {
	fd, err := unix.Open(cfg.DevicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vxsdr: pcie open %s: %w", cfg.DevicePath, err)
	}

	b := &pcieBackend{fd: fd, isDataStream: dataStream}

	if err := b.ioctl(ioctlRxClearData, 0); err != nil {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie clear rx data buffer: %w", err)
	}

	size, err := b.ioctlResult(ioctlGetDataMsgBufferSize, 0)
	if err != nil || size <= 0 {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie invalid dma buffer size: %w", err)
	}
	b.bufSize = size

	txCnt, err := b.ioctlResult(ioctlTxBufferCnt, 0)
	if err != nil || txCnt < 0 {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie invalid tx buffer count: %w", err)
	}
	rxCnt, err := b.ioctlResult(ioctlRxBufferCnt, 0)
	if err != nil || rxCnt < 0 {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie invalid rx buffer count: %w", err)
	}

	if _, err := b.ioctlResult(ioctlGetRxDevDDRSize, 0); err != nil {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie get rx ddr size: %w", err)
	}
	if _, err := b.ioctlResult(ioctlGetTxDevDDRSize, 0); err != nil {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie get tx ddr size: %w", err)
	}

	if err := b.ioctl(ioctlTxBlockTimeout, cfg.TxCmdTimeoutMs); err != nil {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie set tx cmd timeout: %w", err)
	}
	if err := b.ioctl(ioctlRxBlockTimeout, cfg.RxCmdTimeoutMs); err != nil {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie set rx cmd timeout: %w", err)
	}
	if err := b.ioctl(ioctlTxIoctlBlockTimeout, cfg.TxDataTimeoutMs); err != nil {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie set tx data timeout: %w", err)
	}
	if err := b.ioctl(ioctlRxIoctlBlockTimeout, cfg.RxDataTimeoutMs); err != nil {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie set rx data timeout: %w", err)
	}

	if err := b.ioctl(ioctlRxClearCtrl, 0); err != nil {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie clear rx cmd buffer: %w", err)
	}
	if err := b.ioctl(ioctlTxReset, 0); err != nil {
		b.closeFd()
		return nil, fmt.Errorf("vxsdr: pcie reset tx: %w", err)
	}

	if dataStream {
		if err := b.ioctl(ioctlMmapTxSel, 1); err != nil {
			b.closeFd()
			return nil, fmt.Errorf("vxsdr: pcie select tx mmap: %w", err)
		}
		b.txBufs = make([][]byte, txCnt)
		for i := range b.txBufs {
			m, err := unix.Mmap(fd, 0, b.bufSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				b.closeFd()
				return nil, fmt.Errorf("vxsdr: pcie mmap tx buffer %d: %w", i, err)
			}
			b.txBufs[i] = m
		}
		if err := b.ioctl(ioctlMmapTxSel, 0); err != nil {
			b.closeFd()
			return nil, fmt.Errorf("vxsdr: pcie select rx mmap: %w", err)
		}
		b.rxBufs = make([][]byte, rxCnt)
		for i := range b.rxBufs {
			m, err := unix.Mmap(fd, 0, b.bufSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				b.closeFd()
				return nil, fmt.Errorf("vxsdr: pcie mmap rx buffer %d: %w", i, err)
			}
			b.rxBufs[i] = m
		}
	}

	return b, nil
}

func (b *pcieBackend) ioctl(req uintptr, arg int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *pcieBackend) ioctlResult(req uintptr, arg int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// Send writes one packet. For the command device this is a plain
// blocking write; for the data device it checks out a tx mmap buffer,
// copies in, uploads (blocking), then releases it.
func (b *pcieBackend) Send(buf []byte) error {
	if !b.isDataStream {
		_, err := unix.Write(b.fd, buf)
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.ioctlResult(ioctlCheckoutTxBuffer, 0)
	if err != nil {
		return fmt.Errorf("vxsdr: pcie checkout tx buffer: %w", err)
	}
	n := copy(b.txBufs[idx], buf)
	if err := b.ioctl(ioctlUploadTxBufferBlock, n); err != nil {
		b.ioctl(ioctlReleaseTxBuffer, 0)
		return fmt.Errorf("vxsdr: pcie upload tx buffer: %w", err)
	}
	if err := b.ioctl(ioctlReleaseTxBuffer, 0); err != nil {
		return fmt.Errorf("vxsdr: pcie release tx buffer: %w", err)
	}
	return nil
}

// Receive reads one packet. For the command device this is a plain
// blocking read truncated to the header's packet_size; for the data
// device it blocks on checkout of an rx mmap buffer, copies out, then
// releases it.
func (b *pcieBackend) Receive() ([]byte, error) {
	if !b.isDataStream {
		buf := make([]byte, MaxCmdRspPacketBytes)
		n, err := unix.Read(b.fd, buf)
		if err != nil {
			return nil, err
		}
		hdr, err := DecodeHeader(buf[:n])
		if err == nil && int(hdr.PacketSize) < n {
			n = int(hdr.PacketSize)
		}
		return buf[:n], nil
	}

	idx, err := b.ioctlResult(ioctlCheckoutRxBufferBlk, 0)
	if err != nil {
		return nil, fmt.Errorf("vxsdr: pcie checkout rx buffer: %w", err)
	}
	src := b.rxBufs[idx]
	hdr, herr := DecodeHeader(src)
	n := len(src)
	if herr == nil && int(hdr.PacketSize) < n {
		n = int(hdr.PacketSize)
	}
	out := make([]byte, n)
	copy(out, src[:n])
	if err := b.ioctl(ioctlReleaseRxBuffer, 0); err != nil {
		return nil, fmt.Errorf("vxsdr: pcie release rx buffer: %w", err)
	}
	return out, nil
}

func (b *pcieBackend) Close() error {
	for _, m := range b.txBufs {
		unix.Munmap(m)
	}
	for _, m := range b.rxBufs {
		unix.Munmap(m)
	}
	return b.closeFd()
}

func (b *pcieBackend) closeFd() error {
	if b.fd == 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = 0
	return err
}

