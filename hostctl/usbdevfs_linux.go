// SPDX-License-Identifier: Apache-2.0

package hostctl

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

const (
	usbdevfsClaimInterface  = 0x8004550f
	usbdevfsClearHalt       = 0x80045515
	usbdevfsSubmitURB       = 0x8038550a
	usbdevfsDiscardURB      = 0x0000550b
	usbdevfsReapURB         = 0x4008550c
	usbdevfsDisconnectClaim = 0x8108551b
)

const (
	urbTypeIso       = 0
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3

	urbFlagIsoASAP    = 0x02
	urbFlagZeroPacket = 0x40
)

// Descriptor type tags used while walking the raw config descriptor.
const (
	dtConfig   = 0x02
	dtEndpoint = 0x05
)

const setupPacketSize = 8

// usbdevfsURB mirrors struct usbdevfs_urb; iso packet descriptors
// follow the struct in the same allocation.
type usbdevfsURB struct {
	Type            uint8
	Endpoint        uint8
	Status          int32
	Flags           uint32
	Buffer          unsafe.Pointer
	BufferLength    int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	SignalNumber    uint32
	UserContext     uintptr
}

type usbdevfsIsoPacketDesc struct {
	Length       uint32
	ActualLength uint32
	Status       int32
}

type disconnectClaim struct {
	Interface uint32
	Flags     uint32
	Driver    [256]byte
}

const disconnectClaimIfDriver = 0x01

// USBDevfs drives USB devices through the Linux usbdevfs character
// devices. One reaper goroutine per opened device dispatches
// completion callbacks.
type USBDevfs struct {
	logger log.Logger
}

func NewUSBDevfs(logger log.Logger) *USBDevfs {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &USBDevfs{logger: logger}
}

type pendingURB struct {
	transfer *Transfer
	// buf keeps the URB allocation referenced while the kernel owns it.
	buf []byte
	urb *usbdevfsURB
}

type devfsDevice struct {
	ctl  *USBDevfs
	path string

	mu      sync.Mutex
	fd      int
	closed  bool
	reaping bool
	pending map[uintptr]*pendingURB

	// descriptors as returned by reading the device node: device
	// descriptor followed by the raw config descriptors.
	descriptors []byte
}

// Open opens a usbdevfs node (/dev/bus/usb/BBB/DDD), detaches any
// kernel driver from its interfaces, and claims them.
func (c *USBDevfs) Open(devNode string) (Device, error) {
	fd, err := unix.Open(devNode, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", devNode)
	}

	d := &devfsDevice{
		ctl:     c,
		path:    devNode,
		fd:      fd,
		pending: make(map[uintptr]*pendingURB),
	}

	chunk := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, chunk)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			_ = unix.Close(fd)
			return nil, errors.Wrapf(err, "failed to read descriptors of %s", devNode)
		}
		if n == 0 {
			break
		}
		d.descriptors = append(d.descriptors, chunk[:n]...)
	}

	for _, iface := range d.interfaceNumbers() {
		if err := d.claimInterface(iface); err != nil {
			_ = level.Warn(c.logger).Log("msg", "failed to claim interface", "device", devNode, "interface", iface, "err", err)
		}
	}

	return d, nil
}

func (d *devfsDevice) claimInterface(iface uint8) error {
	claim := disconnectClaim{Interface: uint32(iface), Flags: disconnectClaimIfDriver}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), usbdevfsDisconnectClaim, uintptr(unsafe.Pointer(&claim)))
	if errno == 0 {
		return nil
	}
	// Older kernels lack DISCONNECT_CLAIM; fall back to a plain claim.
	num := uint32(iface)
	_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), usbdevfsClaimInterface, uintptr(unsafe.Pointer(&num)))
	if errno != 0 {
		return errors.Newf("claim interface %d: %v", iface, errno)
	}
	return nil
}

func (d *devfsDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, entry := range d.pending {
		_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), usbdevfsDiscardURB, uintptr(unsafe.Pointer(entry.urb)))
	}
	fd := d.fd
	d.mu.Unlock()
	return unix.Close(fd)
}

func (c *USBDevfs) AllocTransfer(capacity int, isoPackets int) (*Transfer, error) {
	if capacity < 0 {
		return nil, ErrNoMem
	}
	t := &Transfer{
		Data:     make([]byte, capacity),
		NumBytes: capacity,
	}
	if isoPackets > 0 {
		t.IsoPackets = make([]IsoPacket, isoPackets)
	}
	return t, nil
}

func (c *USBDevfs) FreeTransfer(t *Transfer) {
	t.Data = nil
	t.IsoPackets = nil
}

func (c *USBDevfs) SubmitControl(t *Transfer) error {
	return c.submit(t, urbTypeControl)
}

func (c *USBDevfs) Submit(t *Transfer) error {
	switch t.Type {
	case EndpointIsochronous:
		return c.submit(t, urbTypeIso)
	case EndpointInterrupt:
		return c.submit(t, urbTypeInterrupt)
	default:
		return c.submit(t, urbTypeBulk)
	}
}

func (c *USBDevfs) submit(t *Transfer, urbType uint8) error {
	d, ok := t.Device.(*devfsDevice)
	if !ok {
		return errors.New("transfer device is not a usbdevfs device")
	}

	urbSize := int(unsafe.Sizeof(usbdevfsURB{})) + len(t.IsoPackets)*int(unsafe.Sizeof(usbdevfsIsoPacketDesc{}))
	buf := make([]byte, urbSize)
	urb := (*usbdevfsURB)(unsafe.Pointer(&buf[0]))
	urb.Type = urbType
	urb.Endpoint = t.Endpoint
	if len(t.Data) > 0 {
		urb.Buffer = unsafe.Pointer(&t.Data[0])
	}
	urb.BufferLength = int32(t.NumBytes)
	if t.Flags&FlagZeroPacket != 0 {
		urb.Flags |= urbFlagZeroPacket
	}
	if urbType == urbTypeIso {
		urb.Flags |= urbFlagIsoASAP
		urb.NumberOfPackets = int32(len(t.IsoPackets))
		descs := isoDescs(urb, len(t.IsoPackets))
		for i := range t.IsoPackets {
			descs[i].Length = uint32(t.IsoPackets[i].Length)
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.Newf("device %s is closed", d.path)
	}
	d.pending[uintptr(unsafe.Pointer(urb))] = &pendingURB{transfer: t, buf: buf, urb: urb}
	if !d.reaping {
		d.reaping = true
		go d.reapLoop()
	}
	d.mu.Unlock()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), usbdevfsSubmitURB, uintptr(unsafe.Pointer(urb)))
	if errno != 0 {
		d.mu.Lock()
		delete(d.pending, uintptr(unsafe.Pointer(urb)))
		d.mu.Unlock()
		return errors.Newf("failed to submit urb on endpoint %02x: %v", t.Endpoint, errno)
	}
	return nil
}

func (d *devfsDevice) reapLoop() {
	for {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			d.failPending(StatusNoDevice)
			return
		}

		var reaped *usbdevfsURB
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), usbdevfsReapURB, uintptr(unsafe.Pointer(&reaped)))
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		if errno != 0 {
			// ENODEV means the device went away under us; anything
			// else is equally terminal for this fd.
			d.failPending(StatusNoDevice)
			return
		}

		d.mu.Lock()
		entry, ok := d.pending[uintptr(unsafe.Pointer(reaped))]
		delete(d.pending, uintptr(unsafe.Pointer(reaped)))
		d.mu.Unlock()
		if !ok {
			continue
		}

		t := entry.transfer
		t.Status = urbStatus(reaped.Status)
		t.ActualNumBytes = int(reaped.ActualLength)
		if reaped.Type == urbTypeControl {
			// The kernel reports the data stage only; the engine
			// expects the setup stage to be counted.
			t.ActualNumBytes += setupPacketSize
		}
		if reaped.Type == urbTypeIso {
			descs := isoDescs(entry.urb, len(t.IsoPackets))
			for i := range t.IsoPackets {
				t.IsoPackets[i].ActualLength = int(descs[i].ActualLength)
				t.IsoPackets[i].Status = urbStatus(descs[i].Status)
			}
		}
		if t.Callback != nil {
			t.Callback(t)
		}
	}
}

func (d *devfsDevice) failPending(status TransferStatus) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[uintptr]*pendingURB)
	d.reaping = false
	d.mu.Unlock()

	for _, entry := range pending {
		t := entry.transfer
		t.Status = status
		t.ActualNumBytes = 0
		if t.Callback != nil {
			t.Callback(t)
		}
	}
}

func (c *USBDevfs) EndpointClear(dev Device, address uint8) error {
	d, ok := dev.(*devfsDevice)
	if !ok {
		return errors.New("not a usbdevfs device")
	}

	d.mu.Lock()
	var toDiscard []*pendingURB
	for _, entry := range d.pending {
		if entry.transfer.Endpoint == address {
			toDiscard = append(toDiscard, entry)
		}
	}
	fd := d.fd
	d.mu.Unlock()

	for _, entry := range toDiscard {
		// EINVAL just means the urb already completed.
		_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(fd), usbdevfsDiscardURB, uintptr(unsafe.Pointer(entry.urb)))
	}

	ep := uint32(address)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), usbdevfsClearHalt, uintptr(unsafe.Pointer(&ep)))
	if errno != 0 {
		return errors.Newf("failed to clear endpoint %02x: %v", address, errno)
	}
	return nil
}

func (c *USBDevfs) Endpoints(dev Device) ([]Endpoint, error) {
	d, ok := dev.(*devfsDevice)
	if !ok {
		return nil, errors.New("not a usbdevfs device")
	}
	if len(d.descriptors) < 18 {
		return nil, errors.Newf("device %s has no config descriptors", d.path)
	}
	// Endpoints of the first configuration; the devices this server
	// exports are configured by the kernel before they are opened.
	return parseEndpoints(d.descriptors[18:]), nil
}

func (d *devfsDevice) interfaceNumbers() []uint8 {
	var ifaces []uint8
	seen := map[uint8]bool{}
	if len(d.descriptors) < 18 {
		return nil
	}
	raw := d.descriptors[18:]
	for off := 0; off+2 <= len(raw); {
		length, dt := int(raw[off]), raw[off+1]
		if length < 2 || off+length > len(raw) {
			break
		}
		if dt == 0x04 && length >= 9 && !seen[raw[off+2]] {
			seen[raw[off+2]] = true
			ifaces = append(ifaces, raw[off+2])
		}
		off += length
	}
	return ifaces
}

// parseEndpoints walks raw config descriptor bytes, stopping at the end
// of the first configuration.
func parseEndpoints(raw []byte) []Endpoint {
	var endpoints []Endpoint
	total := len(raw)
	if len(raw) >= 4 && raw[1] == dtConfig {
		if t := int(binary.LittleEndian.Uint16(raw[2:4])); t < total {
			total = t
		}
	}
	for off := 0; off+2 <= total; {
		length, dt := int(raw[off]), raw[off+1]
		if length < 2 || off+length > total {
			break
		}
		if dt == dtEndpoint && length >= 7 {
			endpoints = append(endpoints, Endpoint{
				Address:       raw[off+2],
				Type:          EndpointType(raw[off+3] & 0x03),
				MaxPacketSize: binary.LittleEndian.Uint16(raw[off+4 : off+6]),
			})
		}
		off += length
	}
	return endpoints
}

func isoDescs(urb *usbdevfsURB, n int) []usbdevfsIsoPacketDesc {
	if n == 0 {
		return nil
	}
	first := (*usbdevfsIsoPacketDesc)(unsafe.Pointer(uintptr(unsafe.Pointer(urb)) + unsafe.Sizeof(usbdevfsURB{})))
	return unsafe.Slice(first, n)
}

func urbStatus(status int32) TransferStatus {
	switch -status {
	case 0:
		return StatusCompleted
	case int32(unix.ENOENT), int32(unix.ECONNRESET):
		return StatusCanceled
	case int32(unix.EPIPE):
		return StatusStall
	case int32(unix.ENODEV), int32(unix.ESHUTDOWN):
		return StatusNoDevice
	case int32(unix.ETIMEDOUT):
		return StatusTimedOut
	case int32(unix.EOVERFLOW):
		return StatusOverflow
	}
	return StatusError
}
