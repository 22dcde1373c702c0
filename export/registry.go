// SPDX-License-Identifier: GPL-2.0-only

package export

import (
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/psdscsv/esp32-usb-over-ip/hostctl"
	"github.com/psdscsv/esp32-usb-over-ip/usbip"
)

var (
	// ErrDeviceBusy is returned when a registry mutation targets a
	// device that a session is attached to.
	ErrDeviceBusy = errors.New("device is attached to a session")

	// ErrDeviceExists is returned when registering a bus-id twice.
	ErrDeviceExists = errors.New("bus id already registered")

	// ErrDeviceNotFound is returned for operations on unknown bus-ids.
	ErrDeviceNotFound = errors.New("no such device")
)

// Device is one exportable USB device: the cached wire description,
// the endpoints of its active configuration, and the controller handle
// used to reach it.
type Device struct {
	usbip.DeviceRecord
	Handle    hostctl.Device
	Endpoints []hostctl.Endpoint
}

func (d *Device) BusID() string {
	return d.Description.BusIdString()
}

// endpoint resolves an endpoint address to its runtime view. The
// default pipe never appears in config descriptors, so it is
// synthesized here.
func (d *Device) endpoint(address uint8) (hostctl.Endpoint, bool) {
	if address&0x7f == 0 {
		return hostctl.Endpoint{Address: address, Type: hostctl.EndpointControl}, true
	}
	for _, ep := range d.Endpoints {
		if ep.Address == address {
			return ep, true
		}
	}
	return hostctl.Endpoint{}, false
}

// Registry is the process-wide table of exportable devices, keyed by
// bus-id. Sessions hold shared references and never mutate entries.
type Registry struct {
	mu       sync.Mutex
	devices  []*Device
	attached map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{attached: map[string]bool{}}
}

// List returns the registered devices in registration order; the
// devlist reply uses it verbatim.
func (r *Registry) List() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

func (r *Registry) Find(busId string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(busId)
}

func (r *Registry) findLocked(busId string) (*Device, bool) {
	for _, d := range r.devices {
		if d.BusID() == busId {
			return d, true
		}
	}
	return nil, false
}

func (r *Registry) Register(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	busId := d.BusID()
	if r.attached[busId] {
		return ErrDeviceBusy
	}
	if _, exists := r.findLocked(busId); exists {
		return ErrDeviceExists
	}
	r.devices = append(r.devices, d)
	return nil
}

func (r *Registry) Unregister(busId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attached[busId] {
		return ErrDeviceBusy
	}
	for i, d := range r.devices {
		if d.BusID() == busId {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			return nil
		}
	}
	return ErrDeviceNotFound
}

// attach binds busId to a session. At most one session holds a device
// at a time.
func (r *Registry) attach(busId string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.findLocked(busId)
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if r.attached[busId] {
		return nil, ErrDeviceBusy
	}
	r.attached[busId] = true
	return d, nil
}

func (r *Registry) release(busId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attached, busId)
}
