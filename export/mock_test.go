// SPDX-License-Identifier: GPL-2.0-only

package export

import (
	"sync"

	"github.com/psdscsv/esp32-usb-over-ip/hostctl"
	"github.com/psdscsv/esp32-usb-over-ip/usbip"
)

type mockDevice struct{}

func (mockDevice) Close() error { return nil }

// mockController implements hostctl.Controller for the engine tests.
// Completions are dispatched from a dedicated event goroutine, like a
// real backend's interrupt-driven event task. With no hooks installed
// submitted transfers stay pending until completed or cancelled.
type mockController struct {
	mu        sync.Mutex
	pending   map[*hostctl.Transfer]bool
	submitted []*hostctl.Transfer
	cleared   []uint8
	allocs    int
	frees     int

	// submitHook/controlHook run on the event goroutine right after a
	// submit; they typically call completeNow.
	submitHook  func(t *hostctl.Transfer)
	controlHook func(t *hostctl.Transfer)
	// allocErr, submitErr and clearErr inject failures.
	allocErr  func(capacity int, isoPackets int) error
	submitErr func(t *hostctl.Transfer) error
	clearErr  error

	events  chan func()
	stopped chan struct{}
}

func newMockController() *mockController {
	m := &mockController{
		pending: map[*hostctl.Transfer]bool{},
		events:  make(chan func(), 256),
		stopped: make(chan struct{}),
	}
	go func() {
		for f := range m.events {
			f()
		}
		close(m.stopped)
	}()
	return m
}

func (m *mockController) stop() {
	close(m.events)
	<-m.stopped
}

func (m *mockController) AllocTransfer(capacity int, isoPackets int) (*hostctl.Transfer, error) {
	m.mu.Lock()
	allocErr := m.allocErr
	m.mu.Unlock()
	if allocErr != nil {
		if err := allocErr(capacity, isoPackets); err != nil {
			return nil, err
		}
	}
	t := &hostctl.Transfer{Data: make([]byte, capacity), NumBytes: capacity}
	if isoPackets > 0 {
		t.IsoPackets = make([]hostctl.IsoPacket, isoPackets)
	}
	m.mu.Lock()
	m.allocs++
	m.mu.Unlock()
	return t, nil
}

func (m *mockController) FreeTransfer(t *hostctl.Transfer) {
	m.mu.Lock()
	m.frees++
	m.mu.Unlock()
}

func (m *mockController) SubmitControl(t *hostctl.Transfer) error {
	return m.submit(t, true)
}

func (m *mockController) Submit(t *hostctl.Transfer) error {
	return m.submit(t, false)
}

func (m *mockController) submit(t *hostctl.Transfer, control bool) error {
	m.mu.Lock()
	submitErr := m.submitErr
	m.mu.Unlock()
	if submitErr != nil {
		if err := submitErr(t); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.pending[t] = true
	m.submitted = append(m.submitted, t)
	var hook func(*hostctl.Transfer)
	if control {
		hook = m.controlHook
	} else {
		hook = m.submitHook
	}
	m.mu.Unlock()
	if hook != nil {
		m.events <- func() { hook(t) }
	}
	return nil
}

func (m *mockController) EndpointClear(dev hostctl.Device, address uint8) error {
	m.mu.Lock()
	m.cleared = append(m.cleared, address)
	err := m.clearErr
	var hits []*hostctl.Transfer
	for t := range m.pending {
		if t.Endpoint == address {
			hits = append(hits, t)
			delete(m.pending, t)
		}
	}
	m.mu.Unlock()
	for _, t := range hits {
		t := t
		m.events <- func() {
			t.Status = hostctl.StatusCanceled
			t.ActualNumBytes = 0
			if t.Callback != nil {
				t.Callback(t)
			}
		}
	}
	return err
}

func (m *mockController) Endpoints(dev hostctl.Device) ([]hostctl.Endpoint, error) {
	return nil, nil
}

// completeNow finishes a transfer inline; only call from hooks already
// running on the event goroutine.
func (m *mockController) completeNow(t *hostctl.Transfer, status hostctl.TransferStatus, actual int, data []byte) {
	m.mu.Lock()
	delete(m.pending, t)
	m.mu.Unlock()
	offset := 0
	if t.Type == hostctl.EndpointControl {
		offset = setupPacketSize
	}
	if data != nil {
		copy(t.Data[offset:], data)
	}
	t.Status = status
	t.ActualNumBytes = actual
	if t.Callback != nil {
		t.Callback(t)
	}
}

// complete finishes a pending transfer from the event goroutine.
func (m *mockController) complete(t *hostctl.Transfer, status hostctl.TransferStatus, actual int, data []byte) {
	m.events <- func() {
		m.completeNow(t, status, actual, data)
	}
}

func (m *mockController) pendingTransfers() []*hostctl.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*hostctl.Transfer, 0, len(m.pending))
	seen := map[*hostctl.Transfer]bool{}
	for _, t := range m.submitted {
		if m.pending[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func (m *mockController) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}

func (m *mockController) clearedEndpoints() []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint8, len(m.cleared))
	copy(out, m.cleared)
	return out
}

func testDeviceRecord(busId string) usbip.DeviceRecord {
	var desc usbip.DeviceDescription
	copy(desc.Path[:], "/sys/bus/usb/devices/"+busId)
	copy(desc.BusId[:], busId)
	desc.BusNum = 1
	desc.DevNum = 2
	desc.Speed = 3
	desc.Vendor = 0xdead
	desc.Product = 0xbeef
	desc.BcdDevice = 0x0100
	desc.ConfigurationValue = 1
	desc.NumConfigurations = 1
	desc.NumInterfaces = 1
	return usbip.DeviceRecord{
		Description: desc,
		Interfaces:  []usbip.InterfaceDescription{{InterfaceClass: 8, InterfaceSubClass: 6, InterfaceProtocol: 0x50}},
	}
}
