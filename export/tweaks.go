// SPDX-License-Identifier: GPL-2.0-only

package export

import (
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"

	"github.com/psdscsv/esp32-usb-over-ip/hostctl"
	"github.com/psdscsv/esp32-usb-over-ip/usbip"
)

// bmRequestType bits 5..6 classify a control request.
const (
	requestTypeMask     = 0x60
	requestTypeStandard = 0x00
)

// Standard request codes the tweaks care about.
const (
	reqClearFeature     = 0x01
	reqSetConfiguration = 0x09
	reqSetInterface     = 0x0b
)

// CLEAR_FEATURE selector for a halted endpoint.
const featureEndpointHalt = 0

// tweakSpecialRequest intercepts the standard control requests the
// host controller cannot pass through transparently. When it claims a
// request the caller emits the returned status directly and the
// importer's transfer is not submitted; SET_INTERFACE is replayed on
// the default pipe as a synchronous control transfer of its own. Class
// and vendor requests always pass through.
func (s *Session) tweakSpecialRequest(dev *Device, setup usbip.SetupPacket) (bool, int32) {
	if setup.RequestType&requestTypeMask != requestTypeStandard {
		return false, 0
	}

	switch setup.Request {
	case reqClearFeature:
		if setup.Value != featureEndpointHalt {
			return false, 0
		}
		s.epMu.Lock()
		err := s.ctl.EndpointClear(dev.Handle, uint8(setup.Index))
		s.epMu.Unlock()
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "failed to clear halted endpoint", "endpoint", setup.Index, "err", err)
			return true, usbip.StatusEPIPE
		}
		return true, usbip.StatusOK

	case reqSetConfiguration:
		// The controller configured the device at attach time;
		// re-selecting that configuration would only report busy.
		if setup.Value == 1 {
			return true, usbip.StatusOK
		}
		return false, 0

	case reqSetInterface:
		if err := s.syncControl(dev, setup); err != nil {
			_ = level.Warn(s.logger).Log("msg", "set interface failed", "interface", setup.Index, "alternate", setup.Value, "err", err)
			return true, usbip.StatusEPIPE
		}
		return true, usbip.StatusOK
	}

	return false, 0
}

// syncControl runs a control transfer on the default pipe and waits
// for its completion.
func (s *Session) syncControl(dev *Device, setup usbip.SetupPacket) error {
	t, err := s.ctl.AllocTransfer(setupPacketSize+int(setup.Length), 0)
	if err != nil {
		return err
	}
	raw := setup.Bytes()
	copy(t.Data, raw[:])

	t.Device = dev.Handle
	t.Type = hostctl.EndpointControl
	if setup.IsIn() {
		t.Endpoint = 0x80
	}
	t.NumBytes = setupPacketSize + int(setup.Length)

	done := make(chan struct{})
	t.Callback = func(*hostctl.Transfer) { close(done) }

	s.epMu.RLock()
	err = s.ctl.SubmitControl(t)
	s.epMu.RUnlock()
	if err != nil {
		s.ctl.FreeTransfer(t)
		return err
	}
	<-done

	status := t.Status
	s.ctl.FreeTransfer(t)
	if status != hostctl.StatusCompleted {
		return errors.Newf("control transfer ended with status %s", status)
	}
	return nil
}
