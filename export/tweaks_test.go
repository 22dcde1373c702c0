// SPDX-License-Identifier: GPL-2.0-only

package export

import (
	"testing"

	"github.com/efficientgo/core/errors"

	"github.com/psdscsv/esp32-usb-over-ip/hostctl"
	"github.com/psdscsv/esp32-usb-over-ip/usbip"
)

func TestClearHaltTweak(t *testing.T) {
	h := newHarness(t, bulkInEndpoint(512))
	if hdr := h.importDevice("1-1"); hdr.Status != usbip.OpStatusOK {
		t.Fatalf("import failed: %+v", hdr)
	}

	// CLEAR_FEATURE(ENDPOINT_HALT) for endpoint 0x81: answered by the
	// engine, nothing reaches the default pipe.
	setup := usbip.SetupPacket{RequestType: 0x02, Request: reqClearFeature, Value: featureEndpointHalt, Index: 0x81}
	h.submit(1, 0, usbip.DirOut, 0, 0, setup.Bytes(), nil)
	h.expectRetSubmit(1, usbip.StatusOK, 0)

	cleared := h.ctl.clearedEndpoints()
	if len(cleared) != 1 || cleared[0] != 0x81 {
		t.Errorf("got cleared endpoints %v; want [0x81]", cleared)
	}
	if got := h.ctl.submitCount(); got != 0 {
		t.Errorf("clear halt reached the default pipe")
	}
}

func TestClearHaltTweakControllerError(t *testing.T) {
	h := newHarness(t, bulkInEndpoint(512))
	if hdr := h.importDevice("1-1"); hdr.Status != usbip.OpStatusOK {
		t.Fatalf("import failed: %+v", hdr)
	}

	h.ctl.mu.Lock()
	h.ctl.clearErr = errors.New("endpoint stuck")
	h.ctl.mu.Unlock()

	setup := usbip.SetupPacket{RequestType: 0x02, Request: reqClearFeature, Value: featureEndpointHalt, Index: 0x81}
	h.submit(1, 0, usbip.DirOut, 0, 0, setup.Bytes(), nil)
	h.expectRetSubmit(1, usbip.StatusEPIPE, 0)
}

func TestSetConfigurationTweak(t *testing.T) {
	h := newHarness(t, bulkInEndpoint(512))
	if hdr := h.importDevice("1-1"); hdr.Status != usbip.OpStatusOK {
		t.Fatalf("import failed: %+v", hdr)
	}

	// Configuration 1 was selected at attach time: answer OK without
	// touching the controller.
	setup := usbip.SetupPacket{RequestType: 0x00, Request: reqSetConfiguration, Value: 1}
	h.submit(1, 0, usbip.DirOut, 0, 0, setup.Bytes(), nil)
	h.expectRetSubmit(1, usbip.StatusOK, 0)
	if got := h.ctl.submitCount(); got != 0 {
		t.Errorf("SET_CONFIGURATION(1) reached the controller")
	}
}

func TestSetConfigurationOtherValuePassesThrough(t *testing.T) {
	h := newHarness(t, bulkInEndpoint(512))
	h.ctl.controlHook = func(tr *hostctl.Transfer) {
		h.ctl.completeNow(tr, hostctl.StatusCompleted, setupPacketSize, nil)
	}
	if hdr := h.importDevice("1-1"); hdr.Status != usbip.OpStatusOK {
		t.Fatalf("import failed: %+v", hdr)
	}

	setup := usbip.SetupPacket{RequestType: 0x00, Request: reqSetConfiguration, Value: 2}
	h.submit(1, 0, usbip.DirOut, 0, 0, setup.Bytes(), nil)
	h.expectRetSubmit(1, usbip.StatusOK, 0)
	if got := h.ctl.submitCount(); got != 1 {
		t.Errorf("SET_CONFIGURATION(2) did not pass through")
	}
}

func TestSetInterfaceTweakRunsSynchronousControl(t *testing.T) {
	h := newHarness(t, bulkInEndpoint(512))
	h.ctl.controlHook = func(tr *hostctl.Transfer) {
		setup := usbip.ParseSetup([8]byte(tr.Data[:8]))
		if setup.Request != reqSetInterface || setup.Value != 1 || setup.Index != 0 {
			t.Errorf("unexpected synchronous setup packet %s", setup.String())
		}
		h.ctl.completeNow(tr, hostctl.StatusCompleted, setupPacketSize, nil)
	}
	if hdr := h.importDevice("1-1"); hdr.Status != usbip.OpStatusOK {
		t.Fatalf("import failed: %+v", hdr)
	}

	setup := usbip.SetupPacket{RequestType: 0x01, Request: reqSetInterface, Value: 1, Index: 0}
	h.submit(1, 0, usbip.DirOut, 0, 0, setup.Bytes(), nil)
	h.expectRetSubmit(1, usbip.StatusOK, 0)
	if got := h.ctl.submitCount(); got != 1 {
		t.Errorf("SET_INTERFACE did not run a control transfer")
	}
}

func TestSetInterfaceTweakControllerError(t *testing.T) {
	h := newHarness(t, bulkInEndpoint(512))
	h.ctl.controlHook = func(tr *hostctl.Transfer) {
		h.ctl.completeNow(tr, hostctl.StatusStall, 0, nil)
	}
	if hdr := h.importDevice("1-1"); hdr.Status != usbip.OpStatusOK {
		t.Fatalf("import failed: %+v", hdr)
	}

	setup := usbip.SetupPacket{RequestType: 0x01, Request: reqSetInterface, Value: 1}
	h.submit(1, 0, usbip.DirOut, 0, 0, setup.Bytes(), nil)
	h.expectRetSubmit(1, usbip.StatusEPIPE, 0)
}

func TestVendorRequestPassesThrough(t *testing.T) {
	h := newHarness(t, bulkInEndpoint(512))
	payload := []byte{0xca, 0xfe}
	h.ctl.controlHook = func(tr *hostctl.Transfer) {
		h.ctl.completeNow(tr, hostctl.StatusCompleted, setupPacketSize+len(payload), payload)
	}
	if hdr := h.importDevice("1-1"); hdr.Status != usbip.OpStatusOK {
		t.Fatalf("import failed: %+v", hdr)
	}

	setup := usbip.SetupPacket{RequestType: 0xc0, Request: 0x42, Length: 2}
	h.submit(1, 0, usbip.DirIn, 0, 2, setup.Bytes(), nil)
	f := h.expectRetSubmit(1, usbip.StatusOK, 2)
	if f.payload[0] != 0xca || f.payload[1] != 0xfe {
		t.Errorf("got payload %x; want cafe", f.payload)
	}
}
