// SPDX-License-Identifier: GPL-2.0-only

package export

import (
	"testing"
)

func TestRegistryRegisterFindList(t *testing.T) {
	r := NewRegistry()
	first := &Device{DeviceRecord: testDeviceRecord("1-1")}
	second := &Device{DeviceRecord: testDeviceRecord("1-2")}

	if err := r.Register(first); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(second); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Device{DeviceRecord: testDeviceRecord("1-1")}); err != ErrDeviceExists {
		t.Errorf("got %v; want ErrDeviceExists", err)
	}

	dev, ok := r.Find("1-2")
	if !ok || dev != second {
		t.Errorf("Find(1-2) = %v, %v; want the registered device", dev, ok)
	}
	if _, ok := r.Find("9-9"); ok {
		t.Error("Find(9-9) reported a device on an empty slot")
	}

	list := r.List()
	if len(list) != 2 || list[0] != first || list[1] != second {
		t.Errorf("List() not in registration order: %v", list)
	}
}

func TestRegistryAttachExcludesMutation(t *testing.T) {
	r := NewRegistry()
	dev := &Device{DeviceRecord: testDeviceRecord("1-1")}
	if err := r.Register(dev); err != nil {
		t.Fatal(err)
	}

	attached, err := r.attach("1-1")
	if err != nil || attached != dev {
		t.Fatalf("attach failed: %v", err)
	}
	if _, err := r.attach("1-1"); err != ErrDeviceBusy {
		t.Errorf("second attach: got %v; want ErrDeviceBusy", err)
	}
	if err := r.Unregister("1-1"); err != ErrDeviceBusy {
		t.Errorf("unregister while attached: got %v; want ErrDeviceBusy", err)
	}

	r.release("1-1")
	if err := r.Unregister("1-1"); err != nil {
		t.Errorf("unregister after release failed: %v", err)
	}
	if err := r.Unregister("1-1"); err != ErrDeviceNotFound {
		t.Errorf("double unregister: got %v; want ErrDeviceNotFound", err)
	}
}

func TestRegistryAttachUnknownDevice(t *testing.T) {
	r := NewRegistry()
	if _, err := r.attach("2-1"); err != ErrDeviceNotFound {
		t.Errorf("got %v; want ErrDeviceNotFound", err)
	}
}
