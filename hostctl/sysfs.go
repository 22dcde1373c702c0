// SPDX-License-Identifier: Apache-2.0

package hostctl

import (
	baseerrors "errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/psdscsv/esp32-usb-over-ip/usbip"
)

// Sys is the root the default describer resolves sysfs paths against.
const Sys = "/sys"

func usbSysPath(busId string) string {
	return path.Join("bus", "usb", "devices", busId)
}

// SysfsDescriber reads USB device attributes from a sysfs tree. The
// filesystem is injected so tests can use fstest.MapFS.
type SysfsDescriber struct {
	fsys fs.FS
}

func NewSysfsDescriber(fsys fs.FS) *SysfsDescriber {
	return &SysfsDescriber{fsys: fsys}
}

func (d *SysfsDescriber) readDeviceAttribute(sysPath string, attributeName string) (string, error) {
	content, err := fs.ReadFile(d.fsys, path.Join(sysPath, attributeName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (d *SysfsDescriber) readDeviceUintAttribute(sysPath string, attributeName string) (uint32, error) {
	attrStr, err := d.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint32 = 0
	_, err = fmt.Sscanf(attrStr, "%d", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func (d *SysfsDescriber) readDeviceUint8HexAttribute(sysPath string, attributeName string) (uint8, error) {
	attrStr, err := d.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint8 = 0
	_, err = fmt.Sscanf(attrStr, "%02x", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func (d *SysfsDescriber) readDeviceUint16HexAttribute(sysPath string, attributeName string) (uint16, error) {
	attrStr, err := d.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16 = 0
	_, err = fmt.Sscanf(attrStr, "%04x", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

// speedCode maps the sysfs speed attribute onto the USB/IP speed enum
// (unknown, low, full, high, wireless, super).
func speedCode(speed string) uint32 {
	switch speed {
	case "1.5":
		return 1
	case "12":
		return 2
	case "480":
		return 3
	case "5000", "10000", "20000":
		return 5
	}
	return 0
}

// Describe builds the wire-level device record for busId and returns it
// together with the usbdevfs node path of the device.
func (d *SysfsDescriber) Describe(busId string) (usbip.DeviceRecord, string, error) {
	sysPath := usbSysPath(busId)

	vendor, vendErr := d.readDeviceUint16HexAttribute(sysPath, "idVendor")
	product, prodErr := d.readDeviceUint16HexAttribute(sysPath, "idProduct")
	bcdDevice, bcdErr := d.readDeviceUint16HexAttribute(sysPath, "bcdDevice")
	busnum, busnumErr := d.readDeviceUintAttribute(sysPath, "busnum")
	devnum, devnumErr := d.readDeviceUintAttribute(sysPath, "devnum")
	devClass, classErr := d.readDeviceUint8HexAttribute(sysPath, "bDeviceClass")
	devSubClass, subClassErr := d.readDeviceUint8HexAttribute(sysPath, "bDeviceSubClass")
	devProtocol, protoErr := d.readDeviceUint8HexAttribute(sysPath, "bDeviceProtocol")
	numConfigs, numConfigsErr := d.readDeviceUintAttribute(sysPath, "bNumConfigurations")
	numInterfaces, numIfacesErr := d.readDeviceUintAttribute(sysPath, "bNumInterfaces")
	speed, speedErr := d.readDeviceAttribute(sysPath, "speed")

	totalErr := baseerrors.Join(
		vendErr, prodErr, bcdErr, busnumErr, devnumErr,
		classErr, subClassErr, protoErr, numConfigsErr, numIfacesErr, speedErr,
	)
	if totalErr != nil {
		return usbip.DeviceRecord{}, "", errors.Wrapf(totalErr, "failed to describe device %s", busId)
	}

	// bConfigurationValue is empty while the device is unconfigured.
	configValue, err := d.readDeviceUintAttribute(sysPath, "bConfigurationValue")
	if err != nil {
		configValue = 0
	}

	desc := usbip.DeviceDescription{
		BusNum:             busnum,
		DevNum:             devnum,
		Speed:              speedCode(speed),
		Vendor:             vendor,
		Product:            product,
		BcdDevice:          bcdDevice,
		DeviceClass:        devClass,
		DeviceSubClass:     devSubClass,
		DeviceProtocol:     devProtocol,
		ConfigurationValue: uint8(configValue),
		NumConfigurations:  uint8(numConfigs),
		NumInterfaces:      uint8(numInterfaces),
	}
	copy(desc.Path[:], path.Join(Sys, sysPath))
	copy(desc.BusId[:], busId)

	interfaces, err := d.describeInterfaces(busId, uint8(configValue), uint8(numInterfaces))
	if err != nil {
		return usbip.DeviceRecord{}, "", err
	}

	record := usbip.DeviceRecord{Description: desc, Interfaces: interfaces}
	devNode := fmt.Sprintf("/dev/bus/usb/%03d/%03d", busnum, devnum)
	return record, devNode, nil
}

func (d *SysfsDescriber) describeInterfaces(busId string, configValue uint8, count uint8) ([]usbip.InterfaceDescription, error) {
	interfaces := make([]usbip.InterfaceDescription, 0, count)
	for i := uint8(0); i < count; i++ {
		ifacePath := usbSysPath(fmt.Sprintf("%s:%d.%d", busId, configValue, i))

		class, classErr := d.readDeviceUint8HexAttribute(ifacePath, "bInterfaceClass")
		subClass, subClassErr := d.readDeviceUint8HexAttribute(ifacePath, "bInterfaceSubClass")
		protocol, protoErr := d.readDeviceUint8HexAttribute(ifacePath, "bInterfaceProtocol")

		if err := baseerrors.Join(classErr, subClassErr, protoErr); err != nil {
			return nil, errors.Wrapf(err, "failed to describe interface %d of %s", i, busId)
		}
		interfaces = append(interfaces, usbip.InterfaceDescription{
			InterfaceClass:    class,
			InterfaceSubClass: subClass,
			InterfaceProtocol: protocol,
		})
	}
	return interfaces, nil
}
