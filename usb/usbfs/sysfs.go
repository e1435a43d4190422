// SPDX-License-Identifier: Apache-2.0

//go:build linux

package usbfs

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ktemkin/usrs/usb"
)

// Device discovery walks sysfs rather than opening each device node, so
// enumeration needs no device permissions at all. The filesystem is
// injected (rooted at /sys in production) so tests can substitute an
// fstest.MapFS fixture.

const sysUSBDevices = "bus/usb/devices"

func readDeviceAttribute(fsys fs.FS, sysPath string, attributeName string) (string, error) {
	content, err := fs.ReadFile(fsys, path.Join(sysPath, attributeName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func readDeviceUintAttribute(fsys fs.FS, sysPath string, attributeName string) (uint16, error) {
	attrStr, err := readDeviceAttribute(fsys, sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16 = 0
	_, err = fmt.Sscanf(attrStr, "%d", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func readDeviceUint16HexAttribute(fsys fs.FS, sysPath string, attributeName string) (uint16, error) {
	attrStr, err := readDeviceAttribute(fsys, sysPath, attributeName)
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

// describeSysfsDevice builds the enumeration record for one sysfs entry.
// Entries that are not real, openable devices report usb.ErrDeviceNotReal.
func describeSysfsDevice(fsys fs.FS, busID string, logger log.Logger) (usb.DeviceInformation, error) {
	var info usb.DeviceInformation

	// Interface nodes ("1-2:1.0") and root hubs ("usb1") appear alongside
	// devices in this directory; neither is an addressable device.
	if strings.ContainsRune(busID, ':') || strings.HasPrefix(busID, "usb") {
		return info, usb.ErrDeviceNotReal
	}

	sysPath := path.Join(sysUSBDevices, busID)

	vendor, err := readDeviceUint16HexAttribute(fsys, sysPath, "idVendor")
	if err != nil {
		return info, usb.ErrDeviceNotReal
	}
	product, err := readDeviceUint16HexAttribute(fsys, sysPath, "idProduct")
	if err != nil {
		return info, usb.ErrDeviceNotReal
	}

	// Without bus and device numbers we have no way to re-find the device
	// node at open time, so the device isn't real to us.
	busnum, busErr := readDeviceUintAttribute(fsys, sysPath, "busnum")
	devnum, devErr := readDeviceUintAttribute(fsys, sysPath, "devnum")
	if busErr != nil || devErr != nil {
		_ = level.Debug(logger).Log(
			"msg", "skipping device without a usable locator",
			"busId", busID, "vendor", usb.ID(vendor), "product", usb.ID(product),
		)
		return info, usb.ErrDeviceNotReal
	}

	info = usb.DeviceInformation{
		VendorID:        usb.ID(vendor),
		ProductID:       usb.ID(product),
		NumericLocation: locatorFor(busnum, devnum),
		StringLocation:  busID,
	}

	// String properties are best-effort; many devices carry none, and
	// sysfs omits the files entirely in that case.
	info.Serial, _ = readDeviceAttribute(fsys, sysPath, "serial")
	info.Vendor, _ = readDeviceAttribute(fsys, sysPath, "manufacturer")
	info.Product, _ = readDeviceAttribute(fsys, sysPath, "product")

	return info, nil
}

// enumerateSysfs lists every real USB device visible under the sysfs tree.
func enumerateSysfs(fsys fs.FS, logger log.Logger) ([]usb.DeviceInformation, error) {
	entries, err := fs.ReadDir(fsys, sysUSBDevices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read the sysfs USB device directory")
	}

	devices := make([]usb.DeviceInformation, 0, len(entries))
	for _, entry := range entries {
		info, err := describeSysfsDevice(fsys, entry.Name(), logger)
		if errors.Is(err, usb.ErrDeviceNotReal) {
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, info)
	}
	return devices, nil
}

// locatorFor packs bus and device number into the backend-private numeric
// locator. Both are at least 1 on Linux, so a zero locator never occurs
// for a real device.
func locatorFor(busnum, devnum uint16) uint64 {
	return uint64(busnum)<<16 | uint64(devnum)
}

func locatorBus(locator uint64) uint16 {
	return uint16(locator >> 16)
}

func locatorDev(locator uint64) uint16 {
	return uint16(locator & 0xFFFF)
}

// devNodePath is the devfs node the locator points at.
func devNodePath(devRoot string, locator uint64) string {
	return fmt.Sprintf("%s/%03d/%03d", devRoot, locatorBus(locator), locatorDev(locator))
}
