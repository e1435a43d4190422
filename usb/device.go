// SPDX-License-Identifier: Apache-2.0

package usb

import "fmt"

// ID is a vendor or product ID under the USB standard.
type ID uint16

func (i ID) String() string {
	return fmt.Sprintf("%04x", uint16(i))
}

// NewID is a convenience for building selector fields in place.
func NewID(v uint16) *ID {
	id := ID(v)
	return &id
}

// DeviceInformation describes an unopened device, as produced by
// enumeration. It is a plain value with no lifecycle; the locator fields
// are backend-private and exist only so the backend that produced the
// value can re-find the physical device at open time.
type DeviceInformation struct {
	// Vendor is the USB Vendor ID (idVendor) of the device.
	VendorID ID `json:"vendor_id"`
	// Product is the USB Product ID (idProduct) of the device.
	ProductID ID `json:"product_id"`

	// Serial, Vendor and Product are the device's string properties, where
	// the OS could provide them. Empty means unknown.
	Serial  string `json:"serial,omitempty"`
	Vendor  string `json:"vendor,omitempty"`
	Product string `json:"product,omitempty"`

	// NumericLocation and StringLocation are opaque to everything but the
	// backend that produced this value. Devices the backend cannot re-find
	// through them are never emitted by enumeration.
	NumericLocation uint64 `json:"-"`
	StringLocation  string `json:"-"`
}

func (d DeviceInformation) String() string {
	if d.Product != "" {
		return fmt.Sprintf("%s:%s (%s)", d.VendorID, d.ProductID, d.Product)
	}
	return fmt.Sprintf("%s:%s", d.VendorID, d.ProductID)
}

// DeviceSelector filters DeviceInformation values. Nil/empty fields match
// anything; a selector with no fields set matches every device.
type DeviceSelector struct {
	// VendorID, if set, requires an exact idVendor match.
	VendorID *ID `json:"vendor_id"`
	// ProductID, if set, requires an exact idProduct match.
	ProductID *ID `json:"product_id"`
	// Serial, if non-empty, requires an exact serial string match.
	Serial string `json:"serial"`
}

// Matches reports whether the given device satisfies every set criterion.
func (s DeviceSelector) Matches(device DeviceInformation) bool {
	if s.VendorID != nil && *s.VendorID != device.VendorID {
		return false
	}
	if s.ProductID != nil && *s.ProductID != device.ProductID {
		return false
	}
	if s.Serial != "" && s.Serial != device.Serial {
		return false
	}
	return true
}
