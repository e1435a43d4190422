// SPDX-License-Identifier: Apache-2.0

package usrs

import (
	"errors"
	"testing"

	"github.com/ktemkin/usrs/usb"
)

func TestHostEnumeration(t *testing.T) {
	host := New(Options{Backend: newFakeBackend()})

	all, err := host.AllDevices()
	if err != nil {
		t.Fatalf("enumeration failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 devices, got %d", len(all))
	}

	cases := []struct {
		name     string
		selector usb.DeviceSelector
		want     int
	}{
		{"empty selector matches everything", usb.DeviceSelector{}, 4},
		{"vendor only", usb.DeviceSelector{VendorID: usb.NewID(0x1d50)}, 2},
		{"vendor and product", usb.DeviceSelector{VendorID: usb.NewID(0x1d50), ProductID: usb.NewID(0x615c)}, 1},
		{"serial", usb.DeviceSelector{Serial: "B0002"}, 1},
		{"no match", usb.DeviceSelector{VendorID: usb.NewID(0xffff)}, 0},
		{"fields from different devices", usb.DeviceSelector{VendorID: usb.NewID(0x1d50), Serial: "nope"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			matching, err := host.Devices(tc.selector)
			if err != nil {
				t.Fatalf("enumeration failed: %v", err)
			}
			if len(matching) != tc.want {
				t.Errorf("got %d matches, want %d", len(matching), tc.want)
			}
		})
	}
}

func TestHostDeviceOpensFirstMatch(t *testing.T) {
	backend := newFakeBackend()
	host := New(Options{Backend: backend})

	dev, err := host.Device(usb.DeviceSelector{VendorID: usb.NewID(0x1d50), ProductID: usb.NewID(0x615c)})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer dev.Close()

	if dev.Info().Serial != "A0001" {
		t.Errorf("opened the wrong device: %v", dev.Info())
	}
}

func TestHostDeviceNoMatch(t *testing.T) {
	host := New(Options{Backend: newFakeBackend()})

	_, err := host.Device(usb.DeviceSelector{VendorID: usb.NewID(0xdead)})
	if !errors.Is(err, usb.ErrDeviceNotFound) {
		t.Errorf("expected DeviceNotFound, got %v", err)
	}
}

func TestHostOpenStaleRecord(t *testing.T) {
	backend := newFakeBackend()
	host := New(Options{Backend: backend})

	// A record whose locator no longer matches any device: the device was
	// replugged and its address reassigned.
	stale := usb.DeviceInformation{VendorID: 0x1d50, ProductID: 0x615c, NumericLocation: 9<<16 | 9}
	if _, err := host.Open(stale); !errors.Is(err, usb.ErrDeviceNotFound) {
		t.Errorf("expected DeviceNotFound for a stale record, got %v", err)
	}
}
