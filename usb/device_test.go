package usb

import "testing"

func TestSelectorMatches(t *testing.T) {
	device := DeviceInformation{
		VendorID:  0x1d50,
		ProductID: 0x615c,
		Serial:    "A0B1C2",
		Product:   "Cynthion",
	}

	for _, tc := range []struct {
		name     string
		selector DeviceSelector
		want     bool
	}{
		{
			name:     "empty selector matches anything",
			selector: DeviceSelector{},
			want:     true,
		},
		{
			name:     "matching vendor",
			selector: DeviceSelector{VendorID: NewID(0x1d50)},
			want:     true,
		},
		{
			name:     "mismatching vendor",
			selector: DeviceSelector{VendorID: NewID(0x16d0)},
			want:     false,
		},
		{
			name:     "matching pair",
			selector: DeviceSelector{VendorID: NewID(0x1d50), ProductID: NewID(0x615c)},
			want:     true,
		},
		{
			name:     "matching vendor, mismatching product",
			selector: DeviceSelector{VendorID: NewID(0x1d50), ProductID: NewID(0x60e6)},
			want:     false,
		},
		{
			name:     "matching serial",
			selector: DeviceSelector{Serial: "A0B1C2"},
			want:     true,
		},
		{
			name:     "mismatching serial",
			selector: DeviceSelector{Serial: "FFFFFF"},
			want:     false,
		},
		{
			name:     "all fields set and matching",
			selector: DeviceSelector{VendorID: NewID(0x1d50), ProductID: NewID(0x615c), Serial: "A0B1C2"},
			want:     true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.selector.Matches(device); got != tc.want {
				t.Errorf("Matches(%v) = %v; want %v", device, got, tc.want)
			}
		})
	}
}

func TestEmptySelectorMatchesSerialLessDevice(t *testing.T) {
	// A device with no string properties at all still matches the zero
	// selector; enumeration must not hide devices we couldn't query.
	if !(DeviceSelector{}).Matches(DeviceInformation{VendorID: 1, ProductID: 2}) {
		t.Error("zero selector failed to match a bare device")
	}
}
