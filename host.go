// SPDX-License-Identifier: Apache-2.0

// Package usrs gives applications user-space access to USB devices:
// enumeration, device selection, interface management, and control and
// bulk transfers in blocking and asynchronous forms. The OS specifics
// live behind the usb.Backend contract; this package is the portable
// surface applications program against.
package usrs

import (
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"

	"github.com/ktemkin/usrs/usb"
)

// Options configures a Host. The zero value uses this platform's default
// backend and discards logs.
type Options struct {
	// Backend overrides the platform default, mostly for tests and for
	// hosts that want libusb semantics on Linux.
	Backend usb.Backend

	Logger log.Logger
}

// Host is the entry point to the library: a backend plus the operations
// for finding and opening devices. A single Host serves any number of
// goroutines and devices.
type Host struct {
	backend usb.Backend
	logger  log.Logger
}

func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Backend == nil {
		opts.Backend = defaultBackend(opts.Logger)
	}
	return &Host{
		backend: opts.Backend,
		logger:  opts.Logger,
	}
}

// AllDevices enumerates every USB device visible on this system.
func (h *Host) AllDevices() ([]usb.DeviceInformation, error) {
	devices, err := h.backend.Devices()
	if err != nil {
		return nil, errors.Wrap(err, "device enumeration failed")
	}
	return devices, nil
}

// Devices enumerates the devices matching a selector.
func (h *Host) Devices(selector usb.DeviceSelector) ([]usb.DeviceInformation, error) {
	devices, err := h.AllDevices()
	if err != nil {
		return nil, err
	}
	matching := devices[:0]
	for _, device := range devices {
		if selector.Matches(device) {
			matching = append(matching, device)
		}
	}
	return matching, nil
}

// Device opens the first device matching a selector. No match is a
// DeviceNotFound error.
func (h *Host) Device(selector usb.DeviceSelector) (*Device, error) {
	matching, err := h.Devices(selector)
	if err != nil {
		return nil, err
	}
	if len(matching) == 0 {
		return nil, errors.Wrap(usb.ErrDeviceNotFound, "no device matches the selector")
	}
	return h.Open(matching[0])
}

// Open opens a specific device from an enumeration record.
func (h *Host) Open(info usb.DeviceInformation) (*Device, error) {
	handle, err := h.backend.Open(info)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open device %s", info)
	}
	return &Device{
		backend: h.backend,
		info:    info,
		logger:  h.logger,
		handle:  handle,
	}, nil
}
