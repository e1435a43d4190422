// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package usrs

import (
	"github.com/go-kit/log"

	"github.com/ktemkin/usrs/usb"
	"github.com/ktemkin/usrs/usb/libusb"
)

// Everywhere else, device access goes through libusb.
func defaultBackend(logger log.Logger) usb.Backend {
	return libusb.New(libusb.Options{Logger: logger})
}
