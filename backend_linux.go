// SPDX-License-Identifier: Apache-2.0

//go:build linux

package usrs

import (
	"github.com/go-kit/log"

	"github.com/ktemkin/usrs/usb"
	"github.com/ktemkin/usrs/usb/usbfs"
)

// On Linux the kernel's usbfs interface is used directly; no C library
// is involved.
func defaultBackend(logger log.Logger) usb.Backend {
	return usbfs.New(usbfs.Options{Logger: logger})
}
