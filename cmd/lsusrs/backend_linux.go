// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"github.com/go-kit/log"

	"github.com/ktemkin/usrs/usb"
	"github.com/ktemkin/usrs/usb/usbfs"
)

func usbfsBackend(logger log.Logger) (usb.Backend, error) {
	return usbfs.New(usbfs.Options{Logger: logger}), nil
}
