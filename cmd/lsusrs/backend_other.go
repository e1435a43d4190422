// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package main

import (
	"fmt"

	"github.com/go-kit/log"

	"github.com/ktemkin/usrs/usb"
)

func usbfsBackend(log.Logger) (usb.Backend, error) {
	return nil, fmt.Errorf("the usbfs backend is only available on Linux")
}
