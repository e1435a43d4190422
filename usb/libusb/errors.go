// SPDX-License-Identifier: Apache-2.0

package libusb

import (
	"context"
	"errors"

	"github.com/google/gousb"

	"github.com/ktemkin/usrs/usb"
)

// translateError maps libusb result codes onto the shared taxonomy.
// Anything without a better translation is preserved as an OsError
// carrying the libusb code.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return usb.ErrTimedOut
	}

	var code gousb.Error
	if !errors.As(err, &code) {
		return usb.ErrUnspecifiedOsError
	}
	switch code {
	case gousb.ErrorAccess:
		return usb.ErrPermissionDenied
	case gousb.ErrorBusy:
		return usb.ErrDeviceReserved
	case gousb.ErrorTimeout:
		return usb.ErrTimedOut
	case gousb.ErrorPipe:
		return usb.ErrStalled
	case gousb.ErrorNoDevice, gousb.ErrorNotFound:
		return usb.ErrDeviceNotFound
	case gousb.ErrorOverflow:
		return usb.ErrOverrun
	case gousb.ErrorInvalidParam:
		return usb.ErrInvalidArgument
	case gousb.ErrorInterrupted:
		return usb.ErrAborted
	case gousb.ErrorNotSupported:
		return usb.ErrUnsupported
	default:
		return usb.OsError(int64(code))
	}
}
