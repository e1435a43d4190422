// SPDX-License-Identifier: Apache-2.0

//go:build linux

package usbfs

import (
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ktemkin/usrs/usb"
)

// Known-good request numbers from linux/usbdevice_fs.h on 64-bit targets;
// a mismatch means a struct layout drifted from the kernel's.
func TestIoctlRequestNumbers(t *testing.T) {
	if unsafe64 := unix.SizeofPtr; unsafe64 != 8 {
		t.Skip("reference values are for 64-bit targets")
	}
	cases := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"CONTROL", reqControl, 0xC0185500},
		{"BULK", reqBulk, 0xC0185502},
		{"SETINTERFACE", reqSetInterface, 0x80085504},
		{"SETCONFIGURATION", reqSetConfiguration, 0x80045505},
		{"SUBMITURB", reqSubmitURB, 0x8038550A},
		{"DISCARDURB", reqDiscardURB, 0x0000550B},
		{"REAPURBNDELAY", reqReapURBNDelay, 0x4008550D},
		{"CLAIMINTERFACE", reqClaimInterface, 0x8004550F},
		{"RELEASEINTERFACE", reqReleaseInterface, 0x80045510},
		{"IOCTL", reqIoctl, 0xC0105512},
		{"RESET", reqReset, 0x00005514},
		{"CLEARHALT", reqClearHalt, 0x80045515},
		{"DISCONNECT", reqDisconnect, 0x00005516},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("USBDEVFS_%s: got %#x, want %#x", tc.name, tc.got, tc.want)
		}
	}
}

func TestTranslateErrno(t *testing.T) {
	cases := []struct {
		errno unix.Errno
		want  error
	}{
		{unix.EPIPE, usb.ErrStalled},
		{unix.ETIMEDOUT, usb.ErrTimedOut},
		{unix.ETIME, usb.ErrTimedOut},
		{unix.EACCES, usb.ErrPermissionDenied},
		{unix.EPERM, usb.ErrPermissionDenied},
		{unix.EBUSY, usb.ErrDeviceReserved},
		{unix.ENODEV, usb.ErrDeviceNotFound},
		{unix.ESHUTDOWN, usb.ErrDeviceNotFound},
		{unix.EINVAL, usb.ErrInvalidArgument},
		{unix.EOVERFLOW, usb.ErrOverrun},
		{unix.EIO, usb.OsError(int64(unix.EIO))},
	}
	for _, tc := range cases {
		got := translateErrno(tc.errno)
		if !errors.Is(got, tc.want) {
			t.Errorf("errno %d: got %v, want %v", tc.errno, got, tc.want)
		}
	}
	if translateErrno(0) != nil {
		t.Error("errno 0 should translate to nil")
	}
}

func TestTransferOutcome(t *testing.T) {
	success := &pendingTransfer{u: &urb{status: 0, actualLength: 42}}
	if n, err := success.outcome(); n != 42 || err != nil {
		t.Errorf("success outcome: got (%d, %v)", n, err)
	}

	stalled := &pendingTransfer{u: &urb{status: -int32(unix.EPIPE)}}
	if _, err := stalled.outcome(); !errors.Is(err, usb.ErrStalled) {
		t.Errorf("stalled outcome: got %v", err)
	}

	// A discarded URB reports ENOENT; whether that's a timeout or an
	// abort depends on who discarded it.
	discarded := &pendingTransfer{u: &urb{status: -int32(unix.ENOENT)}}
	if _, err := discarded.outcome(); !errors.Is(err, usb.ErrAborted) {
		t.Errorf("discarded outcome: got %v", err)
	}
	discarded.timedOut = true
	if _, err := discarded.outcome(); !errors.Is(err, usb.ErrTimedOut) {
		t.Errorf("timed-out outcome: got %v", err)
	}

	gone := &pendingTransfer{u: &urb{status: -int32(unix.ESHUTDOWN)}}
	if _, err := gone.outcome(); !errors.Is(err, usb.ErrDeviceNotFound) {
		t.Errorf("disconnected outcome: got %v", err)
	}
}

func TestControlBufferLayout(t *testing.T) {
	setup := usb.SetupPacket{
		RequestType: usb.StandardInFromDevice.Byte(),
		Request:     usb.RequestGetDescriptor,
		Value:       usb.DescriptorValue(usb.DescriptorTypeDevice, 0),
		Index:       0,
	}
	dest := make([]byte, 18)
	buf := controlBuffer(setup, dest, true)

	if len(buf) != setupPacketLength+len(dest) {
		t.Fatalf("wrong buffer length %d", len(buf))
	}
	if buf[0] != 0x80 || buf[1] != 6 {
		t.Errorf("wrong setup header: % x", buf[:2])
	}
	if binary.LittleEndian.Uint16(buf[2:4]) != 0x0100 {
		t.Errorf("wrong wValue: % x", buf[2:4])
	}
	if binary.LittleEndian.Uint16(buf[6:8]) != 18 {
		t.Errorf("wrong wLength: % x", buf[6:8])
	}

	// OUT transfers carry their payload after the setup packet.
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	out := controlBuffer(usb.SetupPacket{RequestType: usb.VendorOutToDevice.Byte()}, payload, false)
	if string(out[setupPacketLength:]) != string(payload) {
		t.Errorf("payload not copied: % x", out)
	}
}
