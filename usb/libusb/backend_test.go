// SPDX-License-Identifier: Apache-2.0

package libusb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gousb"

	"github.com/ktemkin/usrs/usb"
)

func TestTranslateError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{gousb.ErrorAccess, usb.ErrPermissionDenied},
		{gousb.ErrorBusy, usb.ErrDeviceReserved},
		{gousb.ErrorTimeout, usb.ErrTimedOut},
		{gousb.ErrorPipe, usb.ErrStalled},
		{gousb.ErrorNoDevice, usb.ErrDeviceNotFound},
		{gousb.ErrorNotFound, usb.ErrDeviceNotFound},
		{gousb.ErrorOverflow, usb.ErrOverrun},
		{gousb.ErrorInvalidParam, usb.ErrInvalidArgument},
		{gousb.ErrorNotSupported, usb.ErrUnsupported},
		{context.DeadlineExceeded, usb.ErrTimedOut},
		{gousb.ErrorIO, usb.OsError(int64(gousb.ErrorIO))},
	}
	for _, tc := range cases {
		if got := translateError(tc.in); !errors.Is(got, tc.want) {
			t.Errorf("%v: got %v, want %v", tc.in, got, tc.want)
		}
	}
	if translateError(nil) != nil {
		t.Error("nil should translate to nil")
	}
}

func TestEndpointLayout(t *testing.T) {
	desc := &gousb.DeviceDesc{
		Configs: map[int]gousb.ConfigDesc{
			1: {
				Number: 1,
				Interfaces: []gousb.InterfaceDesc{
					{
						Number: 0,
						AltSettings: []gousb.InterfaceSetting{
							{
								Number:    0,
								Alternate: 0,
								Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{
									0x81: {Address: 0x81, Number: 1, Direction: gousb.EndpointDirectionIn},
									0x01: {Address: 0x01, Number: 1, Direction: gousb.EndpointDirectionOut},
								},
							},
						},
					},
					{
						Number: 1,
						AltSettings: []gousb.InterfaceSetting{
							{
								Number:    1,
								Alternate: 0,
								Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{
									0x82: {Address: 0x82, Number: 2, Direction: gousb.EndpointDirectionIn},
								},
							},
						},
					},
				},
			},
			// A second configuration mustn't contribute endpoints.
			2: {
				Number: 2,
				Interfaces: []gousb.InterfaceDesc{
					{
						Number: 0,
						AltSettings: []gousb.InterfaceSetting{
							{
								Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{
									0x83: {Address: 0x83, Number: 3, Direction: gousb.EndpointDirectionIn},
								},
							},
						},
					},
				},
			},
		},
	}

	layout := endpointLayout(desc)
	expected := map[uint8]usb.EndpointInfo{
		0x01: {Interface: 0, PipeRef: 1},
		0x81: {Interface: 0, PipeRef: 2},
		0x82: {Interface: 1, PipeRef: 1},
	}
	if len(layout) != len(expected) {
		t.Fatalf("wrong endpoint count: %v", layout)
	}
	for address, want := range expected {
		if got := layout[address]; got != want {
			t.Errorf("endpoint %#02x: got %+v, want %+v", address, got, want)
		}
	}
}

func TestTransferWorkerOrderingAndShutdown(t *testing.T) {
	w := startTransferWorker()

	var mu sync.Mutex
	var order []int
	ready := make(chan struct{})

	for i := 0; i < 10; i++ {
		i := i
		err := w.submit(func() {
			if i == 0 {
				<-ready
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("submission %d failed: %v", i, err)
		}
	}
	close(ready)
	w.stop()

	if len(order) != 10 {
		t.Fatalf("expected every accepted job to run, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}

	if err := w.submit(func() {}); !errors.Is(err, usb.ErrDeviceNotOpen) {
		t.Errorf("submission after stop: got %v", err)
	}
}

func TestControlTimeoutSerialized(t *testing.T) {
	d := &device{dev: &gousb.Device{}}

	var wg sync.WaitGroup
	var mismatches int32
	for i := 0; i < 8; i++ {
		timeout := time.Duration(i+1) * time.Millisecond
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				_, _ = d.withControlTimeout(timeout, func() (int, error) {
					if d.dev.ControlTimeout != timeout {
						atomic.AddInt32(&mismatches, 1)
					}
					return 0, nil
				})
			}
		}()
	}
	wg.Wait()

	if mismatches != 0 {
		t.Errorf("control timeout changed under a running transfer %d times", mismatches)
	}
}

func TestTransferWorkerNeverDropsAcceptedJobs(t *testing.T) {
	w := startTransferWorker()

	var accepted, executed int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				err := w.submit(func() {
					atomic.AddInt32(&executed, 1)
				})
				if err == nil {
					atomic.AddInt32(&accepted, 1)
				}
			}
		}()
	}

	stopped := make(chan struct{})
	go func() {
		w.stop()
		close(stopped)
	}()

	wg.Wait()
	<-stopped

	if accepted != atomic.LoadInt32(&executed) {
		t.Errorf("accepted %d jobs but ran %d", accepted, executed)
	}
}

func TestLocatorFor(t *testing.T) {
	desc := &gousb.DeviceDesc{Bus: 2, Address: 9, Vendor: 0x1d50, Product: 0x615c}
	if locatorFor(desc) != 2<<16|9 {
		t.Errorf("wrong locator: %#x", locatorFor(desc))
	}
	info := descInformation(desc)
	if info.StringLocation != "2.9" {
		t.Errorf("wrong string location: %q", info.StringLocation)
	}
	if info.VendorID != 0x1d50 || info.ProductID != 0x615c {
		t.Errorf("wrong IDs: %s", info)
	}
}
