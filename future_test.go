// SPDX-License-Identifier: Apache-2.0

package usrs

import (
	"context"
	"testing"
	"time"
)

func TestTransferCompletesOnce(t *testing.T) {
	transfer := newTransfer()
	if transfer.Completed() {
		t.Fatal("fresh transfer reports completed")
	}

	transfer.complete(12, nil)
	if !transfer.Completed() {
		t.Fatal("completed transfer reports pending")
	}

	defer func() {
		if recover() == nil {
			t.Error("second completion should panic")
		}
	}()
	transfer.complete(0, nil)
}

func TestTransferResultTakenOnce(t *testing.T) {
	transfer := newTransfer()
	transfer.complete(7, nil)

	if n, err := transfer.Result(); n != 7 || err != nil {
		t.Fatalf("wrong result: (%d, %v)", n, err)
	}

	defer func() {
		if recover() == nil {
			t.Error("taking the result twice should panic")
		}
	}()
	_, _ = transfer.Result()
}

func TestTransferResultBeforeCompletionPanics(t *testing.T) {
	transfer := newTransfer()
	defer func() {
		if recover() == nil {
			t.Error("taking a pending result should panic")
		}
	}()
	_, _ = transfer.Result()
}

func TestTransferWait(t *testing.T) {
	transfer := newTransfer()
	go func() {
		time.Sleep(10 * time.Millisecond)
		transfer.complete(3, nil)
	}()

	n, err := transfer.Wait(context.Background())
	if n != 3 || err != nil {
		t.Errorf("wrong result: (%d, %v)", n, err)
	}
}

func TestTransferWaitHonorsContext(t *testing.T) {
	transfer := newTransfer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := transfer.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected a deadline error, got %v", err)
	}

	// The transfer is still in flight; completing and taking the result
	// afterwards works normally.
	transfer.complete(5, nil)
	if n, err := transfer.Result(); n != 5 || err != nil {
		t.Errorf("wrong result after late completion: (%d, %v)", n, err)
	}
}
