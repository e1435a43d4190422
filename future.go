// SPDX-License-Identifier: Apache-2.0

package usrs

import (
	"context"
	"sync"
)

// Transfer is the handle to one in-flight asynchronous transfer. It
// completes exactly once; the result can be taken exactly once.
//
// Waiting is channel-based: Done never busy-polls, and any number of
// goroutines may select on it. Taking the result is restricted to one
// caller, since the transfer's buffer ownership moves with it.
type Transfer struct {
	done chan struct{}

	mu        sync.Mutex
	completed bool
	taken     bool
	n         int
	err       error
}

func newTransfer() *Transfer {
	return &Transfer{done: make(chan struct{})}
}

// complete records the transfer's outcome. Backends invoke callbacks
// exactly once; a second completion is a library bug.
func (t *Transfer) complete(n int, err error) {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		panic("usrs: transfer completed twice")
	}
	t.completed = true
	t.n = n
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// Done is closed once the transfer has completed.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Completed reports whether the transfer has finished, without blocking.
func (t *Transfer) Completed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Result takes the transfer's outcome: the number of bytes transferred,
// or an error. It may be called once, after completion; calling it on a
// pending transfer, or a second time, is a programming error and panics.
func (t *Transfer) Result() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.completed {
		panic("usrs: transfer result taken before completion")
	}
	if t.taken {
		panic("usrs: transfer result taken twice")
	}
	t.taken = true
	return t.n, t.err
}

// Wait blocks until the transfer completes or the context ends, and takes
// the result. When the context ends first the transfer stays in flight;
// its result remains takeable after completion.
func (t *Transfer) Wait(ctx context.Context) (int, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
