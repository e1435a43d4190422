// SPDX-License-Identifier: Apache-2.0

package libusb

import (
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/ktemkin/usrs/usb"
)

// transferWorker serializes a device's non-blocking transfers onto one
// goroutine, so callbacks run in submission order and never on the
// goroutine that submitted them.
type transferWorker struct {
	// mu orders submissions against stop: the queue is only closed under
	// it, so a job accepted by submit is always drained by run.
	mu      sync.Mutex
	stopped bool

	jobs chan func()
	done chan struct{}
}

const workerQueueDepth = 64

func startTransferWorker() *transferWorker {
	w := &transferWorker{
		jobs: make(chan func(), workerQueueDepth),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *transferWorker) run() {
	defer close(w.done)
	for job := range w.jobs {
		job()
	}
}

// submit queues one transfer job. It fails rather than blocks when the
// worker is stopped or the queue is full; a nil return means the job's
// callback will run.
func (w *transferWorker) submit(job func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return errors.Wrap(usb.ErrDeviceNotOpen, "device is closed")
	}
	select {
	case w.jobs <- job:
		return nil
	default:
		return errors.Wrap(usb.ErrUnspecifiedOsError, "transfer queue is full")
	}
}

// stop closes the queue, lets the worker drain everything already
// accepted, and waits for it to exit.
func (w *transferWorker) stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.jobs)
	}
	w.mu.Unlock()
	<-w.done
}
