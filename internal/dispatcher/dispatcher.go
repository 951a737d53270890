/*
Package dispatcher implements the minimal event-loop abstraction the cluster manager core relies on
(§5, §6). The core treats the dispatcher as an external collaborator: a single-threaded, cooperative
event loop that runs posted closures strictly in FIFO order. The main thread owns one Dispatcher; each
worker owns another. Cross-thread mutation happens exclusively by Post-ing a closure onto the target
Dispatcher, never by sharing a lock.

This is intentionally the thinnest possible implementation of the contract: a buffered channel plus a
single consumer goroutine. Nothing here is xDS-specific; it is the same "serialize concurrent access
behind a per-owner queue" idiom used wherever a component explicitly owns its mutable state.
*/
package dispatcher

import (
	"context"
	"sync"
)

// Dispatcher runs posted closures one at a time, in the order they were posted, on a single
// goroutine. It satisfies the "post(closure)" contract from §6; the richer parts of the real
// Envoy Dispatcher (createTimer, createClientConnection, createDnsResolver,
// createFilesystemWatcher) are modeled as separate, narrower collaborator interfaces elsewhere in
// this module, since the cluster manager core only depends on thin slices of each.
type Dispatcher struct {
	queue chan func()

	stopOnce sync.Once
	stopped  chan struct{}
}

// New starts a Dispatcher with the given pending-work buffer size. A Dispatcher must be stopped with
// Stop once it is no longer needed, or its goroutine leaks.
func New(queueSize int) *Dispatcher {
	d := &Dispatcher{
		queue:   make(chan func(), queueSize),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for f := range d.queue {
		f()
	}
}

// Post enqueues f to run on the Dispatcher's goroutine. Posts from a single caller are delivered in
// the order they were made (§5 "posts are FIFO per worker"). Post blocks if the queue is full; it
// panics if called after Stop.
func (d *Dispatcher) Post(f func()) {
	d.queue <- f
}

// PostAndWait posts f and blocks until it has run. Useful in tests and in code paths that need a
// synchronization point (e.g. waiting for every worker to acknowledge a snapshot) without resorting
// to a shared lock.
func (d *Dispatcher) PostAndWait(ctx context.Context, f func()) error {
	done := make(chan struct{})
	d.Post(func() {
		f()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains no further work and shuts down the goroutine once the currently queued closures have
// run. Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.queue)
	})
	<-d.stopped
}
