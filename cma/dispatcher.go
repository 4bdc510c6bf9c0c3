package cma

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// EventHandler executes device events on behalf of a session.
type EventHandler interface {
	// HandleEvent runs on the dispatcher worker, one event at a time.
	HandleEvent(ctx context.Context, ev Event) error

	// CancelTask runs on the reading goroutine as soon as the device asks
	// to abort the current transfer.
	CancelTask(ev Event)
}

// EventDispatcher runs queued events on a single worker in arrival order.
//
// Submit never blocks the caller. CancelTask events bypass the queue and
// complete before the worker starts its next queued event.
//
// Example:
//
//	d := NewEventDispatcher(handler, logger)
//	d.Start(ctx)
//	d.Submit(ev)
//	d.Stop() // drains the queue, then joins the worker
type EventDispatcher struct {
	handler EventHandler
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	started  bool
	stopping bool

	// startMu is held while the worker dequeues and while an inline cancel
	// runs, so a cancel never interleaves with the start of a queued event.
	startMu sync.Mutex

	done chan struct{}
}

// NewEventDispatcher creates a stopped dispatcher.
func NewEventDispatcher(handler EventHandler, logger *slog.Logger) *EventDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &EventDispatcher{
		handler: handler,
		logger:  logger.With("component", "dispatcher"),
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker. Calling Start twice has no effect.
func (d *EventDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started || d.stopping {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.worker(ctx)
}

// Submit queues ev for the worker. Submitting after Stop panics.
func (d *EventDispatcher) Submit(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		programmingPanic(ErrDispatcherStopped, fmt.Sprintf("event 0x%04x", ev.Code))
	}
	d.queue = append(d.queue, ev)
	d.cond.Signal()
}

// CancelTask runs the cancel handler on the caller's goroutine.
func (d *EventDispatcher) CancelTask(ev Event) {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	d.safeCancel(ev)
}

// Pending returns the number of queued events not yet started.
func (d *EventDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stop lets the worker drain queued events and waits for it to exit.
func (d *EventDispatcher) Stop() {
	d.mu.Lock()
	if d.stopping {
		started := d.started
		d.mu.Unlock()
		if started {
			<-d.done
		}
		return
	}
	d.stopping = true
	started := d.started
	d.cond.Broadcast()
	d.mu.Unlock()

	if started {
		<-d.done
	} else {
		close(d.done)
	}
}

func (d *EventDispatcher) worker(ctx context.Context) {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopping {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		d.startMu.Lock()
		d.mu.Lock()
		ev := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.startMu.Unlock()

		d.safeHandle(ctx, ev)
	}
}

func (d *EventDispatcher) safeHandle(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Event handler panicked", "code", fmt.Sprintf("0x%04x", ev.Code), "panic", r)
		}
	}()
	if err := d.handler.HandleEvent(ctx, ev); err != nil {
		d.logger.Warn("Event handler failed", "code", fmt.Sprintf("0x%04x", ev.Code), "error", err)
	}
}

func (d *EventDispatcher) safeCancel(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Cancel handler panicked", "code", fmt.Sprintf("0x%04x", ev.Code), "panic", r)
		}
	}()
	d.handler.CancelTask(ev)
}
