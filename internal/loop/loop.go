// Package loop provides the single logical event loop of the engine.
//
// Every mutation of the signal graph and every reactive recomputation runs
// as a task on one goroutine, so graph state never races. File watcher
// timers, HTTP handlers and async render settlements post tasks here instead
// of touching the graph directly. I/O happens outside the loop; only its
// results are posted back.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/conneroisu/livedocs/internal/logging"
)

// ErrStopped is returned when posting to a loop that has stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop executes posted tasks one at a time in posting order.
type Loop struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
	logger   logging.Logger
}

// New creates a loop with room for buffer queued tasks. Run must be called
// to start processing.
func New(buffer int, logger logging.Logger) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Loop{
		tasks:  make(chan func(), buffer),
		done:   make(chan struct{}),
		logger: logger.WithComponent("loop"),
	}
}

// Run processes tasks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		case task := <-l.tasks:
			l.execute(task)
		}
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(context.Background(), fmt.Errorf("%v", r), "Loop task panicked",
				"stack", string(debug.Stack()))
		}
	}()
	task()
}

// Post queues task without waiting for it to run. It blocks while the queue
// is full and returns false once the loop has stopped.
func (l *Loop) Post(task func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.tasks <- task:
		return true
	case <-l.done:
		return false
	}
}

// Do runs task on the loop and waits for it to finish. It must not be called
// from a task already running on the loop.
func (l *Loop) Do(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	posted := l.Post(func() {
		defer close(finished)
		task()
	})
	if !posted {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// The task may already have run.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop terminates the loop. Queued tasks that have not started are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
