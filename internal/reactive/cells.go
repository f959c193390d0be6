package reactive

import (
	"context"
	"reflect"
)

func defaultEqual[T any](a, b T) bool {
	return reflect.DeepEqual(a, b)
}

// State is a mutable cell.
type State[T any] struct {
	rt    *Runtime
	n     *node
	value T
	equal func(a, b T) bool
}

// NewState creates a state cell holding initial.
func NewState[T any](rt *Runtime, name string, initial T) *State[T] {
	return &State[T]{
		rt:    rt,
		n:     rt.newNode(name, kindState),
		value: initial,
		equal: defaultEqual[T],
	}
}

// WithEqual replaces the equality used to decide whether Set changes the
// cell.
func (s *State[T]) WithEqual(equal func(a, b T) bool) *State[T] {
	s.equal = equal
	return s
}

// Get returns the current value and subscribes the evaluating cell, if any.
func (s *State[T]) Get() T {
	s.rt.track(s.n)
	return s.value
}

// Peek returns the current value without subscribing.
func (s *State[T]) Peek() T {
	return s.value
}

// Set stores v. Subscribers are only invalidated when v differs from the
// previous value.
func (s *State[T]) Set(v T) {
	if s.equal(s.value, v) {
		return
	}
	s.value = v
	s.n.version++
	s.rt.propagate(s.n)
}

// Update sets the cell to fn applied to its current value.
func (s *State[T]) Update(fn func(T) T) {
	s.Set(fn(s.value))
}

// Computed is a lazily evaluated, cached derivation of other cells.
type Computed[T any] struct {
	rt          *Runtime
	n           *node
	fn          func() (T, error)
	equal       func(a, b T) bool
	value       T
	err         error
	initialized bool
}

// NewComputed creates a computed cell. fn runs on first read and again only
// after one of the cells it read has changed.
func NewComputed[T any](rt *Runtime, name string, fn func() (T, error)) *Computed[T] {
	c := &Computed[T]{
		rt:    rt,
		n:     rt.newNode(name, kindComputed),
		fn:    fn,
		equal: defaultEqual[T],
	}
	c.n.update = c.recompute
	return c
}

// WithEqual replaces the equality used to decide whether a recomputation
// invalidates subscribers.
func (c *Computed[T]) WithEqual(equal func(a, b T) bool) *Computed[T] {
	c.equal = equal
	return c
}

func (c *Computed[T]) recompute() bool {
	var (
		v   T
		err error
	)
	c.rt.evaluate(c.n, func() {
		v, err = c.fn()
	})

	if c.initialized && err == nil && c.err == nil && c.equal(c.value, v) {
		return false
	}
	c.value, c.err, c.initialized = v, err, true
	c.n.version++
	return true
}

// Get returns the up-to-date value, recomputing if needed.
func (c *Computed[T]) Get() (T, error) {
	if c.n.evaluating {
		var zero T
		return zero, &CircularDependencyError{Cell: c.n.name}
	}
	c.rt.refresh(c.n)
	c.rt.track(c.n)
	return c.value, c.err
}

// Job is the asynchronous part of an Async cell. It must return promptly
// once ctx is cancelled.
type Job[T any] func(ctx context.Context) (T, error)

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Async is a computed cell whose value is produced off the runtime's
// goroutine. Its prepare function runs synchronously (and is tracked) and
// returns the Job to execute. Starting a new job cancels the previous one
// with ErrSuperseded; a stale result is discarded when it arrives. Until a
// job settles, Get keeps returning the previous value.
type Async[T any] struct {
	rt          *Runtime
	n           *node
	prepare     func() (Job[T], error)
	equal       func(a, b T) bool
	value       T
	err         error
	initialized bool

	generation uint64
	cancel     context.CancelCauseFunc
	pending    bool
	done       chan struct{}
	superseded uint64
}

// NewAsync creates an async cell.
func NewAsync[T any](rt *Runtime, name string, prepare func() (Job[T], error)) *Async[T] {
	a := &Async[T]{
		rt:      rt,
		n:       rt.newNode(name, kindAsync),
		prepare: prepare,
		equal:   defaultEqual[T],
		done:    closedChan,
	}
	a.n.update = a.start
	return a
}

// WithEqual replaces the equality used when a job settles.
func (a *Async[T]) WithEqual(equal func(a, b T) bool) *Async[T] {
	a.equal = equal
	return a
}

func (a *Async[T]) start() bool {
	var (
		job Job[T]
		err error
	)
	a.rt.evaluate(a.n, func() {
		job, err = a.prepare()
	})

	a.generation++
	generation := a.generation
	if a.cancel != nil {
		a.cancel(ErrSuperseded)
		a.cancel = nil
	}

	if err != nil || job == nil {
		a.finish()
		if err == nil {
			return false
		}
		var zero T
		return a.apply(zero, err)
	}

	ctx, cancel := context.WithCancelCause(a.rt.ctx)
	a.cancel = cancel
	if !a.pending {
		a.pending = true
		a.done = make(chan struct{})
	}

	go func() {
		v, jobErr := job(ctx)
		if !a.rt.sched.Post(func() { a.settle(generation, ctx, v, jobErr) }) {
			cancel(context.Canceled)
		}
	}()

	return false
}

func (a *Async[T]) settle(generation uint64, ctx context.Context, v T, err error) {
	if generation != a.generation {
		a.superseded++
		return
	}
	if ctx.Err() != nil {
		a.finish()
		return
	}

	a.cancel(context.Canceled)
	a.cancel = nil
	a.finish()

	if a.apply(v, err) {
		a.rt.propagate(a.n)
	}
}

func (a *Async[T]) finish() {
	if a.pending {
		a.pending = false
		close(a.done)
	}
}

func (a *Async[T]) apply(v T, err error) bool {
	if a.initialized && err == nil && a.err == nil && a.equal(a.value, v) {
		return false
	}
	a.value, a.err, a.initialized = v, err, true
	a.n.version++
	return true
}

// Get returns the latest settled value and starts a new job if an input
// changed since the last one.
func (a *Async[T]) Get() (T, error) {
	if a.n.evaluating {
		var zero T
		return zero, &CircularDependencyError{Cell: a.n.name}
	}
	a.rt.refresh(a.n)
	a.rt.track(a.n)
	return a.value, a.err
}

// Pending reports whether a job is in flight.
func (a *Async[T]) Pending() bool {
	return a.pending
}

// Done returns a channel closed once no job is in flight. A new job started
// later gets a new channel.
func (a *Async[T]) Done() <-chan struct{} {
	return a.done
}

// Superseded counts results that arrived after a newer job had started and
// were therefore discarded.
func (a *Async[T]) Superseded() uint64 {
	return a.superseded
}

// Effect re-runs a function whenever a cell it read on its previous run
// changes.
type Effect struct {
	rt *Runtime
	n  *node
}

// NewEffect creates an effect and schedules its first run. Outside a batch
// or flush the first run happens before NewEffect returns.
func NewEffect(rt *Runtime, name string, fn func()) *Effect {
	e := &Effect{
		rt: rt,
		n:  rt.newNode(name, kindEffect),
	}
	e.n.update = func() bool {
		rt.evaluate(e.n, fn)
		return false
	}
	rt.queue = append(rt.queue, e.n)
	rt.maybeFlush()
	return e
}

// Stop disposes the effect; it will not run again.
func (e *Effect) Stop() {
	e.n.disposed = true
	e.rt.unlink(e.n)
}
