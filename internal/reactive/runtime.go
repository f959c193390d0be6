// Package reactive implements the cell primitives the signal graph is built
// from: mutable State cells, lazily cached Computed cells, asynchronous
// Async cells with cooperative cancellation, and Effects.
//
// Dependencies are tracked automatically: reading a cell while another cell
// or effect is evaluating records an edge. Writes push "maybe dirty" flags
// down the graph; reads pull fresh values, recomputing only what actually
// changed. Effects are queued and flushed once per tick, after all
// propagation, so an effect observing several changed inputs runs once and
// sees a consistent snapshot.
//
// A Runtime is confined to one goroutine at a time. In the engine that is
// the event loop; async jobs run elsewhere and post their results back
// through the runtime's Scheduler.
package reactive

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// maxFlushRounds bounds how many times effects may re-trigger each other
// within one flush.
const maxFlushRounds = 100

var (
	// ErrSuperseded is the cancellation cause given to an async job when a
	// newer invocation of the same cell starts.
	ErrSuperseded = errors.New("reactive: computation superseded")

	// ErrEffectLoop is reported when effects keep invalidating each other.
	ErrEffectLoop = errors.New("reactive: effects did not settle")
)

// CircularDependencyError is returned when a cell is read while it is
// evaluating, directly or through other cells.
type CircularDependencyError struct {
	Cell string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("reactive: circular dependency while evaluating %q", e.Cell)
}

// Scheduler delivers async settlements back to the goroutine that owns the
// runtime. loop.Loop satisfies it.
type Scheduler interface {
	Post(task func()) bool
}

type inlineScheduler struct{}

func (inlineScheduler) Post(task func()) bool {
	task()
	return true
}

// Inline runs posted tasks immediately on the posting goroutine. It is only
// safe when nothing else uses the runtime concurrently.
var Inline Scheduler = inlineScheduler{}

// Option configures a Runtime.
type Option func(*Runtime)

// WithScheduler sets where async results are delivered.
func WithScheduler(s Scheduler) Option {
	return func(rt *Runtime) {
		rt.sched = s
	}
}

// WithErrorHandler receives effect panics and effect loop reports.
func WithErrorHandler(fn func(error)) Option {
	return func(rt *Runtime) {
		rt.onError = fn
	}
}

// Runtime owns a graph of cells.
type Runtime struct {
	sched   Scheduler
	onError func(error)

	ctx    context.Context
	cancel context.CancelFunc

	stack      []*collector
	queue      []*node
	batchDepth int
	flushing   bool
	nextID     uint64
}

// NewRuntime creates an empty runtime.
func NewRuntime(opts ...Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		sched:   Inline,
		onError: func(error) {},
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Close cancels every in-flight async job. Results arriving afterwards are
// discarded.
func (rt *Runtime) Close() {
	rt.cancel()
}

// Closed reports whether Close has been called.
func (rt *Runtime) Closed() bool {
	return rt.ctx.Err() != nil
}

// Batch runs fn and defers effect execution until it returns, so every
// mutation inside fn is observed as one tick.
func (rt *Runtime) Batch(fn func()) {
	rt.batchDepth++
	defer func() {
		rt.batchDepth--
		rt.maybeFlush()
	}()
	fn()
}

// Untracked runs fn without recording dependencies for the cell currently
// evaluating.
func (rt *Runtime) Untracked(fn func()) {
	saved := rt.stack
	rt.stack = nil
	defer func() { rt.stack = saved }()
	fn()
}

type flag uint8

const (
	clean flag = iota
	check
	dirty
)

type kind uint8

const (
	kindState kind = iota
	kindComputed
	kindAsync
	kindEffect
)

type dep struct {
	n       *node
	version uint64
}

// node is the type-erased part of every cell.
type node struct {
	id         uint64
	name       string
	kind       kind
	state      flag
	version    uint64
	evaluating bool
	disposed   bool
	deps       []dep
	subs       map[*node]struct{}
	// update recomputes a derived node and reports whether its value changed.
	update func() bool
}

type collector struct {
	deps []dep
	seen map[*node]struct{}
}

func (rt *Runtime) newNode(name string, k kind) *node {
	rt.nextID++
	n := &node{
		id:   rt.nextID,
		name: name,
		kind: k,
		subs: make(map[*node]struct{}),
	}
	if k != kindState {
		n.state = dirty
	}
	return n
}

// track records n as a dependency of the evaluation on top of the stack.
func (rt *Runtime) track(n *node) {
	if len(rt.stack) == 0 {
		return
	}
	top := rt.stack[len(rt.stack)-1]
	if _, ok := top.seen[n]; ok {
		return
	}
	top.seen[n] = struct{}{}
	top.deps = append(top.deps, dep{n: n, version: n.version})
}

// evaluate runs fn with n as the current subscriber and replaces n's
// dependency edges with the ones fn read.
func (rt *Runtime) evaluate(n *node, fn func()) {
	c := &collector{seen: make(map[*node]struct{})}
	rt.stack = append(rt.stack, c)
	n.evaluating = true
	defer func() {
		n.evaluating = false
		rt.stack = rt.stack[:len(rt.stack)-1]
		rt.relink(n, c)
	}()
	fn()
}

func (rt *Runtime) relink(n *node, c *collector) {
	for _, old := range n.deps {
		if _, still := c.seen[old.n]; !still {
			delete(old.n.subs, n)
		}
	}
	if n.disposed {
		n.deps = nil
		return
	}
	for _, d := range c.deps {
		d.n.subs[n] = struct{}{}
	}
	n.deps = c.deps
}

func (rt *Runtime) unlink(n *node) {
	for _, d := range n.deps {
		delete(d.n.subs, n)
	}
	n.deps = nil
}

// mark raises n to at least level, queues effects and flags everything
// downstream as possibly dirty.
func (rt *Runtime) mark(n *node, level flag) {
	if n.disposed || n.state >= level {
		return
	}
	wasClean := n.state == clean
	n.state = level

	if n.kind == kindEffect {
		if wasClean {
			rt.queue = append(rt.queue, n)
		}
		return
	}
	if wasClean {
		for sub := range n.subs {
			rt.mark(sub, check)
		}
	}
}

// propagate marks the direct subscribers of a changed source dirty and runs
// effects unless a batch or flush is already in progress.
func (rt *Runtime) propagate(src *node) {
	for sub := range src.subs {
		rt.mark(sub, dirty)
	}
	rt.maybeFlush()
}

// refresh brings a derived node or effect up to date.
func (rt *Runtime) refresh(n *node) {
	if n.evaluating || n.state == clean {
		return
	}

	if n.state == check {
		for _, d := range n.deps {
			if d.n.kind != kindState {
				rt.refresh(d.n)
			}
			if d.n.version != d.version {
				n.state = dirty
				break
			}
		}
		if n.state == check {
			n.state = clean
			return
		}
	}

	n.state = clean
	n.update()
}

func (rt *Runtime) maybeFlush() {
	if rt.batchDepth > 0 || rt.flushing {
		return
	}
	rt.flush()
}

func (rt *Runtime) flush() {
	rt.flushing = true
	defer func() { rt.flushing = false }()

	for round := 0; len(rt.queue) > 0; round++ {
		if round >= maxFlushRounds {
			for _, n := range rt.queue {
				n.state = clean
			}
			rt.queue = nil
			rt.onError(ErrEffectLoop)
			return
		}

		queue := rt.queue
		rt.queue = nil
		sort.Slice(queue, func(i, j int) bool { return queue[i].id < queue[j].id })

		for _, n := range queue {
			if n.disposed {
				continue
			}
			rt.runEffect(n)
		}
	}
}

func (rt *Runtime) runEffect(n *node) {
	defer func() {
		if r := recover(); r != nil {
			n.state = clean
			rt.onError(fmt.Errorf("reactive: effect %q panicked: %v", n.name, r))
		}
	}()
	rt.refresh(n)
}
