// Package watcher turns OS file notifications into debounced
// graph.FileChangeEvents.
//
// Every path has its own debounce timer. A burst of writes to one path
// collapses into a single event fired after the quiet interval; timers of
// different paths never interact. Fired events are processed one at a time
// by a dispatcher goroutine, so events for the same path are handled in the
// order the writes happened.
package watcher

import (
	"context"
	stderrors "errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/logging"
	"github.com/conneroisu/livedocs/internal/scanner"
)

// DefaultDebounceDelay is used when neither the watcher nor a target sets one.
const DefaultDebounceDelay = 100 * time.Millisecond

// ErrAlreadyActive is returned by Start on a running watcher.
var ErrAlreadyActive = stderrors.New("watcher already active")

// Target is one independently watched directory.
type Target struct {
	Directory     string
	Extensions    []string
	Label         string
	BuildCommands []string
	// DebounceDelay overrides the watcher-wide delay when non-zero.
	DebounceDelay time.Duration
}

// Config configures a FileWatcher.
type Config struct {
	Targets       []Target
	DebounceDelay time.Duration
}

// Handler applies an event, normally graph.Graph.ProcessFileChange. A
// returned error aborts processing of that event only.
type Handler func(ctx context.Context, ev graph.FileChangeEvent) error

// Listener is told about every event the handler accepted.
type Listener func(ev graph.FileChangeEvent, label string)

// CommandRunner runs one build command in dir.
type CommandRunner func(ctx context.Context, dir, command string) error

// Option configures a FileWatcher.
type Option func(*FileWatcher)

// WithLogger sets the watcher's logger.
func WithLogger(logger logging.Logger) Option {
	return func(fw *FileWatcher) { fw.logger = logger.WithComponent("watcher") }
}

// WithCommandRunner replaces how build commands are executed.
func WithCommandRunner(run CommandRunner) Option {
	return func(fw *FileWatcher) { fw.runCommand = run }
}

// State is a snapshot of the watcher's bookkeeping.
type State struct {
	IsActive            bool      `json:"isActive" yaml:"isActive"`
	LastChangeTimestamp time.Time `json:"lastChangeTimestamp" yaml:"lastChangeTimestamp"`
	WatchedPaths        []string  `json:"watchedPaths" yaml:"watchedPaths"`
	PendingTimers       int       `json:"pendingTimers" yaml:"pendingTimers"`
}

type target struct {
	Target
	dir     string
	delay   time.Duration
	root    scanner.Root
	ignorer *scanner.Ignorer
}

func (t *target) accepts(path string) bool {
	return !t.ignorer.Ignored(path) && t.root.Accepts(path)
}

// pending is the debounce state of one path.
type pending struct {
	timer  *time.Timer
	op     fsnotify.Op
	target *target
}

type fired struct {
	path   string
	op     fsnotify.Op
	target *target
}

// FileWatcher watches targets and dispatches debounced events.
type FileWatcher struct {
	targets    []*target
	handler    Handler
	runCommand CommandRunner
	logger     logging.Logger

	mu         sync.Mutex
	active     bool
	watcher    *fsnotify.Watcher
	watched    map[string]struct{}
	timers     map[string]*pending
	lastChange time.Time
	listeners  []Listener
	fires      chan fired
	done       <-chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an inactive watcher. handler receives every fired event.
func New(cfg Config, handler Handler, opts ...Option) *FileWatcher {
	fw := &FileWatcher{
		handler:    handler,
		runCommand: runShellCommand,
		logger:     logging.Discard(),
		watched:    make(map[string]struct{}),
		timers:     make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(fw)
	}

	global := cfg.DebounceDelay
	if global <= 0 {
		global = DefaultDebounceDelay
	}
	osFs := afero.NewOsFs()
	for _, t := range cfg.Targets {
		dir, err := filepath.Abs(t.Directory)
		if err != nil {
			dir = filepath.Clean(t.Directory)
		}
		delay := t.DebounceDelay
		if delay <= 0 {
			delay = global
		}
		fw.targets = append(fw.targets, &target{
			Target:  t,
			dir:     dir,
			delay:   delay,
			root:    scanner.Root{Directory: dir, Extensions: t.Extensions},
			ignorer: scanner.NewIgnorer(osFs, dir),
		})
	}
	// Deepest directories first so nested targets win.
	sort.SliceStable(fw.targets, func(i, j int) bool {
		return len(fw.targets[i].dir) > len(fw.targets[j].dir)
	})

	return fw
}

// AddListener registers l for accepted events.
func (fw *FileWatcher) AddListener(l Listener) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.listeners = append(fw.listeners, l)
}

// Start registers recursive watches for every target and begins
// dispatching. Failing to create the OS watcher is fatal; a target that
// cannot be watched is logged and skipped.
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.active {
		return ErrAlreadyActive
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewWatchError("WATCH_INIT", "", err)
	}
	fw.watcher = w

	for _, t := range fw.targets {
		if err := fw.addRecursiveLocked(t, t.dir); err != nil {
			fw.logger.Error(ctx, err, "Cannot watch target", "directory", t.dir, "label", t.Label)
		}
	}

	ctx, fw.cancel = context.WithCancel(ctx)
	fw.done = ctx.Done()
	fw.fires = make(chan fired, 256)
	fw.active = true

	fw.wg.Add(2)
	go fw.watchLoop(ctx, w)
	go fw.dispatch(ctx, fw.fires)

	fw.logger.Info(ctx, "Watching for changes", "targets", len(fw.targets), "directories", len(fw.watched))
	return nil
}

// Stop cancels every debounce timer, releases the OS watches and clears
// the watcher state. It waits for the dispatcher to finish its current
// event.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.active {
		fw.mu.Unlock()
		return nil
	}

	for path, p := range fw.timers {
		p.timer.Stop()
		delete(fw.timers, path)
	}
	fw.cancel()
	err := fw.watcher.Close()
	fw.watcher = nil
	fw.watched = make(map[string]struct{})
	fw.lastChange = time.Time{}
	fw.active = false
	fw.mu.Unlock()

	fw.wg.Wait()
	return err
}

// State returns a snapshot of the watcher state.
func (fw *FileWatcher) State() State {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	paths := make([]string, 0, len(fw.watched))
	for p := range fw.watched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	return State{
		IsActive:            fw.active,
		LastChangeTimestamp: fw.lastChange,
		WatchedPaths:        paths,
		PendingTimers:       len(fw.timers),
	}
}

func (fw *FileWatcher) addRecursiveLocked(t *target, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return errors.NewWatchError("WATCH_ADD", path, err)
			}
			fw.logger.Warn(context.Background(), err, "Skipping unreadable path", "path", path)
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if path != t.dir && t.ignorer.SkipDir(path) {
			return filepath.SkipDir
		}
		if _, ok := fw.watched[path]; ok {
			return nil
		}
		if err := fw.watcher.Add(path); err != nil {
			fw.logger.Warn(context.Background(), errors.NewWatchError("WATCH_ADD", path, err),
				"Skipping directory")
			return nil
		}
		fw.watched[path] = struct{}{}
		return nil
	})
}

func (fw *FileWatcher) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer fw.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(event)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(ctx, errors.NewWatchError("WATCH_OS", "", err), "File watcher error")
		}
	}
}

// targetFor returns the deepest target containing path.
func (fw *FileWatcher) targetFor(path string) *target {
	for _, t := range fw.targets {
		if path == t.dir || strings.HasPrefix(path, t.dir+string(filepath.Separator)) {
			return t
		}
	}
	return nil
}

func (fw *FileWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	t := fw.targetFor(path)
	if t == nil {
		return
	}

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			fw.handleNewDirectory(t, path)
			return
		}
	}
	if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		// The OS drops the watch of a vanished directory by itself.
		fw.mu.Lock()
		_, wasDir := fw.watched[path]
		delete(fw.watched, path)
		fw.mu.Unlock()
		if wasDir {
			return
		}
	}

	if !t.accepts(path) {
		return
	}
	fw.schedule(t, path, event.Op)
}

// handleNewDirectory watches a directory that appeared after Start and
// schedules the files already inside it, which may have been written before
// the watch was added.
func (fw *FileWatcher) handleNewDirectory(t *target, dir string) {
	if t.ignorer.SkipDir(dir) {
		return
	}

	fw.mu.Lock()
	if !fw.active {
		fw.mu.Unlock()
		return
	}
	if err := fw.addRecursiveLocked(t, dir); err != nil {
		fw.logger.Warn(context.Background(), err, "Cannot watch new directory", "path", dir)
	}
	fw.mu.Unlock()

	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if t.accepts(path) {
			fw.schedule(t, path, fsnotify.Create)
		}
		return nil
	})
}

// schedule starts or resets the debounce timer of path.
func (fw *FileWatcher) schedule(t *target, path string, op fsnotify.Op) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if !fw.active {
		return
	}
	fw.lastChange = time.Now()

	p := &pending{op: op, target: t}
	if prev, ok := fw.timers[path]; ok {
		prev.timer.Stop()
		p.op |= prev.op
	}
	fw.timers[path] = p
	p.timer = time.AfterFunc(t.delay, func() { fw.fire(path, p) })
}

func (fw *FileWatcher) fire(path string, p *pending) {
	fw.mu.Lock()
	if !fw.active || fw.timers[path] != p {
		fw.mu.Unlock()
		return
	}
	delete(fw.timers, path)
	fires, done := fw.fires, fw.done
	fw.mu.Unlock()

	select {
	case fires <- fired{path: path, op: p.op, target: p.target}:
	case <-done:
	}
}

func (fw *FileWatcher) dispatch(ctx context.Context, fires <-chan fired) {
	defer fw.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-fires:
			fw.process(ctx, f)
		}
	}
}

func (fw *FileWatcher) process(ctx context.Context, f fired) {
	ev := graph.FileChangeEvent{
		Path:      f.path,
		Kind:      kindOf(f.path, f.op),
		Timestamp: time.Now(),
	}

	if err := fw.handler(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return
		}
		fw.logger.Warn(ctx, err, "Ignoring file change", "path", ev.Path, "kind", ev.Kind)
		return
	}
	fw.logger.Debug(ctx, "File change processed", "path", ev.Path, "kind", ev.Kind, "label", f.target.Label)

	for _, command := range f.target.BuildCommands {
		if err := fw.runCommand(ctx, f.target.dir, command); err != nil {
			fw.logger.Error(ctx, errors.NewBuildError("BUILD_COMMAND", ev.Path, err),
				"Build command failed", "command", command, "label", f.target.Label)
		}
	}

	fw.mu.Lock()
	listeners := append([]Listener(nil), fw.listeners...)
	fw.mu.Unlock()
	for _, l := range listeners {
		l(ev, f.target.Label)
	}
}

// kindOf derives the event kind from the ops accumulated during the
// debounce window and the file's existence when the timer fired.
func kindOf(path string, op fsnotify.Op) graph.ChangeKind {
	if _, err := os.Stat(path); err != nil {
		return graph.KindDelete
	}
	switch {
	case op.Has(fsnotify.Create):
		return graph.KindAdd
	case op.Has(fsnotify.Rename):
		return graph.KindRename
	default:
		return graph.KindChange
	}
}

func runShellCommand(ctx context.Context, dir, command string) error {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &commandError{command: command, output: strings.TrimSpace(string(out)), err: err}
	}
	return nil
}

type commandError struct {
	command string
	output  string
	err     error
}

func (e *commandError) Error() string {
	if e.output == "" {
		return e.command + ": " + e.err.Error()
	}
	return e.command + ": " + e.err.Error() + ": " + e.output
}

func (e *commandError) Unwrap() error { return e.err }
