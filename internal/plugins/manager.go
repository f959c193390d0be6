package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/multierr"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/logging"
)

// Manager owns the registered plugins and their lifecycle.
type Manager struct {
	plugins   []*entry
	byName    map[string]*entry
	collector *errors.ErrorCollector
	logger    logging.Logger
	mu        sync.RWMutex
}

type entry struct {
	plugin        Plugin
	state         State
	err           error
	events        int
	failures      int
	initializedAt time.Time
}

// NewManager creates an empty manager. Plugin failures are recorded in
// collector when it is non-nil.
func NewManager(collector *errors.ErrorCollector, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	if collector == nil {
		collector = errors.NewErrorCollector()
	}
	return &Manager{
		byName:    make(map[string]*entry),
		collector: collector,
		logger:    logger.WithComponent("plugins"),
	}
}

// Register adds a plugin. Plugins run in registration order.
func (m *Manager) Register(p Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin has no name")
	}
	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("plugin %s is already registered", name)
	}

	e := &entry{plugin: p, state: StateRegistered}
	m.plugins = append(m.plugins, e)
	m.byName[name] = e
	return nil
}

// Get returns a registered plugin by name.
func (m *Manager) Get(name string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// List describes every registered plugin in registration order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.plugins))
	for _, e := range m.plugins {
		info := Info{
			Name:          e.plugin.Name(),
			State:         e.state,
			Events:        e.events,
			Failures:      e.failures,
			InitializedAt: e.initializedAt,
		}
		if e.err != nil {
			info.Error = e.err.Error()
		}
		infos = append(infos, info)
	}
	return infos
}

// Initialize initialises every registered plugin on the loop behind exec.
// settings is keyed by plugin name; an "enabled: false" entry disables the
// plugin. A plugin that fails to initialise is marked failed and skipped;
// the returned error combines every such failure.
func (m *Manager) Initialize(
	ctx context.Context,
	exec graph.Executor,
	g *graph.Graph,
	base Config,
	settings map[string]map[string]interface{},
) error {
	if base.Logger == nil {
		base.Logger = m.logger
	}

	m.mu.RLock()
	entries := append([]*entry(nil), m.plugins...)
	m.mu.RUnlock()

	var result error
	for _, e := range entries {
		name := e.plugin.Name()
		cfg := base
		cfg.Name = name
		cfg.Enabled = true
		cfg.Settings = map[string]interface{}{}
		cfg.Logger = base.Logger.WithComponent("plugin:" + name)
		for k, v := range settings[name] {
			if k == "enabled" {
				cfg.Enabled = cast.ToBool(v)
				continue
			}
			cfg.Settings[k] = v
		}

		if !cfg.Enabled {
			m.setState(e, StateDisabled, nil)
			m.logger.Info(ctx, "Plugin disabled", "plugin", name)
			continue
		}

		var initErr error
		if err := exec.Do(ctx, func() {
			initErr = e.plugin.Initialize(ctx, cfg, g)
		}); err != nil {
			initErr = err
		}
		if initErr != nil {
			m.setState(e, StateFailed, initErr)
			m.logger.Error(ctx, initErr, "Plugin failed to initialize", "plugin", name)
			result = multierr.Append(result, fmt.Errorf("plugin %s: %w", name, initErr))
			continue
		}

		m.setState(e, StateInitialized, nil)
		m.logger.Info(ctx, "Plugin initialized", "plugin", name)
	}
	return result
}

func (m *Manager) setState(e *entry, state State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.state = state
	e.err = err
	if state == StateInitialized {
		e.initializedAt = time.Now()
	}
}

// active returns initialised plugins that accept path.
func (m *Manager) active(path string) []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*entry
	for _, e := range m.plugins {
		if e.state == StateInitialized && e.plugin.ShouldRun(path) {
			out = append(out, e)
		}
	}
	return out
}

// HandleFileChange passes ev to every plugin that accepts its path.
// Failures are recorded against the path and the plugin; one plugin failing
// does not stop the others.
func (m *Manager) HandleFileChange(ctx context.Context, ev graph.FileChangeEvent) error {
	var result error
	for _, e := range m.active(ev.Path) {
		name := e.plugin.Name()
		err := e.plugin.OnFileChange(ctx, ev)

		m.mu.Lock()
		e.events++
		if err != nil {
			e.failures++
		}
		m.mu.Unlock()

		if err != nil {
			buildErr := errors.NewBuildError("PLUGIN_EVENT", ev.Path, err).WithPlugin(name)
			m.collector.Add(buildErr)
			m.logger.Warn(ctx, err, "Plugin failed to handle file change", "plugin", name, "path", ev.Path)
			result = multierr.Append(result, buildErr)
		}
	}
	if result == nil {
		m.collector.Resolve(ev.Path)
	}
	return result
}

// Listener adapts HandleFileChange to a watcher listener.
func (m *Manager) Listener(ctx context.Context) func(ev graph.FileChangeEvent, label string) {
	return func(ev graph.FileChangeEvent, _ string) {
		_ = m.HandleFileChange(ctx, ev)
	}
}

// Transform runs in through every plugin that accepts its path, feeding each
// output into the next.
func (m *Manager) Transform(ctx context.Context, in Input) (Output, error) {
	out := Output{Path: in.Path, Content: in.Content}
	for _, e := range m.active(in.Path) {
		next, err := e.plugin.Transform(ctx, Input{Path: in.Path, Content: out.Content})
		if err != nil {
			buildErr := errors.NewBuildError("PLUGIN_TRANSFORM", in.Path, err).WithPlugin(e.plugin.Name())
			m.collector.Add(buildErr)
			return out, buildErr
		}
		if next.Path == "" {
			next.Path = out.Path
		}
		out = next
	}
	return out, nil
}

// Dependencies merges what every accepting plugin knows about path.
func (m *Manager) Dependencies(path string) []string {
	seen := make(map[string]struct{})
	for _, e := range m.active(path) {
		for _, dep := range e.plugin.Dependencies(path) {
			if dep != path {
				seen[dep] = struct{}{}
			}
		}
	}

	deps := make([]string, 0, len(seen))
	for dep := range seen {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

// Errors returns the outstanding plugin and build failures.
func (m *Manager) Errors() []errors.BuildEvent {
	return m.collector.Events()
}

// Wait blocks until every initialised plugin implementing Waiter has
// finished its background work.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.RLock()
	var waiters []Waiter
	for _, e := range m.plugins {
		if w, ok := e.plugin.(Waiter); ok && e.state == StateInitialized {
			waiters = append(waiters, w)
		}
	}
	m.mu.RUnlock()

	for _, w := range waiters {
		if err := w.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown cleans up initialised plugins in reverse registration order and
// combines their errors.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	var entries []*entry
	for _, e := range m.plugins {
		if e.state == StateInitialized {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	var result error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.plugin.Cleanup(ctx); err != nil {
			result = multierr.Append(result, fmt.Errorf("plugin %s: %w", e.plugin.Name(), err))
			m.setState(e, StateFailed, err)
			continue
		}
		m.setState(e, StateStopped, nil)
	}
	return result
}
