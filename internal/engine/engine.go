// Package engine is the composition root of livedocs. It builds the event
// loop, the signal graph, the plugins, the watcher and the dev server from a
// configuration and owns their startup and ordered shutdown.
package engine

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/conneroisu/livedocs/internal/config"
	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/logging"
	"github.com/conneroisu/livedocs/internal/loop"
	"github.com/conneroisu/livedocs/internal/plugins"
	"github.com/conneroisu/livedocs/internal/plugins/builtin"
	"github.com/conneroisu/livedocs/internal/reactive"
	"github.com/conneroisu/livedocs/internal/scanner"
	"github.com/conneroisu/livedocs/internal/server"
	"github.com/conneroisu/livedocs/internal/watcher"
	"github.com/conneroisu/livedocs/internal/websocket"
)

// ShutdownTimeout bounds the ordered shutdown at the end of Run.
const ShutdownTimeout = 10 * time.Second

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the logger built from the log configuration.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithBaseDir sets the directory relative site paths are resolved against.
// It defaults to the working directory.
func WithBaseDir(dir string) Option {
	return func(e *Engine) { e.base = dir }
}

// WithOutputFs sets the filesystem the generated site is written to and
// served from.
func WithOutputFs(fsys afero.Fs) Option {
	return func(e *Engine) { e.outFs = fsys }
}

// WithCommandRunner replaces the shell used for watch build commands.
func WithCommandRunner(run watcher.CommandRunner) Option {
	return func(e *Engine) { e.runCommand = run }
}

// Engine runs one site.
type Engine struct {
	cfg        *config.Config
	base       string
	logger     logging.Logger
	srcFs      afero.Fs
	outFs      afero.Fs
	runCommand watcher.CommandRunner

	loop        *loop.Loop
	graph       *graph.Graph
	writer      *builtin.Writer
	collector   *errors.ErrorCollector
	plugins     *plugins.Manager
	watcher     *watcher.FileWatcher
	hub         *websocket.Manager
	broadcaster *server.Broadcaster
	server      *server.Server

	scan     scanner.Result
	started  time.Time
	cancel   context.CancelFunc
	serveErr chan error
	ready    chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an engine for cfg. Nothing is started until Build, Start or
// Run is called.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		srcFs:     afero.NewOsFs(),
		outFs:     afero.NewOsFs(),
		collector: errors.NewErrorCollector(),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		e.base = wd
	}
	if e.logger == nil {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, errors.NewConfigError("INVALID_LOG_LEVEL", err.Error())
		}
		e.logger = logging.NewLogger(&logging.LoggerConfig{
			Level:     level,
			Format:    cfg.Log.Format,
			Component: "livedocs",
		})
	}
	return e, nil
}

// Logger returns the engine's logger.
func (e *Engine) Logger() logging.Logger {
	return e.logger
}

// Graph returns the signal graph. It is nil before the engine starts.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// Loop returns the event loop the graph runs on.
func (e *Engine) Loop() *loop.Loop {
	return e.loop
}

// Ready is closed once Start has the dev server listening.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Addr returns the address the dev server listens on, or "" when it is not
// listening.
func (e *Engine) Addr() string {
	if e.server == nil {
		return ""
	}
	return e.server.Addr()
}

// source is one source directory with the extensions the graph accepts
// from it.
type source struct {
	label      string
	dir        string
	extensions []string
}

func (e *Engine) sources(ctx context.Context, layout graph.Layout) ([]source, error) {
	candidates := []source{
		{"content", layout.ContentDir, graph.Extensions(graph.CategoryMarkdown)},
		{"templates", layout.TemplateDir, graph.Extensions(graph.CategoryTemplate)},
		{"components", layout.ComponentDir, graph.Extensions(graph.CategoryComponent)},
	}

	var out []source
	for _, s := range candidates {
		if s.dir == "" {
			continue
		}
		info, err := e.srcFs.Stat(s.dir)
		if err != nil || !info.IsDir() {
			if s.label == "content" {
				if err == nil {
					err = fmt.Errorf("not a directory")
				}
				return nil, errors.NewBuildError("CONTENT_DIR_MISSING", s.dir, err)
			}
			e.logger.Info(ctx, "Source directory not found, skipping", "label", s.label, "directory", s.dir)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// prepare builds the loop, graph, writer and plugins, scans the sources
// into the graph and waits until the first render is on disk.
func (e *Engine) prepare(ctx context.Context) error {
	e.started = time.Now()
	// The loop and writer outlive ctx so that shutdown can run in order.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	layout := e.cfg.Layout(e.base)
	sources, err := e.sources(ctx, layout)
	if err != nil {
		return err
	}

	e.loop = loop.New(0, e.logger)
	e.loop.Start(runCtx)
	if err := e.loop.Do(ctx, func() {
		rt := reactive.NewRuntime(reactive.WithScheduler(e.loop))
		e.graph = graph.New(rt, e.loop, layout,
			graph.WithBaseURL(e.cfg.Site.BaseURL),
			graph.WithWorkers(e.cfg.Build.Workers),
			graph.WithSourceFs(e.srcFs),
			graph.WithLogger(e.logger))
	}); err != nil {
		return err
	}

	outDir := e.cfg.OutputDir(e.base)
	if e.cfg.Build.Clean {
		if err := e.outFs.RemoveAll(outDir); err != nil {
			return errors.NewBuildError("CLEAN_OUTPUT", outDir, err)
		}
	}
	if err := e.outFs.MkdirAll(outDir, 0o755); err != nil {
		return errors.NewBuildError("CREATE_OUTPUT", outDir, err)
	}
	e.writer = builtin.NewWriter(e.outFs, outDir, e.logger)
	e.writer.Start(runCtx)

	e.plugins = plugins.NewManager(e.collector, e.logger)
	for _, p := range []plugins.Plugin{builtin.NewMarkdown(), builtin.NewAssets(), builtin.NewFragments()} {
		if err := e.plugins.Register(p); err != nil {
			return err
		}
	}
	if err := e.plugins.Initialize(ctx, e.loop, e.graph, plugins.Config{
		Output: e.writer,
		Loop:   e.loop,
		Logger: e.logger,
	}, e.cfg.PluginSettings()); err != nil {
		e.logger.Warn(ctx, err, "Continuing without failed plugins")
	}

	roots := make([]scanner.Root, len(sources))
	for i, s := range sources {
		roots[i] = scanner.Root{Directory: s.dir, Extensions: s.extensions}
	}
	e.scan, err = scanner.New(e.srcFs, e.logger).Load(ctx, e.loop, e.graph, roots)
	if err != nil {
		return err
	}
	return e.settle(ctx)
}

// settle waits for renders, background plugin work and output writes
// scheduled so far.
func (e *Engine) settle(ctx context.Context) error {
	if err := e.graph.Settled(ctx); err != nil {
		return err
	}
	if err := e.plugins.Wait(ctx); err != nil {
		return err
	}
	// Applies finished bundles, which may start another render.
	if err := e.loop.Do(ctx, func() {}); err != nil {
		return err
	}
	if err := e.graph.Settled(ctx); err != nil {
		return err
	}
	if err := e.loop.Do(ctx, func() {}); err != nil {
		return err
	}
	return e.writer.Flush(ctx)
}

// BuildResult summarises a one-shot build.
type BuildResult struct {
	Files     int
	Pages     int
	Assets    graph.OptimizedAssets
	Errors    []*errors.Error
	OutputDir string
	Duration  time.Duration
}

// Build scans the sources, renders every page, writes the site and shuts
// down. Render errors are reported in the result, not as an error.
func (e *Engine) Build(ctx context.Context) (BuildResult, error) {
	result := BuildResult{OutputDir: e.cfg.OutputDir(e.base)}
	op := logging.StartOperation(e.logger, "build")

	err := e.prepare(ctx)
	if err == nil {
		err = e.loop.Do(ctx, func() {
			pages, _ := e.graph.Pages()
			result.Pages = len(pages)
			result.Errors, _ = e.graph.RenderErrors()
			result.Assets = e.graph.Assets()
		})
	}
	result.Files = e.scan.Files
	result.Duration = time.Since(e.started)

	err = multierr.Append(err, e.Shutdown(context.Background()))
	if err != nil {
		op.EndWithError(ctx, err)
	} else {
		op.End(ctx, "pages", result.Pages, "errors", len(result.Errors))
	}
	return result, err
}

// Related returns the files the plugins report as related to path: the
// templates a page uses, the pages using a template, or the other files of
// a component.
func (e *Engine) Related(path string) []string {
	if e.plugins == nil {
		return nil
	}
	return e.plugins.Dependencies(path)
}

// PreviewResult is one source file passed through the plugin chain.
type PreviewResult struct {
	Source  string
	Path    string
	Content []byte
	Related []string
}

// Preview loads the site into memory and runs the file at path through
// every plugin that accepts it. Nothing is written to the output
// directory.
func (e *Engine) Preview(ctx context.Context, path string) (PreviewResult, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.base, path)
	}
	result := PreviewResult{Source: path}

	content, err := afero.ReadFile(e.srcFs, path)
	if err != nil {
		return result, errors.NewBuildError("PREVIEW_SOURCE", path, err)
	}

	e.outFs = afero.NewMemMapFs()
	err = e.prepare(ctx)
	if err == nil {
		var out plugins.Output
		out, err = e.plugins.Transform(ctx, plugins.Input{Path: path, Content: content})
		result.Path = out.Path
		result.Content = out.Content
		result.Related = e.Related(path)
	}
	return result, multierr.Append(err, e.Shutdown(context.Background()))
}

// Start builds the site, then starts the HMR hub, the watcher and the dev
// server. It returns once the server is listening.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.start(ctx); err != nil {
		return multierr.Append(err, e.Shutdown(context.Background()))
	}
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	if err := e.prepare(ctx); err != nil {
		return err
	}
	runCtx := context.WithoutCancel(ctx)

	e.hub = websocket.NewManager(
		websocket.WithLogger(e.logger),
		websocket.WithStats(e.hubStats),
		websocket.WithOriginPatterns(e.originPatterns()...))
	e.broadcaster = server.NewBroadcaster(e.hub, e.writer, e.logger)
	e.broadcaster.SetRelated(e.Related)
	e.broadcaster.Start(runCtx)
	if err := e.loop.Do(ctx, func() { e.broadcaster.Attach(e.graph) }); err != nil {
		return err
	}

	if e.cfg.Watch.Enabled {
		if err := e.startWatcher(ctx); err != nil {
			return err
		}
	}

	srv := e.cfg.Server
	e.server = server.New(server.Config{
		Host:           srv.Host,
		Port:           srv.Port,
		OutputDir:      e.cfg.OutputDir(e.base),
		Environment:    srv.Environment,
		AllowedOrigins: srv.AllowedOrigins,
		GzipMinSize:    srv.GzipMinSize,
		InjectClient:   srv.InjectClient,
		RateLimit:      srv.RateLimit,
	}, e.outFs, e.hub, server.WithLogger(e.logger), server.WithHealth(e.health))
	if err := e.server.Listen(); err != nil {
		return err
	}

	e.serveErr = make(chan error, 1)
	go func() { e.serveErr <- e.server.Serve() }()
	close(e.ready)

	e.logger.Info(ctx, "Serving site",
		"url", "http://"+e.server.Addr(),
		"output", e.cfg.OutputDir(e.base),
		"watch", e.cfg.Watch.Enabled,
		"startup", time.Since(e.started))
	return nil
}

func (e *Engine) startWatcher(ctx context.Context) error {
	layout := e.graph.Layout()
	sources, err := e.sources(ctx, layout)
	if err != nil {
		return err
	}

	cfg := watcher.Config{DebounceDelay: e.cfg.Watch.Debounce}
	for _, s := range sources {
		cfg.Targets = append(cfg.Targets, watcher.Target{
			Directory:     s.dir,
			Extensions:    s.extensions,
			Label:         s.label,
			BuildCommands: e.cfg.Watch.BuildCommands,
		})
	}

	opts := []watcher.Option{watcher.WithLogger(e.logger)}
	if e.runCommand != nil {
		opts = append(opts, watcher.WithCommandRunner(e.runCommand))
	}
	e.watcher = watcher.New(cfg, e.graph.ProcessFileChange, opts...)
	e.watcher.AddListener(e.plugins.Listener(context.WithoutCancel(ctx)))
	e.watcher.AddListener(e.broadcaster.FileChanged)
	return e.watcher.Start(context.WithoutCancel(ctx))
}

// originPatterns turns the configured CORS origins into WebSocket origin
// host patterns. Development accepts any origin.
func (e *Engine) originPatterns() []string {
	srv := e.cfg.Server
	if srv.Environment == "development" {
		return []string{"*"}
	}
	patterns := []string{net.JoinHostPort(srv.Host, fmt.Sprint(srv.Port))}
	for _, origin := range srv.AllowedOrigins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

// Run starts the engine and serves until ctx ends or the server fails, then
// shuts everything down.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	var err error
	select {
	case <-ctx.Done():
		e.logger.Info(context.Background(), "Shutting down")
	case err = <-e.serveErr:
		e.logger.Error(context.Background(), err, "Server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return multierr.Append(err, e.Shutdown(shutdownCtx))
}

// Shutdown stops every component in dependency order: debounce timers and
// watches, WebSocket clients, the HTTP listener, plugins, broadcast delivery,
// the output writer, in-flight renders and finally the event loop. Errors are combined. Only
// the first call does anything.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		var err error
		if e.watcher != nil {
			err = multierr.Append(err, e.watcher.Stop())
		}
		if e.hub != nil {
			err = multierr.Append(err, e.hub.Shutdown(ctx))
		}
		if e.server != nil {
			err = multierr.Append(err, e.server.Shutdown(ctx))
		}
		if e.plugins != nil {
			err = multierr.Append(err, e.plugins.Shutdown(ctx))
		}
		if e.broadcaster != nil {
			if !e.loop.Stopped() {
				_ = e.loop.Do(ctx, e.broadcaster.Detach)
			}
			e.broadcaster.Stop()
		}
		if e.writer != nil {
			e.writer.Close()
		}
		if e.graph != nil {
			e.graph.Runtime().Close()
		}
		if e.loop != nil {
			e.loop.Stop()
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.shutdownErr = err
	})
	return e.shutdownErr
}
