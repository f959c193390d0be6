// Package graph implements the file system signal graph: categorised source
// file maps held in state cells, and the cells derived from them (rendered
// pages, dependency graph, navigation menu, sitemap).
//
// Mutating methods and cell readers must run on the event loop that owns
// the reactive runtime. ProcessFileChange and Settled are the exceptions;
// they do their I/O or waiting off the loop and hop onto it through the
// Executor.
package graph

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/logging"
	"github.com/conneroisu/livedocs/internal/reactive"
)

// ErrUnclassified is returned by UpdateFile for paths outside every
// category.
var ErrUnclassified = stderrors.New("graph: path does not belong to any category")

// Executor runs a task on the event loop and waits for it.
type Executor interface {
	Do(ctx context.Context, task func()) error
}

// Option configures a Graph.
type Option func(*Graph)

// WithBaseURL sets the site URL used in the sitemap.
func WithBaseURL(url string) Option {
	return func(g *Graph) { g.baseURL = url }
}

// WithWorkers bounds the number of pages rendered concurrently.
func WithWorkers(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithSourceFs sets the filesystem ProcessFileChange reads from.
func WithSourceFs(fsys afero.Fs) Option {
	return func(g *Graph) { g.source = fsys }
}

// WithLogger sets the graph's logger.
func WithLogger(logger logging.Logger) Option {
	return func(g *Graph) { g.logger = logger.WithComponent("graph") }
}

// Graph owns the source maps and every cell derived from them.
type Graph struct {
	rt      *reactive.Runtime
	exec    Executor
	layout  Layout
	baseURL string
	workers int
	source  afero.Fs
	logger  logging.Logger

	files    map[Category]*reactive.State[FileMap]
	assets   *reactive.State[OptimizedAssets]
	renderer *reactive.State[PageRenderer]

	render     *reactive.Async[RenderSet]
	pages      *reactive.Computed[[]ProcessedPage]
	deps       *reactive.Computed[DependencyGraph]
	errs       *reactive.Computed[[]*errors.Error]
	navigation *reactive.Computed[string]
	sitemap    *reactive.Computed[string]
}

// New creates an empty graph. It must be called on the loop that owns rt.
func New(rt *reactive.Runtime, exec Executor, layout Layout, opts ...Option) *Graph {
	g := &Graph{
		rt:      rt,
		exec:    exec,
		layout:  layout,
		baseURL: "http://localhost:8080",
		workers: runtime.GOMAXPROCS(0),
		source:  afero.NewOsFs(),
		logger:  logging.Discard(),
		files:   make(map[Category]*reactive.State[FileMap], len(Categories)),
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, c := range Categories {
		// Maps are only replaced when an entry actually changed.
		g.files[c] = reactive.NewState(rt, string(c)+"Files", FileMap{}).
			WithEqual(func(a, b FileMap) bool { return false })
	}
	g.assets = reactive.NewState(rt, "optimizedAssets", OptimizedAssets{})
	g.renderer = reactive.NewState[PageRenderer](rt, "renderer", nil).
		WithEqual(func(a, b PageRenderer) bool { return a == b })

	g.render = reactive.NewAsync(rt, "processedPages", g.prepareRender).
		WithEqual(renderSetEqual)
	g.pages = reactive.NewComputed(rt, "pages", func() ([]ProcessedPage, error) {
		set, err := g.render.Get()
		return set.Pages, err
	}).WithEqual(pagesEqual)
	g.deps = reactive.NewComputed(rt, "dependencyGraph", func() (DependencyGraph, error) {
		set, err := g.render.Get()
		return set.Deps, err
	})
	g.errs = reactive.NewComputed(rt, "renderErrors", func() ([]*errors.Error, error) {
		set, err := g.render.Get()
		return sortedErrors(set.Errors), err
	}).WithEqual(errorsEqual)
	g.navigation = reactive.NewComputed(rt, "navigationMenu", func() (string, error) {
		pages, err := g.pages.Get()
		if err != nil {
			return "", err
		}
		return RenderNavigation(context.Background(), pages)
	})
	g.sitemap = reactive.NewComputed(rt, "sitemap", func() (string, error) {
		pages, err := g.pages.Get()
		if err != nil {
			return "", err
		}
		return BuildSitemap(g.baseURL, pages)
	})

	return g
}

// Layout returns the directory layout the graph classifies paths with.
func (g *Graph) Layout() Layout {
	return g.layout
}

// Runtime returns the reactive runtime the graph's cells live in.
func (g *Graph) Runtime() *reactive.Runtime {
	return g.rt
}

// UpdateFile stores content for path. The path is removed from every other
// category in the same tick, so readers never see it twice.
func (g *Graph) UpdateFile(path string, content []byte, mtime time.Time) error {
	path = filepath.Clean(path)
	category, ok := g.layout.Classify(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnclassified, path)
	}

	current := g.files[category].Peek()
	if prev, exists := current[path]; exists && bytes.Equal(prev.Content, content) {
		return nil
	}

	g.rt.Batch(func() {
		for _, other := range Categories {
			if other != category {
				g.removeFrom(other, path)
			}
		}
		next := current.clone()
		next[path] = FileRecord{Content: content, LastModified: mtime}
		g.files[category].Set(next)
	})

	g.logger.Debug(context.Background(), "File updated", "path", path, "category", category)
	return nil
}

// RemoveFile deletes path from whichever category holds it and reports
// whether it was present.
func (g *Graph) RemoveFile(path string) bool {
	path = filepath.Clean(path)
	removed := false
	g.rt.Batch(func() {
		for _, c := range Categories {
			if g.removeFrom(c, path) {
				removed = true
			}
		}
	})
	if removed {
		g.logger.Debug(context.Background(), "File removed", "path", path)
	}
	return removed
}

func (g *Graph) removeFrom(c Category, path string) bool {
	current := g.files[c].Peek()
	if _, ok := current[path]; !ok {
		return false
	}
	next := make(FileMap, len(current))
	for k, v := range current {
		if k != path {
			next[k] = v
		}
	}
	g.files[c].Set(next)
	return true
}

// UpdateAssets replaces the current asset bundles.
func (g *Graph) UpdateAssets(assets OptimizedAssets) {
	g.assets.Set(assets)
}

// SetRenderer registers the page renderer. Every page is re-rendered.
func (g *Graph) SetRenderer(r PageRenderer) {
	g.renderer.Set(r)
}

// ProcessFileChange applies a watcher event. Deletions remove the path;
// anything else reads the file off the loop and stores it on the loop.
func (g *Graph) ProcessFileChange(ctx context.Context, ev FileChangeEvent) error {
	path := filepath.Clean(ev.Path)

	if ev.Kind == KindDelete {
		return g.exec.Do(ctx, func() { g.RemoveFile(path) })
	}
	if _, ok := g.layout.Classify(path); !ok {
		return nil
	}

	content, err := afero.ReadFile(g.source, path)
	if err != nil {
		code := "READ_FAILED"
		if stderrors.Is(err, fs.ErrNotExist) {
			code = "FILE_VANISHED"
		}
		return errors.NewWatchError(code, path, err)
	}
	mtime := ev.Timestamp
	if info, statErr := g.source.Stat(path); statErr == nil {
		mtime = info.ModTime()
	}

	var updateErr error
	if err := g.exec.Do(ctx, func() {
		updateErr = g.UpdateFile(path, content, mtime)
	}); err != nil {
		return err
	}
	return updateErr
}

// Settled blocks until no render job is pending. It must not be called on
// the loop.
func (g *Graph) Settled(ctx context.Context) error {
	for {
		var (
			pending bool
			done    <-chan struct{}
		)
		if err := g.exec.Do(ctx, func() {
			_, _ = g.render.Get()
			pending = g.render.Pending()
			done = g.render.Done()
		}); err != nil {
			return err
		}
		if !pending {
			return nil
		}

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Files returns the map for category.
func (g *Graph) Files(c Category) FileMap {
	return g.files[c].Get()
}

// Assets returns the current asset bundles.
func (g *Graph) Assets() OptimizedAssets {
	return g.assets.Get()
}

// RenderSet returns the latest complete render.
func (g *Graph) RenderSet() (RenderSet, error) {
	return g.render.Get()
}

// Pages returns every rendered page sorted by section, title and path.
func (g *Graph) Pages() ([]ProcessedPage, error) {
	return g.pages.Get()
}

// DependencyGraph returns the template dependencies of every page.
func (g *Graph) DependencyGraph() (DependencyGraph, error) {
	return g.deps.Get()
}

// RenderErrors returns per-file render failures sorted by path.
func (g *Graph) RenderErrors() ([]*errors.Error, error) {
	return g.errs.Get()
}

// NavigationMenu returns the rendered navigation HTML.
func (g *Graph) NavigationMenu() (string, error) {
	return g.navigation.Get()
}

// Sitemap returns the XML sitemap.
func (g *Graph) Sitemap() (string, error) {
	return g.sitemap.Get()
}

// RenderPending reports whether a render job is in flight.
func (g *Graph) RenderPending() bool {
	return g.render.Pending()
}

// SupersededRenders counts render results discarded because a newer render
// had started.
func (g *Graph) SupersededRenders() uint64 {
	return g.render.Superseded()
}

func (g *Graph) prepareRender() (reactive.Job[RenderSet], error) {
	markdown := g.files[CategoryMarkdown].Get()
	templates := g.files[CategoryTemplate].Get()
	assets := g.assets.Get()
	renderer := g.renderer.Get()

	if renderer == nil {
		return func(context.Context) (RenderSet, error) {
			return RenderSet{Deps: DependencyGraph{}, Errors: map[string]*errors.Error{}}, nil
		}, nil
	}

	layout, workers, logger := g.layout, g.workers, g.logger
	return func(ctx context.Context) (RenderSet, error) {
		op := logging.StartOperation(logger, "render")
		set, err := renderAll(ctx, renderer, layout, workers, markdown, templates, assets)
		if err != nil {
			op.EndWithError(ctx, err)
			return set, err
		}
		op.End(ctx, "pages", len(set.Pages), "errors", len(set.Errors))
		return set, nil
	}, nil
}

type pageResult struct {
	path string
	page RenderedPage
	err  error
}

func renderAll(
	ctx context.Context,
	renderer PageRenderer,
	layout Layout,
	workers int,
	markdown, templates FileMap,
	assets OptimizedAssets,
) (RenderSet, error) {
	p := pool.NewWithResults[pageResult]().WithMaxGoroutines(workers)
	for path, record := range markdown {
		p.Go(func() pageResult {
			if err := ctx.Err(); err != nil {
				return pageResult{path: path, err: err}
			}
			page, err := renderer.RenderPage(ctx, RenderInput{
				SourcePath: path,
				OutputPath: layout.OutputPath(path),
				Content:    record.Content,
				Templates:  templates,
				Assets:     assets,
			})
			return pageResult{path: path, page: page, err: err}
		})
	}
	results := p.Wait()

	if ctx.Err() != nil {
		return RenderSet{}, context.Cause(ctx)
	}

	set := RenderSet{
		Pages:  make([]ProcessedPage, 0, len(results)),
		Deps:   make(DependencyGraph, len(results)),
		Errors: make(map[string]*errors.Error),
	}
	for _, r := range results {
		if r.err != nil {
			set.Errors[r.path] = errors.NewBuildError("RENDER_FAILED", r.path, r.err)
			continue
		}
		if r.page.Warning != nil {
			set.Errors[r.path] = r.page.Warning
		}
		set.Pages = append(set.Pages, ProcessedPage{
			SourcePath:      r.path,
			OutputPath:      layout.OutputPath(r.path),
			RenderedContent: r.page.HTML,
			Metadata:        r.page.Metadata,
			ContentHash:     ContentHash(r.page.HTML),
		})
		set.Deps[r.path] = uniqueSorted(r.page.Dependencies)
	}
	SortPages(set.Pages)

	return set, nil
}

// SortPages orders pages by section, then title, then source path.
func SortPages(pages []ProcessedPage) {
	sort.SliceStable(pages, func(i, j int) bool {
		a, b := pages[i], pages[j]
		if a.Metadata.Section != b.Metadata.Section {
			return a.Metadata.Section < b.Metadata.Section
		}
		if a.Metadata.Title != b.Metadata.Title {
			return a.Metadata.Title < b.Metadata.Title
		}
		return a.SourcePath < b.SourcePath
	})
}

func uniqueSorted(paths []string) []string {
	if len(paths) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func sortedErrors(m map[string]*errors.Error) []*errors.Error {
	out := make([]*errors.Error, 0, len(m))
	for _, err := range m {
		out = append(out, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func pagesEqual(a, b []ProcessedPage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].SourcePath != b[i].SourcePath ||
			a[i].OutputPath != b[i].OutputPath ||
			a[i].ContentHash != b[i].ContentHash ||
			a[i].Metadata != b[i].Metadata {
			return false
		}
	}
	return true
}

func errorsEqual(a, b []*errors.Error) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Path != b[i].Path || a[i].Error() != b[i].Error() {
			return false
		}
	}
	return true
}

func renderSetEqual(a, b RenderSet) bool {
	if !pagesEqual(a.Pages, b.Pages) || len(a.Deps) != len(b.Deps) || len(a.Errors) != len(b.Errors) {
		return false
	}
	for k, v := range a.Deps {
		other, ok := b.Deps[k]
		if !ok || len(v) != len(other) {
			return false
		}
		for i := range v {
			if v[i] != other[i] {
				return false
			}
		}
	}
	for k, v := range a.Errors {
		other, ok := b.Errors[k]
		if !ok || v.Error() != other.Error() {
			return false
		}
	}
	return true
}
