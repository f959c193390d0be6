package builtin

import (
	"bytes"
	"context"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/logging"
	"github.com/conneroisu/livedocs/internal/plugins"
	"github.com/conneroisu/livedocs/internal/reactive"
)

// FragmentsOptions are the fragment generator settings.
type FragmentsOptions struct {
	Dir string `mapstructure:"dir"`
}

var fragmentExtensions = []string{".html", ".css", ".js"}

// Fragments turns component HTML snippets into normalised, standalone
// fragments under the output directory. A component is the set of files
// sharing a base name, such as button.html, button.css and button.js.
type Fragments struct {
	opts   FragmentsOptions
	layout graph.Layout
	out    plugins.OutputSink
	loop   plugins.Poster
	logger logging.Logger
	effect *reactive.Effect

	// cache maps a component name to the hash of its last written
	// fragment. It is only touched on the loop.
	cache map[string]string

	mu    sync.RWMutex
	known map[string]struct{}
	errs  map[string]*errors.Error
}

// NewFragments creates the fragment generator with default options.
func NewFragments() *Fragments {
	return &Fragments{
		opts:   FragmentsOptions{Dir: "_fragments"},
		logger: logging.Discard(),
		cache:  make(map[string]string),
		known:  make(map[string]struct{}),
		errs:   make(map[string]*errors.Error),
	}
}

// Name implements plugins.Plugin.
func (f *Fragments) Name() string { return "fragments" }

// ShouldRun accepts component files.
func (f *Fragments) ShouldRun(p string) bool {
	category, ok := f.layout.Classify(p)
	return ok && category == graph.CategoryComponent
}

// Initialize creates the effect that keeps fragments in sync with the
// component files.
func (f *Fragments) Initialize(ctx context.Context, cfg plugins.Config, g *graph.Graph) error {
	if err := cfg.Decode(&f.opts); err != nil {
		return err
	}
	if f.opts.Dir == "" {
		f.opts.Dir = "_fragments"
	}
	f.layout = g.Layout()
	f.out = cfg.Output
	f.loop = cfg.Loop
	if cfg.Logger != nil {
		f.logger = cfg.Logger
	}

	f.effect = reactive.NewEffect(g.Runtime(), "fragments:sync", func() {
		f.sync(ctx, g.Files(graph.CategoryComponent))
	})
	return nil
}

// sync regenerates changed fragments and removes the ones whose HTML file
// is gone. It runs on the loop.
func (f *Fragments) sync(ctx context.Context, files graph.FileMap) {
	known := make(map[string]struct{}, len(files))
	seen := make(map[string]struct{})
	errs := make(map[string]*errors.Error)

	paths := make([]string, 0, len(files))
	for p := range files {
		known[p] = struct{}{}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if strings.ToLower(filepath.Ext(p)) != ".html" {
			continue
		}
		name := f.componentName(p)
		seen[name] = struct{}{}

		fragment, err := normalizeFragment(files[p].Content)
		if err != nil {
			errs[p] = errors.NewBuildError("FRAGMENT_PARSE", p, err).WithPlugin(f.Name())
			f.logger.Warn(ctx, err, "Invalid component HTML", "path", p)
			continue
		}

		hash := graph.ContentHash(fragment)
		if f.cache[name] == hash {
			continue
		}
		f.cache[name] = hash
		if f.out != nil {
			f.out.Write(f.outputPath(name), fragment)
		}
	}

	for name := range f.cache {
		if _, ok := seen[name]; !ok {
			delete(f.cache, name)
			if f.out != nil {
				f.out.Remove(f.outputPath(name))
			}
		}
	}

	f.mu.Lock()
	f.known = known
	f.errs = errs
	f.mu.Unlock()
}

func (f *Fragments) outputPath(name string) string {
	return path.Join(filepath.ToSlash(f.opts.Dir), name+".html")
}

// componentName is the path of a component file relative to the component
// directory, without its extension.
func (f *Fragments) componentName(p string) string {
	rel, err := filepath.Rel(f.layout.ComponentDir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(p)
	}
	return strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
}

// normalizeFragment parses an HTML snippet in a body context and renders it
// back, closing unclosed tags and quoting attributes.
func normalizeFragment(src []byte) ([]byte, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(bytes.NewReader(src), body)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for _, n := range nodes {
		if n.Type == html.TextNode && strings.TrimSpace(n.Data) == "" {
			continue
		}
		if err := html.Render(&buf, n); err != nil {
			return nil, err
		}
	}
	out := bytes.TrimSpace(buf.Bytes())
	return append(out, '\n'), nil
}

// Transform normalises an HTML component. Other files pass through.
func (f *Fragments) Transform(_ context.Context, in plugins.Input) (plugins.Output, error) {
	if strings.ToLower(filepath.Ext(in.Path)) != ".html" {
		return plugins.Output{Path: in.Path, Content: in.Content}, nil
	}
	fragment, err := normalizeFragment(in.Content)
	if err != nil {
		return plugins.Output{}, err
	}
	return plugins.Output{Path: f.outputPath(f.componentName(in.Path)), Content: fragment}, nil
}

// OnFileChange reports a component whose HTML could not be parsed during
// the last sync.
func (f *Fragments) OnFileChange(_ context.Context, ev graph.FileChangeEvent) error {
	if ev.Kind == graph.KindDelete {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err, ok := f.errs[ev.Path]; ok {
		return err
	}
	return nil
}

// Dependencies returns the other files of the component path belongs to.
func (f *Fragments) Dependencies(p string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stem := strings.TrimSuffix(p, filepath.Ext(p))
	var deps []string
	for _, ext := range fragmentExtensions {
		sibling := stem + ext
		if sibling == p {
			continue
		}
		if _, ok := f.known[sibling]; ok {
			deps = append(deps, sibling)
		}
	}
	return deps
}

// Cleanup stops the sync effect.
func (f *Fragments) Cleanup(context.Context) error {
	effect := f.effect
	f.effect = nil
	if effect != nil && f.loop != nil {
		f.loop.Post(effect.Stop)
	}
	return nil
}
