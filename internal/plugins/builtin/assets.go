package builtin

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/logging"
	"github.com/conneroisu/livedocs/internal/plugins"
	"github.com/conneroisu/livedocs/internal/reactive"
)

// AssetsOptions are the asset bundler settings.
type AssetsOptions struct {
	// Dir is the output directory of the bundles, relative to the site
	// output.
	Dir           string `mapstructure:"dir"`
	StripComments bool   `mapstructure:"strip_comments"`
}

type sourceFile struct {
	path    string
	content []byte
}

// Assets bundles the component CSS and JS files into one content-hashed
// file per kind and publishes the bundle paths to the graph.
type Assets struct {
	opts   AssetsOptions
	out    plugins.OutputSink
	loop   plugins.Poster
	logger logging.Logger
	effect *reactive.Effect

	base    context.Context
	mu      sync.Mutex
	cancel  context.CancelFunc
	gen     uint64
	current graph.OptimizedAssets
	members map[string][]string
	wg      sync.WaitGroup
}

// NewAssets creates the asset bundler with default options.
func NewAssets() *Assets {
	return &Assets{
		opts:    AssetsOptions{Dir: "assets", StripComments: true},
		logger:  logging.Discard(),
		members: make(map[string][]string),
	}
}

// Name implements plugins.Plugin.
func (a *Assets) Name() string { return "assets" }

// ShouldRun accepts stylesheets and scripts.
func (a *Assets) ShouldRun(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".css" || ext == ".js"
}

// Initialize creates the effect that rebuilds the bundles whenever the
// component files change.
func (a *Assets) Initialize(ctx context.Context, cfg plugins.Config, g *graph.Graph) error {
	if err := cfg.Decode(&a.opts); err != nil {
		return err
	}
	if cfg.Loop == nil {
		return fmt.Errorf("assets plugin needs the event loop")
	}
	if a.opts.Dir == "" {
		a.opts.Dir = "assets"
	}
	a.out = cfg.Output
	a.loop = cfg.Loop
	a.base = context.WithoutCancel(ctx)
	if cfg.Logger != nil {
		a.logger = cfg.Logger
	}

	a.effect = reactive.NewEffect(g.Runtime(), "assets:bundle", func() {
		var css, js []sourceFile
		for p, record := range g.Files(graph.CategoryComponent) {
			switch strings.ToLower(filepath.Ext(p)) {
			case ".css":
				css = append(css, sourceFile{path: p, content: record.Content})
			case ".js":
				js = append(js, sourceFile{path: p, content: record.Content})
			}
		}
		sort.Slice(css, func(i, j int) bool { return css[i].path < css[j].path })
		sort.Slice(js, func(i, j int) bool { return js[i].path < js[j].path })
		a.rebuild(g, css, js)
	})
	return nil
}

// rebuild cancels the bundle in flight and starts a new one. It runs on the
// loop.
func (a *Assets) rebuild(g *graph.Graph, css, js []sourceFile) {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.gen++
	gen := a.gen
	ctx, cancel := context.WithCancel(a.base)
	a.cancel = cancel
	a.members = map[string][]string{".css": pathsOf(css), ".js": pathsOf(js)}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer cancel()

		cssBinding, cssContent := a.bundle(ctx, ".css", css)
		jsBinding, jsContent := a.bundle(ctx, ".js", js)
		assets := graph.OptimizedAssets{CSS: cssBinding, JS: jsBinding}
		if ctx.Err() != nil {
			a.logger.Debug(ctx, "Asset bundle superseded", "generation", gen)
			return
		}

		a.loop.Post(func() {
			a.mu.Lock()
			if gen != a.gen {
				a.mu.Unlock()
				return
			}
			previous := a.current
			a.current = assets
			a.mu.Unlock()

			if a.out != nil {
				if assets.CSS.Path != "" {
					a.out.Write(assets.CSS.Path, cssContent)
				}
				if assets.JS.Path != "" {
					a.out.Write(assets.JS.Path, jsContent)
				}
			}
			g.UpdateAssets(assets)
			if a.out != nil {
				for _, old := range []graph.AssetBinding{previous.CSS, previous.JS} {
					if old.Path != "" && old.Path != assets.CSS.Path && old.Path != assets.JS.Path {
						a.out.Remove(old.Path)
					}
				}
			}
			a.logger.Info(context.Background(), "Assets bundled",
				"css", assets.CSS.Path,
				"js", assets.JS.Path)
		})
	}()
}

// bundle concatenates files in path order and names the result by its
// content hash. An empty bundle produces an empty binding.
func (a *Assets) bundle(ctx context.Context, ext string, files []sourceFile) (graph.AssetBinding, []byte) {
	var buf bytes.Buffer
	for _, f := range files {
		if ctx.Err() != nil {
			return graph.AssetBinding{}, nil
		}
		content := f.content
		if a.opts.StripComments {
			content = stripComments(content, ext == ".js")
		}
		if len(bytes.TrimSpace(content)) == 0 {
			continue
		}
		buf.Write(content)
		if !bytes.HasSuffix(content, []byte("\n")) {
			buf.WriteByte('\n')
		}
	}
	if buf.Len() == 0 {
		return graph.AssetBinding{}, nil
	}

	hash := graph.ContentHash(buf.Bytes())
	return graph.AssetBinding{
		Hash: hash,
		Path: path.Join(filepath.ToSlash(a.opts.Dir), "app."+hash+ext),
	}, buf.Bytes()
}

func pathsOf(files []sourceFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out
}

// stripComments removes block comments, and line comments when
// lineComments is set, outside of string literals. lineComments also marks
// the source as a script, whose regular expression literals are copied
// untouched. Blank lines and trailing whitespace are dropped.
func stripComments(src []byte, lineComments bool) []byte {
	var out bytes.Buffer
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			out.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				i++
				out.WriteByte(src[i])
			} else if c == quote {
				quote = 0
			}
			continue
		}

		switch {
		case c == '"' || c == '\'' || c == '`':
			quote = c
			out.WriteByte(c)
		case lineComments && c == '/' && i+1 < len(src) && src[i+1] != '/' && src[i+1] != '*' &&
			regexAllowed(out.Bytes()):
			i = copyRegex(&out, src, i)
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := bytes.Index(src[i+2:], []byte("*/"))
			if end < 0 {
				i = len(src)
			} else {
				i += end + 3
			}
		case lineComments && c == '/' && i+1 < len(src) && src[i+1] == '/':
			end := bytes.IndexByte(src[i:], '\n')
			if end < 0 {
				i = len(src)
			} else {
				i += end - 1
			}
		default:
			out.WriteByte(c)
		}
	}

	var compact bytes.Buffer
	for _, line := range strings.Split(out.String(), "\n") {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		compact.WriteString(line)
		compact.WriteByte('\n')
	}
	return compact.Bytes()
}

// regexKeywords may directly precede a regular expression literal.
var regexKeywords = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

// regexAllowed reports whether a slash following out starts a regular
// expression literal rather than a division.
func regexAllowed(out []byte) bool {
	end := len(bytes.TrimRight(out, " \t\r\n"))
	if end == 0 {
		return true
	}
	last := out[end-1]
	if strings.IndexByte("(,=:[!&|?{};+-*%<>~^", last) >= 0 {
		return true
	}
	start := end
	for start > 0 && isIdentByte(out[start-1]) {
		start--
	}
	return start < end && regexKeywords[string(out[start:end])]
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// copyRegex copies the regular expression literal starting at src[i] and
// returns the index of its closing slash. Quotes and slashes inside a
// character class or after a backslash do not end it. An unterminated
// literal is copied up to the end of its line.
func copyRegex(out *bytes.Buffer, src []byte, i int) int {
	out.WriteByte(src[i])
	class := false
	for i++; i < len(src); i++ {
		c := src[i]
		if c == '\n' {
			return i - 1
		}
		out.WriteByte(c)
		switch {
		case c == '\\' && i+1 < len(src) && src[i+1] != '\n':
			i++
			out.WriteByte(src[i])
		case c == '[':
			class = true
		case c == ']':
			class = false
		case c == '/' && !class:
			return i
		}
	}
	return i
}

// Transform strips comments from a stylesheet or script.
func (a *Assets) Transform(_ context.Context, in plugins.Input) (plugins.Output, error) {
	ext := strings.ToLower(filepath.Ext(in.Path))
	return plugins.Output{Path: in.Path, Content: stripComments(in.Content, ext == ".js")}, nil
}

// OnFileChange is a no-op; bundles are rebuilt by the graph effect.
func (a *Assets) OnFileChange(context.Context, graph.FileChangeEvent) error {
	return nil
}

// Dependencies returns the other files bundled together with path.
func (a *Assets) Dependencies(p string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	members := a.members[strings.ToLower(filepath.Ext(p))]
	var deps []string
	found := false
	for _, m := range members {
		if m == p {
			found = true
			continue
		}
		deps = append(deps, m)
	}
	if !found {
		return nil
	}
	return deps
}

// Current returns the bundles last published to the graph.
func (a *Assets) Current() graph.OptimizedAssets {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Wait blocks until no bundle is being built. A finished bundle has been
// posted to the loop but may not have been applied yet.
func (a *Assets) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup cancels the bundle in flight and stops the effect.
func (a *Assets) Cleanup(context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.gen++
	effect := a.effect
	a.effect = nil
	a.mu.Unlock()

	a.wg.Wait()
	if effect != nil && a.loop != nil {
		a.loop.Post(effect.Stop)
	}
	return nil
}
