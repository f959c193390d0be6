package builtin

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/adrg/frontmatter"
	"github.com/spf13/cast"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/logging"
	"github.com/conneroisu/livedocs/internal/plugins"
	"github.com/conneroisu/livedocs/internal/reactive"
)

const (
	SitemapFile    = "sitemap.xml"
	NavigationFile = "_fragments/navigation.html"
)

// MarkdownOptions are the markdown plugin settings.
type MarkdownOptions struct {
	// Layout names the default layout template, relative to the template
	// directory. A page can pick another one with a "layout" front matter
	// key.
	Layout    string `mapstructure:"layout"`
	SiteTitle string `mapstructure:"site_title"`
	// Unsafe lets raw HTML in markdown through to the output.
	Unsafe bool `mapstructure:"unsafe"`
}

// PageData is what layout templates are executed with.
type PageData struct {
	Title       string
	Section     string
	Emoji       string
	Description string
	SiteTitle   string
	Content     template.HTML
	CSS         string
	JS          string
	SourcePath  string
	OutputPath  string
	Params      map[string]interface{}
}

var shell = template.Must(template.New("shell").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}{{if .SiteTitle}} | {{.SiteTitle}}{{end}}</title>
{{- if .CSS}}
<link rel="stylesheet" href="/{{.CSS}}">
{{- end}}
</head>
<body>
<main>
{{.Content}}
</main>
{{- if .JS}}
<script src="/{{.JS}}"></script>
{{- end}}
</body>
</html>
`))

// Markdown renders markdown pages for the graph and keeps the generated
// site in the output directory in sync with the rendered pages.
type Markdown struct {
	opts   MarkdownOptions
	md     goldmark.Markdown
	layout graph.Layout
	out    plugins.OutputSink
	loop   plugins.Poster
	logger logging.Logger

	effects []*reactive.Effect
	written map[string]string

	mu   sync.RWMutex
	deps graph.DependencyGraph
}

// NewMarkdown creates the markdown plugin with default options.
func NewMarkdown() *Markdown {
	m := &Markdown{
		opts:    MarkdownOptions{Layout: "layout.html"},
		logger:  logging.Discard(),
		written: make(map[string]string),
		deps:    graph.DependencyGraph{},
	}
	m.md = newGoldmark(m.opts)
	return m
}

func newGoldmark(opts MarkdownOptions) goldmark.Markdown {
	var rendererOpts []renderer.Option
	if opts.Unsafe {
		rendererOpts = append(rendererOpts, gmhtml.WithUnsafe())
	}
	return goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		goldmark.WithRendererOptions(rendererOpts...),
	)
}

// Name implements plugins.Plugin.
func (m *Markdown) Name() string { return "markdown" }

// ShouldRun accepts markdown sources and the templates they are laid out
// with.
func (m *Markdown) ShouldRun(path string) bool {
	category, ok := m.layout.Classify(path)
	return ok && (category == graph.CategoryMarkdown || category == graph.CategoryTemplate)
}

// Initialize installs the plugin as the graph's page renderer and creates
// the effects that mirror rendered output to disk.
func (m *Markdown) Initialize(ctx context.Context, cfg plugins.Config, g *graph.Graph) error {
	if err := cfg.Decode(&m.opts); err != nil {
		return err
	}
	if m.opts.Layout == "" {
		m.opts.Layout = "layout.html"
	}
	m.md = newGoldmark(m.opts)
	m.layout = g.Layout()
	m.out = cfg.Output
	m.loop = cfg.Loop
	if cfg.Logger != nil {
		m.logger = cfg.Logger
	}

	g.SetRenderer(m)
	if m.out == nil {
		return nil
	}

	rt := g.Runtime()
	m.effects = append(m.effects,
		reactive.NewEffect(rt, "markdown:pages", func() {
			pages, err := g.Pages()
			if err != nil {
				m.logger.Warn(ctx, err, "Skipping page sync")
				return
			}
			m.syncPages(pages)
		}),
		reactive.NewEffect(rt, "markdown:dependencies", func() {
			deps, err := g.DependencyGraph()
			if err != nil {
				return
			}
			m.mu.Lock()
			m.deps = deps
			m.mu.Unlock()
		}),
		reactive.NewEffect(rt, "markdown:sitemap", func() {
			if sitemap, err := g.Sitemap(); err == nil {
				m.out.Write(SitemapFile, []byte(sitemap))
			}
		}),
		reactive.NewEffect(rt, "markdown:navigation", func() {
			if nav, err := g.NavigationMenu(); err == nil {
				m.out.Write(NavigationFile, []byte(nav))
			}
		}),
	)
	return nil
}

// syncPages writes pages whose hash changed and removes outputs whose
// source is gone.
func (m *Markdown) syncPages(pages []graph.ProcessedPage) {
	current := make(map[string]string, len(pages))
	for _, page := range pages {
		current[page.OutputPath] = page.ContentHash
		if m.written[page.OutputPath] != page.ContentHash {
			m.out.Write(page.OutputPath, page.RenderedContent)
		}
	}
	for out := range m.written {
		if _, ok := current[out]; !ok {
			m.out.Remove(out)
		}
	}
	m.written = current
}

// RenderPage implements graph.PageRenderer.
func (m *Markdown) RenderPage(ctx context.Context, in graph.RenderInput) (graph.RenderedPage, error) {
	if err := ctx.Err(); err != nil {
		return graph.RenderedPage{}, err
	}

	params := make(map[string]interface{})
	body, err := frontmatter.Parse(bytes.NewReader(in.Content), &params)
	if err != nil {
		return graph.RenderedPage{}, fmt.Errorf("front matter: %w", err)
	}

	var content bytes.Buffer
	if err := m.md.Convert(body, &content); err != nil {
		return graph.RenderedPage{}, fmt.Errorf("markdown: %w", err)
	}

	meta := graph.Metadata{
		Title:       cast.ToString(params["title"]),
		Section:     cast.ToString(params["section"]),
		Emoji:       cast.ToString(params["emoji"]),
		Description: cast.ToString(params["description"]),
	}
	if meta.Title == "" {
		meta.Title = firstHeading(content.Bytes())
	}
	if meta.Title == "" {
		meta.Title = titleFromFilename(in.SourcePath)
	}
	if meta.Section == "" {
		if dir := filepath.ToSlash(filepath.Dir(in.OutputPath)); dir != "." {
			meta.Section = strings.SplitN(dir, "/", 2)[0]
		}
	}

	data := PageData{
		Title:       meta.Title,
		Section:     meta.Section,
		Emoji:       meta.Emoji,
		Description: meta.Description,
		SiteTitle:   m.opts.SiteTitle,
		Content:     template.HTML(content.String()),
		CSS:         in.Assets.CSS.Path,
		JS:          in.Assets.JS.Path,
		SourcePath:  in.SourcePath,
		OutputPath:  in.OutputPath,
		Params:      params,
	}

	layoutName := cast.ToString(params["layout"])
	if layoutName == "" {
		layoutName = m.opts.Layout
	}
	page := graph.RenderedPage{Metadata: meta}

	out, deps, err := m.applyLayout(layoutName, in.Templates, data)
	page.Dependencies = deps
	if err != nil {
		page.Warning = errors.NewTemplateError(in.SourcePath, err)
		out = nil
	}
	if out == nil {
		var buf bytes.Buffer
		if err := shell.Execute(&buf, data); err != nil {
			return graph.RenderedPage{}, err
		}
		out = buf.Bytes()
	}
	page.HTML = out
	return page, nil
}

// applyLayout executes the named layout template. It returns nil output
// without an error when no such template exists.
func (m *Markdown) applyLayout(name string, templates graph.FileMap, data PageData) ([]byte, []string, error) {
	layoutPath, ok := m.templatePath(name, templates)
	if !ok {
		return nil, nil, nil
	}
	deps := []string{layoutPath}

	funcs := template.FuncMap{
		"include": func(name string) (template.HTML, error) {
			path, ok := m.templatePath(name, templates)
			if !ok {
				return "", fmt.Errorf("include %q: template not found", name)
			}
			deps = append(deps, path)
			return template.HTML(templates[path].Content), nil
		},
	}

	t, err := template.New(name).Funcs(funcs).Parse(string(templates[layoutPath].Content))
	if err != nil {
		return nil, deps, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, deps, err
	}
	return buf.Bytes(), deps, nil
}

// templatePath finds name, relative to the template directory, in templates.
func (m *Markdown) templatePath(name string, templates graph.FileMap) (string, bool) {
	path := filepath.Join(m.layout.TemplateDir, filepath.FromSlash(name))
	_, ok := templates[path]
	return path, ok
}

// firstHeading returns the text of the first h1 in an HTML fragment.
func firstHeading(fragment []byte) string {
	doc, err := html.Parse(bytes.NewReader(fragment))
	if err != nil {
		return ""
	}

	var find func(*html.Node) *html.Node
	find = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode && n.DataAtom == atom.H1 {
			return n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if found := find(c); found != nil {
				return found
			}
		}
		return nil
	}
	h1 := find(doc)
	if h1 == nil {
		return ""
	}
	return strings.TrimSpace(textContent(h1))
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

// titleFromFilename turns "getting-started.md" into "Getting Started".
func titleFromFilename(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)
	return cases.Title(language.English).String(strings.TrimSpace(base))
}

// Transform converts a markdown file to an HTML fragment without layout.
// Other files pass through unchanged.
func (m *Markdown) Transform(_ context.Context, in plugins.Input) (plugins.Output, error) {
	if category, ok := m.layout.Classify(in.Path); !ok || category != graph.CategoryMarkdown {
		return plugins.Output{Path: in.Path, Content: in.Content}, nil
	}

	var params map[string]interface{}
	body, err := frontmatter.Parse(bytes.NewReader(in.Content), &params)
	if err != nil {
		return plugins.Output{}, err
	}
	var buf bytes.Buffer
	if err := m.md.Convert(body, &buf); err != nil {
		return plugins.Output{}, err
	}
	return plugins.Output{Path: m.layout.OutputPath(in.Path), Content: buf.Bytes()}, nil
}

// OnFileChange only logs; rendering itself is driven by the graph.
func (m *Markdown) OnFileChange(ctx context.Context, ev graph.FileChangeEvent) error {
	m.logger.Debug(ctx, "Source changed", "path", ev.Path, "kind", ev.Kind)
	return nil
}

// Dependencies returns the templates a page was rendered with, or for a
// template, the pages that used it.
func (m *Markdown) Dependencies(path string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if deps, ok := m.deps[path]; ok {
		return append([]string(nil), deps...)
	}

	var pages []string
	for page, deps := range m.deps {
		for _, dep := range deps {
			if dep == path {
				pages = append(pages, page)
				break
			}
		}
	}
	sort.Strings(pages)
	return pages
}

// Cleanup stops the plugin's effects.
func (m *Markdown) Cleanup(context.Context) error {
	effects := m.effects
	m.effects = nil
	if len(effects) == 0 || m.loop == nil {
		return nil
	}
	m.loop.Post(func() {
		for _, e := range effects {
			e.Stop()
		}
	})
	return nil
}
