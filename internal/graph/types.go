package graph

import (
	"context"
	"time"

	"github.com/conneroisu/livedocs/internal/errors"
)

// FileRecord is the last known content of one source file.
type FileRecord struct {
	Content      []byte
	LastModified time.Time
}

// FileMap holds file records keyed by absolute path. Maps stored in the graph
// are never mutated in place; every update builds a new map.
type FileMap map[string]FileRecord

// clone returns a shallow copy with room for one more entry.
func (m FileMap) clone() FileMap {
	out := make(FileMap, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Category is one of the disjoint source maps.
type Category string

const (
	CategoryMarkdown  Category = "markdown"
	CategoryTemplate  Category = "template"
	CategoryComponent Category = "component"
)

// Categories lists every category in a stable order.
var Categories = []Category{CategoryMarkdown, CategoryTemplate, CategoryComponent}

// Metadata is the structural information extracted from a page.
type Metadata struct {
	Title       string `json:"title" yaml:"title"`
	Section     string `json:"section" yaml:"section"`
	Emoji       string `json:"emoji,omitempty" yaml:"emoji,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ProcessedPage is a rendered markdown file.
type ProcessedPage struct {
	SourcePath      string
	OutputPath      string
	RenderedContent []byte
	Metadata        Metadata
	ContentHash     string
}

// DependencyGraph maps a markdown source to every template or include file
// that influenced its last render.
type DependencyGraph map[string][]string

// AssetBinding is one bundled asset.
type AssetBinding struct {
	Hash string `json:"hash"`
	Path string `json:"path"`
}

// OptimizedAssets holds the current CSS and JS bundles.
type OptimizedAssets struct {
	CSS AssetBinding `json:"css"`
	JS  AssetBinding `json:"js"`
}

// ChangeKind classifies a FileChangeEvent.
type ChangeKind string

const (
	KindChange ChangeKind = "change"
	KindRename ChangeKind = "rename"
	KindAdd    ChangeKind = "add"
	KindDelete ChangeKind = "delete"
)

// FileChangeEvent is the unit passed from the watcher to the graph.
type FileChangeEvent struct {
	Path      string     `json:"path"`
	Kind      ChangeKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
}

// RenderInput is everything a renderer may use to produce one page. The
// template map and assets are snapshots; a renderer must not retain them.
type RenderInput struct {
	SourcePath string
	OutputPath string
	Content    []byte
	Templates  FileMap
	Assets     OptimizedAssets
}

// RenderedPage is a renderer's result for one page.
type RenderedPage struct {
	HTML         []byte
	Metadata     Metadata
	Dependencies []string
	// Warning is set when the page was rendered with a fallback, for
	// example after a template failed to parse.
	Warning *errors.Error
}

// PageRenderer turns a markdown file into HTML. RenderPage runs off the
// event loop and concurrently for different pages; it must honour ctx.
type PageRenderer interface {
	RenderPage(ctx context.Context, in RenderInput) (RenderedPage, error)
}

// RenderSet is the result of rendering every markdown file once.
type RenderSet struct {
	Pages  []ProcessedPage
	Deps   DependencyGraph
	Errors map[string]*errors.Error
}
