package graph

import (
	"path/filepath"
	"strings"
)

// Layout tells the graph where each category of source file lives.
type Layout struct {
	// ContentDir holds markdown pages. Output paths are relative to it.
	ContentDir string
	// TemplateDir holds layouts and includes.
	TemplateDir string
	// ComponentDir holds component HTML, CSS and JS.
	ComponentDir string
}

var (
	markdownExtensions  = []string{".md", ".markdown"}
	templateExtensions  = []string{".html", ".tmpl", ".gohtml"}
	componentExtensions = []string{".html", ".css", ".js"}
)

// Extensions returns the file extensions accepted for category c.
func Extensions(c Category) []string {
	switch c {
	case CategoryMarkdown:
		return append([]string(nil), markdownExtensions...)
	case CategoryTemplate:
		return append([]string(nil), templateExtensions...)
	case CategoryComponent:
		return append([]string(nil), componentExtensions...)
	}
	return nil
}

// Abs returns a copy of the layout with every directory made absolute.
func (l Layout) Abs() (Layout, error) {
	var err error
	for _, dir := range []*string{&l.ContentDir, &l.TemplateDir, &l.ComponentDir} {
		if *dir == "" {
			continue
		}
		if *dir, err = filepath.Abs(*dir); err != nil {
			return l, err
		}
	}
	return l, nil
}

// Classify returns the category a path belongs to. Template and component
// directories take precedence over the content directory so that they may
// be nested inside it.
func (l Layout) Classify(path string) (Category, bool) {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case within(l.TemplateDir, path):
		if hasExt(templateExtensions, ext) {
			return CategoryTemplate, true
		}
		return "", false
	case within(l.ComponentDir, path):
		if hasExt(componentExtensions, ext) {
			return CategoryComponent, true
		}
		return "", false
	case within(l.ContentDir, path):
		if hasExt(markdownExtensions, ext) {
			return CategoryMarkdown, true
		}
	}
	return "", false
}

// OutputPath maps a markdown source to its slash-separated output path
// relative to the output directory.
func (l Layout) OutputPath(source string) string {
	rel := filepath.Base(source)
	if l.ContentDir != "" {
		if r, err := filepath.Rel(l.ContentDir, source); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}

	ext := filepath.Ext(rel)
	if hasExt(markdownExtensions, strings.ToLower(ext)) {
		rel = strings.TrimSuffix(rel, ext) + ".html"
	}
	return filepath.ToSlash(rel)
}

func within(dir, path string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func hasExt(exts []string, ext string) bool {
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}
