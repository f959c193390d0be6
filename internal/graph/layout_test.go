package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testLayout = Layout{
	ContentDir:   "/site/content",
	TemplateDir:  "/site/templates",
	ComponentDir: "/site/components",
}

func TestLayoutClassify(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected Category
		ok       bool
	}{
		{"markdown page", "/site/content/guide/intro.md", CategoryMarkdown, true},
		{"markdown long extension", "/site/content/notes.markdown", CategoryMarkdown, true},
		{"uppercase extension", "/site/content/README.MD", CategoryMarkdown, true},
		{"layout", "/site/templates/base.html", CategoryTemplate, true},
		{"include", "/site/templates/partials/footer.tmpl", CategoryTemplate, true},
		{"component css", "/site/components/button.css", CategoryComponent, true},
		{"component script", "/site/components/button.js", CategoryComponent, true},
		{"component markup", "/site/components/button.html", CategoryComponent, true},
		{"image in content", "/site/content/logo.png", "", false},
		{"markdown in templates", "/site/templates/notes.md", "", false},
		{"outside every root", "/elsewhere/page.md", "", false},
		{"root itself", "/site/content", "", false},
		{"sibling with shared prefix", "/site/content-old/page.md", "", false},
		{"unclean path", "/site/content/guide/../intro.md", CategoryMarkdown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			category, ok := testLayout.Classify(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, category)
		})
	}
}

func TestLayoutNestedTemplateDirWins(t *testing.T) {
	layout := Layout{
		ContentDir:  "/site",
		TemplateDir: "/site/_layouts",
	}

	category, ok := layout.Classify("/site/_layouts/page.html")
	assert.True(t, ok)
	assert.Equal(t, CategoryTemplate, category)

	category, ok = layout.Classify("/site/page.md")
	assert.True(t, ok)
	assert.Equal(t, CategoryMarkdown, category)
}

func TestLayoutOutputPath(t *testing.T) {
	assert.Equal(t, "guide/intro.html", testLayout.OutputPath("/site/content/guide/intro.md"))
	assert.Equal(t, "notes.html", testLayout.OutputPath("/site/content/notes.markdown"))
	assert.Equal(t, "index.html", testLayout.OutputPath("/site/content/index.md"))
	assert.Equal(t, "stray.html", testLayout.OutputPath("/elsewhere/stray.md"))
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("<p>hello</p>"))
	b := ContentHash([]byte("<p>hello</p>"))
	c := ContentHash([]byte("<p>hello!</p>"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 8)
	assert.Equal(t, "00000000", ContentHash(nil))
}

func TestExtensionsAreCopies(t *testing.T) {
	exts := Extensions(CategoryMarkdown)
	assert.Equal(t, []string{".md", ".markdown"}, exts)
	exts[0] = ".txt"
	assert.Equal(t, ".md", Extensions(CategoryMarkdown)[0])
	assert.Contains(t, Extensions(CategoryComponent), ".css")
	assert.Nil(t, Extensions("other"))
}
