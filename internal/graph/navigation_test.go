package graph

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixturePages() []ProcessedPage {
	pages := []ProcessedPage{
		{SourcePath: "/site/content/guide/z.md", OutputPath: "guide/z.html",
			Metadata: Metadata{Section: "guide", Title: "Z", Description: "Last"}},
		{SourcePath: "/site/content/api/b.md", OutputPath: "api/b.html",
			Metadata: Metadata{Section: "api", Title: "B & C"}},
		{SourcePath: "/site/content/index.md", OutputPath: "index.html",
			Metadata: Metadata{Title: "Home"}},
		{SourcePath: "/site/content/api/a.md", OutputPath: "api/a.html",
			Metadata: Metadata{Section: "api", Title: "A", Emoji: "🔧"}},
	}
	SortPages(pages)
	return pages
}

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestNavigationMenuGolden(t *testing.T) {
	nav, err := RenderNavigation(context.Background(), fixturePages())
	require.NoError(t, err)

	newGoldie(t).Assert(t, "navigation", []byte(nav))
}

func TestSitemapGolden(t *testing.T) {
	sitemap, err := BuildSitemap("https://docs.example.com/", fixturePages())
	require.NoError(t, err)

	newGoldie(t).Assert(t, "sitemap", []byte(sitemap))
}

func TestNavigationMenuEmpty(t *testing.T) {
	nav, err := RenderNavigation(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, `<nav class="docs-nav"></nav>`, nav)
}

func TestNavigationMenuEscapesAndSanitizes(t *testing.T) {
	nav, err := RenderNavigation(context.Background(), []ProcessedPage{
		{OutputPath: "a.html", Metadata: Metadata{Section: `x"y`, Title: "<script>"}},
	})
	require.NoError(t, err)
	assert.Contains(t, nav, `data-section="x&#34;y"`)
	assert.Contains(t, nav, `<a href="/a.html">&lt;script&gt;</a>`)
}

func TestNavigationMenuHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RenderNavigation(ctx, fixturePages())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSortPagesBreaksTiesBySourcePath(t *testing.T) {
	pages := []ProcessedPage{
		{SourcePath: "/b.md", Metadata: Metadata{Section: "api", Title: "Same"}},
		{SourcePath: "/a.md", Metadata: Metadata{Section: "api", Title: "Same"}},
	}
	SortPages(pages)
	assert.Equal(t, "/a.md", pages[0].SourcePath)
}
