package graph

import (
	"bytes"
	"context"

	"github.com/a-h/templ"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:generate templ generate -f navigation.templ

type navSection struct {
	Name  string
	Pages []ProcessedPage
}

// groupBySection splits sorted pages into consecutive sections.
func groupBySection(pages []ProcessedPage) []navSection {
	var sections []navSection
	for _, page := range pages {
		n := len(sections)
		if n == 0 || sections[n-1].Name != page.Metadata.Section {
			sections = append(sections, navSection{Name: page.Metadata.Section})
			n++
		}
		sections[n-1].Pages = append(sections[n-1].Pages, page)
	}
	return sections
}

func sectionTitle(name string) string {
	return cases.Title(language.English).String(name)
}

// NavigationMenu returns the templ component rendering the site navigation
// for pages, which must already be sorted.
func NavigationMenu(pages []ProcessedPage) templ.Component {
	return navigationMenu(groupBySection(pages))
}

// RenderNavigation renders NavigationMenu to a string.
func RenderNavigation(ctx context.Context, pages []ProcessedPage) (string, error) {
	var buf bytes.Buffer
	if err := NavigationMenu(pages).Render(ctx, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
