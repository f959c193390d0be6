package graph

import (
	"encoding/xml"
	"strings"
)

const sitemapNamespace = "http://www.sitemaps.org/schemas/sitemap/0.9"

type urlSet struct {
	XMLName xml.Name     `xml:"urlset"`
	Xmlns   string       `xml:"xmlns,attr"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc string `xml:"loc"`
}

// BuildSitemap renders an XML sitemap listing pages in the given order.
func BuildSitemap(baseURL string, pages []ProcessedPage) (string, error) {
	base := strings.TrimRight(baseURL, "/")

	set := urlSet{Xmlns: sitemapNamespace, URLs: make([]sitemapURL, 0, len(pages))}
	for _, page := range pages {
		set.URLs = append(set.URLs, sitemapURL{Loc: base + "/" + page.OutputPath})
	}

	out, err := xml.MarshalIndent(set, "", "  ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(out) + "\n", nil
}
