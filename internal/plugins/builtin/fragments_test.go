package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/plugins"
)

func TestNormalizeFragment(t *testing.T) {
	out, err := normalizeFragment([]byte("  <div class=card><p>Hi<span>there</div>\n"))
	require.NoError(t, err)
	assert.Equal(t, "<div class=\"card\"><p>Hi<span>there</span></p></div>\n", string(out))
}

func TestFragmentsFollowComponentFiles(t *testing.T) {
	s := newSite(t, nil)
	s.put("/site/components/button.html", "<button class=btn>Go</button>")
	s.put("/site/components/button.css", ".btn{}")
	s.put("/site/components/cards/card.html", "<article>Card")
	s.settle()

	assert.Equal(t, "<button class=\"btn\">Go</button>\n", s.read("_fragments/button.html"))
	assert.Equal(t, "<article>Card</article>\n", s.read("_fragments/cards/card.html"))

	assert.Equal(t, []string{"/site/components/button.css"}, s.fragments.Dependencies("/site/components/button.html"))
	assert.Equal(t, []string{"/site/components/button.html"}, s.fragments.Dependencies("/site/components/button.css"))
	assert.Empty(t, s.fragments.Dependencies("/site/components/cards/card.html"))

	// The manager merges the bundle siblings from the asset plugin too.
	s.put("/site/components/alert.css", ".alert{}")
	s.settle()
	assert.Equal(t,
		[]string{"/site/components/alert.css", "/site/components/button.html"},
		s.manager.Dependencies("/site/components/button.css"))

	s.remove("/site/components/button.html")
	s.settle()
	assert.False(t, s.exists("_fragments/button.html"))
	assert.True(t, s.exists("_fragments/cards/card.html"))
}

func TestFragmentsSkipUnchangedOutput(t *testing.T) {
	s := newSite(t, nil)
	s.put("/site/components/note.html", "<p class=note>Hi</p>")
	s.settle()
	written := s.writer.Stats().Written

	// Same fragment after normalisation.
	s.put("/site/components/note.html", `<p class="note">Hi</p>`)
	s.settle()
	assert.Equal(t, written, s.writer.Stats().Written)
}

func TestFragmentsTransformAndEvents(t *testing.T) {
	s := newSite(t, nil)

	out, err := s.fragments.Transform(context.Background(), plugins.Input{
		Path:    "/site/components/forms/input.html",
		Content: []byte("<input type=text>"),
	})
	require.NoError(t, err)
	assert.Equal(t, "_fragments/forms/input.html", out.Path)
	assert.Equal(t, "<input type=\"text\"/>\n", string(out.Content))

	assert.True(t, s.fragments.ShouldRun("/site/components/x.js"))
	assert.False(t, s.fragments.ShouldRun("/site/content/x.md"))
	assert.NoError(t, s.fragments.OnFileChange(context.Background(), graph.FileChangeEvent{
		Path: "/site/components/x.html",
		Kind: graph.KindChange,
	}))
}
