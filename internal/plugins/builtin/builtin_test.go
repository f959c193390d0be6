package builtin

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/loop"
	"github.com/conneroisu/livedocs/internal/plugins"
	"github.com/conneroisu/livedocs/internal/reactive"
)

var siteLayout = graph.Layout{
	ContentDir:   "/site/content",
	TemplateDir:  "/site/templates",
	ComponentDir: "/site/components",
}

// site runs the builtin plugins against an in-memory output directory.
type site struct {
	t       *testing.T
	ctx     context.Context
	loop    *loop.Loop
	g       *graph.Graph
	out     afero.Fs
	writer  *Writer
	manager *plugins.Manager

	markdown  *Markdown
	assets    *Assets
	fragments *Fragments
}

func newSite(t *testing.T, settings map[string]map[string]interface{}) *site {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := &site{
		t:         t,
		ctx:       ctx,
		loop:      loop.New(0, nil),
		out:       afero.NewMemMapFs(),
		markdown:  NewMarkdown(),
		assets:    NewAssets(),
		fragments: NewFragments(),
	}
	s.loop.Start(ctx)
	s.writer = NewWriter(s.out, "/out", nil)
	s.writer.Start(ctx)

	require.NoError(t, s.loop.Do(ctx, func() {
		rt := reactive.NewRuntime(reactive.WithScheduler(s.loop))
		s.g = graph.New(rt, s.loop, siteLayout,
			graph.WithBaseURL("https://docs.example.com"),
			graph.WithWorkers(2))
	}))

	s.manager = plugins.NewManager(nil, nil)
	for _, p := range []plugins.Plugin{s.markdown, s.assets, s.fragments} {
		require.NoError(t, s.manager.Register(p))
	}
	require.NoError(t, s.manager.Initialize(ctx, s.loop, s.g, plugins.Config{
		Output: s.writer,
		Loop:   s.loop,
	}, settings))
	t.Cleanup(func() { _ = s.manager.Shutdown(context.Background()) })

	return s
}

func (s *site) put(path, content string) {
	s.t.Helper()
	var err error
	require.NoError(s.t, s.loop.Do(s.ctx, func() {
		err = s.g.UpdateFile(path, []byte(content), time.Now())
	}))
	require.NoError(s.t, err)
}

func (s *site) remove(path string) {
	s.t.Helper()
	require.NoError(s.t, s.loop.Do(s.ctx, func() { s.g.RemoveFile(path) }))
}

// settle waits for the render in flight and for the writer to catch up.
func (s *site) settle() {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	require.NoError(s.t, s.g.Settled(ctx))
	require.NoError(s.t, s.loop.Do(ctx, func() {}))
	require.NoError(s.t, s.writer.Flush(ctx))
}

func (s *site) assetsNow() graph.OptimizedAssets {
	var assets graph.OptimizedAssets
	require.NoError(s.t, s.loop.Do(s.ctx, func() { assets = s.g.Assets() }))
	return assets
}

func (s *site) read(rel string) string {
	s.t.Helper()
	data, err := afero.ReadFile(s.out, path.Join("/out", rel))
	require.NoError(s.t, err, rel)
	return string(data)
}

func (s *site) exists(rel string) bool {
	ok, _ := afero.Exists(s.out, path.Join("/out", rel))
	return ok
}
