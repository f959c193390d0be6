package server

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/loop"
	"github.com/conneroisu/livedocs/internal/reactive"
	"github.com/conneroisu/livedocs/internal/websocket"
)

// titleRenderer reads pages of the form "title\nbody".
type titleRenderer struct{}

func (titleRenderer) RenderPage(_ context.Context, in graph.RenderInput) (graph.RenderedPage, error) {
	title, body, _ := strings.Cut(string(in.Content), "\n")
	if body == "fail" {
		return graph.RenderedPage{}, stderrors.New("cannot render")
	}
	return graph.RenderedPage{
		HTML:     []byte("<p>" + body + "</p>"),
		Metadata: graph.Metadata{Title: title},
	}, nil
}

type recordingHub struct {
	mu   sync.Mutex
	msgs []websocket.Message
}

func (h *recordingHub) Broadcast(msg websocket.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *recordingHub) take() []websocket.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.msgs
	h.msgs = nil
	return out
}

type countingFlusher struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFlusher) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *countingFlusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type broadcastHarness struct {
	t       *testing.T
	ctx     context.Context
	loop    *loop.Loop
	g       *graph.Graph
	hub     *recordingHub
	flusher *countingFlusher
	b       *Broadcaster
}

func newBroadcastHarness(t *testing.T) *broadcastHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &broadcastHarness{
		t:       t,
		ctx:     ctx,
		loop:    loop.New(0, nil),
		hub:     &recordingHub{},
		flusher: &countingFlusher{},
	}
	h.loop.Start(ctx)
	h.do(func() {
		rt := reactive.NewRuntime(reactive.WithScheduler(h.loop))
		h.g = graph.New(rt, h.loop, graph.Layout{
			ContentDir:   "/site/content",
			TemplateDir:  "/site/templates",
			ComponentDir: "/site/components",
		})
		h.g.SetRenderer(titleRenderer{})
	})
	h.b = NewBroadcaster(h.hub, h.flusher, nil)
	h.b.Start(ctx)
	t.Cleanup(h.b.Stop)
	return h
}

func (h *broadcastHarness) do(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Do(h.ctx, fn))
}

func (h *broadcastHarness) put(path, content string) {
	h.t.Helper()
	var err error
	h.do(func() { err = h.g.UpdateFile(path, []byte(content), time.Now()) })
	require.NoError(h.t, err)
	h.settle()
}

func (h *broadcastHarness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.g.Settled(ctx))
	h.do(func() {})
}

// expect waits until the hub has received exactly the given message types.
func (h *broadcastHarness) expect(types ...string) []websocket.Message {
	h.t.Helper()
	var got []websocket.Message
	assert.Eventually(h.t, func() bool {
		got = append(got, h.hub.take()...)
		return len(got) >= len(types)
	}, 2*time.Second, 5*time.Millisecond)

	// Anything extra would show up shortly after.
	time.Sleep(20 * time.Millisecond)
	got = append(got, h.hub.take()...)

	gotTypes := make([]string, len(got))
	for i, m := range got {
		gotTypes[i] = m.Type
	}
	require.Equal(h.t, types, gotTypes)
	return got
}

func TestBroadcasterInitialRunIsSilent(t *testing.T) {
	h := newBroadcastHarness(t)
	h.put("/site/content/a.md", "Alpha\none")
	h.put("/site/content/bad.md", "Bad\nfail")
	h.do(func() {
		h.g.UpdateAssets(graph.OptimizedAssets{CSS: graph.AssetBinding{Hash: "h0", Path: "assets/app.h0.css"}})
	})

	h.do(func() { h.b.Attach(h.g) })
	h.settle()

	assert.Never(t, func() bool { return len(h.hub.take()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestBroadcasterAnnouncesChanges(t *testing.T) {
	h := newBroadcastHarness(t)
	h.put("/site/content/a.md", "Alpha\none")
	h.do(func() { h.b.Attach(h.g) })
	h.settle()

	// Body change: page only, the menu is the same.
	h.put("/site/content/a.md", "Alpha\ntwo")
	msgs := h.expect(websocket.TypePagesUpdated)
	assert.Equal(t, map[string]interface{}{"pages": []string{"a.html"}, "count": 1}, msgs[0].Data)

	// New page: page and menu.
	h.put("/site/content/guide/b.md", "Beta\nhello")
	msgs = h.expect(websocket.TypePagesUpdated, websocket.TypeMenuUpdated)
	assert.Equal(t, map[string]interface{}{"pages": []string{"guide/b.html"}, "count": 2}, msgs[0].Data)
	menu := msgs[1].Data.(map[string]interface{})["html"].(string)
	assert.Contains(t, menu, `href="/guide/b.html"`)

	// Removal is a page change too.
	h.do(func() { h.g.RemoveFile("/site/content/guide/b.md") })
	h.settle()
	msgs = h.expect(websocket.TypePagesUpdated, websocket.TypeMenuUpdated)
	assert.Equal(t, map[string]interface{}{"pages": []string{"guide/b.html"}, "count": 1}, msgs[0].Data)

	assert.Positive(t, h.flusher.count())
}

func TestBroadcasterAnnouncesAssetBundles(t *testing.T) {
	h := newBroadcastHarness(t)
	h.do(func() { h.b.Attach(h.g) })

	css := graph.AssetBinding{Hash: "c1", Path: "assets/app.c1.css"}
	h.do(func() { h.g.UpdateAssets(graph.OptimizedAssets{CSS: css}) })
	msgs := h.expect(websocket.TypeCSSUpdated)
	assert.Equal(t, css, msgs[0].Data)

	js := graph.AssetBinding{Hash: "j1", Path: "assets/app.j1.js"}
	h.do(func() { h.g.UpdateAssets(graph.OptimizedAssets{CSS: css, JS: js}) })
	h.settle()
	msgs = h.expect(websocket.TypeJSUpdated)
	assert.Equal(t, js, msgs[0].Data)
}

func TestBroadcasterAnnouncesNewRenderErrorsOnce(t *testing.T) {
	h := newBroadcastHarness(t)
	h.put("/site/content/a.md", "Alpha\none")
	h.do(func() { h.b.Attach(h.g) })

	h.put("/site/content/b.md", "Beta\nfail")
	msgs := h.expect(websocket.TypeError)
	data := msgs[0].Data.(map[string]interface{})
	assert.Equal(t, "/site/content/b.md", data["path"])
	assert.Equal(t, "RENDER_FAILED", data["code"])
	assert.Contains(t, data["message"], "cannot render")

	// Same failure again is not repeated; a fix announces the page.
	h.put("/site/content/a.md", "Alpha\nthree")
	h.expect(websocket.TypePagesUpdated)
	h.put("/site/content/b.md", "Beta\nfixed")
	h.expect(websocket.TypePagesUpdated, websocket.TypeMenuUpdated)
}

func TestBroadcasterFileChangedListener(t *testing.T) {
	h := newBroadcastHarness(t)
	h.b.FileChanged(graph.FileChangeEvent{Path: "/site/content/a.md", Kind: graph.KindChange}, "content")

	msgs := h.expect(websocket.TypeFileChanged)
	assert.Equal(t, map[string]interface{}{
		"path":   "/site/content/a.md",
		"kind":   graph.KindChange,
		"target": "content",
	}, msgs[0].Data)
}

func TestBroadcasterFileChangedCarriesRelatedFiles(t *testing.T) {
	h := newBroadcastHarness(t)
	h.b.SetRelated(func(path string) []string {
		if path == "/site/components/button.css" {
			return []string{"/site/components/button.html", "/site/components/button.js"}
		}
		return nil
	})

	h.b.FileChanged(graph.FileChangeEvent{Path: "/site/components/button.css", Kind: graph.KindChange}, "components")
	msgs := h.expect(websocket.TypeFileChanged)
	data, ok := msgs[0].Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t,
		[]string{"/site/components/button.html", "/site/components/button.js"},
		data["related"])

	h.b.FileChanged(graph.FileChangeEvent{Path: "/site/content/a.md", Kind: graph.KindChange}, "content")
	msgs = h.expect(websocket.TypeFileChanged)
	data, ok = msgs[0].Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotContains(t, data, "related", "a file without relations carries no list")
}

func TestChangedKeys(t *testing.T) {
	prev := map[string]string{"a": "1", "b": "2", "c": "3"}
	next := map[string]string{"a": "1", "b": "9", "d": "4"}
	assert.Equal(t, []string{"b", "c", "d"}, changedKeys(prev, next))
	assert.Empty(t, changedKeys(prev, prev))
}
