package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/server/middleware"
	hmr "github.com/conneroisu/livedocs/internal/websocket"
)

var bigCSS = strings.Repeat(".docs-nav a { color: #333; }\n", 100)

func newTestServer(t *testing.T, cfg Config, ws WebSocketHandler, opts ...Option) *Server {
	t.Helper()
	fsys := afero.NewMemMapFs()
	files := map[string]string{
		"/out/index.html":             "<html><body><h1>Home</h1></body></html>",
		"/out/guide/intro.html":       "<html><body>Intro</body></html>",
		"/out/guide/index.html":       "<html><body>Guide</body></html>",
		"/out/assets/app.abc123.css":  bigCSS,
		"/out/sitemap.xml":            `<?xml version="1.0"?><urlset></urlset>`,
		"/out/_fragments/button.html": "<button>Go</button>",
	}
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, name, []byte(content), 0o644))
	}
	cfg.OutputDir = "/out"
	return New(cfg, fsys, ws, opts...)
}

func get(t *testing.T, h http.Handler, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStaticRouting(t *testing.T) {
	h := newTestServer(t, Config{}, nil).Handler()

	tests := []struct {
		target      string
		status      int
		body        string
		contentType string
	}{
		{"/", http.StatusOK, "<h1>Home</h1>", "text/html; charset=utf-8"},
		{"/guide/intro.html", http.StatusOK, "Intro", "text/html; charset=utf-8"},
		{"/guide/intro", http.StatusOK, "Intro", "text/html; charset=utf-8"},
		{"/guide/", http.StatusOK, "Guide", "text/html; charset=utf-8"},
		{"/sitemap.xml", http.StatusOK, "<urlset>", ""},
		{"/missing.html", http.StatusNotFound, "404 page not found", ""},
		{"/assets", http.StatusNotFound, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := get(t, h, tt.target, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestTraversalIsRejected(t *testing.T) {
	h := newTestServer(t, Config{}, nil).Handler()
	for _, target := range []string{"/../etc/passwd", "/guide/../../secret", "/a/..%2f..%2fsecret"} {
		rec := get(t, h, target, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, target)
	}
}

func TestCacheHeaders(t *testing.T) {
	dev := newTestServer(t, Config{}, nil).Handler()
	assert.Equal(t, "no-cache", get(t, dev, "/", nil).Header().Get("Cache-Control"))
	assert.Equal(t, assetCacheControl, get(t, dev, "/assets/app.abc123.css", nil).Header().Get("Cache-Control"))

	prod := newTestServer(t, Config{Environment: "production"}, nil).Handler()
	assert.Equal(t, pageCacheControl, get(t, prod, "/", nil).Header().Get("Cache-Control"))
}

func TestETagRevalidation(t *testing.T) {
	h := newTestServer(t, Config{}, nil).Handler()
	first := get(t, h, "/guide/intro.html", nil)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	again := get(t, h, "/guide/intro.html", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, again.Code)
	assert.Empty(t, again.Body.Bytes())
}

func TestGzip(t *testing.T) {
	h := newTestServer(t, Config{}, nil).Handler()

	rec := get(t, h, "/assets/app.abc123.css", map[string]string{"Accept-Encoding": "br, gzip"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Contains(t, rec.Header().Values("Vary"), "Accept-Encoding")
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, bigCSS, string(plain))

	// Below the threshold, or not accepted.
	assert.Empty(t, get(t, h, "/", map[string]string{"Accept-Encoding": "gzip"}).Header().Get("Content-Encoding"))
	assert.Empty(t, get(t, h, "/assets/app.abc123.css", nil).Header().Get("Content-Encoding"))
	assert.Empty(t, get(t, h, "/assets/app.abc123.css", map[string]string{"Accept-Encoding": "gzip;q=0"}).Header().Get("Content-Encoding"))
}

func TestMethods(t *testing.T) {
	h := newTestServer(t, Config{}, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.NotEmpty(t, rec.Header().Get("Content-Length"))
}

func TestClientInjection(t *testing.T) {
	h := newTestServer(t, Config{InjectClient: true}, nil).Handler()

	page := get(t, h, "/", nil).Body.String()
	assert.Equal(t,
		`<html><body><h1>Home</h1><script src="/_livedocs/client.js" defer></script>`+"\n</body></html>",
		page)

	// Non-HTML content is untouched.
	assert.NotContains(t, get(t, h, "/sitemap.xml", nil).Body.String(), "client.js")

	script := get(t, h, clientScriptPath, nil)
	assert.Equal(t, http.StatusOK, script.Code)
	assert.Contains(t, script.Body.String(), "pages-updated")
}

func TestInjectClientWithoutBody(t *testing.T) {
	assert.Equal(t, `<p>x</p><script src="/_livedocs/client.js" defer></script>`+"\n",
		string(injectClient([]byte("<p>x</p>"))))
}

func TestCORS(t *testing.T) {
	dev := newTestServer(t, Config{}, nil).Handler()
	assert.Equal(t, "*", get(t, dev, "/", map[string]string{"Origin": "http://elsewhere"}).Header().Get("Access-Control-Allow-Origin"))

	prod := newTestServer(t, Config{Environment: "production", AllowedOrigins: []string{"https://docs.example.com"}}, nil).Handler()
	assert.Equal(t, "https://docs.example.com",
		get(t, prod, "/", map[string]string{"Origin": "https://docs.example.com"}).Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, get(t, prod, "/", map[string]string{"Origin": "http://evil.example"}).Header().Get("Access-Control-Allow-Origin"))

	rec := httptest.NewRecorder()
	prod.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, Config{RateLimit: middleware.RateLimit{RequestsPerMinute: 1, BurstLimit: 2}}, nil)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	h := s.Handler()

	codes := []int{get(t, h, "/", nil).Code, get(t, h, "/", nil).Code, get(t, h, "/", nil).Code}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, Config{}, nil, WithHealth(func() map[string]interface{} {
		return map[string]interface{}{"pages": 3}
	})).Handler()

	rec := get(t, h, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(3), body["pages"])
	assert.NotEmpty(t, body["version"])
}

func TestWebSocketEndToEnd(t *testing.T) {
	hub := hmr.NewManager()
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })
	ts := httptest.NewServer(newTestServer(t, Config{}, hub).Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var msg hmr.Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, hmr.TypeConnected, msg.Type)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(hmr.Message{Type: hmr.TypePagesUpdated, Data: map[string]interface{}{"pages": []string{"index.html"}}})
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, hmr.TypePagesUpdated, msg.Type)
	assert.Equal(t, map[string]interface{}{"pages": []interface{}{"index.html"}}, msg.Data)

	require.NoError(t, wsjson.Write(ctx, conn, hmr.Message{Type: hmr.TypePing}))
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, hmr.TypePong, msg.Type)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketAfterHubShutdown(t *testing.T) {
	hub := hmr.NewManager()
	require.NoError(t, hub.Shutdown(context.Background()))
	h := newTestServer(t, Config{}, hub).Handler()

	rec := get(t, h, "/ws", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListenServeShutdown(t *testing.T) {
	s := newTestServer(t, Config{Host: "127.0.0.1", Port: 0}, nil)
	require.NoError(t, s.Listen())

	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-served)
	require.NoError(t, s.Shutdown(ctx))
}

func TestListenFailureIsNetworkError(t *testing.T) {
	first := newTestServer(t, Config{Host: "127.0.0.1", Port: 0}, nil)
	require.NoError(t, first.Listen())
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	_, port, _ := strings.Cut(first.Addr(), ":")
	second := newTestServer(t, Config{Host: "127.0.0.1"}, nil)
	var err error
	second.config.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	err = second.Listen()
	require.Error(t, err)
	assert.True(t, errors.IsNetworkError(err))
}

func TestServeBeforeListen(t *testing.T) {
	assert.Error(t, newTestServer(t, Config{}, nil).Serve())
}
