package server

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/version"
)

const (
	assetCacheControl = "public, max-age=31536000, immutable"
	pageCacheControl  = "public, max-age=300"
)

// compressible lists content type prefixes worth gzipping.
var compressible = []string{
	"text/",
	"application/javascript",
	"application/json",
	"application/xml",
	"image/svg+xml",
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info := version.Info()
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"version":   info.Short(),
	}
	if s.health != nil {
		for k, v := range s.health() {
			health[k] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to encode health response")
	}
}

func (s *Server) handleClientScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	s.write(w, r, []byte(clientScript), "application/javascript")
}

// handleStatic serves the output directory. "/" and directories map to
// index.html; an extensionless path falls back to path.html.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name, content, err := s.lookup(r.URL.Path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error(r.Context(), err, "Failed to read output file", "path", r.URL.Path)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = http.DetectContentType(content)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", s.cacheControl(r.URL.Path))

	etag := `"` + graph.ContentHash(content) + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if s.config.InjectClient && strings.HasPrefix(contentType, "text/html") {
		content = injectClient(content)
	}
	s.write(w, r, content, contentType)
}

// lookup reads the file a URL path names, relative to the output directory.
func (s *Server) lookup(urlPath string) (string, []byte, error) {
	clean := path.Clean("/" + urlPath)
	candidates := []string{clean}
	switch {
	case strings.HasSuffix(urlPath, "/") || clean == "/":
		candidates = []string{path.Join(clean, "index.html")}
	case path.Ext(clean) == "":
		candidates = append(candidates, clean+".html", path.Join(clean, "index.html"))
	}

	for _, c := range candidates {
		full := filepath.Join(s.config.OutputDir, filepath.FromSlash(strings.TrimPrefix(c, "/")))
		info, err := s.fs.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		content, err := afero.ReadFile(s.fs, full)
		return c, content, err
	}
	return "", nil, fs.ErrNotExist
}

func (s *Server) cacheControl(urlPath string) string {
	switch {
	case strings.HasPrefix(urlPath, "/assets/"):
		return assetCacheControl
	case s.config.Environment == "development":
		return "no-cache"
	default:
		return pageCacheControl
	}
}

// write sends content, gzipped when the client accepts it and it is large
// enough to be worth it.
func (s *Server) write(w http.ResponseWriter, r *http.Request, content []byte, contentType string) {
	w.Header().Add("Vary", "Accept-Encoding")
	if len(content) >= s.config.GzipMinSize && isCompressible(contentType) && acceptsGzip(r) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(content); err == nil && zw.Close() == nil {
			w.Header().Set("Content-Encoding", "gzip")
			content = buf.Bytes()
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(content); err != nil {
		s.logger.Debug(r.Context(), "Response write failed", "path", r.URL.Path, "error", err.Error())
	}
}

func isCompressible(contentType string) bool {
	for _, prefix := range compressible {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(strings.TrimSpace(name), "gzip") && strings.TrimSpace(params) != "q=0" {
			return true
		}
	}
	return false
}

func hasDotDot(p string) bool {
	if !strings.Contains(p, "..") {
		return false
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// injectClient inserts the HMR client before </body>, or appends it.
func injectClient(page []byte) []byte {
	tag := []byte(`<script src="` + clientScriptPath + `" defer></script>`)
	idx := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if idx < 0 {
		return append(append(page[:len(page):len(page)], tag...), '\n')
	}
	out := make([]byte, 0, len(page)+len(tag)+1)
	out = append(out, page[:idx]...)
	out = append(out, tag...)
	out = append(out, '\n')
	return append(out, page[idx:]...)
}
