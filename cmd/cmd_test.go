package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/livedocs/internal/version"
)

// syncBuffer is written by the stats goroutine while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// inSite changes into a new directory holding a one-page site.
func inSite(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, filepath.Join(dir, "content", "index.md"), "# Home\n\nWelcome.\n")
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestPortValue(t *testing.T) {
	tests := []struct {
		in   string
		want int
		err  string
	}{
		{"8080", 8080, ""},
		{"0", 0, ""},
		{"65535", 65535, ""},
		{"65536", 0, "between 0 and 65535"},
		{"-1", 0, "between 0 and 65535"},
		{"http", 0, "invalid port number"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p := newPortValue(1)
			err := p.Set(tt.in)
			if tt.err != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.err)
				assert.Equal(t, "1", p.String(), "a rejected value leaves the port unchanged")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, int(*p))
			assert.Equal(t, "int", p.Type())
		})
	}
}

func TestServeRejectsInvalidPort(t *testing.T) {
	_, stderr, err := run(t, "serve", "--port", "70000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "between 0 and 65535")
	assert.Contains(t, stderr, "Usage:")
	assert.Contains(t, stderr, "--stats-interval")
}

func TestBuildWritesSite(t *testing.T) {
	dir := inSite(t)

	stdout, _, err := run(t, "build", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Built 1 page from 1 files")
	assert.Contains(t, stdout, filepath.Join(dir, "dist"))

	data, err := os.ReadFile(filepath.Join(dir, "dist", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<title>Home</title>")
}

func TestBuildFlagsOverrideConfigFile(t *testing.T) {
	dir := inSite(t)
	writeFile(t, filepath.Join(dir, ".livedocs.yml"), "site:\n  output_dir: public\nlog:\n  level: error\n")

	_, _, err := run(t, "build")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "public", "index.html"))

	_, _, err = run(t, "build", "-o", "site")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "site", "index.html"))
}

func TestConfigFileFromEnvironment(t *testing.T) {
	dir := inSite(t)
	writeFile(t, filepath.Join(dir, "conf", "docs.yml"), "site:\n  output_dir: from-env\nlog:\n  level: error\n")
	t.Setenv(configFileEnv, filepath.Join(dir, "conf", "docs.yml"))

	_, _, err := run(t, "build")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "from-env", "index.html"))
}

func TestBuildFailsOnRenderErrors(t *testing.T) {
	dir := inSite(t)
	writeFile(t, filepath.Join(dir, "content", "bad.md"), "---\ntitle: [unclosed\n---\n")

	stdout, _, err := run(t, "build", "-l", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 pages failed to render")
	assert.Contains(t, stdout, "bad.md")
}

func TestInvalidConfigurationHasHints(t *testing.T) {
	dir := inSite(t)
	writeFile(t, filepath.Join(dir, ".livedocs.yml"), "server:\n  port: 70000\n")

	_, _, err := run(t, "build")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot load ")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "hint: fix server.port")
	assert.Contains(t, err.Error(), "LIVEDOCS_SERVER_PORT")
}

func TestServePrintsStatistics(t *testing.T) {
	inSite(t)

	out := &syncBuffer{}
	root := NewRootCommand()
	root.SetOut(out)
	root.SetErr(&syncBuffer{})
	root.SetArgs([]string{"serve", "--port", "0", "--watch=false", "--stats-interval", "20ms", "-l", "error"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "pages: 1")
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}

	var stats map[string]interface{}
	first := strings.SplitN(out.String(), "---", 2)[0]
	require.NoError(t, yaml.Unmarshal([]byte(first), &stats))
	assert.Equal(t, 1, stats["pages"])
	assert.NotContains(t, stats, "watcher", "watching is disabled")
}

func TestPreviewPrintsTransformedComponent(t *testing.T) {
	dir := inSite(t)
	writeFile(t, filepath.Join(dir, "components", "card.html"), "<div class=card>Hi")
	writeFile(t, filepath.Join(dir, "components", "card.css"), "/* card */\n.card { margin: 0; }\n")

	stdout, stderr, err := run(t, "preview", "components/card.html", "-l", "error")
	require.NoError(t, err)
	assert.Equal(t, "<div class=\"card\">Hi</div>\n", stdout)
	assert.Contains(t, stderr, "output: _fragments/card.html")
	assert.Contains(t, stderr, "related: card.css")
	assert.NoDirExists(t, filepath.Join(dir, "dist"))

	_, _, err = run(t, "preview", "components/missing.html", "-l", "error")
	assert.Error(t, err)

	_, _, err = run(t, "preview")
	assert.Error(t, err, "a file argument is required")
}

func TestVersionFormats(t *testing.T) {
	info := version.Info()

	stdout, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Version: "+info.Version)
	assert.Contains(t, stdout, "Platform: "+info.Platform)

	stdout, _, err = run(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, info.Short()+"\n", stdout)

	stdout, _, err = run(t, "version", "-f", "json")
	require.NoError(t, err)
	var decoded version.BuildInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &decoded))
	assert.Equal(t, info.Version, decoded.Version)

	stdout, _, err = run(t, "version", "-f", "yaml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "go_version: "+info.GoVersion)

	_, _, err = run(t, "version", "-f", "xml")
	assert.Error(t, err)
}

func TestVersionIgnoresBrokenConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, filepath.Join(dir, ".livedocs.yml"), "site: [broken\n")

	_, _, err := run(t, "version")
	assert.NoError(t, err)

	_, _, err = run(t, "build")
	assert.Error(t, err)
}
