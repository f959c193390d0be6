package version

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInfoUsesLinkerValues(t *testing.T) {
	defer func(v, c, b string) { Version, GitCommit, BuildTime = v, c, b }(Version, GitCommit, BuildTime)
	Version, GitCommit, BuildTime = "v1.2.3", "0123456789abcdef", "2026-01-02T03:04:05Z"

	info := Info()
	assert.Equal(t, "v1.2.3", info.Version)
	assert.Equal(t, "0123456789abcdef", info.GitCommit)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), info.BuildTime)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, "v1.2.3 (0123456)", info.Short())
}

func TestShort(t *testing.T) {
	assert.Equal(t, "dev", BuildInfo{Version: "dev", GitCommit: "unknown"}.Short())
	assert.Equal(t, "dev-abcdef1", BuildInfo{Version: "dev-abcdef1", GitCommit: "abcdef1234"}.Short())
}

func TestString(t *testing.T) {
	s := BuildInfo{
		Version:   "v0.1.0",
		GitCommit: "abc",
		Modified:  true,
		GoVersion: "go1.24",
		Platform:  "linux/amd64",
	}.String()

	assert.Equal(t, []string{
		"Version: v0.1.0",
		"Commit: abc (modified)",
		"Go: go1.24",
		"Platform: linux/amd64",
	}, strings.Split(s, "\n"))
}
