package errors

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Hint is one thing an operator can try after a failure.
type Hint struct {
	Summary string
	Command string
	Example string
}

// ListenHints explains a failure to bind the dev server.
func ListenHints(err error, port int) []Hint {
	msg := err.Error()
	var hints []Hint

	if strings.Contains(msg, "address already in use") {
		hints = append(hints,
			Hint{
				Summary: fmt.Sprintf("port %d is taken, possibly by another livedocs serve", port),
				Command: fmt.Sprintf("lsof -i :%d", port),
			},
			Hint{
				Summary: "serve on another port, or let the system pick one",
				Command: "livedocs serve --port 0",
			},
		)
	}
	if strings.Contains(msg, "permission denied") && port > 0 && port < 1024 {
		hints = append(hints, Hint{
			Summary: fmt.Sprintf("port %d is privileged", port),
			Command: "livedocs serve --port 8080",
		})
	}
	return hints
}

// configKey matches a dotted configuration key such as server.port.
var configKey = regexp.MustCompile(`\b(site|server|build|watch|plugins|log)\.([a-z_]+)\b`)

// ConfigHints explains a configuration that could not be read or decoded.
// A key named in err also gets the environment variable overriding it.
func ConfigHints(err error, path string) []Hint {
	msg := err.Error()
	var hints []Hint

	if m := configKey.FindStringSubmatch(msg); m != nil {
		env := "LIVEDOCS_" + strings.ToUpper(m[1]+"_"+m[2])
		hints = append(hints, Hint{
			Summary: fmt.Sprintf("fix %s in %s, or override it with %s", m[0], path, env),
			Example: fmt.Sprintf("%s:\n  %s: ...", m[1], m[2]),
		})
	}
	if strings.Contains(msg, "yaml") || strings.Contains(msg, "unmarshal") || strings.Contains(msg, "While parsing config") {
		hints = append(hints, Hint{
			Summary: fmt.Sprintf("%s is not valid YAML; indent with spaces, not tabs", path),
			Command: "cat -A " + path,
		})
	}
	if len(hints) == 0 {
		hints = append(hints, Hint{
			Summary: "check the file named by --config or LIVEDOCS_CONFIG_FILE",
			Command: "cat " + path,
		})
	}
	return hints
}

// SourceHints explains a build that could not find its sources.
func SourceHints(err error) []Hint {
	var e *Error
	if !errors.As(err, &e) || e.Code != "CONTENT_DIR_MISSING" {
		return nil
	}
	return []Hint{
		{
			Summary: "create the content directory with a first page",
			Command: fmt.Sprintf("mkdir -p %s && echo '# Home' > %s/index.md", e.Path, e.Path),
		},
		{
			Summary: "or point site.content_dir at the directory holding your markdown",
			Example: "site:\n  content_dir: docs",
		},
	}
}

// HintedError is a failure reported to the operator together with hints.
type HintedError struct {
	Summary string
	Cause   error
	Hints   []Hint
}

// WithHints wraps cause under summary.
func WithHints(summary string, cause error, hints []Hint) *HintedError {
	return &HintedError{Summary: summary, Cause: cause, Hints: hints}
}

func (e *HintedError) Error() string {
	var b strings.Builder
	b.WriteString(e.Summary)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	for _, h := range e.Hints {
		b.WriteString("\n  hint: ")
		b.WriteString(h.Summary)
		if h.Command != "" {
			b.WriteString("\n      $ ")
			b.WriteString(h.Command)
		}
		if h.Example != "" {
			b.WriteString("\n      ")
			b.WriteString(strings.ReplaceAll(h.Example, "\n", "\n      "))
		}
	}
	return b.String()
}

func (e *HintedError) Unwrap() error {
	return e.Cause
}
