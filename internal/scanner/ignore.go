package scanner

import (
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

var skipDirs = map[string]struct{}{
	"node_modules": {},
	"vendor":       {},
	".git":         {},
	".hg":          {},
	".svn":         {},
	"dist":         {},
	".cache":       {},
	"__pycache__":  {},
}

// Ignorer decides which paths under one root are excluded from scanning and
// watching.
type Ignorer struct {
	root string
	gi   *ignore.GitIgnore
}

// NewIgnorer loads root/.gitignore from fsys if it exists.
func NewIgnorer(fsys afero.Fs, root string) *Ignorer {
	i := &Ignorer{root: filepath.Clean(root)}

	data, err := afero.ReadFile(fsys, filepath.Join(root, ".gitignore"))
	if err == nil {
		i.gi = ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
	}
	return i
}

// SkipDir reports whether a directory should not be descended into.
func (i *Ignorer) SkipDir(path string) bool {
	path = filepath.Clean(path)
	if path == i.root {
		return false
	}

	name := filepath.Base(path)
	if _, skip := skipDirs[name]; skip || strings.HasPrefix(name, ".") {
		return true
	}
	return i.matches(path, true)
}

// Ignored reports whether a file is excluded.
func (i *Ignorer) Ignored(path string) bool {
	path = filepath.Clean(path)
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return true
	}

	// Files inside a skipped directory are ignored too.
	for dir := filepath.Dir(path); dir != i.root && within(i.root, dir); dir = filepath.Dir(dir) {
		if i.SkipDir(dir) {
			return true
		}
	}
	return i.matches(path, false)
}

func (i *Ignorer) matches(path string, dir bool) bool {
	if i.gi == nil {
		return false
	}
	rel, err := filepath.Rel(i.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	if dir {
		// Patterns such as "build/" only match with the trailing slash.
		rel += "/"
	}
	return i.gi.MatchesPath(rel)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}
