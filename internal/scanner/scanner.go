// Package scanner performs the full directory scan that seeds the signal
// graph on startup. The graph is volatile, so every process start scans
// every configured root again.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/logging"
)

// Root is one directory to scan and the extensions accepted under it. An
// empty extension list accepts every file.
type Root struct {
	Directory  string
	Extensions []string
}

// Accepts reports whether path has one of the root's extensions.
func (r Root) Accepts(path string) bool {
	if len(r.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range r.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if e == ext {
			return true
		}
	}
	return false
}

// Entry is a file read during a scan.
type Entry struct {
	Path    string
	Content []byte
	ModTime time.Time
}

// Result summarises a scan.
type Result struct {
	Files        int
	Unclassified int
	Errors       []error
	Duration     time.Duration
}

// Scanner walks roots on a filesystem.
type Scanner struct {
	fs      afero.Fs
	workers int
	logger  logging.Logger
}

// New creates a scanner reading from fsys.
func New(fsys afero.Fs, logger logging.Logger) *Scanner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scanner{
		fs:      fsys,
		workers: runtime.GOMAXPROCS(0),
		logger:  logger.WithComponent("scanner"),
	}
}

// Collect walks every root and reads each accepted file. Unreadable files
// are reported as WatchErrors and skipped.
func (s *Scanner) Collect(ctx context.Context, roots []Root) ([]Entry, []error) {
	var (
		paths []string
		errs  []error
		seen  = make(map[string]struct{})
	)

	for _, root := range roots {
		dir, err := filepath.Abs(root.Directory)
		if err != nil {
			errs = append(errs, errors.NewWatchError("SCAN_ROOT", root.Directory, err))
			continue
		}
		ignorer := NewIgnorer(s.fs, dir)

		err = afero.Walk(s.fs, dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if path == dir {
					return err
				}
				errs = append(errs, errors.NewWatchError("SCAN_WALK", path, err))
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			if info.IsDir() {
				if ignorer.SkipDir(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.Mode().IsRegular() || ignorer.Ignored(path) || !root.Accepts(path) {
				return nil
			}
			if _, dup := seen[path]; !dup {
				seen[path] = struct{}{}
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			errs = append(errs, errors.NewWatchError("SCAN_ROOT", dir, err))
		}
	}

	sort.Strings(paths)

	type readResult struct {
		entry Entry
		err   error
	}
	p := pool.NewWithResults[readResult]().WithMaxGoroutines(s.workers)
	for _, path := range paths {
		p.Go(func() readResult {
			content, err := afero.ReadFile(s.fs, path)
			if err != nil {
				return readResult{err: errors.NewWatchError("SCAN_READ", path, err)}
			}
			entry := Entry{Path: path, Content: content}
			if info, statErr := s.fs.Stat(path); statErr == nil {
				entry.ModTime = info.ModTime()
			}
			return readResult{entry: entry}
		})
	}

	entries := make([]Entry, 0, len(paths))
	for _, r := range p.Wait() {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		entries = append(entries, r.entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	return entries, errs
}

// Load scans roots and feeds every file into g in a single batch, so
// derived cells are evaluated once for the whole tree.
func (s *Scanner) Load(ctx context.Context, exec graph.Executor, g *graph.Graph, roots []Root) (Result, error) {
	start := time.Now()
	entries, errs := s.Collect(ctx, roots)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	result := Result{Errors: errs}
	err := exec.Do(ctx, func() {
		g.Runtime().Batch(func() {
			for _, e := range entries {
				if err := g.UpdateFile(e.Path, e.Content, e.ModTime); err != nil {
					result.Unclassified++
					continue
				}
				result.Files++
			}
		})
	})
	if err != nil {
		return result, fmt.Errorf("loading scan results: %w", err)
	}
	result.Duration = time.Since(start)

	for _, e := range errs {
		s.logger.Warn(ctx, e, "Skipped file during scan", "path", errors.PathOf(e))
	}
	s.logger.Info(ctx, "Scan complete",
		"files", result.Files,
		"unclassified", result.Unclassified,
		"errors", len(errs),
		"duration", result.Duration)

	return result, nil
}
