// Package builtin contains the plugins every site is built with: the
// markdown page renderer, the asset bundler, the component fragment
// generator and the output writer they share.
package builtin

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/logging"
)

// WriterStats counts what the writer has done since it started.
type WriterStats struct {
	Written int `json:"written" yaml:"written"`
	Skipped int `json:"skipped" yaml:"skipped"`
	Removed int `json:"removed" yaml:"removed"`
	Failed  int `json:"failed" yaml:"failed"`
}

// pendingOp is the latest requested state of one output path. A nil content
// with remove set deletes the file.
type pendingOp struct {
	content []byte
	remove  bool
}

// Writer persists generated files from a single goroutine. Requests for the
// same path coalesce: only the latest snapshot is written. Files whose
// content hash matches what is already on disk are skipped.
type Writer struct {
	fs     afero.Fs
	root   string
	logger logging.Logger

	mu      sync.Mutex
	pending map[string]pendingOp
	waiters []chan struct{}
	hashes  map[string]string
	stats   WriterStats

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWriter creates a writer rooted at root on fsys. Start must be called
// before writes are persisted.
func NewWriter(fsys afero.Fs, root string, logger logging.Logger) *Writer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Writer{
		fs:      fsys,
		root:    root,
		logger:  logger.WithComponent("output"),
		pending: make(map[string]pendingOp),
		hashes:  make(map[string]string),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Root returns the output directory.
func (w *Writer) Root() string {
	return w.root
}

// Start runs the writer goroutine until ctx ends or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				w.drain()
				return
			case <-w.done:
				w.drain()
				return
			case <-w.wake:
				w.drain()
			}
		}
	}()
}

// Close flushes what is pending and stops the writer goroutine.
func (w *Writer) Close() {
	w.mu.Lock()
	select {
	case <-w.done:
		w.mu.Unlock()
		return
	default:
		close(w.done)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Write schedules content to be stored at the relative path rel.
func (w *Writer) Write(rel string, content []byte) {
	w.enqueue(rel, pendingOp{content: content})
}

// Remove schedules the file at rel for deletion.
func (w *Writer) Remove(rel string) {
	w.enqueue(rel, pendingOp{remove: true})
}

func (w *Writer) enqueue(rel string, op pendingOp) {
	w.mu.Lock()
	w.pending[rel] = op
	w.mu.Unlock()
	w.signal()
}

func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every write scheduled before the call is on disk.
func (w *Writer) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	w.mu.Lock()
	w.waiters = append(w.waiters, ch)
	w.mu.Unlock()
	w.signal()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a copy of the writer's counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// drain applies batches until nothing is pending, then releases waiters.
func (w *Writer) drain() {
	for {
		w.mu.Lock()
		batch := w.pending
		if len(batch) == 0 {
			waiters := w.waiters
			w.waiters = nil
			w.mu.Unlock()
			for _, ch := range waiters {
				close(ch)
			}
			return
		}
		w.pending = make(map[string]pendingOp)
		w.mu.Unlock()

		rels := make([]string, 0, len(batch))
		for rel := range batch {
			rels = append(rels, rel)
		}
		sort.Strings(rels)
		for _, rel := range rels {
			w.apply(rel, batch[rel])
		}
	}
}

func (w *Writer) apply(rel string, op pendingOp) {
	target, err := w.resolve(rel)
	if err != nil {
		w.fail(rel, err)
		return
	}

	if op.remove {
		err := w.fs.Remove(target)
		if err != nil && !os.IsNotExist(err) {
			w.fail(rel, err)
			return
		}
		w.mu.Lock()
		delete(w.hashes, rel)
		if err == nil {
			w.stats.Removed++
		}
		w.mu.Unlock()
		return
	}

	hash := graph.ContentHash(op.content)
	w.mu.Lock()
	known, ok := w.hashes[rel]
	w.mu.Unlock()
	if !ok {
		// Output left over from a previous run counts as known content.
		if existing, readErr := afero.ReadFile(w.fs, target); readErr == nil {
			known, ok = graph.ContentHash(existing), true
		}
	}
	if ok && known == hash {
		w.mu.Lock()
		w.hashes[rel] = hash
		w.stats.Skipped++
		w.mu.Unlock()
		return
	}

	if err := w.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		w.fail(rel, err)
		return
	}
	if err := afero.WriteFile(w.fs, target, op.content, 0o644); err != nil {
		w.fail(rel, err)
		return
	}

	w.mu.Lock()
	w.hashes[rel] = hash
	w.stats.Written++
	w.mu.Unlock()
	w.logger.Debug(context.Background(), "Wrote output", "path", rel, "hash", hash)
}

func (w *Writer) fail(rel string, err error) {
	w.mu.Lock()
	w.stats.Failed++
	w.mu.Unlock()
	w.logger.Error(context.Background(), errors.NewBuildError("OUTPUT_WRITE", rel, err), "Failed to update output file")
}

// resolve maps a slash-separated relative path into the output directory,
// refusing anything that would escape it.
func (w *Writer) resolve(rel string) (string, error) {
	slashed := filepath.ToSlash(rel)
	for _, segment := range strings.Split(slashed, "/") {
		if segment == ".." {
			return "", errors.NewBuildError("OUTPUT_PATH", rel, os.ErrPermission)
		}
	}
	clean := path.Clean("/" + slashed)
	if clean == "/" {
		return "", errors.NewBuildError("OUTPUT_PATH", rel, os.ErrInvalid)
	}
	return filepath.Join(w.root, filepath.FromSlash(clean[1:])), nil
}
