package engine

import (
	"context"
	"time"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/plugins"
	"github.com/conneroisu/livedocs/internal/plugins/builtin"
	"github.com/conneroisu/livedocs/internal/watcher"
	"github.com/conneroisu/livedocs/internal/websocket"
)

// Stats is a point-in-time view of a running engine. It is what the
// get-stats HMR message returns and what serve prints periodically.
type Stats struct {
	Uptime            string                 `json:"uptime" yaml:"uptime"`
	Files             int                    `json:"files" yaml:"files"`
	Sources           map[graph.Category]int `json:"sources" yaml:"sources"`
	Pages             int                    `json:"pages" yaml:"pages"`
	RenderErrors      int                    `json:"render_errors" yaml:"render_errors"`
	RenderPending     bool                   `json:"render_pending" yaml:"render_pending"`
	SupersededRenders uint64                 `json:"superseded_renders" yaml:"superseded_renders"`
	BuildErrors       []errors.BuildEvent    `json:"build_errors,omitempty" yaml:"build_errors,omitempty"`
	Watcher           *WatcherStats          `json:"watcher,omitempty" yaml:"watcher,omitempty"`
	Hub               websocket.HubStats     `json:"hub" yaml:"hub"`
	Output            builtin.WriterStats    `json:"output" yaml:"output"`
	Plugins           []plugins.Info         `json:"plugins" yaml:"plugins"`
	// Related maps each source file to the files the plugins relate it
	// to. Files without relations are left out.
	Related map[string][]string `json:"related,omitempty" yaml:"related,omitempty"`
}

// WatcherStats summarises the watcher state without listing every watched
// directory.
type WatcherStats struct {
	Active        bool      `json:"active" yaml:"active"`
	Directories   int       `json:"directories" yaml:"directories"`
	PendingTimers int       `json:"pending_timers" yaml:"pending_timers"`
	LastChange    time.Time `json:"last_change,omitempty" yaml:"last_change,omitempty"`
}

func newWatcherStats(s watcher.State) *WatcherStats {
	return &WatcherStats{
		Active:        s.IsActive,
		Directories:   len(s.WatchedPaths),
		PendingTimers: s.PendingTimers,
		LastChange:    s.LastChangeTimestamp,
	}
}

// Stats collects the engine statistics. Graph values are read on the event
// loop, so the call waits behind queued work until ctx ends.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Uptime:      time.Since(e.started).Round(time.Second).String(),
		Files:       e.scan.Files,
		BuildErrors: e.collector.Events(),
	}
	if e.loop == nil {
		return stats, nil
	}

	var sources []string
	err := e.loop.Do(ctx, func() {
		pages, _ := e.graph.Pages()
		errs, _ := e.graph.RenderErrors()
		stats.Pages = len(pages)
		stats.RenderErrors = len(errs)
		stats.RenderPending = e.graph.RenderPending()
		stats.SupersededRenders = e.graph.SupersededRenders()
		stats.Sources = make(map[graph.Category]int, len(graph.Categories))
		for _, c := range graph.Categories {
			files := e.graph.Files(c)
			stats.Sources[c] = len(files)
			for p := range files {
				sources = append(sources, p)
			}
		}
	})
	if err != nil {
		return stats, err
	}

	if e.watcher != nil {
		stats.Watcher = newWatcherStats(e.watcher.State())
	}
	if e.hub != nil {
		stats.Hub = e.hub.Stats()
	}
	if e.writer != nil {
		stats.Output = e.writer.Stats()
	}
	if e.plugins != nil {
		stats.Plugins = e.plugins.List()
		for _, p := range sources {
			if related := e.plugins.Dependencies(p); len(related) > 0 {
				if stats.Related == nil {
					stats.Related = make(map[string][]string)
				}
				stats.Related[p] = related
			}
		}
	}
	return stats, nil
}

func (e *Engine) hubStats() interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := e.Stats(ctx)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return stats
}

func (e *Engine) health() map[string]interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stats, err := e.Stats(ctx)
	if err != nil {
		return map[string]interface{}{"engine": "busy"}
	}
	return map[string]interface{}{
		"pages":         stats.Pages,
		"render_errors": stats.RenderErrors,
		"clients":       stats.Hub.Clients,
		"watching":      stats.Watcher != nil && stats.Watcher.Active,
	}
}
