package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/logging"
	"github.com/conneroisu/livedocs/internal/reactive"
	"github.com/conneroisu/livedocs/internal/websocket"
)

// Hub is where notifications are sent. *websocket.Manager implements it.
type Hub interface {
	Broadcast(msg websocket.Message)
}

// Flusher waits until pending output has reached disk.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Broadcaster turns changes of the graph's derived cells into HMR messages.
// Messages are delivered in order by one goroutine, after the output writer
// has flushed, so a browser never reloads a page that is not on disk yet.
type Broadcaster struct {
	hub     Hub
	flusher Flusher
	logger  logging.Logger
	related func(path string) []string

	queue   chan websocket.Message
	effects []*reactive.Effect
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	// Last observed values, owned by the event loop.
	pages  map[string]string
	assets graph.OptimizedAssets
	menu   string
	errs   map[string]string
}

// NewBroadcaster creates a broadcaster sending to hub. flusher may be nil.
func NewBroadcaster(hub Hub, flusher Flusher, logger logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Broadcaster{
		hub:     hub,
		flusher: flusher,
		logger:  logger.WithComponent("broadcaster"),
		queue:   make(chan websocket.Message, 256),
		done:    make(chan struct{}),
	}
}

// Start runs the delivery goroutine until ctx ends or Stop is called.
func (b *Broadcaster) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case msg := <-b.queue:
				batch := []websocket.Message{msg}
				for more := true; more; {
					select {
					case next := <-b.queue:
						batch = append(batch, next)
					default:
						more = false
					}
				}
				b.deliver(ctx, batch)
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()
}

func (b *Broadcaster) deliver(ctx context.Context, batch []websocket.Message) {
	if b.flusher != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := b.flusher.Flush(flushCtx)
		cancel()
		if err != nil {
			b.logger.Warn(ctx, err, "Output flush failed before broadcast")
		}
	}
	for _, msg := range batch {
		b.hub.Broadcast(msg)
	}
}

// Stop ends delivery. Queued messages are dropped.
func (b *Broadcaster) Stop() {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
}

// Notify queues msg without blocking.
func (b *Broadcaster) Notify(msg websocket.Message) {
	select {
	case b.queue <- msg:
	case <-b.done:
	default:
		b.logger.Warn(context.Background(), nil, "Broadcast queue full", "type", msg.Type)
	}
}

// SetRelated sets the lookup of files related to a changed path, such as
// the other files of a component. It must be called before FileChanged is
// registered with a watcher.
func (b *Broadcaster) SetRelated(fn func(path string) []string) {
	b.related = fn
}

// FileChanged is a watcher listener announcing every applied change.
func (b *Broadcaster) FileChanged(ev graph.FileChangeEvent, label string) {
	data := map[string]interface{}{
		"path":   ev.Path,
		"kind":   ev.Kind,
		"target": label,
	}
	if b.related != nil {
		if related := b.related(ev.Path); len(related) > 0 {
			data["related"] = related
		}
	}
	b.Notify(websocket.Message{Type: websocket.TypeFileChanged, Data: data})
}

// Attach creates one effect per derived artifact. The first run of each
// effect only records the current value. It must run on the event loop.
func (b *Broadcaster) Attach(g *graph.Graph) {
	rt := g.Runtime()
	b.effects = append(b.effects,
		reactive.NewEffect(rt, "hmr:pages", b.first(func(initial bool) {
			pages, err := g.Pages()
			if err != nil {
				return
			}
			current := make(map[string]string, len(pages))
			for _, p := range pages {
				current[p.OutputPath] = p.ContentHash
			}
			changed := changedKeys(b.pages, current)
			b.pages = current
			if initial || len(changed) == 0 {
				return
			}
			b.Notify(websocket.Message{Type: websocket.TypePagesUpdated, Data: map[string]interface{}{
				"pages": changed,
				"count": len(pages),
			}})
		})),
		reactive.NewEffect(rt, "hmr:assets", b.first(func(initial bool) {
			assets := g.Assets()
			prev := b.assets
			b.assets = assets
			if initial {
				return
			}
			if assets.CSS.Hash != prev.CSS.Hash {
				b.Notify(websocket.Message{Type: websocket.TypeCSSUpdated, Data: assets.CSS})
			}
			if assets.JS.Hash != prev.JS.Hash {
				b.Notify(websocket.Message{Type: websocket.TypeJSUpdated, Data: assets.JS})
			}
		})),
		reactive.NewEffect(rt, "hmr:menu", b.first(func(initial bool) {
			menu, err := g.NavigationMenu()
			if err != nil || menu == b.menu {
				return
			}
			b.menu = menu
			if !initial {
				b.Notify(websocket.Message{Type: websocket.TypeMenuUpdated, Data: map[string]interface{}{
					"html": menu,
				}})
			}
		})),
		reactive.NewEffect(rt, "hmr:errors", b.first(func(initial bool) {
			errs, err := g.RenderErrors()
			if err != nil {
				return
			}
			current := make(map[string]string, len(errs))
			var fresh []*errors.Error
			for _, e := range errs {
				msg := e.Error()
				current[e.Path] = msg
				if prev, ok := b.errs[e.Path]; !ok || prev != msg {
					fresh = append(fresh, e)
				}
			}
			b.errs = current
			if initial {
				return
			}
			for _, e := range fresh {
				b.Notify(websocket.Message{Type: websocket.TypeError, Data: map[string]interface{}{
					"path":    e.Path,
					"code":    e.Code,
					"message": e.Error(),
				}})
			}
		})),
	)
}

// Detach stops the effects. It must run on the event loop.
func (b *Broadcaster) Detach() {
	for _, e := range b.effects {
		e.Stop()
	}
	b.effects = nil
}

// first adapts fn into an effect body that knows whether it is on its
// first run.
func (b *Broadcaster) first(fn func(initial bool)) func() {
	initial := true
	return func() {
		fn(initial)
		initial = false
	}
}

// changedKeys lists keys added, removed or changed between prev and next.
func changedKeys(prev, next map[string]string) []string {
	var changed []string
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}
