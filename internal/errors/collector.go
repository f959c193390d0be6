package errors

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// BuildEvent is a scoped build failure kept for stats and error overlays.
type BuildEvent struct {
	Path      string    `json:"path" yaml:"path"`
	Plugin    string    `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	Message   string    `json:"message" yaml:"message"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// ErrorCollector keeps the latest build failure per path.
type ErrorCollector struct {
	events map[string]BuildEvent
	total  int
	mutex  sync.RWMutex
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		events: make(map[string]BuildEvent),
	}
}

// Add records err against the path it is scoped to. Nil errors are ignored.
func (ec *ErrorCollector) Add(err error) {
	if err == nil {
		return
	}

	event := BuildEvent{
		Path:      PathOf(err),
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
	var e *Error
	if errors.As(err, &e) {
		event.Plugin = e.Plugin
	}

	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.events[event.Path] = event
	ec.total++
}

// Resolve forgets the failure recorded for path, typically after a
// successful rebuild.
func (ec *ErrorCollector) Resolve(path string) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	delete(ec.events, path)
}

// Events returns the current failures sorted by path.
func (ec *ErrorCollector) Events() []BuildEvent {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()

	result := make([]BuildEvent, 0, len(ec.events))
	for _, event := range ec.events {
		result = append(result, event)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Path < result[j].Path
	})

	return result
}

// HasErrors returns true if any failure is outstanding.
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.events) > 0
}

// Total returns how many failures were recorded since start.
func (ec *ErrorCollector) Total() int {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return ec.total
}

// Clear clears all errors
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.events = make(map[string]BuildEvent)
}
