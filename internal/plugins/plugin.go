// Package plugins defines the build plugin contract and the manager that
// drives registered plugins from graph effects and watcher events.
package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/logging"
)

// Plugin is one stage of the build pipeline.
//
// Initialize runs on the event loop, so it may create effects over the
// graph. Transform, OnFileChange, Dependencies and Cleanup run off the loop
// and must not touch graph cells directly.
type Plugin interface {
	// Name returns the unique name of the plugin.
	Name() string

	// ShouldRun reports whether the plugin handles path.
	ShouldRun(path string) bool

	// Transform converts one source file. It must be pure with respect to
	// its input.
	Transform(ctx context.Context, in Input) (Output, error)

	// Initialize wires the plugin into g.
	Initialize(ctx context.Context, cfg Config, g *graph.Graph) error

	// OnFileChange is called for every applied watcher event whose path
	// the plugin accepts.
	OnFileChange(ctx context.Context, ev graph.FileChangeEvent) error

	// Dependencies returns the files related to path as far as this
	// plugin knows.
	Dependencies(path string) []string

	// Cleanup releases everything Initialize acquired.
	Cleanup(ctx context.Context) error
}

// Waiter is implemented by plugins that do work off the event loop. Wait
// returns once that work has been handed back to the loop.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Input is a source file handed to Transform.
type Input struct {
	Path    string
	Content []byte
}

// Output is the result of Transform.
type Output struct {
	Path    string
	Content []byte
}

// OutputSink receives generated files. Paths are relative to the output
// directory.
type OutputSink interface {
	Write(path string, content []byte)
	Remove(path string)
}

// Poster schedules a task on the event loop.
type Poster interface {
	Post(task func()) bool
}

// Config is handed to a plugin on initialization.
type Config struct {
	Name     string
	Enabled  bool
	Settings map[string]interface{}

	Output OutputSink
	Loop   Poster
	Logger logging.Logger
}

// Decode copies the plugin's settings map into out, converting loosely
// typed values such as "250ms" or "true" from config files.
func (c Config) Decode(out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(c.Settings); err != nil {
		return fmt.Errorf("plugin %s settings: %w", c.Name, err)
	}
	return nil
}

// State is the lifecycle state of a registered plugin.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialized State = "initialized"
	StateDisabled    State = "disabled"
	StateFailed      State = "failed"
	StateStopped     State = "stopped"
)

// Info describes a registered plugin.
type Info struct {
	Name          string    `json:"name" yaml:"name"`
	State         State     `json:"state" yaml:"state"`
	Error         string    `json:"error,omitempty" yaml:"error,omitempty"`
	Events        int       `json:"events" yaml:"events"`
	Failures      int       `json:"failures" yaml:"failures"`
	InitializedAt time.Time `json:"initialized_at,omitempty" yaml:"initialized_at,omitempty"`
}
