// Package internal contains the implementation packages of livedocs.
//
// # Package Organization
//
//   - loop: the single event loop every graph mutation runs on
//   - reactive: state, computed, async and effect cells with batching
//   - graph: the source file maps and every artifact derived from them
//   - scanner: the initial gitignore-aware scan of the source tree
//   - watcher: fsnotify watches with per-path debouncing
//   - plugins: the plugin contract and manager, with builtins for markdown,
//     asset bundles, component fragments and the output writer
//   - websocket: the HMR hub fanning messages out to browsers
//   - server: static output serving, the HMR client and broadcast effects
//   - engine: wiring, startup and ordered shutdown
//   - config, logging, errors, version: ambient support
//
// # Data Flow
//
// A file change travels watcher → graph (on the loop) → derived cells →
// effects. Plugin effects write the affected outputs through the writer;
// broadcaster effects wait for those writes and then notify browsers.
package internal
