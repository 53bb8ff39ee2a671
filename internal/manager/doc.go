// Package manager owns loaded model instances and coordinates everything
// that touches them. It is structured into small files by concern:
//
//   - manager.go, config.go: Manager, ManagerConfig and defaults.
//   - types.go: State, ModelInfo, Instance, Snapshot.
//   - errors.go: error classification (IsTooBusy, IsModelNotFound, ...).
//   - ensure.go: EnsureInstance and model loading through engine.Loader.
//   - evict.go, unload.go, close.go: VRAM budget and instance teardown.
//   - admission.go: per-instance queue slots and backpressure.
//   - worker.go: the per-instance goroutine that owns the engine.
//   - jobs.go, infer.go: Submit/Cancel, tokenize and embed.
//   - status_report.go, metrics.go, events.go: observability.
//   - lru_persist.go: last-used metadata and warm start.
//
// Every engine is confined to its instance's worker goroutine. Callers
// communicate with it only through commands, so generations on one model
// run strictly one after another while different models run in parallel.
package manager
