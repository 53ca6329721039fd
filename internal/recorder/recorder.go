// Package recorder persists the engine's audit trail: one row per cycle
// with every sub-amount, plus the swallowed-failure diagnostics and periodic
// health snapshots.
package recorder

import "github.com/aethercycle/aethercycle-engine/internal/engine"

// Recorder persists cycle history for later audit.
type Recorder interface {
	RecordCycle(res *engine.CycleResult) error
	RecordStatus(st engine.Status) error
	Close() error
}
