package recorder

import "github.com/aethercycle/aethercycle-engine/internal/engine"

// NoopRecorder is used when no database is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordCycle(_ *engine.CycleResult) error { return nil }
func (n *NoopRecorder) RecordStatus(_ engine.Status) error      { return nil }
func (n *NoopRecorder) Close() error                            { return nil }
