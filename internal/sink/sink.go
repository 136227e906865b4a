// Package sink records how long every completed job took.
package sink

import (
	"context"
	"sync"

	"github.com/me/stagerun/pkg/model"
)

// Sink receives one Timing per completed job. Records are append-only.
type Sink interface {
	Record(ctx context.Context, t model.Timing) error
}

// Discard drops every record.
type Discard struct{}

// Record does nothing.
func (Discard) Record(context.Context, model.Timing) error { return nil }

// Memory keeps records in memory. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	records []model.Timing
}

// Record appends t.
func (m *Memory) Record(_ context.Context, t model.Timing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, t)
	return nil
}

// Records returns a copy of everything recorded so far.
func (m *Memory) Records() []model.Timing {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Timing, len(m.records))
	copy(out, m.records)
	return out
}
