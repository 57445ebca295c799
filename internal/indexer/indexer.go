// Package indexer forwards normalized stat lines to a downstream search
// index. The HTTP forwarder talks to the real indexing service; Noop and
// Memory stand in when no endpoint is configured or under test.
package indexer

import (
	"context"
	"sync"

	"github.com/courtdata/statpipe/internal/pipeline"
)

// Noop discards every batch.
type Noop struct{}

// NewNoop constructs a Noop indexer.
func NewNoop() Noop {
	return Noop{}
}

// Index does nothing and always succeeds.
func (Noop) Index(context.Context, []pipeline.StatLine) error {
	return nil
}

// Memory keeps forwarded batches in memory. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	batches [][]pipeline.StatLine
}

// NewMemory constructs an empty Memory indexer.
func NewMemory() *Memory {
	return &Memory{}
}

// Index records a copy of the batch.
func (m *Memory) Index(_ context.Context, lines []pipeline.StatLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]pipeline.StatLine(nil), lines...))
	return nil
}

// Batches returns the recorded batches.
func (m *Memory) Batches() [][]pipeline.StatLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]pipeline.StatLine(nil), m.batches...)
}
