// Package memory provides an in-memory pipeline store for development and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/courtdata/statpipe/internal/pipeline"
)

// Store keeps pages, stat lines, and dead letters in maps. Safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	pages   map[string]pipeline.PageDocument
	records map[pipeline.RecordKey]pipeline.StatLine
	dead    []pipeline.DeadLetterRecord
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		pages:   make(map[string]pipeline.PageDocument),
		records: make(map[pipeline.RecordKey]pipeline.StatLine),
	}
}

// Exists reports whether a page for the URL has been stored.
func (s *Store) Exists(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pages[url]
	return ok, nil
}

// StorePage persists a raw page document keyed by URL. Re-storing the same
// URL replaces the document, which keeps redeliveries idempotent.
func (s *Store) StorePage(_ context.Context, page pipeline.PageDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.URL] = page
	return nil
}

// GetPage loads the raw page document for a URL.
func (s *Store) GetPage(_ context.Context, url string) (pipeline.PageDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[url]
	if !ok {
		return pipeline.PageDocument{}, pipeline.ErrNotFound
	}
	return page, nil
}

// UpsertRecord inserts or replaces a stat line keyed by
// (player_name, season_type).
func (s *Store) UpsertRecord(_ context.Context, line pipeline.StatLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[line.Key()] = line
	return nil
}

// CountRecords returns the number of stored stat lines.
func (s *Store) CountRecords(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// GetRecord returns the stat line for a key, mainly for tests.
func (s *Store) GetRecord(_ context.Context, key pipeline.RecordKey) (pipeline.StatLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	line, ok := s.records[key]
	if !ok {
		return pipeline.StatLine{}, pipeline.ErrNotFound
	}
	return line, nil
}

// SaveDeadLetter appends a dead letter record.
func (s *Store) SaveDeadLetter(_ context.Context, rec pipeline.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append(s.dead, rec)
	return nil
}

// ListDeadLetters returns up to limit dead letters, newest first. A
// non-positive limit returns everything.
func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]pipeline.DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]pipeline.DeadLetterRecord(nil), s.dead...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}
