package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/casevia/flowtrace/model"
)

// MemoryStore is an in-memory RecordStore for tests and single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.Record
	traces  map[string][]model.TraceEntry
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.Record),
		traces:  make(map[string][]model.TraceEntry),
	}
}

// Create persists a new record.
func (s *MemoryStore) Create(_ context.Context, rec *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return model.NewConflictError("record %q already exists", rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

// Get retrieves a record by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, model.NewNotFoundError("record %q not found", id)
	}
	return rec, nil
}

// Update persists an updated record with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, rec *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[rec.ID]
	if !exists {
		return model.NewNotFoundError("record %q not found", rec.ID)
	}
	if existing != rec && existing.Version != rec.Version {
		return model.NewConflictError(
			"record %q version conflict (expected %d, got %d)", rec.ID, rec.Version, existing.Version)
	}

	rec.Version++
	s.records[rec.ID] = rec
	return nil
}

// AppendTrace adds a trace entry to the record's workflow trace.
func (s *MemoryStore) AppendTrace(_ context.Context, recordID string, entry model.TraceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.traces[recordID] = append(s.traces[recordID], entry)
	return nil
}

// Traces retrieves all trace entries for a record, ordered by timestamp.
func (s *MemoryStore) Traces(_ context.Context, recordID string) ([]model.TraceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.records[recordID]; !exists {
		return nil, model.NewNotFoundError("record %q not found", recordID)
	}

	entries := s.traces[recordID]
	result := make([]model.TraceEntry, len(entries))
	copy(result, entries)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// OpenRecords returns all non-anonymised records of the given workflow,
// sorted by creation time.
func (s *MemoryStore) OpenRecords(_ context.Context, workflowID string) ([]*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Record
	for _, rec := range s.records {
		if rec.WorkflowID != workflowID {
			continue
		}
		if rec.Anonymised {
			continue
		}
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Len returns the total number of records. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
