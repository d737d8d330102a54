package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryPositionRepository keeps records in process memory. Used by tests and
// dry-run mode; the interface semantics match the PostgreSQL repository.
type MemoryPositionRepository struct {
	mu      sync.RWMutex
	records map[string]*PositionRecord
}

// NewMemoryPositionRepository creates an empty in-memory repository.
func NewMemoryPositionRepository() *MemoryPositionRepository {
	return &MemoryPositionRepository{records: make(map[string]*PositionRecord)}
}

func (r *MemoryPositionRepository) SavePosition(_ context.Context, record *PositionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *record
	r.records[record.ID] = &clone
	return nil
}

func (r *MemoryPositionRepository) UpdatePosition(ctx context.Context, record *PositionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.ID]; !ok {
		return &ErrPositionNotFound{ID: record.ID}
	}
	clone := *record
	r.records[record.ID] = &clone
	return nil
}

func (r *MemoryPositionRepository) GetPosition(_ context.Context, id string) (*PositionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[id]
	if !ok {
		return nil, &ErrPositionNotFound{ID: id}
	}
	clone := *record
	return &clone, nil
}

func (r *MemoryPositionRepository) ListOpenPositions(_ context.Context) ([]*PositionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PositionRecord, 0)
	for _, record := range r.records {
		if record.Status == "OPEN" || record.Status == "UPDATED" {
			clone := *record
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedTs.Before(out[j].OpenedTs) })
	return out, nil
}

func (r *MemoryPositionRepository) ListClosedPositions(_ context.Context, limit int) ([]*PositionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PositionRecord, 0)
	for _, record := range r.records {
		if record.Status == "CLOSED" {
			clone := *record
			out = append(out, &clone)
		}
	}
	// Newest close first.
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].ClosedTs, out[j].ClosedTs
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ PositionRepository = (*MemoryPositionRepository)(nil)
