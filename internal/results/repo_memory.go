package results

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores result records in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu         sync.RWMutex
	byID       map[string]Record
	byAnalysis map[string]string
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]Record), byAnalysis: make(map[string]string)}
}

// Save stores rec keyed by analysis.
func (r *MemoryRepo) Save(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existingID, ok := r.byAnalysis[rec.AnalysisID]; ok {
		existing := r.byID[existingID]
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.Confirmed = existing.Confirmed
		rec.ConfirmedBy = existing.ConfirmedBy
		rec.ConfirmedAt = existing.ConfirmedAt
	}
	r.byID[rec.ID] = rec
	r.byAnalysis[rec.AnalysisID] = rec.ID
	return rec, nil
}

// GetByID returns a record by id.
func (r *MemoryRepo) GetByID(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// ListByOrganization returns records of an organization created at or after since, newest first.
func (r *MemoryRepo) ListByOrganization(ctx context.Context, organizationID string, since time.Time, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range r.byID {
		if rec.OrganizationID == organizationID && !rec.CreatedAt.Before(since) {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Confirm stores human-confirmed scores.
func (r *MemoryRepo) Confirm(ctx context.Context, id string, scores Scores, confirmedBy string, at time.Time) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	confirmed := scores
	rec.Confirmed = &confirmed
	rec.ConfirmedBy = confirmedBy
	rec.ConfirmedAt = &at
	r.byID[id] = rec
	return rec, nil
}
