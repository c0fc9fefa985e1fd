package analyses

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores jobs in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Job
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]Job)}
}

// Create stores the job.
func (r *MemoryRepo) Create(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[job.ID] = job
	return nil
}

// CreateExclusive stores the job unless the document already has an active one.
func (r *MemoryRepo) CreateExclusive(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.DocumentID == job.DocumentID && !existing.Status.Terminal() {
			return ErrInFlight
		}
	}
	r.byID[job.ID] = job
	return nil
}

// Get returns a job by id.
func (r *MemoryRepo) Get(ctx context.Context, id string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.byID[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// Transition applies ch while the job is in one of from.
func (r *MemoryRepo) Transition(ctx context.Context, id string, from []Status, ch Change) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if !containsStatus(from, job.Status) {
		return job, ErrStatusMismatch
	}
	job = ch.apply(job)
	r.byID[id] = job
	return job, nil
}

// ListActive returns the non-terminal jobs of the scoped organization, newest first.
func (r *MemoryRepo) ListActive(ctx context.Context, scope Scope, page Page) ([]Job, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	r.mu.RLock()
	matches := make([]Job, 0)
	for _, job := range r.byID {
		if job.OrganizationID == scope.OrganizationID() && scope.OrganizationID() != "" && !job.Status.Terminal() {
			matches = append(matches, job)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	total := len(matches)
	if page.Offset >= total {
		return []Job{}, total, nil
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	return matches[page.Offset:end], total, nil
}

// ListStale returns jobs in status last updated before the cutoff.
func (r *MemoryRepo) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Job, 0)
	for _, job := range r.byID {
		if job.Status == status && job.UpdatedAt.Before(before) {
			out = append(out, job)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
