package results

import (
	"context"
	"errors"
	"math"
	"time"

	"compliance-backend/internal/orgconfig"
	"compliance-backend/internal/shared/apperr"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Service exposes the result corpus to tenants.
type Service struct {
	Repo Repo
	Now  func() time.Time
}

// List returns the newest records of an organization.
func (s *Service) List(ctx context.Context, organizationID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	recs, err := s.Repo.ListByOrganization(ctx, organizationID, time.Time{}, limit)
	if err != nil {
		return nil, apperr.Unavailable("result store unavailable", err)
	}
	return recs, nil
}

// Get returns a record owned by the organization.
func (s *Service) Get(ctx context.Context, organizationID, id string) (Record, error) {
	rec, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, apperr.NotFound("analysis result not found")
		}
		return Record{}, apperr.Unavailable("result store unavailable", err)
	}
	if rec.OrganizationID != organizationID {
		return Record{}, apperr.Forbidden("analysis result belongs to another organization")
	}
	return rec, nil
}

// Confirm records the reviewer-confirmed scores that feed adaptive weighting.
func (s *Service) Confirm(ctx context.Context, organizationID, id, userID string, scores Scores) (Record, error) {
	var invalid []string
	for _, c := range orgconfig.Categories {
		v := scores.Get(c)
		if v < 0 || v > 100 || math.IsNaN(v) {
			invalid = append(invalid, string(c))
		}
	}
	if len(invalid) > 0 {
		return Record{}, apperr.Validation("scores must be between 0 and 100", map[string]any{"categories": invalid})
	}
	if _, err := s.Get(ctx, organizationID, id); err != nil {
		return Record{}, err
	}
	rec, err := s.Repo.Confirm(ctx, id, scores, userID, s.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, apperr.NotFound("analysis result not found")
		}
		return Record{}, apperr.Unavailable("result store unavailable", err)
	}
	return rec, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
