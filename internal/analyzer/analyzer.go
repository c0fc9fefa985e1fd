// Package analyzer calls the external service that scores a document.
package analyzer

import (
	"context"
	"errors"
	"fmt"

	"compliance-backend/internal/parameters"
	"compliance-backend/internal/results"
)

// ErrCancelled is returned by a ProgressFunc when the job was cancelled and
// execution should stop at the current checkpoint.
var ErrCancelled = errors.New("analysis cancelled")

// ErrNotConfigured is returned by Unconfigured.
var ErrNotConfigured = errors.New("analyzer not configured")

// Request is the work handed to the analyzer.
type Request struct {
	AnalysisID     string                `json:"analysisId"`
	DocumentID     string                `json:"documentId"`
	OrganizationID string                `json:"organizationId"`
	Parameters     parameters.Parameters `json:"parameters"`
	Options        map[string]any        `json:"options,omitempty"`
}

// Result is the analyzer's verdict. Pending means the service accepted the
// work and will report the outcome through the callback endpoint.
type Result struct {
	Pending   bool             `json:"pending"`
	Overall   float64          `json:"overall"`
	Scores    *results.Scores  `json:"scores,omitempty"`
	Findings  results.Findings `json:"findings,omitempty"`
	ResultRef string           `json:"resultRef,omitempty"`
}

// ProgressFunc records a checkpoint. A non-nil error aborts the analysis.
type ProgressFunc func(ctx context.Context, percent int, step string) error

// Client runs one analysis.
type Client interface {
	Analyze(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
}

// HTTPError carries a non-2xx analyzer response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("analyzer http status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another delivery.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
}

// Unconfigured fails every analysis. It keeps the API usable when no analyzer
// URL is set.
type Unconfigured struct{}

func (Unconfigured) Analyze(context.Context, Request, ProgressFunc) (Result, error) {
	return Result{}, ErrNotConfigured
}
