package analyses

import (
	"time"

	"compliance-backend/internal/parameters"
	"compliance-backend/internal/taskqueue"
)

// Status is the lifecycle state of an analysis job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses lists the non-terminal statuses.
var ActiveStatuses = []Status{StatusPending, StatusQueued, StatusRunning}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusFailed, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusFailed, StatusCancelled},
	// running -> running records progress.
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a job in from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Options are the caller-supplied switches of an analysis.
type Options struct {
	IncludeAI               bool     `json:"includeAI"`
	GenerateRecommendations bool     `json:"generateRecommendations"`
	DetailedMetrics         bool     `json:"detailedMetrics"`
	CustomRuleIDs           []string `json:"customRuleIds,omitempty"`
}

// Job is one requested analysis of a document.
// Parameters is the snapshot resolved when the job was created.
type Job struct {
	ID              string                 `json:"id"`
	DocumentID      string                 `json:"documentId"`
	OrganizationID  string                 `json:"organizationId"`
	RequestedBy     string                 `json:"requestedBy"`
	Status          Status                 `json:"status"`
	Priority        taskqueue.Priority     `json:"priority"`
	Options         Options                `json:"options"`
	Parameters      *parameters.Parameters `json:"parameters,omitempty"`
	ProgressPercent int                    `json:"progressPercent"`
	CurrentStep     string                 `json:"currentStep,omitempty"`
	ResultRef       string                 `json:"resultRef,omitempty"`
	Error           string                 `json:"error,omitempty"`
	RetryCount      int                    `json:"retryCount"`
	MaxRetries      int                    `json:"maxRetries"`
	TimeoutSeconds  int                    `json:"timeoutSeconds"`
	TaskHandle      string                 `json:"-"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	StartedAt       *time.Time             `json:"startedAt,omitempty"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
}

// Change is the set of fields a transition writes. Nil pointers leave a column untouched.
type Change struct {
	Status          Status
	At              time.Time
	ProgressPercent *int
	CurrentStep     *string
	ResultRef       *string
	Error           *string
	RetryCount      *int
	TaskHandle      *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

func (c Change) apply(job Job) Job {
	job.Status = c.Status
	job.UpdatedAt = c.At
	if c.ProgressPercent != nil {
		job.ProgressPercent = *c.ProgressPercent
	}
	if c.CurrentStep != nil {
		job.CurrentStep = *c.CurrentStep
	}
	if c.ResultRef != nil {
		job.ResultRef = *c.ResultRef
	}
	if c.Error != nil {
		job.Error = *c.Error
	}
	if c.RetryCount != nil {
		job.RetryCount = *c.RetryCount
	}
	if c.TaskHandle != nil {
		job.TaskHandle = *c.TaskHandle
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		job.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		job.CompletedAt = &t
	}
	return job
}

// Progress is the polling view of a job.
type Progress struct {
	Job
	EstimatedTimeRemainingSeconds *int `json:"estimatedTimeRemainingSeconds,omitempty"`
}

const defaultEstimateSeconds = 300

// progressOf estimates the remaining time from the job budget and progress so far.
func progressOf(job Job, now time.Time) Progress {
	out := Progress{Job: job}
	if job.Status.Terminal() {
		return out
	}
	budget := job.TimeoutSeconds
	if budget <= 0 {
		budget = defaultEstimateSeconds
	}
	remaining := budget * (100 - job.ProgressPercent) / 100
	if job.Status == StatusRunning && job.StartedAt != nil && job.ProgressPercent > 0 {
		elapsed := int(now.Sub(*job.StartedAt).Seconds())
		if elapsed > 0 {
			remaining = elapsed * (100 - job.ProgressPercent) / job.ProgressPercent
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	out.EstimatedTimeRemainingSeconds = &remaining
	return out
}

// Scope restricts listings to one organization. The zero value matches nothing.
type Scope struct {
	organizationID string
}

// OrganizationScope builds a Scope for an organization.
func OrganizationScope(organizationID string) Scope {
	return Scope{organizationID: organizationID}
}

// OrganizationID returns the scoped organization.
func (s Scope) OrganizationID() string { return s.organizationID }

// Page is an offset pagination window.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ActivePage is one page of non-terminal jobs.
type ActivePage struct {
	Items  []Job `json:"items"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
