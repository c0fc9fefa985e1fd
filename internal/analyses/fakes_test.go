package analyses

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"compliance-backend/internal/analyzer"
	"compliance-backend/internal/documents"
	"compliance-backend/internal/orgconfig"
	"compliance-backend/internal/parameters"
	"compliance-backend/internal/results"
	"compliance-backend/internal/taskqueue"
)

type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []taskqueue.Message
	cancelled  []taskqueue.Handle
	enqueueErr error
	// onEnqueue runs before Enqueue returns.
	onEnqueue  func(msg taskqueue.Message)
}

func (q *fakeQueue) Enqueue(_ context.Context, msg taskqueue.Message, _ taskqueue.EnqueueOptions) (taskqueue.Handle, error) {
	if q.onEnqueue != nil {
		q.onEnqueue(msg)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return taskqueue.Handle{}, q.enqueueErr
	}
	q.enqueued = append(q.enqueued, msg)
	return taskqueue.Handle{Queue: string(msg.Priority), ID: "task-" + msg.AnalysisID}, nil
}

func (q *fakeQueue) Cancel(_ context.Context, h taskqueue.Handle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, h)
	return nil
}

func (q *fakeQueue) Pause(context.Context) error  { return nil }
func (q *fakeQueue) Resume(context.Context) error { return nil }

func (q *fakeQueue) ListPending(context.Context, int) ([]taskqueue.PendingTask, error) {
	return nil, taskqueue.ErrNotSupported
}

func (q *fakeQueue) Stats(context.Context) (taskqueue.Stats, error) {
	return taskqueue.Stats{Backend: "fake"}, nil
}

func (q *fakeQueue) enqueueCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

type fakeParams struct {
	params parameters.Parameters
	err    error
	lkg    *parameters.Parameters
}

func (f *fakeParams) Generate(context.Context, string) (parameters.Parameters, error) {
	if f.err != nil {
		return parameters.Parameters{}, f.err
	}
	return f.params, nil
}

func (f *fakeParams) LastKnownGood(string) (parameters.Parameters, bool) {
	if f.lkg == nil {
		return parameters.Parameters{}, false
	}
	return *f.lkg, true
}

type analyzerFunc func(ctx context.Context, req analyzer.Request, progress analyzer.ProgressFunc) (analyzer.Result, error)

func (f analyzerFunc) Analyze(ctx context.Context, req analyzer.Request, progress analyzer.ProgressFunc) (analyzer.Result, error) {
	return f(ctx, req, progress)
}

type harness struct {
	svc     *Service
	repo    *MemoryRepo
	docs    *documents.MemoryRepo
	queue   *fakeQueue
	params  *fakeParams
	results *results.MemoryRepo
}

var testNow = time.Date(2026, time.April, 10, 12, 0, 0, 0, time.UTC)

func testParameters() parameters.Parameters {
	return parameters.Parameters{
		OrganizationID: "org-1",
		Preset:         orgconfig.PresetStandard,
		Weights:        orgconfig.Weights{Structural: 25, Legal: 25, Clarity: 25, ABNT: 25},
		CustomRules:    []orgconfig.CustomRule{{ID: "rule-1", Name: "lgpd", Pattern: "LGPD", IsActive: true}},
		TimeoutSeconds: 300,
		MaxRetries:     2,
		Metadata:       parameters.Metadata{ConfigID: "cfg-1", ConfigVersion: 1},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	docs := documents.NewMemoryRepo()
	for _, doc := range []documents.Document{
		{ID: "doc-1", OrganizationID: "org-1", Title: "Contrato", CreatedAt: testNow},
		{ID: "doc-2", OrganizationID: "org-2", Title: "Politica", CreatedAt: testNow},
	} {
		if err := docs.Create(context.Background(), doc); err != nil {
			t.Fatalf("create doc: %v", err)
		}
	}
	h := &harness{
		repo:    NewMemoryRepo(),
		docs:    docs,
		queue:   &fakeQueue{},
		params:  &fakeParams{params: testParameters()},
		results: results.NewMemoryRepo(),
	}
	h.svc = &Service{
		Repo:      h.repo,
		Documents: h.docs,
		Params:    h.params,
		Queue:     h.queue,
		Analyzer: analyzerFunc(func(context.Context, analyzer.Request, analyzer.ProgressFunc) (analyzer.Result, error) {
			return analyzer.Result{}, errors.New("analyzer not set")
		}),
		Results:  h.results,
		InFlight: InFlightAllow,
		Now:      func() time.Time { return testNow },
	}
	return h
}

func (h *harness) start(t *testing.T) Job {
	t.Helper()
	job, err := h.svc.StartAnalysis(context.Background(), StartRequest{
		DocumentID:     "doc-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
	})
	if err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	return job
}

func (h *harness) message(job Job) taskqueue.Message {
	return taskqueue.Message{
		AnalysisID:     job.ID,
		DocumentID:     job.DocumentID,
		OrganizationID: job.OrganizationID,
		Priority:       job.Priority,
	}
}

func (h *harness) status(t *testing.T, id string) Job {
	t.Helper()
	job, err := h.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}
