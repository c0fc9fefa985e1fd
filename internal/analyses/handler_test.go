package analyses

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/httpauth"
	"compliance-backend/internal/shared/server/middleware"
)

const testCallbackSecret = "callback-secret"

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1", middleware.Auth("dev", nil))
	h := NewHandler(svc)
	h.Polls = nil
	h.RegisterRoutes(api)
	internal := r.Group("/internal", middleware.Signature(testCallbackSecret))
	NewCallbackHandler(svc).RegisterRoutes(internal)
	return r
}

func doJSON(r http.Handler, method, path, org string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "user-1")
	req.Header.Set("X-Organization-Id", org)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestHandlerStartReturnsAccepted(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h.svc)

	resp := doJSON(r, http.MethodPost, "/api/v1/analyses", "org-1", gin.H{"documentId": "doc-1", "priority": "low"})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	var body struct {
		AnalysisID string `json:"analysisId"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.AnalysisID == "" || body.Status != "queued" {
		t.Fatalf("unexpected body %+v", body)
	}
	if got := resp.Header().Get("Location"); got != "/api/v1/analyses/"+body.AnalysisID {
		t.Fatalf("unexpected Location %q", got)
	}
}

func TestHandlerStartErrors(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h.svc)

	cases := []struct {
		name string
		org  string
		body any
		want int
	}{
		{name: "validation", org: "org-1", body: gin.H{}, want: http.StatusBadRequest},
		{name: "cross tenant", org: "org-1", body: gin.H{"documentId": "doc-2"}, want: http.StatusForbidden},
		{name: "missing document", org: "org-1", body: gin.H{"documentId": "doc-9"}, want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(r, http.MethodPost, "/api/v1/analyses", tc.org, tc.body)
			if resp.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestHandlerProgressCancelAndList(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h.svc)
	job := h.start(t)

	resp := doJSON(r, http.MethodGet, "/api/v1/analyses/"+job.ID, "org-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var p Progress
	if err := json.Unmarshal(resp.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != job.ID || p.Status != StatusQueued || p.EstimatedTimeRemainingSeconds == nil {
		t.Fatalf("unexpected progress %+v", p)
	}

	if resp := doJSON(r, http.MethodGet, "/api/v1/analyses/"+job.ID, "org-2", nil); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another organization, got %d", resp.Code)
	}

	resp = doJSON(r, http.MethodGet, "/api/v1/analyses?limit=10", "org-1", nil)
	var page ActivePage
	if err := json.Unmarshal(resp.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}

	resp = doJSON(r, http.MethodDelete, "/api/v1/analyses/"+job.ID, "org-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	resp = doJSON(r, http.MethodDelete, "/api/v1/analyses/"+job.ID, "org-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected idempotent cancel, got %d", resp.Code)
	}
	if resp := doJSON(r, http.MethodDelete, "/api/v1/analyses/missing", "org-1", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestHandlerCallbackRequiresSignature(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h.svc)
	job := h.start(t)

	payload := []byte(`{"status":"failed","error":"analyzer crashed"}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/analyses/"+job.ID+"/callback", bytes.NewReader(payload))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/analyses/"+job.ID+"/callback", bytes.NewReader(payload))
	req.Header.Set(httpauth.SignatureHeader, httpauth.Sign(testCallbackSecret, payload))
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if got := h.status(t, job.ID); got.Status != StatusFailed || got.Error != "analyzer crashed" {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestHandlerProgressPollThrottle(t *testing.T) {
	h := newHarness(t)
	now := testNow
	handler := NewHandler(h.svc)
	handler.Polls = middleware.NewRateLimiter(func() time.Time { return now })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler.RegisterRoutes(r.Group("/api/v1", middleware.Auth("dev", nil)))

	job := h.start(t)
	poll := func(id string) int {
		return doJSON(r, http.MethodGet, "/api/v1/analyses/"+id, "org-1", nil).Code
	}

	if code := poll(job.ID); code != http.StatusOK {
		t.Fatalf("first poll: expected 200, got %d", code)
	}
	resp := doJSON(r, http.MethodGet, "/api/v1/analyses/"+job.ID, "org-1", nil)
	if resp.Code != http.StatusTooManyRequests || resp.Header().Get("Retry-After") != "1" {
		t.Fatalf("second poll: expected 429 with Retry-After 1, got %d %q", resp.Code, resp.Header().Get("Retry-After"))
	}
	now = now.Add(time.Second)
	if code := poll(job.ID); code != http.StatusOK {
		t.Fatalf("poll after window: expected 200, got %d", code)
	}
}
