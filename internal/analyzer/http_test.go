package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"compliance-backend/internal/shared/httpauth"
)

type step struct {
	percent int
	name    string
}

func TestHTTPClientAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !httpauth.Verify("k", body, r.Header.Get(httpauth.SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req Request
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"overall":   71.5,
			"scores":    map[string]float64{"structural": 80, "legal": 60, "clarity": 75, "abnt": 71},
			"findings":  map[string]any{"legal": map[string]int{"high": 2}},
			"resultRef": "results/" + req.AnalysisID,
		})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL+"/", "k", srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	var steps []step
	res, err := client.Analyze(context.Background(), Request{AnalysisID: "a-1"}, func(_ context.Context, p int, s string) error {
		steps = append(steps, step{p, s})
		return nil
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Pending || res.Overall != 71.5 || res.Scores == nil || res.Scores.Legal != 60 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Findings["legal"].High != 2 {
		t.Fatalf("expected findings to decode, got %+v", res.Findings)
	}
	if res.ResultRef != "results/a-1" {
		t.Fatalf("unexpected result ref %q", res.ResultRef)
	}
	if len(steps) != 2 || steps[0].percent != 10 || steps[1].percent != 90 {
		t.Fatalf("unexpected progress steps: %+v", steps)
	}
}

func TestHTTPClientAcceptedIsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, _ := NewHTTPClient(srv.URL, "", srv.Client())
	res, err := client.Analyze(context.Background(), Request{AnalysisID: "a-1"}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.Pending {
		t.Fatalf("expected pending result")
	}
}

func TestHTTPClientErrors(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()
	client, _ := NewHTTPClient(srv.URL, "", srv.Client())

	_, err := client.Analyze(context.Background(), Request{AnalysisID: "a-1"}, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || !httpErr.Retryable() || httpErr.Body != "upstream down" {
		t.Fatalf("expected retryable HTTPError, got %v", err)
	}

	status = http.StatusUnprocessableEntity
	_, err = client.Analyze(context.Background(), Request{AnalysisID: "a-1"}, nil)
	if !errors.As(err, &httpErr) || httpErr.Retryable() {
		t.Fatalf("expected permanent HTTPError, got %v", err)
	}
}

func TestHTTPClientErrorBodyKeepsWholeRunes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(strings.Repeat("a", maxErrorBody-1) + "ção"))
	}))
	defer srv.Close()
	client, _ := NewHTTPClient(srv.URL, "", srv.Client())

	_, err := client.Analyze(context.Background(), Request{AnalysisID: "a-1"}, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if !utf8.ValidString(httpErr.Body) || len(httpErr.Body) != maxErrorBody-1 {
		t.Fatalf("expected body cut before the split rune, got %d bytes", len(httpErr.Body))
	}
}

func TestHTTPClientStopsWhenCancelled(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()
	client, _ := NewHTTPClient(srv.URL, "", srv.Client())

	_, err := client.Analyze(context.Background(), Request{AnalysisID: "a-1"}, func(context.Context, int, string) error {
		return ErrCancelled
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if called {
		t.Fatalf("analyzer must not be called after cancellation")
	}
}

func TestNewHTTPClientRequiresURL(t *testing.T) {
	if _, err := NewHTTPClient(" ", "", nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := (Unconfigured{}).Analyze(context.Background(), Request{}, nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
