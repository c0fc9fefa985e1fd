package httpauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"analysisId":"a-1"}`)
	sig := Sign("s3cret", payload)

	if !Verify("s3cret", payload, sig) {
		t.Fatalf("expected signature to verify")
	}
	if !Verify("s3cret", payload, strings.ToUpper(sig)) {
		t.Fatalf("expected case-insensitive hex to verify")
	}
	if Verify("s3cret", []byte(`{"analysisId":"a-2"}`), sig) {
		t.Fatalf("expected tampered payload to fail")
	}
	if Verify("s3cret", payload, "") {
		t.Fatalf("expected missing signature to fail")
	}
	if !Verify("", payload, "") {
		t.Fatalf("expected empty secret to disable verification")
	}
}

func TestNewClientAttachesToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-123",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	var gotAuth string
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer apiSrv.Close()

	client := NewClient(context.Background(), Config{
		TokenURL:     tokenSrv.URL,
		ClientID:     "worker",
		ClientSecret: "secret",
	}, 5*time.Second)

	resp, err := client.Get(apiSrv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer tok-123" {
		t.Fatalf("unexpected authorization header: %q", gotAuth)
	}
}

func TestNewClientWithoutTokenURL(t *testing.T) {
	client := NewClient(context.Background(), Config{}, time.Second)
	if client.Timeout != time.Second {
		t.Fatalf("expected timeout to be applied")
	}
	if client.Transport != nil {
		t.Fatalf("expected default transport for unauthenticated client")
	}
}
