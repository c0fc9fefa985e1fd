package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"compliance-backend/internal/shared/httpauth"
	"compliance-backend/internal/shared/telemetry"
)

const maxErrorBody = 2048

// HTTPClient posts requests to {BaseURL}/analyze.
type HTTPClient struct {
	BaseURL string
	Secret  string
	HTTP    *http.Client
}

// NewHTTPClient builds a client. http should come from httpauth.NewClient so
// calls carry a service token.
func NewHTTPClient(baseURL, secret string, client *http.Client) (*HTTPClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("ANALYZER_URL is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), Secret: secret, HTTP: client}, nil
}

// Analyze reports progress around the remote call. A 202 response yields a
// pending result.
func (c *HTTPClient) Analyze(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if progress == nil {
		progress = func(context.Context, int, string) error { return nil }
	}
	if err := progress(ctx, 10, "submitting"); err != nil {
		return Result{}, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(httpauth.SignatureHeader, httpauth.Sign(c.Secret, payload))

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return Result{}, fmt.Errorf("analyzer request timeout: %w", err)
		}
		return Result{}, fmt.Errorf("analyzer request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("analyzer read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		telemetry.Info("analyzer.accepted", map[string]any{"analysis_id": req.AnalysisID})
		return Result{Pending: true}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		if n := maxErrorBody; len(body) > n {
			for n > 0 && !utf8.RuneStart(body[n]) {
				n--
			}
			body = body[:n]
		}
		snippet := string(body)
		return Result{}, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(snippet)}
	}

	if err := progress(ctx, 90, "recording_results"); err != nil {
		return Result{}, err
	}

	var out Result
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("analyzer output invalid: %w", err)
	}
	out.Pending = false
	return out, nil
}

var _ Client = (*HTTPClient)(nil)
