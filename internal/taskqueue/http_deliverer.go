package taskqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"compliance-backend/internal/shared/httpauth"
)

// AttemptHeader carries the 1-based delivery attempt.
const AttemptHeader = "X-Task-Attempt"

// HTTPDeliverer POSTs each task to the worker endpoint, signed with Secret.
type HTTPDeliverer struct {
	URL    string
	Secret string
	Client *http.Client
}

// Deliver treats 2xx as done. 4xx other than 408 and 429 are permanent; the
// rest are retried.
func (d *HTTPDeliverer) Deliver(ctx context.Context, msg Message, attempt int) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Errorf("build worker request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpauth.SignatureHeader, httpauth.Sign(d.Secret, payload))
	req.Header.Set(AttemptHeader, strconv.Itoa(attempt))
	if msg.RequestID != "" {
		req.Header.Set("X-Request-Id", msg.RequestID)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver task: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("worker http status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("worker http status %d", resp.StatusCode))
	default:
		return fmt.Errorf("worker http status %d", resp.StatusCode)
	}
}
