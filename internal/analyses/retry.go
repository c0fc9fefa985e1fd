package analyses

import (
	"context"
	"errors"
	"net"
	"strings"
	"unicode/utf8"

	"compliance-backend/internal/analyzer"
	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/taskqueue"
)

// isRetryable reports whether a failed execution should be redelivered rather than failed.
func isRetryable(err error) bool {
	if err == nil || taskqueue.IsPermanent(err) {
		return false
	}
	if errors.Is(err, analyzer.ErrNotConfigured) {
		return false
	}
	// Canceled means the worker is shutting down; the task must run again elsewhere.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var httpErr *analyzer.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	if apperr.Is(err, apperr.CodeUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof") {
		return true
	}
	return false
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	return truncate(msg, 500)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
