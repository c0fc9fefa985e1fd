package workerproc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"compliance-backend/internal/analyses"
	"compliance-backend/internal/shared/telemetry"
	"compliance-backend/internal/taskqueue"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash so payloads can be
// identified in logs without writing their content.
func ComputeMeta(body []byte) MessageMeta {
	if len(body) == 0 {
		return MessageMeta{}
	}
	sum := sha256.Sum256(body)
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty task payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a payload that is not a valid task message.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

func (e ErrDecode) Unwrap() error { return e.Err }

// ErrProcess indicates processing failed after successful parsing.
type ErrProcess struct {
	AnalysisID string
	RequestID  string
	Attempt    int
	Err        error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process analysis"
	}
	return "process analysis: " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// Processor executes one delivered analysis task.
type Processor interface {
	ProcessTask(ctx context.Context, msg taskqueue.Message, attempt int) error
}

// ParseMessage validates and decodes a task payload.
func ParseMessage(body []byte) (taskqueue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if len(bytes.TrimSpace(body)) == 0 {
		return taskqueue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}
	msg, err := taskqueue.DecodeMessage(body)
	if err != nil {
		return taskqueue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	return msg, meta, nil
}

// HandleMessage parses and processes a payload. Payloads that can never be
// processed come back as taskqueue.Permanent so transports drop them instead
// of redelivering.
func HandleMessage(ctx context.Context, p Processor, body []byte, attempt int) error {
	if p == nil {
		return errors.New("analysis processor not configured")
	}
	if attempt < 1 {
		attempt = 1
	}

	msg, meta, err := ParseMessage(body)
	if err != nil {
		fields := map[string]any{
			"body_len": meta.BodyLen,
			"attempt":  attempt,
			"error":    err.Error(),
		}
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		telemetry.Error("worker.analysis.decode_failed", fields)
		return taskqueue.Permanent(err)
	}

	fields := map[string]any{
		"analysis_id": msg.AnalysisID,
		"priority":    string(msg.Priority),
		"attempt":     attempt,
	}
	if msg.RequestID != "" {
		fields["request_id"] = msg.RequestID
	}
	telemetry.Info("worker.analysis.received", fields)

	ctx = analyses.WithRequestID(ctx, msg.RequestID)
	if err := p.ProcessTask(ctx, msg, attempt); err != nil {
		return ErrProcess{AnalysisID: msg.AnalysisID, RequestID: msg.RequestID, Attempt: attempt, Err: err}
	}
	return nil
}
