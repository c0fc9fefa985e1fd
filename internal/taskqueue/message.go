package taskqueue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageVersion is the wire version written by Enqueue. Version 1 messages
// carried no priority or tenant fields and are still accepted.
const MessageVersion = 2

// Message is the payload delivered to the analysis worker.
type Message struct {
	AnalysisID     string   `json:"analysisId"`
	DocumentID     string   `json:"documentId,omitempty"`
	OrganizationID string   `json:"organizationId,omitempty"`
	Priority       Priority `json:"priority,omitempty"`
	RequestID      string   `json:"requestId"`
	EnqueuedAt     string   `json:"enqueuedAt"`
	Version        int      `json:"version"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg.AnalysisID == "" {
		return nil, errors.New("message missing analysisId")
	}
	if msg.Version == 0 {
		msg.Version = MessageVersion
	}
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if msg.AnalysisID == "" {
		return Message{}, errors.New("message missing analysisId")
	}
	if msg.Version > MessageVersion {
		return Message{}, fmt.Errorf("unsupported message version %d", msg.Version)
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if !msg.Priority.Valid() {
		return Message{}, fmt.Errorf("unknown priority %q", msg.Priority)
	}
	return msg, nil
}
