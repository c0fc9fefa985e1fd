package taskqueue

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders delivery of analysis tasks.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists priorities in pull order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority accepts the priority names case-insensitively. Empty means normal.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	if p == "" {
		return PriorityNormal, nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", raw)
	}
	return p, nil
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Rank is the stored ordering key; higher ranks are pulled first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// priorityFromRank is the inverse of Rank.
func priorityFromRank(rank int) Priority {
	switch rank {
	case 3:
		return PriorityHigh
	case 1:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// LegacyDelay is the delivery delay used when a backend has a single FIFO-ish
// queue and can only approximate priority. Shorter delays tend to dispatch
// sooner, but nothing guarantees ordering under load.
func (p Priority) LegacyDelay() time.Duration {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 30 * time.Second
	default:
		return 5 * time.Second
	}
}
