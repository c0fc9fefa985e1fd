package taskqueue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMessageStampsVersion(t *testing.T) {
	payload, err := EncodeMessage(Message{AnalysisID: "analysis-123", RequestID: "request-456", Priority: PriorityHigh})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(payload, &raw))
	assert.EqualValues(t, MessageVersion, raw["version"])
	assert.Equal(t, "high", raw["priority"])

	_, err = EncodeMessage(Message{RequestID: "r"})
	assert.Error(t, err)
}

func TestDecodeMessageAcceptsVersionOne(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"analysisId":"analysis-123","requestId":"request-456","enqueuedAt":"2026-01-30T22:00:00Z","version":1}`))
	require.NoError(t, err)
	assert.Equal(t, "analysis-123", msg.AnalysisID)
	assert.Equal(t, PriorityNormal, msg.Priority)
}

func TestDecodeMessageRejectsBadPayloads(t *testing.T) {
	for name, body := range map[string]string{
		"not json":         `{"analysisId":`,
		"missing id":       `{"requestId":"r","version":2}`,
		"unknown priority": `{"analysisId":"a","priority":"urgent","version":2}`,
		"future version":   `{"analysisId":"a","version":99}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestParseHandle(t *testing.T) {
	h, err := ParseHandle(Handle{Queue: "analysis", ID: "task-1"}.String())
	require.NoError(t, err)
	assert.Equal(t, Handle{Queue: "analysis", ID: "task-1"}, h)

	h, err = ParseHandle("a#b#c")
	require.NoError(t, err)
	assert.Equal(t, "a#b", h.Queue)
	assert.Equal(t, "c", h.ID)

	for _, raw := range []string{"", "nohash", "#id", "queue#"} {
		_, err := ParseHandle(raw)
		assert.Error(t, err, raw)
	}
	assert.Equal(t, "", Handle{}.String())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)

	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
	for _, p := range Priorities {
		assert.Equal(t, p, priorityFromRank(p.Rank()))
	}
}
