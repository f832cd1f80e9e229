package types

import "encoding/json"

// StreamState is the per-session lifecycle value governing which commands
// are currently valid. Exactly one value per session at any instant.
type StreamState string

const (
	StreamIdle      StreamState = "idle"
	StreamLoading   StreamState = "loading"
	StreamStreaming StreamState = "streaming"
	StreamError     StreamState = "error"
)

// CanStartStream reports whether a new turn may begin from this state.
// A load must complete before a turn can start, so loading is excluded.
func (s StreamState) CanStartStream() bool {
	return s == StreamIdle || s == StreamError
}

// TokenState holds the token accounting for one session. Instantaneous
// counters reset per turn; accumulated counters only ever grow.
// Field names follow the backend wire format.
type TokenState struct {
	InputTokens             int `json:"input_tokens"`
	OutputTokens            int `json:"output_tokens"`
	TotalTokens             int `json:"total_tokens"`
	AccumulatedInputTokens  int `json:"accumulated_input_tokens"`
	AccumulatedOutputTokens int `json:"accumulated_output_tokens"`
	AccumulatedTotalTokens  int `json:"accumulated_total_tokens"`
}

// Absorb merges a newer TokenState in, keeping the accumulated counters
// monotonically non-decreasing even if the backend reports stale values.
func (t *TokenState) Absorb(next TokenState) {
	t.InputTokens = next.InputTokens
	t.OutputTokens = next.OutputTokens
	t.TotalTokens = next.TotalTokens
	if next.AccumulatedInputTokens > t.AccumulatedInputTokens {
		t.AccumulatedInputTokens = next.AccumulatedInputTokens
	}
	if next.AccumulatedOutputTokens > t.AccumulatedOutputTokens {
		t.AccumulatedOutputTokens = next.AccumulatedOutputTokens
	}
	if next.AccumulatedTotalTokens > t.AccumulatedTotalTokens {
		t.AccumulatedTotalTokens = next.AccumulatedTotalTokens
	}
}

// NotificationEvent is an out-of-band progress event correlated to a
// backend request id, e.g. tool-call progress.
type NotificationEvent struct {
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// SessionState is the aggregate a SessionStore holds for one session.
type SessionState struct {
	Session       Session             `json:"session"`
	Messages      []Message           `json:"messages"`
	Tokens        TokenState          `json:"tokenState"`
	Notifications []NotificationEvent `json:"notifications,omitempty"`
	StreamState   StreamState         `json:"streamState"`
	Model         string              `json:"model,omitempty"`
	Mode          string              `json:"mode,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// Clone deep-copies the state so it can safely cross the command boundary.
func (s SessionState) Clone() SessionState {
	out := s
	out.Messages = CloneMessages(s.Messages)
	if s.Notifications != nil {
		out.Notifications = make([]NotificationEvent, len(s.Notifications))
		for i, n := range s.Notifications {
			out.Notifications[i] = n
			if n.Payload != nil {
				out.Notifications[i].Payload = append(json.RawMessage(nil), n.Payload...)
			}
		}
	}
	return out
}

// NotificationsByRequest groups the notification log by request id,
// preserving arrival order within each group.
func (s SessionState) NotificationsByRequest() map[string][]NotificationEvent {
	grouped := make(map[string][]NotificationEvent)
	for _, n := range s.Notifications {
		grouped[n.RequestID] = append(grouped[n.RequestID], n)
	}
	return grouped
}
