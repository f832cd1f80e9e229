package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := Message{
		ID:        "msg1",
		Role:      RoleAssistant,
		CreatedAt: 1700000000000,
		Content: []ContentBlock{
			NewTextBlock("hello"),
			&ToolCallBlock{Type: "toolCall", ID: "tc1", Name: "shell", Arguments: json.RawMessage(`{"cmd":"ls"}`)},
			&ToolResultBlock{Type: "toolResult", ID: "tc1", Value: json.RawMessage(`"ok"`)},
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Len(t, decoded.Content, 3)
	assert.Equal(t, "text", decoded.Content[0].BlockType())
	assert.Equal(t, "toolCall", decoded.Content[1].BlockType())
	assert.Equal(t, "toolResult", decoded.Content[2].BlockType())
	assert.Equal(t, "hello", decoded.Text())

	tc, ok := decoded.Content[1].(*ToolCallBlock)
	require.True(t, ok)
	assert.Equal(t, "shell", tc.Name)
	assert.JSONEq(t, `{"cmd":"ls"}`, string(tc.Arguments))
}

func TestUnmarshalBlockUnknownType(t *testing.T) {
	_, err := UnmarshalBlock([]byte(`{"type":"video","data":"x"}`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown content block type")
}

func TestMessageCloneIsDeep(t *testing.T) {
	msg := Message{
		ID:      "a",
		Role:    RoleAssistant,
		Content: []ContentBlock{NewTextBlock("one")},
	}

	clone := msg.Clone()
	clone.Content[0].(*TextBlock).Text = "two"

	assert.Equal(t, "one", msg.Content[0].(*TextBlock).Text)
	assert.Equal(t, "two", clone.Content[0].(*TextBlock).Text)
}

func TestTokenStateAbsorbMonotone(t *testing.T) {
	ts := TokenState{
		InputTokens:            100,
		AccumulatedInputTokens: 500,
		AccumulatedTotalTokens: 900,
	}

	// A stale accumulated count must not move the counters backwards.
	ts.Absorb(TokenState{
		InputTokens:            20,
		AccumulatedInputTokens: 400,
		AccumulatedTotalTokens: 950,
	})

	assert.Equal(t, 20, ts.InputTokens, "instantaneous counters track the latest turn")
	assert.Equal(t, 500, ts.AccumulatedInputTokens)
	assert.Equal(t, 950, ts.AccumulatedTotalTokens)
}

func TestStreamStateCanStartStream(t *testing.T) {
	assert.True(t, StreamIdle.CanStartStream())
	assert.True(t, StreamError.CanStartStream())
	assert.False(t, StreamLoading.CanStartStream())
	assert.False(t, StreamStreaming.CanStartStream())
}

func TestSessionStateCloneIsolatesMessages(t *testing.T) {
	state := SessionState{
		Session:     Session{ID: "s1"},
		Messages:    []Message{{ID: "m1", Role: RoleUser, Content: []ContentBlock{NewTextBlock("hi")}}},
		StreamState: StreamIdle,
		Notifications: []NotificationEvent{
			{RequestID: "r1", Payload: json.RawMessage(`{"p":1}`)},
		},
	}

	clone := state.Clone()
	clone.Messages[0].Content[0].(*TextBlock).Text = "bye"
	clone.Notifications[0].Payload[2] = 'x'

	assert.Equal(t, "hi", state.Messages[0].Content[0].(*TextBlock).Text)
	assert.JSONEq(t, `{"p":1}`, string(state.Notifications[0].Payload))
}

func TestNotificationsByRequestGrouping(t *testing.T) {
	state := SessionState{
		Notifications: []NotificationEvent{
			{RequestID: "a", Timestamp: 1},
			{RequestID: "b", Timestamp: 2},
			{RequestID: "a", Timestamp: 3},
		},
	}

	grouped := state.NotificationsByRequest()
	require.Len(t, grouped, 2)
	require.Len(t, grouped["a"], 2)
	assert.Equal(t, int64(1), grouped["a"][0].Timestamp)
	assert.Equal(t, int64(3), grouped["a"][1].Timestamp)
}
