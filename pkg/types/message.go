package types

import (
	"encoding/json"
	"fmt"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one user or assistant turn entry in a conversation. During
// streaming, multiple fragments share one ID while an assistant turn is
// being assembled.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	CreatedAt int64          `json:"created"`
}

// UnmarshalJSON decodes the content blocks through the tagged union.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string            `json:"id"`
		Role      string            `json:"role"`
		Content   []json.RawMessage `json:"content"`
		CreatedAt int64             `json:"created"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.ID = raw.ID
	m.Role = raw.Role
	m.CreatedAt = raw.CreatedAt
	m.Content = make([]ContentBlock, 0, len(raw.Content))
	for _, rb := range raw.Content {
		block, err := UnmarshalBlock(rb)
		if err != nil {
			return fmt.Errorf("message %s: %w", raw.ID, err)
		}
		m.Content = append(m.Content, block)
	}
	return nil
}

// Clone returns a deep copy of the message. Content blocks are copied so
// a consumer can never alias the store's backing slices.
func (m Message) Clone() Message {
	out := m
	out.Content = make([]ContentBlock, len(m.Content))
	for i, b := range m.Content {
		out.Content[i] = b.CloneBlock()
	}
	return out
}

// Text returns the concatenated text content of the message.
func (m Message) Text() string {
	var s string
	for _, b := range m.Content {
		if t, ok := b.(*TextBlock); ok {
			s += t.Text
		}
	}
	return s
}

// CloneMessages deep-copies a conversation.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}
