package types

import (
	"encoding/json"
	"fmt"
)

// ContentBlock is one component of a message. Order within a message is
// significant and append-only while a turn is streaming.
type ContentBlock interface {
	BlockType() string
	CloneBlock() ContentBlock
}

// TextBlock is plain text content.
type TextBlock struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

func (b *TextBlock) BlockType() string { return "text" }

func (b *TextBlock) CloneBlock() ContentBlock {
	c := *b
	return &c
}

// NewTextBlock creates a text block.
func NewTextBlock(text string) *TextBlock {
	return &TextBlock{Type: "text", Text: text}
}

// ToolCallBlock is a tool invocation requested by the assistant.
type ToolCallBlock struct {
	Type      string          `json:"type"` // always "toolCall"
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (b *ToolCallBlock) BlockType() string { return "toolCall" }

func (b *ToolCallBlock) CloneBlock() ContentBlock {
	c := *b
	if b.Arguments != nil {
		c.Arguments = append(json.RawMessage(nil), b.Arguments...)
	}
	return &c
}

// ToolResultBlock carries the outcome of a tool call back into the
// conversation, correlated by the call ID.
type ToolResultBlock struct {
	Type    string          `json:"type"` // always "toolResult"
	ID      string          `json:"id"`
	Value   json.RawMessage `json:"value,omitempty"`
	IsError bool            `json:"isError"`
}

func (b *ToolResultBlock) BlockType() string { return "toolResult" }

func (b *ToolResultBlock) CloneBlock() ContentBlock {
	c := *b
	if b.Value != nil {
		c.Value = append(json.RawMessage(nil), b.Value...)
	}
	return &c
}

// UnmarshalBlock decodes a JSON content block by its type tag.
func UnmarshalBlock(data []byte) (ContentBlock, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}

	switch tag.Type {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case "toolCall":
		var b ToolCallBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case "toolResult":
		var b ToolResultBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	default:
		return nil, fmt.Errorf("unknown content block type %q", tag.Type)
	}
}
