package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/pkg/types"
)

func fragment(id string, blocks ...types.ContentBlock) types.Message {
	return types.Message{ID: id, Role: types.RoleAssistant, Content: blocks}
}

func text(s string) *types.TextBlock {
	return types.NewTextBlock(s)
}

func TestAppendNewMessage(t *testing.T) {
	msgs := Append(nil, fragment("a", text("hi")))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text())
}

func TestAppendCoalescesText(t *testing.T) {
	msgs := Append(nil, fragment("a", text("He")))
	msgs = Append(msgs, fragment("a", text("llo")))

	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Content, 1)
	assert.Equal(t, "Hello", msgs[0].Text())
}

func TestAppendDifferentIDStartsNewMessage(t *testing.T) {
	msgs := Append(nil, fragment("a", text("one")))
	msgs = Append(msgs, fragment("b", text("two")))

	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text())
	assert.Equal(t, "two", msgs[1].Text())
}

func TestAppendToolCallInterleaving(t *testing.T) {
	// text, then a tool call, then more text with the same id must yield
	// [text, toolCall, text] in arrival order.
	call := &types.ToolCallBlock{Type: "toolCall", ID: "tc1", Name: "shell", Arguments: json.RawMessage(`{}`)}

	msgs := Append(nil, fragment("a", text("before ")))
	msgs = Append(msgs, fragment("a", call))
	msgs = Append(msgs, fragment("a", text("af")))
	msgs = Append(msgs, fragment("a", text("ter")))

	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Content, 3)
	assert.Equal(t, "text", msgs[0].Content[0].BlockType())
	assert.Equal(t, "toolCall", msgs[0].Content[1].BlockType())
	assert.Equal(t, "after", msgs[0].Content[2].(*types.TextBlock).Text)
}

func TestAppendMultiBlockFragmentNotCoalesced(t *testing.T) {
	// A fragment carrying more than one block appends all of them even
	// when the first is text.
	msgs := Append(nil, fragment("a", text("x")))
	msgs = Append(msgs, fragment("a", text("y"), &types.ToolResultBlock{Type: "toolResult", ID: "tc1"}))

	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Content, 3)
	assert.Equal(t, "x", msgs[0].Content[0].(*types.TextBlock).Text)
	assert.Equal(t, "y", msgs[0].Content[1].(*types.TextBlock).Text)
}

func TestAppendUserThenAssistant(t *testing.T) {
	user := types.Message{ID: "u1", Role: types.RoleUser, Content: []types.ContentBlock{text("question")}}

	msgs := Append(nil, user)
	msgs = Append(msgs, fragment("a1", text("answer")))

	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
}
