// Package conversation assembles streamed message fragments into a
// coherent ordered conversation.
package conversation

import "github.com/agentdeck/agentdeck/pkg/types"

// Append merges one incoming fragment into the conversation and returns
// the updated list. This is the sole mechanism by which token-by-token
// assistant output becomes coherent messages, so the result must be the
// same for any in-order fragmentation of the same content.
//
// Rules, in precedence order, where last is the final element:
//   - last.ID == incoming.ID, incoming carries exactly one text block and
//     last currently ends in a text block: concatenate the text onto
//     last's final block, no delimiter.
//   - last.ID == incoming.ID otherwise: append incoming's blocks onto
//     last in arrival order.
//   - different id: incoming starts a new message.
func Append(messages []types.Message, incoming types.Message) []types.Message {
	if len(messages) == 0 {
		return append(messages, incoming)
	}

	last := &messages[len(messages)-1]
	if last.ID != incoming.ID {
		return append(messages, incoming)
	}

	if text, ok := soleTextBlock(incoming); ok {
		if lastText, ok := finalTextBlock(*last); ok {
			lastText.Text += text
			return messages
		}
	}

	last.Content = append(last.Content, incoming.Content...)
	return messages
}

// soleTextBlock returns the text when the fragment carries exactly one
// block and it is text.
func soleTextBlock(m types.Message) (string, bool) {
	if len(m.Content) != 1 {
		return "", false
	}
	t, ok := m.Content[0].(*types.TextBlock)
	if !ok {
		return "", false
	}
	return t.Text, true
}

// finalTextBlock returns the message's final block if it is text.
func finalTextBlock(m types.Message) (*types.TextBlock, bool) {
	if len(m.Content) == 0 {
		return nil, false
	}
	t, ok := m.Content[len(m.Content)-1].(*types.TextBlock)
	return t, ok
}
