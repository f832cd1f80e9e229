package conversation_test

import (
	"math/rand"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/pkg/types"
)

func TestConversationSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Conversation Suite")
}

// feed splits text at the given cut points and appends each piece as a
// single-text-block fragment sharing one message id.
func feed(msgs []types.Message, id, text string, cuts []int) []types.Message {
	prev := 0
	for _, c := range cuts {
		msgs = conversation.Append(msgs, types.Message{
			ID:      id,
			Role:    types.RoleAssistant,
			Content: []types.ContentBlock{types.NewTextBlock(text[prev:c])},
		})
		prev = c
	}
	return conversation.Append(msgs, types.Message{
		ID:      id,
		Role:    types.RoleAssistant,
		Content: []types.ContentBlock{types.NewTextBlock(text[prev:])},
	})
}

var _ = Describe("Append under fragmentation", func() {
	const text = "The quick brown fox jumps over the lazy dog"

	It("yields the same message for one event per character", func() {
		cuts := make([]int, 0, len(text)-1)
		for i := 1; i < len(text); i++ {
			cuts = append(cuts, i)
		}

		msgs := feed(nil, "m", text, cuts)
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Content).To(HaveLen(1))
		Expect(msgs[0].Text()).To(Equal(text))
	})

	It("yields the same message for one event per full message", func() {
		msgs := feed(nil, "m", text, nil)
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Text()).To(Equal(text))
	})

	It("is stable under arbitrary random fragmentations", func() {
		rng := rand.New(rand.NewSource(7))
		for trial := 0; trial < 50; trial++ {
			var cuts []int
			for i := 1; i < len(text); i++ {
				if rng.Intn(3) == 0 {
					cuts = append(cuts, i)
				}
			}

			msgs := feed(nil, "m", text, cuts)
			Expect(msgs).To(HaveLen(1), "trial %d", trial)
			Expect(msgs[0].Content).To(HaveLen(1), "trial %d", trial)
			Expect(msgs[0].Text()).To(Equal(text), "trial %d", trial)
		}
	})

	It("keeps non-text blocks in arrival order regardless of fragmentation", func() {
		msgs := feed(nil, "m", "first", nil)
		msgs = conversation.Append(msgs, types.Message{
			ID:   "m",
			Role: types.RoleAssistant,
			Content: []types.ContentBlock{
				&types.ToolCallBlock{Type: "toolCall", ID: "t1", Name: "search"},
			},
		})
		msgs = feed(msgs, "m", "second", []int{3})

		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Content).To(HaveLen(3))
		Expect(msgs[0].Content[1].BlockType()).To(Equal("toolCall"))
		Expect(msgs[0].Content[2].(*types.TextBlock).Text).To(Equal("second"))
	})
})
