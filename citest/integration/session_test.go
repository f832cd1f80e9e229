package integration_test

import (
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/agentdeck/agentdeck/citest/testutil"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/pkg/types"
)

func userMessage(text string) types.Message {
	return types.Message{
		Role:    types.RoleUser,
		Content: []types.ContentBlock{types.NewTextBlock(text)},
	}
}

var _ = Describe("Session Workflows", func() {
	var engine *testutil.Engine

	BeforeEach(func() {
		engine = testutil.NewEngine(backendSrv.BaseURL)
	})

	AfterEach(func() {
		engine.Close()
	})

	Describe("Full turn", func() {
		It("streams fragmented assistant output into one message", func() {
			sess, err := engine.Client.Start(ctx, "/tmp/project", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.Proxy.InitSession(sess.ID)).To(Succeed())

			Expect(engine.Proxy.StartStream(sess.ID, userMessage("hello world"), nil)).To(Succeed())

			state, err := engine.Proxy.GetSessionState(sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).NotTo(BeNil())
			Expect(state.StreamState).To(Equal(types.StreamIdle))
			Expect(state.Messages).To(HaveLen(2))
			Expect(state.Messages[0].Text()).To(Equal("hello world"))
			Expect(state.Messages[1].Role).To(Equal(types.RoleAssistant))
			Expect(state.Messages[1].Text()).To(Equal("You said: hello world"))
			Expect(state.Tokens.AccumulatedTotalTokens).To(BeNumerically(">", 0))
		})

		It("keeps token counters monotone across turns", func() {
			sess, err := engine.Client.Start(ctx, "/tmp/project", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.Proxy.InitSession(sess.ID)).To(Succeed())

			Expect(engine.Proxy.StartStream(sess.ID, userMessage("one"), nil)).To(Succeed())
			first, err := engine.Proxy.GetSessionState(sess.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(engine.Proxy.StartStream(sess.ID, userMessage("two"), nil)).To(Succeed())
			second, err := engine.Proxy.GetSessionState(sess.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(second.Tokens.AccumulatedTotalTokens).To(
				BeNumerically(">", first.Tokens.AccumulatedTotalTokens))
		})
	})

	Describe("Resume", func() {
		It("loads a conversation persisted by the backend", func() {
			sess, err := engine.Client.Start(ctx, "/tmp/project", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.Proxy.InitSession(sess.ID)).To(Succeed())
			Expect(engine.Proxy.StartStream(sess.ID, userMessage("remember me"), nil)).To(Succeed())

			// A separate process resuming the same session.
			other := testutil.NewEngine(backendSrv.BaseURL)
			defer other.Close()

			state, err := other.Proxy.LoadSession(sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Messages).To(HaveLen(2))
			Expect(state.Messages[1].Text()).To(Equal("You said: remember me"))
		})

		It("rejects an unknown id and registers nothing", func() {
			_, err := engine.Proxy.LoadSession("01UNKNOWNSESSIONID0000000")
			Expect(err).To(HaveOccurred())

			state, err := engine.Proxy.GetSessionState("01UNKNOWNSESSIONID0000000")
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(BeNil())
		})
	})

	Describe("Cancellation", func() {
		It("resolves a stopped turn without error and returns to idle", func() {
			sess, err := engine.Client.Start(ctx, "/tmp/project", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.Proxy.InitSession(sess.ID)).To(Succeed())

			// Long enough that the stream is still running when we stop.
			long := strings.Repeat("a long question ", 64)
			done := make(chan error, 1)
			go func() {
				done <- engine.Proxy.StartStream(sess.ID, userMessage(long), nil)
			}()

			Eventually(func() types.StreamState {
				state, _ := engine.Proxy.GetSessionState(sess.ID)
				if state == nil {
					return types.StreamIdle
				}
				return state.StreamState
			}).Should(Equal(types.StreamStreaming))

			Expect(engine.Proxy.StopStream(sess.ID)).To(Succeed())
			Eventually(done).Should(Receive(BeNil()))

			state, err := engine.Proxy.GetSessionState(sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.StreamState).To(Equal(types.StreamIdle))
		})

		It("rejects a second turn while one is in flight", func() {
			sess, err := engine.Client.Start(ctx, "/tmp/project", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.Proxy.InitSession(sess.ID)).To(Succeed())

			long := strings.Repeat("more text ", 64)
			done := make(chan error, 1)
			go func() {
				done <- engine.Proxy.StartStream(sess.ID, userMessage(long), nil)
			}()

			Eventually(func() types.StreamState {
				state, _ := engine.Proxy.GetSessionState(sess.ID)
				if state == nil {
					return types.StreamIdle
				}
				return state.StreamState
			}).Should(Equal(types.StreamStreaming))

			Expect(engine.Proxy.StartStream(sess.ID, userMessage("impatient"), nil)).NotTo(Succeed())

			Expect(engine.Proxy.StopStream(sess.ID)).To(Succeed())
			Eventually(done).Should(Receive(BeNil()))
		})
	})

	Describe("Shared state across proxies", func() {
		It("shows one proxy's turn on another proxy's subscription", func() {
			sess, err := engine.Client.Start(ctx, "/tmp/project", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.Proxy.InitSession(sess.ID)).To(Succeed())

			other := engine.NewProxy()
			var mu sync.Mutex
			var updates []session.Update
			unsub := other.Subscribe(sess.ID, func(u session.Update) {
				mu.Lock()
				updates = append(updates, u)
				mu.Unlock()
			})
			defer unsub()

			Expect(engine.Proxy.StartStream(sess.ID, userMessage("fan out"), nil)).To(Succeed())

			Eventually(func() bool {
				mu.Lock()
				defer mu.Unlock()
				if len(updates) == 0 {
					return false
				}
				last := updates[len(updates)-1]
				return last.StreamState != nil && *last.StreamState == types.StreamIdle
			}).Should(BeTrue())

			state, err := other.GetSessionState(sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Messages).To(HaveLen(2))
		})
	})

	Describe("Authentication", func() {
		It("fails the turn when the secret is wrong", func() {
			bad := testutil.NewEngineWithSecret(backendSrv.BaseURL, "wrong-secret")
			defer bad.Close()

			Expect(bad.Proxy.InitSession("s-unauthorized")).To(Succeed())
			err := bad.Proxy.StartStream("s-unauthorized", userMessage("hi"), nil)
			Expect(err).To(HaveOccurred())

			state, getErr := bad.Proxy.GetSessionState("s-unauthorized")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(state.StreamState).To(Equal(types.StreamError))
			Expect(state.Messages).To(BeEmpty(), "optimistic user message rolled back")
		})
	})
})
