package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/stream"
	"github.com/agentdeck/agentdeck/pkg/types"
)

func userMsg(id, text string) types.Message {
	return types.Message{ID: id, Role: types.RoleUser, Content: []types.ContentBlock{types.NewTextBlock(text)}}
}

func assistantFragment(id, text string) stream.MessageEvent {
	return stream.MessageEvent{Message: types.Message{
		ID:      id,
		Role:    types.RoleAssistant,
		Content: []types.ContentBlock{types.NewTextBlock(text)},
	}}
}

func TestNewStoreStartsIdle(t *testing.T) {
	store := NewStore("s1")
	snap := store.Snapshot()

	assert.Equal(t, "s1", snap.Session.ID)
	assert.Equal(t, types.StreamIdle, snap.StreamState)
	assert.Empty(t, snap.Messages)
}

func TestLoadLifecycle(t *testing.T) {
	store := NewStore("s1")

	require.NoError(t, store.BeginLoad())
	assert.Equal(t, types.StreamLoading, store.StreamState())

	store.CompleteLoad(types.SessionHistory{
		Session:      types.Session{ID: "s1", Name: "Resumed"},
		Conversation: []types.Message{userMsg("u1", "earlier")},
		Tokens:       types.TokenState{AccumulatedTotalTokens: 42},
	})

	snap := store.Snapshot()
	assert.Equal(t, types.StreamIdle, snap.StreamState)
	assert.Equal(t, "Resumed", snap.Session.Name)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, 42, snap.Tokens.AccumulatedTotalTokens)
}

func TestFailLoadKeepsPreviousState(t *testing.T) {
	store := NewStore("s1")
	require.NoError(t, store.BeginLoad())
	store.CompleteLoad(types.SessionHistory{
		Session:      types.Session{ID: "s1"},
		Conversation: []types.Message{userMsg("u1", "kept")},
	})

	require.NoError(t, store.BeginLoad())
	store.FailLoad(errors.New("backend gone"))

	snap := store.Snapshot()
	assert.Equal(t, types.StreamError, snap.StreamState)
	assert.Equal(t, "backend gone", snap.Error)
	require.Len(t, snap.Messages, 1, "held state untouched on failure")
}

func TestNoTransitionFromLoadingToStreaming(t *testing.T) {
	store := NewStore("s1")
	require.NoError(t, store.BeginLoad())

	err := store.BeginStream(userMsg("u1", "too early"))
	require.Error(t, err)

	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, types.StreamLoading, invalid.From)
}

func TestBeginStreamFromErrorRetries(t *testing.T) {
	store := NewStore("s1")
	require.NoError(t, store.BeginStream(userMsg("u1", "hi")))
	store.FinishStream("model overloaded")
	assert.Equal(t, types.StreamError, store.StreamState())

	require.NoError(t, store.BeginStream(userMsg("u2", "again")))
	assert.Equal(t, types.StreamStreaming, store.StreamState())
	assert.Empty(t, store.Snapshot().Error)
}

func TestBeginStreamWhileStreamingRejected(t *testing.T) {
	store := NewStore("s1")
	require.NoError(t, store.BeginStream(userMsg("u1", "hi")))
	assert.Error(t, store.BeginStream(userMsg("u2", "again")))
}

func TestApplyEventCoalescesFragments(t *testing.T) {
	store := NewStore("s1")
	require.NoError(t, store.BeginStream(userMsg("u1", "hi")))

	_, changed := store.ApplyEvent(assistantFragment("a", "He"))
	assert.True(t, changed)
	_, changed = store.ApplyEvent(assistantFragment("a", "llo"))
	assert.True(t, changed)

	update := store.FinishStream("")
	require.NotNil(t, update.StreamState)
	assert.Equal(t, types.StreamIdle, *update.StreamState)

	snap := store.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, types.RoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, "a", snap.Messages[1].ID)
	assert.Equal(t, "Hello", snap.Messages[1].Text())
}

func TestApplyEventIgnoredWhenNotStreaming(t *testing.T) {
	store := NewStore("s1")

	_, changed := store.ApplyEvent(assistantFragment("a", "stray"))
	assert.False(t, changed)
	assert.Empty(t, store.Snapshot().Messages)
}

func TestApplyEventUpdateConversationReplacesWholesale(t *testing.T) {
	store := NewStore("s1")
	require.NoError(t, store.BeginStream(userMsg("u1", "hi")))
	store.ApplyEvent(assistantFragment("a", "partial"))

	update, changed := store.ApplyEvent(stream.UpdateConversationEvent{
		Conversation: []types.Message{userMsg("c1", "compacted")},
	})
	require.True(t, changed)
	require.Len(t, update.Messages, 1)

	snap := store.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "compacted", snap.Messages[0].Text())
}

func TestApplyEventTokensAreMonotone(t *testing.T) {
	store := NewStore("s1")
	require.NoError(t, store.BeginStream(userMsg("u1", "hi")))

	ev := assistantFragment("a", "x")
	ev.Tokens = &types.TokenState{TotalTokens: 5, AccumulatedTotalTokens: 100}
	store.ApplyEvent(ev)

	ev2 := assistantFragment("a", "y")
	ev2.Tokens = &types.TokenState{TotalTokens: 9, AccumulatedTotalTokens: 90}
	store.ApplyEvent(ev2)

	snap := store.Snapshot()
	assert.Equal(t, 9, snap.Tokens.TotalTokens)
	assert.Equal(t, 100, snap.Tokens.AccumulatedTotalTokens)
}

func TestApplyEventModelChangeAndNotification(t *testing.T) {
	store := NewStore("s1")
	require.NoError(t, store.BeginStream(userMsg("u1", "hi")))

	update, changed := store.ApplyEvent(stream.ModelChangeEvent{Model: "sonnet", Mode: "chat"})
	require.True(t, changed)
	assert.Equal(t, "sonnet", *update.Model)

	update, changed = store.ApplyEvent(stream.NotificationEvent{RequestID: "r1", Payload: []byte(`{"p":1}`)})
	require.True(t, changed)
	require.Len(t, update.Notifications, 1)

	snap := store.Snapshot()
	assert.Equal(t, "sonnet", snap.Model)
	assert.Equal(t, "chat", snap.Mode)
	require.Len(t, snap.Notifications, 1)
	assert.Equal(t, "r1", snap.Notifications[0].RequestID)
}

func TestRollbackUserRemovesOptimisticMessage(t *testing.T) {
	store := NewStore("s1")
	require.NoError(t, store.BeginStream(userMsg("u1", "doomed")))

	store.RollbackUser("u1")
	assert.Empty(t, store.Snapshot().Messages)
}

func TestForceIdleClearsError(t *testing.T) {
	store := NewStore("s1")
	require.NoError(t, store.BeginStream(userMsg("u1", "hi")))

	update := store.ForceIdle()
	assert.Equal(t, types.StreamIdle, *update.StreamState)
	assert.Equal(t, types.StreamIdle, store.StreamState())
}
