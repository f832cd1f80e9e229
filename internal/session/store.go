// Package session implements the multi-session streaming engine: one
// store per session, coordinated by a manager behind a command boundary.
package session

import (
	"fmt"
	"time"

	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/stream"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// ErrInvalidTransition rejects a command that is not valid in the
// session's current stream state.
type ErrInvalidTransition struct {
	From types.StreamState
	Verb string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s while session is %s", e.Verb, e.From)
}

// Store is the authoritative state record for exactly one session. It is
// deliberately not synchronized: the manager's dispatch loop is its sole
// writer, which makes races on one session's state structurally
// impossible.
type Store struct {
	state types.SessionState
}

// NewStore creates a store in the idle state.
func NewStore(sessionID string) *Store {
	return &Store{
		state: types.SessionState{
			Session:     types.Session{ID: sessionID},
			StreamState: types.StreamIdle,
		},
	}
}

// Snapshot returns a deep copy safe to hand across the boundary.
func (s *Store) Snapshot() types.SessionState {
	return s.state.Clone()
}

// StreamState returns the current lifecycle value.
func (s *Store) StreamState() types.StreamState {
	return s.state.StreamState
}

// BeginLoad transitions idle -> loading. A load is also allowed from
// error so a failed resume can be retried.
func (s *Store) BeginLoad() error {
	switch s.state.StreamState {
	case types.StreamIdle, types.StreamError:
		s.state.StreamState = types.StreamLoading
		s.state.Error = ""
		return nil
	default:
		return &ErrInvalidTransition{From: s.state.StreamState, Verb: "load"}
	}
}

// CompleteLoad replaces session, conversation and token counters from the
// resumed payload and returns to idle.
func (s *Store) CompleteLoad(history types.SessionHistory) {
	s.state.Session = history.Session
	s.state.Messages = types.CloneMessages(history.Conversation)
	s.state.Tokens = history.Tokens
	s.state.StreamState = types.StreamIdle
	s.state.Error = ""
}

// FailLoad records the failure and leaves previously-held state
// untouched, so the caller can fall back to treating the session as new.
func (s *Store) FailLoad(err error) {
	s.state.StreamState = types.StreamError
	s.state.Error = err.Error()
}

// BeginStream appends the user message optimistically and enters
// streaming. Valid from idle, and from error so a failed turn can be
// retried. A load must complete first; loading is rejected.
func (s *Store) BeginStream(userMessage types.Message) error {
	if !s.state.StreamState.CanStartStream() {
		return &ErrInvalidTransition{From: s.state.StreamState, Verb: "start stream"}
	}
	s.state.Messages = append(s.state.Messages, userMessage.Clone())
	s.state.StreamState = types.StreamStreaming
	s.state.Error = ""
	s.touch()
	return nil
}

// RollbackUser removes the optimistic user message after a transport
// failure that happened before any stream output arrived.
func (s *Store) RollbackUser(messageID string) {
	for i := len(s.state.Messages) - 1; i >= 0; i-- {
		if s.state.Messages[i].ID == messageID {
			s.state.Messages = append(s.state.Messages[:i], s.state.Messages[i+1:]...)
			return
		}
	}
}

// SetConversation replaces the message list wholesale with the caller's
// known baseline before a turn starts.
func (s *Store) SetConversation(messages []types.Message) {
	s.state.Messages = types.CloneMessages(messages)
}

// ApplyEvent folds one parsed stream event into the state and reports
// what changed. Events are only meaningful while streaming; anything
// arriving afterwards is dropped.
func (s *Store) ApplyEvent(ev stream.Event) (Update, bool) {
	if s.state.StreamState != types.StreamStreaming {
		return Update{}, false
	}

	switch e := ev.(type) {
	case stream.MessageEvent:
		s.state.Messages = conversation.Append(s.state.Messages, e.Message.Clone())
		update := Update{SessionID: s.state.Session.ID, Messages: types.CloneMessages(s.state.Messages)}
		if e.Tokens != nil {
			s.state.Tokens.Absorb(*e.Tokens)
			tokens := s.state.Tokens
			update.Tokens = &tokens
		}
		s.touch()
		return update, true

	case stream.UpdateConversationEvent:
		// Full replace bypasses the merge rule, used when the backend
		// compacts or rewrites history.
		s.state.Messages = types.CloneMessages(e.Conversation)
		s.touch()
		return Update{SessionID: s.state.Session.ID, Messages: types.CloneMessages(s.state.Messages)}, true

	case stream.ModelChangeEvent:
		s.state.Model = e.Model
		s.state.Mode = e.Mode
		model, mode := e.Model, e.Mode
		return Update{SessionID: s.state.Session.ID, Model: &model, Mode: &mode}, true

	case stream.NotificationEvent:
		notif := types.NotificationEvent{
			RequestID: e.RequestID,
			Payload:   e.Payload,
			Timestamp: time.Now().UnixMilli(),
		}
		s.state.Notifications = append(s.state.Notifications, notif)
		return Update{SessionID: s.state.Session.ID, Notifications: []types.NotificationEvent{notif}}, true

	case stream.FinishEvent:
		if e.Tokens != nil {
			s.state.Tokens.Absorb(*e.Tokens)
			tokens := s.state.Tokens
			return Update{SessionID: s.state.Session.ID, Tokens: &tokens}, true
		}
		return Update{}, false

	case stream.PingEvent:
		return Update{}, false

	default:
		return Update{}, false
	}
}

// FinishStream leaves streaming: idle on success, error when the stream
// failed. Lenient about the source state because a user-initiated stop
// forces idle before the stream goroutine winds down.
func (s *Store) FinishStream(errMsg string) Update {
	if errMsg != "" {
		s.state.StreamState = types.StreamError
		s.state.Error = errMsg
	} else if s.state.StreamState == types.StreamStreaming {
		s.state.StreamState = types.StreamIdle
		s.state.Error = ""
	}
	s.touch()
	state := s.state.StreamState
	update := Update{SessionID: s.state.Session.ID, StreamState: &state}
	if s.state.Error != "" {
		errCopy := s.state.Error
		update.Error = &errCopy
	}
	return update
}

// ForceIdle is the stop path: cancellation is not a failure, the session
// returns to idle immediately.
func (s *Store) ForceIdle() Update {
	s.state.StreamState = types.StreamIdle
	s.state.Error = ""
	state := s.state.StreamState
	return Update{SessionID: s.state.Session.ID, StreamState: &state}
}

func (s *Store) touch() {
	s.state.Session.UpdatedAt = time.Now().UnixMilli()
}

// Update is the partial SessionState diff delivered to subscribers on
// every mutation. Nil fields did not change; Messages is the full
// conversation when it did.
type Update struct {
	SessionID     string                    `json:"sessionID"`
	Session       *types.Session            `json:"session,omitempty"`
	Messages      []types.Message           `json:"messages,omitempty"`
	Tokens        *types.TokenState         `json:"tokenState,omitempty"`
	Notifications []types.NotificationEvent `json:"notifications,omitempty"`
	StreamState   *types.StreamState        `json:"streamState,omitempty"`
	Model         *string                   `json:"model,omitempty"`
	Mode          *string                   `json:"mode,omitempty"`
	Error         *string                   `json:"error,omitempty"`
}
