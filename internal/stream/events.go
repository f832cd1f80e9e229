// Package stream decodes the backend's incremental turn responses into
// typed events.
package stream

import (
	"encoding/json"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// Event is one decoded record from a turn stream.
type Event interface {
	streamEvent()
}

// MessageEvent carries a message fragment plus the session token counters
// as of that fragment.
type MessageEvent struct {
	Message types.Message
	Tokens  *types.TokenState
}

func (MessageEvent) streamEvent() {}

// ErrorEvent is an application error sent deliberately by the backend.
// It terminates the stream.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) streamEvent() {}

// FinishEvent signals normal turn completion.
type FinishEvent struct {
	Reason string
	Tokens *types.TokenState
}

func (FinishEvent) streamEvent() {}

// ModelChangeEvent reports the model and mode now serving the session.
type ModelChangeEvent struct {
	Model string
	Mode  string
}

func (ModelChangeEvent) streamEvent() {}

// UpdateConversationEvent replaces the conversation wholesale, used when
// the backend compacts or rewrites history.
type UpdateConversationEvent struct {
	Conversation []types.Message
}

func (UpdateConversationEvent) streamEvent() {}

// NotificationEvent is an out-of-band progress event correlated to a
// backend request id.
type NotificationEvent struct {
	RequestID string
	Payload   json.RawMessage
}

func (NotificationEvent) streamEvent() {}

// PingEvent is a keepalive.
type PingEvent struct{}

func (PingEvent) streamEvent() {}
