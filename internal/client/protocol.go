// Package client implements the command/response boundary between UI
// consumers and the session engine: typed envelopes, an in-process
// connection pair, a dispatcher serving a manager, and the proxy handle
// a consumer holds.
package client

import (
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// Verb names a request crossing the boundary.
type Verb string

const (
	VerbInit               Verb = "INIT"
	VerbInitSession        Verb = "INIT_SESSION"
	VerbLoadSession        Verb = "LOAD_SESSION"
	VerbStartStream        Verb = "START_STREAM"
	VerbStopStream         Verb = "STOP_STREAM"
	VerbDestroySession     Verb = "DESTROY_SESSION"
	VerbGetSessionState    Verb = "GET_SESSION_STATE"
	VerbGetAllSessions     Verb = "GET_ALL_SESSIONS"
	VerbSubscribeSession   Verb = "SUBSCRIBE_SESSION"
	VerbUnsubscribeSession Verb = "UNSUBSCRIBE_SESSION"
)

// ResponseType names a response or notification.
type ResponseType string

const (
	ResponseReady          ResponseType = "READY"
	ResponseAck            ResponseType = "ACK"
	ResponseSessionLoaded  ResponseType = "SESSION_LOADED"
	ResponseSessionUpdate  ResponseType = "SESSION_UPDATE"
	ResponseStreamFinished ResponseType = "STREAM_FINISHED"
	ResponseError          ResponseType = "ERROR"
	ResponseSessionState   ResponseType = "SESSION_STATE"
	ResponseAllSessions    ResponseType = "ALL_SESSIONS"
)

// Command is one serialized request. Every command carries the
// (sessionID, verb) tuple the engine's pending-request table is keyed
// by; the id disambiguates two same-verb commands from one proxy.
type Command struct {
	ID          uint64          `json:"id"`
	Verb        Verb            `json:"verb"`
	SessionID   string          `json:"sessionId,omitempty"`
	UserMessage *types.Message  `json:"userMessage,omitempty"`
	Messages    []types.Message `json:"messages,omitempty"`
}

// Response is one serialized reply or notification. Direct replies echo
// the command's id, verb and session; SESSION_UPDATE notifications carry
// id zero.
type Response struct {
	ID        uint64               `json:"id,omitempty"`
	Type      ResponseType         `json:"type"`
	Verb      Verb                 `json:"verb,omitempty"`
	SessionID string               `json:"sessionId,omitempty"`
	State     *types.SessionState  `json:"state,omitempty"`
	Update    *session.Update      `json:"update,omitempty"`
	Sessions  []types.SessionState `json:"sessions,omitempty"`
	Error     string               `json:"error,omitempty"`
}
