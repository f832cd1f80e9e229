package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// ErrNotReady rejects calls queued behind the readiness handshake when
// the connection is torn down before READY arrives.
var ErrNotReady = errors.New("engine not initialized: connection closed before ready")

// RemoteError is a command rejected on the engine side.
type RemoteError struct {
	Verb      Verb
	SessionID string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s failed: %s", e.Verb, e.Message)
	}
	return fmt.Sprintf("%s failed for session %s: %s", e.Verb, e.SessionID, e.Message)
}

type callResult struct {
	resp Response
	err  error
}

type queuedCall struct {
	cmd    Command
	result chan callResult
}

type updateSubscriber struct {
	id uint64
	fn func(session.Update)
}

// Proxy is the handle a UI consumer holds. It wraps the command protocol
// as blocking calls, queues everything issued before the engine signals
// readiness, and fans session updates out to its subscribers in
// registration order. Many proxies may share one manager through
// separate conns; they all observe the same session state.
type Proxy struct {
	conn Conn
	log  zerolog.Logger

	mu      sync.Mutex
	ready   bool
	closed  bool
	nextID  uint64
	queued  []queuedCall
	pending map[uint64]chan callResult
	subs    map[string][]updateSubscriber
	nextSub uint64
}

// NewProxy creates a proxy over the conn and begins the readiness
// handshake.
func NewProxy(conn Conn) *Proxy {
	p := &Proxy{
		conn:    conn,
		log:     logging.ForComponent("proxy"),
		pending: make(map[uint64]chan callResult),
		subs:    make(map[string][]updateSubscriber),
	}
	go p.read()
	// Errors surface through the read loop's teardown.
	_ = conn.Send(Command{Verb: VerbInit})
	return p
}

// Close tears the connection down. Outstanding calls are rejected.
func (p *Proxy) Close() error {
	return p.conn.Close()
}

// call sends one command and blocks for its direct reply. Before READY
// the command is queued and replayed once the engine is up.
func (p *Proxy) call(cmd Command) (Response, error) {
	result := make(chan callResult, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Response{}, ErrNotReady
	}
	p.nextID++
	cmd.ID = p.nextID
	if !p.ready {
		p.queued = append(p.queued, queuedCall{cmd: cmd, result: result})
		p.mu.Unlock()
	} else {
		p.pending[cmd.ID] = result
		p.mu.Unlock()
		if err := p.conn.Send(cmd); err != nil {
			p.mu.Lock()
			delete(p.pending, cmd.ID)
			p.mu.Unlock()
			return Response{}, err
		}
	}

	res := <-result
	if res.err != nil {
		return Response{}, res.err
	}
	if res.resp.Type == ResponseError {
		return Response{}, &RemoteError{Verb: cmd.Verb, SessionID: res.resp.SessionID, Message: res.resp.Error}
	}
	return res.resp, nil
}

// read is the proxy's single response consumer.
func (p *Proxy) read() {
	defer p.teardown()
	for {
		select {
		case <-p.conn.Done():
			return
		case resp := <-p.conn.Responses():
			p.handle(resp)
		}
	}
}

func (p *Proxy) handle(resp Response) {
	switch resp.Type {
	case ResponseReady:
		p.flush()
	case ResponseSessionUpdate:
		p.fanOut(resp)
	default:
		p.mu.Lock()
		result, ok := p.pending[resp.ID]
		if ok {
			delete(p.pending, resp.ID)
		}
		p.mu.Unlock()
		if !ok {
			p.log.Debug().Uint64("id", resp.ID).Str("type", string(resp.Type)).Msg("unmatched response dropped")
			return
		}
		result <- callResult{resp: resp}
	}
}

// flush replays the pre-ready queue in issue order.
func (p *Proxy) flush() {
	p.mu.Lock()
	if p.ready || p.closed {
		p.mu.Unlock()
		return
	}
	p.ready = true
	queued := p.queued
	p.queued = nil
	for _, c := range queued {
		p.pending[c.cmd.ID] = c.result
	}
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.conn.Send(c.cmd); err != nil {
			p.mu.Lock()
			delete(p.pending, c.cmd.ID)
			p.mu.Unlock()
			c.result <- callResult{err: err}
		}
	}
}

// fanOut delivers one update to the session's subscribers in
// registration order, on the read goroutine.
func (p *Proxy) fanOut(resp Response) {
	if resp.Update == nil {
		return
	}
	p.mu.Lock()
	subscribers := make([]updateSubscriber, len(p.subs[resp.SessionID]))
	copy(subscribers, p.subs[resp.SessionID])
	p.mu.Unlock()

	for _, sub := range subscribers {
		sub.fn(*resp.Update)
	}
}

// teardown rejects everything outstanding when the conn closes.
func (p *Proxy) teardown() {
	p.mu.Lock()
	p.closed = true
	queued := p.queued
	p.queued = nil
	pending := p.pending
	p.pending = make(map[uint64]chan callResult)
	p.mu.Unlock()

	for _, c := range queued {
		c.result <- callResult{err: ErrNotReady}
	}
	for _, result := range pending {
		result <- callResult{err: ErrConnClosed}
	}
}

// InitSession registers a store for the id.
func (p *Proxy) InitSession(sessionID string) error {
	_, err := p.call(Command{Verb: VerbInitSession, SessionID: sessionID})
	return err
}

// LoadSession resumes the session from the backend.
func (p *Proxy) LoadSession(sessionID string) (types.SessionState, error) {
	resp, err := p.call(Command{Verb: VerbLoadSession, SessionID: sessionID})
	if err != nil {
		return types.SessionState{}, err
	}
	if resp.State == nil {
		return types.SessionState{}, &RemoteError{Verb: VerbLoadSession, SessionID: sessionID, Message: "empty state in response"}
	}
	return *resp.State, nil
}

// StartStream runs one turn and blocks until it finishes. A turn the
// backend failed comes back as *session.StreamError.
func (p *Proxy) StartStream(sessionID string, userMessage types.Message, messages []types.Message) error {
	resp, err := p.call(Command{
		Verb:        VerbStartStream,
		SessionID:   sessionID,
		UserMessage: &userMessage,
		Messages:    messages,
	})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return &session.StreamError{SessionID: sessionID, Message: resp.Error}
	}
	return nil
}

// StopStream cancels the session's in-flight turn.
func (p *Proxy) StopStream(sessionID string) error {
	_, err := p.call(Command{Verb: VerbStopStream, SessionID: sessionID})
	return err
}

// DestroySession tears the session down.
func (p *Proxy) DestroySession(sessionID string) error {
	_, err := p.call(Command{Verb: VerbDestroySession, SessionID: sessionID})
	return err
}

// GetSessionState returns a snapshot, or nil for an unknown id.
func (p *Proxy) GetSessionState(sessionID string) (*types.SessionState, error) {
	resp, err := p.call(Command{Verb: VerbGetSessionState, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

// GetAllSessions returns snapshots of every registered session.
func (p *Proxy) GetAllSessions() ([]types.SessionState, error) {
	resp, err := p.call(Command{Verb: VerbGetAllSessions})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Subscribe registers a listener for the session's updates and returns
// an unsubscribe function. Callbacks run on the proxy's read goroutine;
// do not call back into the proxy from inside one.
func (p *Proxy) Subscribe(sessionID string, fn func(session.Update)) func() {
	p.mu.Lock()
	first := len(p.subs[sessionID]) == 0
	p.nextSub++
	id := p.nextSub
	p.subs[sessionID] = append(p.subs[sessionID], updateSubscriber{id: id, fn: fn})
	p.mu.Unlock()

	if first {
		if _, err := p.call(Command{Verb: VerbSubscribeSession, SessionID: sessionID}); err != nil {
			p.log.Warn().Err(err).Str("sessionID", sessionID).Msg("subscribe failed")
		}
	}

	return func() {
		p.mu.Lock()
		subscribers := p.subs[sessionID]
		for i, sub := range subscribers {
			if sub.id == id {
				p.subs[sessionID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		last := len(p.subs[sessionID]) == 0
		if last {
			delete(p.subs, sessionID)
		}
		closed := p.closed
		p.mu.Unlock()

		if last && !closed {
			if _, err := p.call(Command{Verb: VerbUnsubscribeSession, SessionID: sessionID}); err != nil && !errors.Is(err, ErrNotReady) && !errors.Is(err, ErrConnClosed) {
				p.log.Warn().Err(err).Str("sessionID", sessionID).Msg("unsubscribe failed")
			}
		}
	}
}
