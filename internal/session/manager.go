package session

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agentdeck/agentdeck/internal/archive"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/stream"
	"github.com/agentdeck/agentdeck/pkg/types"
)

var (
	// ErrStreamActive rejects a second startStream while one is in
	// flight for the session. Raised before any transport work begins.
	ErrStreamActive = errors.New("a stream is already in flight for this session")
	// ErrSessionDestroyed resolves commands orphaned by a teardown.
	ErrSessionDestroyed = errors.New("session destroyed")
	// ErrManagerClosed rejects commands after Close.
	ErrManagerClosed = errors.New("session manager closed")
)

// Transport is the backend surface the manager drives. backend.Client
// satisfies it.
type Transport interface {
	Reply(ctx context.Context, sessionID string, userMessage types.Message, conversation []types.Message) (io.ReadCloser, error)
	Resume(ctx context.Context, sessionID string) (*types.SessionHistory, error)
}

// Manager owns the registry of session stores and serializes every
// operation through one dispatch goroutine. The registry is the only
// shared mutable structure in the engine and it is touched exclusively
// inside that goroutine.
type Manager struct {
	transport Transport
	bus       *event.Bus
	archive   *archive.Store // optional snapshot sink
	log       zerolog.Logger

	commands chan func()
	closed   chan struct{}
	finished chan struct{}

	// Loop-owned state. Never touched outside the dispatch goroutine.
	registry map[string]*entry
}

// entry is the loop's runtime record for one registered session.
type entry struct {
	store *Store

	// Pending-request table for this session, keyed by verb.
	loadWaiters  []chan loadResult
	streamWaiter chan error

	streamCancel  context.CancelFunc
	stopRequested bool

	// fresh is true until a load or stream succeeds; a failed first
	// load unregisters the entry so a bad id leaves no trace.
	fresh bool
}

type loadResult struct {
	state types.SessionState
	err   error
}

// Option configures a Manager.
type Option func(*Manager)

// WithArchive persists a session snapshot after every finished turn and
// on destroy.
func WithArchive(store *archive.Store) Option {
	return func(m *Manager) { m.archive = store }
}

// NewManager creates and starts a manager. Call Close to stop it.
func NewManager(transport Transport, opts ...Option) *Manager {
	m := &Manager{
		transport: transport,
		bus:       event.NewBus(),
		log:       logging.ForComponent("manager"),
		commands:  make(chan func(), 256),
		closed:    make(chan struct{}),
		finished:  make(chan struct{}),
		registry:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.loop()
	return m
}

// loop is the dispatch goroutine: the engine's single writer.
func (m *Manager) loop() {
	defer close(m.finished)
	for {
		select {
		case <-m.closed:
			m.drain()
			return
		case fn := <-m.commands:
			fn()
		}
	}
}

// drain resolves everything left outstanding at shutdown.
func (m *Manager) drain() {
	for id, e := range m.registry {
		if e.streamCancel != nil {
			e.streamCancel()
		}
		m.resolveWaiters(e, ErrManagerClosed)
		delete(m.registry, id)
	}
	for {
		select {
		case fn := <-m.commands:
			fn()
		default:
			return
		}
	}
}

// Close stops the dispatch loop. Outstanding commands are rejected with
// ErrManagerClosed.
func (m *Manager) Close() {
	select {
	case <-m.closed:
		return
	default:
	}
	close(m.closed)
	<-m.finished
	m.bus.Close()
}

// dispatch runs fn inside the loop and waits for it to execute.
func (m *Manager) dispatch(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case m.commands <- wrapped:
	case <-m.closed:
		return ErrManagerClosed
	}
	select {
	case <-done:
		return nil
	case <-m.finished:
		return ErrManagerClosed
	}
}

// post enqueues fn without waiting, used by stream goroutines feeding
// events back into the loop. Events posted from one goroutine execute in
// order, preserving per-session event ordering.
func (m *Manager) post(fn func()) {
	select {
	case m.commands <- fn:
	case <-m.closed:
	}
}

// ensure returns the session's entry, registering a fresh store on first
// reference.
func (m *Manager) ensure(sessionID string) *entry {
	e, ok := m.registry[sessionID]
	if !ok {
		e = &entry{store: NewStore(sessionID), fresh: true}
		m.registry[sessionID] = e
		m.log.Debug().Str("sessionID", sessionID).Msg("session registered")
	}
	return e
}

// InitSession registers a store for the id. Idempotent, fire-and-forget.
func (m *Manager) InitSession(sessionID string) error {
	return m.dispatch(func() {
		e := m.ensure(sessionID)
		// Explicitly-initialized stores survive a failed load so the
		// caller can fall back to treating the session as new.
		e.fresh = false
		m.bus.Publish(event.Event{Type: event.SessionInit, SessionID: sessionID})
	})
}

// LoadSession resumes the session from the backend. At most one
// transport fetch is in flight per id: concurrent calls coalesce onto it
// and all resolve with the same resulting state.
func (m *Manager) LoadSession(ctx context.Context, sessionID string) (types.SessionState, error) {
	result := make(chan loadResult, 1)

	err := m.dispatch(func() {
		e := m.ensure(sessionID)

		if len(e.loadWaiters) > 0 {
			// A load is already pending; ride it.
			e.loadWaiters = append(e.loadWaiters, result)
			return
		}
		if err := e.store.BeginLoad(); err != nil {
			result <- loadResult{err: err}
			return
		}
		e.loadWaiters = append(e.loadWaiters, result)
		go m.fetchSession(sessionID)
	})
	if err != nil {
		return types.SessionState{}, err
	}

	select {
	case res := <-result:
		return res.state, res.err
	case <-ctx.Done():
		return types.SessionState{}, ctx.Err()
	}
}

// fetchSession performs the single transport fetch for a load and posts
// the outcome back into the loop.
func (m *Manager) fetchSession(sessionID string) {
	history, err := m.transport.Resume(context.Background(), sessionID)

	m.post(func() {
		e, ok := m.registry[sessionID]
		if !ok {
			return
		}
		waiters := e.loadWaiters
		e.loadWaiters = nil

		if err != nil {
			e.store.FailLoad(err)
			if e.fresh {
				// A failed first load leaves no store registered.
				delete(m.registry, sessionID)
				m.bus.DropSession(sessionID)
			}
			for _, w := range waiters {
				w <- loadResult{err: err}
			}
			return
		}

		e.store.CompleteLoad(*history)
		e.fresh = false
		snapshot := e.store.Snapshot()
		m.publishUpdate(Update{
			SessionID:   sessionID,
			Session:     &snapshot.Session,
			Messages:    snapshot.Messages,
			Tokens:      &snapshot.Tokens,
			StreamState: &snapshot.StreamState,
		}, event.SessionLoaded)
		for _, w := range waiters {
			w <- loadResult{state: snapshot}
		}
	})
}

// StartStream begins one turn for the session. Rejects with
// ErrStreamActive when a stream is already in flight; no transport work
// happens in that case. The call resolves when the turn finishes; a
// user-initiated stop resolves it successfully.
func (m *Manager) StartStream(ctx context.Context, sessionID string, userMessage types.Message, messages []types.Message) error {
	result := make(chan error, 1)

	err := m.dispatch(func() {
		e := m.ensure(sessionID)

		if e.streamCancel != nil {
			result <- ErrStreamActive
			return
		}
		if len(e.loadWaiters) > 0 {
			result <- &ErrInvalidTransition{From: types.StreamLoading, Verb: "start stream"}
			return
		}

		if userMessage.ID == "" {
			userMessage.ID = ulid.Make().String()
		}
		if userMessage.Role == "" {
			userMessage.Role = types.RoleUser
		}
		if userMessage.CreatedAt == 0 {
			userMessage.CreatedAt = time.Now().UnixMilli()
		}
		if messages != nil {
			e.store.SetConversation(messages)
		}
		baseline := e.store.Snapshot().Messages

		if err := e.store.BeginStream(userMessage); err != nil {
			result <- err
			return
		}
		e.fresh = false
		e.stopRequested = false
		e.streamWaiter = result

		streamCtx, cancel := context.WithCancel(context.Background())
		e.streamCancel = cancel

		snapshot := e.store.Snapshot()
		m.publishUpdate(Update{
			SessionID:   sessionID,
			Messages:    snapshot.Messages,
			StreamState: &snapshot.StreamState,
		}, event.StreamStarted)

		go m.runStream(streamCtx, sessionID, userMessage, baseline)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runStream drives the transport and parser for one turn, posting every
// parsed event back into the loop so the store keeps a single writer.
func (m *Manager) runStream(ctx context.Context, sessionID string, userMessage types.Message, baseline []types.Message) {
	body, err := m.transport.Reply(ctx, sessionID, userMessage, baseline)
	if err != nil {
		if ctx.Err() != nil {
			// Stopped before the first byte: not a failure.
			m.post(func() { m.finishStream(sessionID, "") })
			return
		}
		m.post(func() {
			if e, ok := m.registry[sessionID]; ok {
				e.store.RollbackUser(userMessage.ID)
			}
			m.finishStream(sessionID, err.Error())
		})
		return
	}
	defer body.Close()

	parser := stream.NewParser(body)
	var streamErr string

	for {
		ev, err := parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				streamErr = err.Error()
			}
			break
		}
		if e, ok := ev.(stream.ErrorEvent); ok {
			streamErr = e.Message
		}

		m.post(func() {
			entry, ok := m.registry[sessionID]
			if !ok {
				return
			}
			if update, changed := entry.store.ApplyEvent(ev); changed {
				m.publishUpdate(update, event.SessionUpdated)
			}
		})
	}

	m.post(func() { m.finishStream(sessionID, streamErr) })
}

// finishStream runs in the loop: final store transition, waiter
// resolution and the closing subscriber notification.
func (m *Manager) finishStream(sessionID, errMsg string) {
	e, ok := m.registry[sessionID]
	if !ok {
		return
	}
	if e.streamCancel == nil {
		return
	}
	e.streamCancel()
	e.streamCancel = nil

	if e.stopRequested {
		// Cancellation is success, not error.
		errMsg = ""
	}

	update := e.store.FinishStream(errMsg)
	m.publishUpdate(update, event.StreamFinished)

	if w := e.streamWaiter; w != nil {
		e.streamWaiter = nil
		if errMsg != "" {
			w <- &StreamError{SessionID: sessionID, Message: errMsg}
		} else {
			w <- nil
		}
	}

	if m.archive != nil {
		snapshot := e.store.Snapshot()
		go m.archiveSnapshot(snapshot)
	}
}

// StopStream cancels the in-flight transport for the session. Explicitly
// not an error: the outstanding StartStream call resolves successfully
// and the session returns to idle. With no stream in flight it still
// forces a non-idle session (a lingering error state) back to idle.
func (m *Manager) StopStream(sessionID string) error {
	return m.dispatch(func() {
		e, ok := m.registry[sessionID]
		if !ok {
			return
		}
		if e.streamCancel == nil {
			if e.store.StreamState() != types.StreamIdle {
				update := e.store.ForceIdle()
				m.publishUpdate(update, event.SessionUpdated)
			}
			return
		}
		e.stopRequested = true
		e.streamCancel()
		update := e.store.ForceIdle()
		m.publishUpdate(update, event.SessionUpdated)
	})
}

// DestroySession tears the store down and clears its subscriptions.
// Further commands for the id re-init a fresh store.
func (m *Manager) DestroySession(sessionID string) error {
	return m.dispatch(func() {
		e, ok := m.registry[sessionID]
		if !ok {
			return
		}
		if e.streamCancel != nil {
			e.streamCancel()
			e.streamCancel = nil
		}
		m.resolveWaiters(e, ErrSessionDestroyed)

		if m.archive != nil {
			snapshot := e.store.Snapshot()
			go m.archiveSnapshot(snapshot)
		}

		delete(m.registry, sessionID)
		m.bus.Publish(event.Event{Type: event.SessionDestroyed, SessionID: sessionID})
		m.bus.DropSession(sessionID)
	})
}

// GetSessionState returns a snapshot of the session, or nil when the id
// is not registered.
func (m *Manager) GetSessionState(sessionID string) (*types.SessionState, error) {
	var out *types.SessionState
	err := m.dispatch(func() {
		if e, ok := m.registry[sessionID]; ok {
			s := e.store.Snapshot()
			out = &s
		}
	})
	return out, err
}

// GetAllSessions returns snapshots of every registered session, ordered
// by creation time then id for determinism.
func (m *Manager) GetAllSessions() ([]types.SessionState, error) {
	var out []types.SessionState
	err := m.dispatch(func() {
		for _, e := range m.registry {
			out = append(out, e.store.Snapshot())
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Session.CreatedAt != out[j].Session.CreatedAt {
			return out[i].Session.CreatedAt < out[j].Session.CreatedAt
		}
		return out[i].Session.ID < out[j].Session.ID
	})
	return out, nil
}

// Subscribe registers a listener for one session's updates. Delivery
// order across listeners of a session equals registration order; there
// is no ordering between different sessions. Callbacks run on the
// dispatch goroutine and must not call back into the manager
// synchronously. Returns an unsubscribe function.
func (m *Manager) Subscribe(sessionID string, fn func(Update)) func() {
	return m.bus.SubscribeSession(sessionID, func(e event.Event) {
		if update, ok := e.Data.(Update); ok {
			fn(update)
		}
	})
}

// SubscribeEvents exposes the raw engine event feed for one session,
// including lifecycle events that carry no state diff.
func (m *Manager) SubscribeEvents(sessionID string, fn event.Subscriber) func() {
	return m.bus.SubscribeSession(sessionID, fn)
}

// Watch exposes one session's event feed as a watermill subscription for
// out-of-loop consumers. Message payloads are JSON-encoded events; the
// channel closes when ctx ends or the manager closes.
func (m *Manager) Watch(ctx context.Context, sessionID string) (<-chan *message.Message, error) {
	return m.bus.Watch(ctx, sessionID)
}

func (m *Manager) publishUpdate(update Update, kind event.Type) {
	m.bus.Publish(event.Event{Type: kind, SessionID: update.SessionID, Data: update})
}

func (m *Manager) resolveWaiters(e *entry, err error) {
	for _, w := range e.loadWaiters {
		w <- loadResult{err: err}
	}
	e.loadWaiters = nil
	if e.streamWaiter != nil {
		e.streamWaiter <- err
		e.streamWaiter = nil
	}
}

func (m *Manager) archiveSnapshot(state types.SessionState) {
	if err := m.archive.PutState(context.Background(), state); err != nil {
		m.log.Warn().Err(err).Str("sessionID", state.Session.ID).Msg("archive snapshot failed")
	}
}

// StreamError is a turn failure: a transport error mid-stream or an
// Error record sent deliberately by the backend.
type StreamError struct {
	SessionID string
	Message   string
}

func (e *StreamError) Error() string {
	return "stream failed for session " + e.SessionID + ": " + e.Message
}
