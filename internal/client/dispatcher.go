package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// Dispatcher adapts one Manager to any number of connections. All conns
// see the same registry, so state is consistent across every proxy.
type Dispatcher struct {
	manager *session.Manager
	log     zerolog.Logger
}

// NewDispatcher creates a dispatcher over the manager.
func NewDispatcher(m *session.Manager) *Dispatcher {
	return &Dispatcher{manager: m, log: logging.ForComponent("dispatcher")}
}

// Serve drives one connection until it closes. Blocking; run one
// goroutine per conn. Subscriptions held by the conn are released on
// teardown.
func (d *Dispatcher) Serve(conn ServerConn) {
	out := newOutbox(conn)
	defer out.close()

	subs := make(map[string]func())
	defer func() {
		for _, unsub := range subs {
			unsub()
		}
	}()

	for {
		select {
		case <-conn.Done():
			return
		case cmd := <-conn.Commands():
			d.handle(cmd, out, subs)
		}
	}
}

// handle runs on the serve goroutine. Blocking verbs move to their own
// goroutine so a long turn never stalls the command feed.
func (d *Dispatcher) handle(cmd Command, out *outbox, subs map[string]func()) {
	reply := func(resp Response) {
		resp.ID = cmd.ID
		resp.Verb = cmd.Verb
		if resp.SessionID == "" {
			resp.SessionID = cmd.SessionID
		}
		out.send(resp)
	}
	fail := func(err error) {
		reply(Response{Type: ResponseError, Error: err.Error()})
	}

	switch cmd.Verb {
	case VerbInit:
		reply(Response{Type: ResponseReady})

	case VerbInitSession:
		if err := d.manager.InitSession(cmd.SessionID); err != nil {
			fail(err)
			return
		}
		reply(Response{Type: ResponseAck})

	case VerbLoadSession:
		go func() {
			state, err := d.manager.LoadSession(context.Background(), cmd.SessionID)
			if err != nil {
				fail(err)
				return
			}
			reply(Response{Type: ResponseSessionLoaded, State: &state})
		}()

	case VerbStartStream:
		var userMessage types.Message
		if cmd.UserMessage != nil {
			userMessage = *cmd.UserMessage
		}
		go func() {
			err := d.manager.StartStream(context.Background(), cmd.SessionID, userMessage, cmd.Messages)
			var streamErr *session.StreamError
			switch {
			case err == nil:
				reply(Response{Type: ResponseStreamFinished})
			case errors.As(err, &streamErr):
				// The turn ran and failed; rejections that never
				// reached the transport go back as plain errors.
				reply(Response{Type: ResponseStreamFinished, Error: streamErr.Message})
			default:
				fail(err)
			}
		}()

	case VerbStopStream:
		if err := d.manager.StopStream(cmd.SessionID); err != nil {
			fail(err)
			return
		}
		reply(Response{Type: ResponseAck})

	case VerbDestroySession:
		if err := d.manager.DestroySession(cmd.SessionID); err != nil {
			fail(err)
			return
		}
		reply(Response{Type: ResponseAck})

	case VerbGetSessionState:
		state, err := d.manager.GetSessionState(cmd.SessionID)
		if err != nil {
			fail(err)
			return
		}
		reply(Response{Type: ResponseSessionState, State: state})

	case VerbGetAllSessions:
		sessions, err := d.manager.GetAllSessions()
		if err != nil {
			fail(err)
			return
		}
		reply(Response{Type: ResponseAllSessions, Sessions: sessions})

	case VerbSubscribeSession:
		if _, ok := subs[cmd.SessionID]; !ok {
			sid := cmd.SessionID
			subs[sid] = d.manager.Subscribe(sid, func(update session.Update) {
				u := update
				out.send(Response{Type: ResponseSessionUpdate, SessionID: sid, Update: &u})
			})
		}
		reply(Response{Type: ResponseAck})

	case VerbUnsubscribeSession:
		if unsub, ok := subs[cmd.SessionID]; ok {
			unsub()
			delete(subs, cmd.SessionID)
		}
		reply(Response{Type: ResponseAck})

	default:
		d.log.Warn().Str("verb", string(cmd.Verb)).Msg("unknown command verb")
		fail(fmt.Errorf("unknown verb %q", cmd.Verb))
	}
}

// outbox is an ordered, unbounded response queue. Manager subscription
// callbacks run on the engine's dispatch goroutine and must never block;
// they append here and a pump goroutine drains to the conn.
type outbox struct {
	conn ServerConn
	kick chan struct{}

	mu     sync.Mutex
	queue  []Response
	closed bool
}

func newOutbox(conn ServerConn) *outbox {
	o := &outbox{conn: conn, kick: make(chan struct{}, 1)}
	go o.pump()
	return o
}

func (o *outbox) send(resp Response) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, resp)
	o.mu.Unlock()
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *outbox) pump() {
	for {
		select {
		case <-o.conn.Done():
			return
		case <-o.kick:
		}
		for {
			o.mu.Lock()
			if len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			resp := o.queue[0]
			o.queue = o.queue[1:]
			o.mu.Unlock()
			if o.conn.Send(resp) != nil {
				return
			}
		}
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()
}
