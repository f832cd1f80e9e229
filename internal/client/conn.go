package client

import (
	"errors"
	"sync"
)

// ErrConnClosed rejects sends on a torn-down connection.
var ErrConnClosed = errors.New("client connection closed")

// Conn is the consumer end of the boundary. The boundary is
// transport-agnostic; only serialized commands and responses cross it.
type Conn interface {
	Send(cmd Command) error
	Responses() <-chan Response
	Done() <-chan struct{}
	Close() error
}

// ServerConn is the engine end of the boundary.
type ServerConn interface {
	Commands() <-chan Command
	Send(resp Response) error
	Done() <-chan struct{}
	Close() error
}

// pipe is the in-process implementation: a channel pair shared by both
// ends. Closing either end tears down both.
type pipe struct {
	cmds  chan Command
	resps chan Response
	done  chan struct{}
	once  sync.Once
}

// Pipe creates a connected in-process Conn/ServerConn pair.
func Pipe() (Conn, ServerConn) {
	p := &pipe{
		cmds:  make(chan Command, 64),
		resps: make(chan Response, 64),
		done:  make(chan struct{}),
	}
	return clientEnd{p}, serverEnd{p}
}

func (p *pipe) close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type clientEnd struct{ *pipe }

func (c clientEnd) Send(cmd Command) error {
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

func (c clientEnd) Responses() <-chan Response { return c.resps }
func (c clientEnd) Done() <-chan struct{}      { return c.done }
func (c clientEnd) Close() error               { return c.close() }

type serverEnd struct{ *pipe }

func (s serverEnd) Send(resp Response) error {
	select {
	case s.resps <- resp:
		return nil
	case <-s.done:
		return ErrConnClosed
	}
}

func (s serverEnd) Commands() <-chan Command { return s.cmds }
func (s serverEnd) Done() <-chan struct{}    { return s.done }
func (s serverEnd) Close() error             { return s.close() }
