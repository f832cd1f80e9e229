// Package testutil provides harness helpers for the integration suite:
// a stub backend bound to a real listener and a fully wired engine.
package testutil

import (
	"net/http/httptest"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/stub"
	"github.com/agentdeck/agentdeck/internal/client"
	"github.com/agentdeck/agentdeck/internal/session"
)

// SecretKey authenticates every harness request to the stub backend.
const SecretKey = "integration-secret"

// Backend is a stub backend served over HTTP.
type Backend struct {
	BaseURL string
	srv     *httptest.Server
}

// StartBackend runs the stub on an httptest listener.
func StartBackend(opts stub.Options) *Backend {
	if opts.SecretKey == "" {
		opts.SecretKey = SecretKey
	}
	srv := httptest.NewServer(stub.New(opts).Handler())
	return &Backend{BaseURL: srv.URL, srv: srv}
}

// Stop shuts the backend down.
func (b *Backend) Stop() {
	b.srv.Close()
}

// Engine bundles a manager with one served proxy, wired the way an
// embedding UI would wire it.
type Engine struct {
	Client  *backend.Client
	Manager *session.Manager
	Proxy   *client.Proxy

	proxies []*client.Proxy
}

// NewEngine builds an engine against the backend at baseURL.
func NewEngine(baseURL string, opts ...session.Option) *Engine {
	return NewEngineWithSecret(baseURL, SecretKey, opts...)
}

// NewEngineWithSecret builds an engine using an explicit secret, so
// tests can exercise the rejection path.
func NewEngineWithSecret(baseURL, secret string, opts ...session.Option) *Engine {
	c := backend.NewClient(baseURL, secret)
	m := session.NewManager(c, opts...)
	e := &Engine{Client: c, Manager: m}
	e.Proxy = e.NewProxy()
	return e
}

// NewProxy attaches another proxy to the same manager, like a second
// chat tab in the same process.
func (e *Engine) NewProxy() *client.Proxy {
	clientConn, serverConn := client.Pipe()
	go client.NewDispatcher(e.Manager).Serve(serverConn)
	p := client.NewProxy(clientConn)
	e.proxies = append(e.proxies, p)
	return p
}

// Close tears down every proxy and the manager.
func (e *Engine) Close() {
	for _, p := range e.proxies {
		p.Close()
	}
	e.Manager.Close()
}
