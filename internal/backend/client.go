// Package backend is the HTTP transport between the engine and its
// backend agent.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// secretHeader authenticates every request. Obtaining the secret is the
// embedding application's concern.
const secretHeader = "X-Secret-Key"

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether the error is a backend 404.
func IsNotFound(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.StatusCode == http.StatusNotFound
}

// Client talks to one backend instance.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient creates a transport client. The zero timeout on the inner
// http.Client is deliberate: turn streams are open-ended.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{},
	}
}

type replyRequest struct {
	SessionID         string          `json:"session_id"`
	UserMessage       types.Message   `json:"user_message"`
	ConversationSoFar []types.Message `json:"conversation_so_far,omitempty"`
}

type startRequest struct {
	WorkingDir string        `json:"working_dir"`
	Recipe     *types.Recipe `json:"recipe,omitempty"`
}

type sessionIDRequest struct {
	SessionID string `json:"session_id"`
}

// Reply begins one turn. The returned body is an open record stream to be
// consumed by a stream.Parser; cancelling ctx aborts the transport.
func (c *Client) Reply(ctx context.Context, sessionID string, userMessage types.Message, conversation []types.Message) (io.ReadCloser, error) {
	body, err := json.Marshal(replyRequest{
		SessionID:         sessionID,
		UserMessage:       userMessage,
		ConversationSoFar: conversation,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal reply request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/reply", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("begin turn: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}
	return resp.Body, nil
}

// Start creates a new session on the backend.
func (c *Client) Start(ctx context.Context, workingDir string, recipe *types.Recipe) (*types.Session, error) {
	body, err := json.Marshal(startRequest{WorkingDir: workingDir, Recipe: recipe})
	if err != nil {
		return nil, err
	}

	var session types.Session
	if err := c.doJSON(ctx, http.MethodPost, "/agent/start", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Resume fetches a session and its full conversation. Not streamed.
func (c *Client) Resume(ctx context.Context, sessionID string) (*types.SessionHistory, error) {
	body, err := json.Marshal(sessionIDRequest{SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	var history types.SessionHistory
	if err := c.doJSON(ctx, http.MethodPost, "/agent/resume", body, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

// Stop asks the backend to release session resources.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	body, err := json.Marshal(sessionIDRequest{SessionID: sessionID})
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/agent/stop", body, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.secretKey)
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	// Non-streaming calls get a bounded deadline.
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
}
