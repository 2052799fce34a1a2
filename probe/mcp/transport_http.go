package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// maxResponseBytes caps a single response body.
const maxResponseBytes = 4 << 20

// HTTPTransportConfig configures the streamable HTTP transport.
type HTTPTransportConfig struct {
	Endpoint string
	Headers  map[string]string
	Client   *http.Client
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mcp: endpoint returned status %d", e.StatusCode)
}

// HTTPTransport posts each message to an endpoint and queues the JSON-RPC
// reply found in the response body. Replies sent as a single server-sent
// event are unwrapped.
type HTTPTransport struct {
	cfg     HTTPTransportConfig
	replies chan Message

	mu        sync.Mutex
	sessionID string
	closed    bool
}

// NewHTTPTransport validates cfg and returns a transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("mcp: http endpoint is required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &HTTPTransport{cfg: cfg, replies: make(chan Message, 16)}, nil
}

// Send posts message and enqueues the reply, if any.
func (t *HTTPTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	closed, sessionID := t.closed, t.sessionID
	t.mu.Unlock()
	if closed {
		return errors.New("mcp: http transport is closed")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return &StatusError{StatusCode: resp.StatusCode}
	}
	if id := resp.Header.Get("Mcp-Session-Id"); id != "" {
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("mcp: read response: %w", err)
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		payload = eventData(payload)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	var reply Message
	if err := json.Unmarshal(payload, &reply); err != nil {
		return &DecodeError{Err: err}
	}
	select {
	case t.replies <- reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next queued reply.
func (t *HTTPTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case reply := <-t.replies:
		return reply, nil
	}
}

// Close marks the transport closed. HTTP sessions hold no connection.
func (t *HTTPTransport) Close(context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// eventData joins the data lines of the first event in an SSE body.
func eventData(body []byte) []byte {
	var out [][]byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			if len(out) > 0 {
				break
			}
			continue
		}
		if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			out = append(out, bytes.TrimPrefix(data, []byte(" ")))
		}
	}
	return bytes.Join(out, []byte("\n"))
}
