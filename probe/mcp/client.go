// Package mcp is a minimal Model Context Protocol client used to ask a tool
// provider which tools it serves. It speaks JSON-RPC 2.0 over either an HTTP
// endpoint or a spawned subprocess's stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

const (
	defaultProtocolVersion = "2025-06-18"
	defaultClientName      = "switchboard"

	// maxToolPages bounds tools/list pagination against servers that keep
	// returning a cursor.
	maxToolPages = 32
)

// Transport moves JSON-RPC messages to and from a server.
type Transport interface {
	Send(ctx context.Context, message Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

// Options sets the identity announced during initialize.
type Options struct {
	ProtocolVersion string
	ClientInfo      Implementation
}

// Client issues requests over one transport. It is not safe to run two
// requests concurrently on the same client; probing uses one client per call.
type Client struct {
	transport Transport
	options   Options
	nextID    atomic.Int64
}

// NewClient wraps transport.
func NewClient(transport Transport, options Options) *Client {
	if options.ProtocolVersion == "" {
		options.ProtocolVersion = defaultProtocolVersion
	}
	if options.ClientInfo.Name == "" {
		options.ClientInfo.Name = defaultClientName
	}
	c := &Client{transport: transport, options: options}
	c.nextID.Store(1)
	return c
}

// Initialize runs the handshake and sends notifications/initialized.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	var result InitializeResult
	params := initializeParams{
		ProtocolVersion: c.options.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.options.ClientInfo,
	}
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return InitializeResult{}, err
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return InitializeResult{}, err
	}
	return result, nil
}

// ListTools follows tools/list cursors and returns every tool the server
// advertises.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var (
		tools  []Tool
		cursor string
	)
	for page := 0; page < maxToolPages; page++ {
		var result toolsListResult
		if err := c.call(ctx, "tools/list", toolsListParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" || result.NextCursor == cursor {
			return tools, nil
		}
		cursor = result.NextCursor
	}
	return nil, &RequestError{Method: "tools/list", Err: fmt.Errorf("more than %d pages", maxToolPages)}
}

// Close releases the transport.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.transport == nil {
		return nil
	}
	return c.transport.Close(ctx)
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if c == nil || c.transport == nil {
		return &RequestError{Method: method, Err: errors.New("transport is nil")}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return &RequestError{Method: method, Err: fmt.Errorf("encode params: %w", err)}
	}

	id := c.nextID.Add(1) - 1
	if err := c.transport.Send(ctx, Message{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: raw}); err != nil {
		return &RequestError{Method: method, Err: err}
	}

	for {
		response, err := c.transport.Receive(ctx)
		if err != nil {
			return &RequestError{Method: method, Err: err}
		}
		if response.JSONRPC != "" && response.JSONRPC != jsonRPCVersion {
			return &RequestError{Method: method, Err: fmt.Errorf("unsupported jsonrpc version %q", response.JSONRPC)}
		}
		// Server notifications and stale responses are skipped.
		if !response.IsResponseTo(id) {
			continue
		}
		if response.Error != nil {
			return &RequestError{Method: method, Err: response.Error}
		}
		if out == nil || len(response.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(response.Result, out); err != nil {
			return &RequestError{Method: method, Err: &DecodeError{Err: err}}
		}
		return nil
	}
}

func (c *Client) notify(ctx context.Context, method string) error {
	return c.transport.Send(ctx, Message{JSONRPC: jsonRPCVersion, Method: method})
}

// DecodeError reports a response that arrived but could not be understood.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode result: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }
