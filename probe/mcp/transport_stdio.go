package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
)

// StdioTransportConfig describes the provider subprocess.
type StdioTransportConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// StdioTransport exchanges newline-delimited JSON-RPC messages with a
// subprocess. The process is killed on Close or when the start context ends.
type StdioTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	replies chan Message
	failed  chan error
	exited  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewStdioTransport spawns cfg.Command. The context bounds the lifetime of
// the subprocess.
func NewStdioTransport(ctx context.Context, cfg StdioTransportConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcp: stdio command is required")
	}

	// #nosec G204 -- command and args come from operator configuration.
	cmd := exec.CommandContext(ctx, cfg.Command, slices.Clone(cfg.Args)...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(cfg.Env)...)
	}
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: stdio start %s: %w", cfg.Command, err)
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		replies: make(chan Message, 16),
		failed:  make(chan error, 1),
		exited:  make(chan struct{}),
	}
	go t.read(stdout)
	go t.wait()
	return t, nil
}

func (t *StdioTransport) read(stdout io.Reader) {
	decoder := json.NewDecoder(bufio.NewReader(stdout))
	for {
		var message Message
		if err := decoder.Decode(&message); err != nil {
			if errors.Is(err, io.EOF) {
				t.fail(errors.New("mcp: stdio process closed stdout"))
			} else {
				t.fail(&DecodeError{Err: err})
			}
			return
		}
		select {
		case t.replies <- message:
		case <-t.exited:
			return
		}
	}
}

func (t *StdioTransport) wait() {
	err := t.cmd.Wait()
	close(t.exited)

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if err != nil && !closed {
		t.fail(fmt.Errorf("mcp: stdio process exited: %w", err))
	}
}

func (t *StdioTransport) fail(err error) {
	select {
	case t.failed <- err:
	default:
	}
}

// Send writes one message followed by a newline.
func (t *StdioTransport) Send(_ context.Context, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("mcp: stdio transport is closed")
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

// Receive returns the next message from the subprocess.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case message := <-t.replies:
		return message, nil
	case err := <-t.failed:
		return Message{}, err
	}
}

// Close kills the subprocess and waits for it to exit.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	select {
	case <-t.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func envList(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}
