package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const protocolVersion = "2024-11-05"

// StdioTransport speaks JSON-RPC with a tool server subprocess over its
// stdin/stdout, one message per line.
type StdioTransport struct {
	command string
	args    []string

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	connected   bool
	nextID      int
	pendingReqs map[int]chan *rpcResponse

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport builds a transport for the given command line, e.g.
// "npx my-tool-server --stdio". The subprocess is not started until Connect.
func NewStdioTransport(commandLine string) *StdioTransport {
	parts := strings.Fields(commandLine)
	var command string
	var args []string
	if len(parts) > 0 {
		command = parts[0]
		args = parts[1:]
	}
	return &StdioTransport{
		command:     command,
		args:        args,
		nextID:      1,
		pendingReqs: make(map[int]chan *rpcResponse),
		done:        make(chan struct{}),
	}
}

// Connect starts the subprocess, begins the reader loops, and performs the
// initialize handshake.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.command == "" {
		t.mu.Unlock()
		return errors.New("empty command for stdio transport")
	}

	t.cmd = exec.Command(t.command, t.args...)
	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := t.cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := t.cmd.Start(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("start %s: %w", t.command, err)
	}
	t.stdin = stdin
	t.connected = true
	t.wg.Add(2)
	go t.readStdout(stdout)
	go t.readStderr(stderr)
	t.mu.Unlock()

	return t.initialize(ctx)
}

func (t *StdioTransport) initialize(ctx context.Context) error {
	_, err := t.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "chatforge",
			"version": "1.0.0",
		},
	})
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	// The initialized notification carries no ID and gets no reply.
	notification, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdin != nil {
		_, _ = t.stdin.Write(append(notification, '\n'))
	}
	return nil
}

// Close kills the subprocess and fails every pending call. Safe to call more
// than once and from any exit path.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.connected = false
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		close(t.done)
		for id, ch := range t.pendingReqs {
			close(ch)
			delete(t.pendingReqs, id)
		}
		t.mu.Unlock()

		finished := make(chan struct{})
		go func() {
			t.wg.Wait()
			if t.cmd != nil {
				_ = t.cmd.Wait()
			}
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(time.Second):
			slog.Warn("timeout waiting for tool server readers to exit")
		}
	})
	return nil
}

func (t *StdioTransport) readStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		slog.Debug("tool server stderr", "line", scanner.Text())
	}
}

func (t *StdioTransport) readStdout(stdout io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Warn("tool server sent unparsable line", "err", err)
			continue
		}
		if resp.ID == 0 {
			// Server notification; nothing consumes these.
			continue
		}
		t.mu.Lock()
		ch, ok := t.pendingReqs[resp.ID]
		if ok {
			delete(t.pendingReqs, resp.ID)
			ch <- &resp
		}
		t.mu.Unlock()
	}
}

func (t *StdioTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, errors.New("tool server not connected")
	}
	id := t.nextID
	t.nextID++
	ch := make(chan *rpcResponse, 1)
	t.pendingReqs[id] = ch

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, err
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, fmt.Errorf("write request: %w", err)
	}
	t.mu.Unlock()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, errors.New("tool server connection closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("tool server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-t.done:
		return nil, errors.New("tool server connection closed")
	}
}

// ListTools performs tools/list capability discovery.
func (t *StdioTransport) ListTools(ctx context.Context) ([]ToolSchema, error) {
	result, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	var payload struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("parse tools response: %w", err)
	}
	return payload.Tools, nil
}

// CallTool invokes a remote tool and returns its text output.
func (t *StdioTransport) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	result, err := t.call(ctx, "tools/call", params)
	if err != nil {
		return "", err
	}
	var payload callToolResult
	if err := json.Unmarshal(result, &payload); err != nil {
		return "", fmt.Errorf("parse call result: %w", err)
	}
	var sb strings.Builder
	for _, block := range payload.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if payload.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, sb.String())
	}
	return sb.String(), nil
}

var _ Transport = (*StdioTransport)(nil)
