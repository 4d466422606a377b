// Package proxy supervises one child MCP server subprocess and multiplexes
// concurrent JSON-RPC calls to it over its stdin/stdout.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/xandwr/mcpd/internal/mcptypes"
	"github.com/xandwr/mcpd/pkg/jsonrpc"
)

// Scanner buffer sizing: most MCP frames are small, but tools/list and
// resources/read results can be large. Start generous, allow growth up to a
// hard ceiling so one misbehaving child can't exhaust memory.
const (
	initialScanBuf = 256 * 1024
	maxScanBuf     = 10 * 1024 * 1024
)

var (
	// ErrClosed is returned by Call once the child's stdout has closed, and
	// by Start for an attached proxy whose peer is gone.
	ErrClosed = errors.New("proxy: closed")
	// ErrNotStarted is returned by operations that require Start to have
	// run first.
	ErrNotStarted = errors.New("proxy: not started")
)

// Proxy owns one child MCP server process and fans concurrent Call
// invocations over its single stdin/stdout pipe pair, correlating responses
// by request ID. A dedicated reader goroutine owns stdout exclusively so a
// slow or stalled child never blocks unrelated callers waiting on their own
// response — the bug this design corrects held a single lock across both
// the write and the blocking read.
type Proxy struct {
	name string
	argv []string
	env  map[string]string

	log *slog.Logger

	nextID atomic.Int64

	startMu sync.Mutex
	writeMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpc.Response

	initMu   sync.Mutex
	initDone bool

	done chan struct{} // closed when the reader goroutine exits (child died or stdout closed)

	closeOnce sync.Once
}

// New builds a Proxy for the given child server. argv[0] is the executable,
// argv[1:] its arguments. Start must be called before any other method.
func New(name string, argv []string, env map[string]string, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{
		name:    name,
		argv:    argv,
		env:     env,
		log:     log.With("proxy", name),
		pending: make(map[int64]chan *jsonrpc.Response),
		done:    make(chan struct{}),
	}
}

// Name returns the registered name this proxy was built with.
func (p *Proxy) Name() string { return p.name }

// NewAttached builds a Proxy already wired to an open stdin/stdout pair,
// skipping subprocess spawning entirely. It exists for tests (see
// internal/proxy/proxytest) that simulate a child over an in-process pipe.
func NewAttached(name string, stdin io.WriteCloser, stdout io.ReadCloser, log *slog.Logger) *Proxy {
	p := New(name, nil, nil, log)
	p.attach(stdin, stdout)
	return p
}

// Start spawns the child process and begins the background reader, entering
// the Running state. If the proxy is already running, Start is a no-op. If a
// prior child has died (its reader goroutine has exited and closed done),
// Start tears down the stale state and respawns, re-entering Spawning —
// mirroring the Running{*}→Idle→Spawning cycle driven by a fresh start()
// call. It does not perform the MCP initialize handshake; call EnsureReady
// for that, which calls Start first.
func (p *Proxy) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.writeMu.Lock()
	alreadyAttached := p.stdin != nil
	p.writeMu.Unlock()

	if alreadyAttached {
		select {
		case <-p.done:
			// prior child died; fall through and respawn below.
		default:
			return nil // already running
		}
	}

	if len(p.argv) == 0 {
		if !alreadyAttached {
			return fmt.Errorf("proxy %s: empty argv", p.name)
		}
		// An attached (argv-less) proxy has no command to respawn from.
		return ErrClosed
	}

	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	if len(p.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range p.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("proxy %s: stdin pipe: %w", p.name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("proxy %s: stdout pipe: %w", p.name, err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return fmt.Errorf("proxy %s: start: %w", p.name, err)
	}

	// Reset per-spawn state: a new child means a new handshake and an empty
	// pending table. The old reader goroutine drained its waiters with
	// "EOF from subprocess" before closing the old done channel; any entry
	// registered after that is failed here with "proxy restarted".
	p.initMu.Lock()
	p.initDone = false
	p.initMu.Unlock()

	p.drainPending("proxy restarted")

	p.cmd = cmd
	p.done = make(chan struct{})
	p.attach(stdin, stdout)
	go p.waitLoop()

	return nil
}

// attach wires an already-open stdin/stdout pair into the proxy and starts
// the reader goroutine. Start uses it with a real subprocess's pipes;
// proxytest uses it directly with an io.Pipe pair so unit tests never need
// to spawn a real process.
func (p *Proxy) attach(stdin io.WriteCloser, stdout io.ReadCloser) {
	p.writeMu.Lock()
	p.stdin = stdin
	p.writeMu.Unlock()
	go p.readLoop(stdout)
}

// waitLoop reaps the child once it exits, so a dead process never lingers
// as a zombie; it does not itself close p.done (readLoop does that once
// stdout actually returns EOF).
func (p *Proxy) waitLoop() {
	_ = p.cmd.Wait()
}

// readLoop is the single reader of the child's stdout. It owns this stream
// exclusively: no other goroutine ever reads from it, so a Call blocked
// waiting on its response channel never holds a lock the reader needs to
// make progress.
func (p *Proxy) readLoop(stdout io.ReadCloser) {
	defer close(p.done)
	defer stdout.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, initialScanBuf), maxScanBuf)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp, err := jsonrpc.DecodeResponse(line)
		if err != nil {
			p.log.Warn("discarding unparseable line from child", "error", err)
			continue
		}
		p.deliver(resp)
	}

	msg := "EOF from subprocess"
	if err := scanner.Err(); err != nil {
		p.log.Warn("child stdout scanner stopped", "error", err)
		msg = "read error"
	}

	p.drainPending(msg)
}

func (p *Proxy) deliver(resp *jsonrpc.Response) {
	num, ok := resp.ID.Number()
	if !ok {
		p.log.Warn("response has non-numeric id, cannot correlate")
		return
	}
	p.pendingMu.Lock()
	ch, ok := p.pending[num]
	if ok {
		delete(p.pending, num)
	}
	p.pendingMu.Unlock()

	if !ok {
		p.log.Warn("response for unknown or already-delivered id", "id", num)
		return
	}
	ch <- resp
}

// drainPending unblocks every still-waiting Call once the child has died or
// closed its stdout, rather than leaving them hanging forever.
func (p *Proxy) drainPending(msg string) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id, ch := range p.pending {
		ch <- jsonrpc.NewErrorResponse(jsonrpc.NewNumberID(id), -1, msg)
		delete(p.pending, id)
	}
}

// call sends req and blocks for its matching response, or until ctx is
// cancelled or the child dies. It holds writeMu only across the write, never
// across the wait — the wait is satisfied by a channel the reader goroutine
// delivers to independently.
func (p *Proxy) call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id := p.nextID.Add(1)
	req, err := jsonrpc.NewRequest(jsonrpc.NewNumberID(id), method, params)
	if err != nil {
		return nil, err
	}
	line, err := jsonrpc.Encode(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *jsonrpc.Response, 1)
	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()

	p.writeMu.Lock()
	stdin := p.stdin
	if stdin == nil {
		p.writeMu.Unlock()
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, ErrNotStarted
	}
	_, werr := stdin.Write(append(line, '\n'))
	p.writeMu.Unlock()
	if werr != nil {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, fmt.Errorf("proxy %s: write: %w", p.name, werr)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	}
}

// notify sends a fire-and-forget notification; there is no response to wait
// for.
func (p *Proxy) notify(method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	line, err := jsonrpc.Encode(n)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdin == nil {
		return ErrNotStarted
	}
	_, err = p.stdin.Write(append(line, '\n'))
	return err
}

// Call sends method with params and unmarshals the result into a value of
// type T. It returns the child's RPC error, if any, as a *jsonrpc.Error.
func Call[T any](ctx context.Context, p *Proxy, method string, params any) (T, error) {
	var zero T
	resp, err := p.call(ctx, method, params)
	if err != nil {
		return zero, err
	}
	if resp.Error != nil {
		return zero, resp.Error
	}
	var result T
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return zero, fmt.Errorf("proxy %s: unmarshal result: %w", p.name, err)
		}
	}
	return result, nil
}

// EnsureReady makes sure a child is running (respawning a dead one via
// Start) and performs the MCP initialize handshake exactly once per child,
// even if called concurrently by multiple dispatching goroutines. A failed
// handshake is never latched: initDone is only ever set on success, so a
// transient initialize failure against a still-live child is retried on the
// next call rather than cached forever.
func (p *Proxy) EnsureReady(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.initDone {
		return nil
	}

	params := mcptypes.InitializeParams{
		ProtocolVersion: mcptypes.ProtocolVersion,
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo:      mcptypes.ClientInfo{Name: "mcpd", Version: "0.1.0"},
	}
	_, err := Call[mcptypes.InitializeResult](ctx, p, "initialize", params)
	if err != nil {
		return fmt.Errorf("proxy %s: initialize: %w", p.name, err)
	}

	if err := p.notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("proxy %s: notifications/initialized: %w", p.name, err)
	}

	p.initDone = true
	return nil
}

// ListTools returns the child's advertised tools.
func (p *Proxy) ListTools(ctx context.Context) ([]mcptypes.Tool, error) {
	res, err := Call[mcptypes.ListToolsResult](ctx, p, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

// CallTool invokes one tool by name with the given arguments.
func (p *Proxy) CallTool(ctx context.Context, name string, args json.RawMessage) (mcptypes.CallToolResult, error) {
	return Call[mcptypes.CallToolResult](ctx, p, "tools/call", mcptypes.CallToolParams{Name: name, Arguments: args})
}

// ListResources returns the child's advertised resources.
func (p *Proxy) ListResources(ctx context.Context) ([]mcptypes.Resource, error) {
	res, err := Call[mcptypes.ListResourcesResult](ctx, p, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	return res.Resources, nil
}

// ReadResource fetches one resource by URI.
func (p *Proxy) ReadResource(ctx context.Context, uri string) (mcptypes.ReadResourceResult, error) {
	return Call[mcptypes.ReadResourceResult](ctx, p, "resources/read", mcptypes.ReadResourceParams{URI: uri})
}

// ListPrompts returns the child's advertised prompts.
func (p *Proxy) ListPrompts(ctx context.Context) ([]mcptypes.Prompt, error) {
	res, err := Call[mcptypes.ListPromptsResult](ctx, p, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	return res.Prompts, nil
}

// GetPrompt fetches one rendered prompt by name.
func (p *Proxy) GetPrompt(ctx context.Context, name string, args map[string]string) (mcptypes.GetPromptResult, error) {
	return Call[mcptypes.GetPromptResult](ctx, p, "prompts/get", mcptypes.GetPromptParams{Name: name, Arguments: args})
}

// Dead returns a channel closed when the child's stdout has been fully
// drained (process exited or stdout closed). Callers can select on it to
// detect an unexpected restart condition.
func (p *Proxy) Dead() <-chan struct{} { return p.done }

// Stop closes stdin (signaling EOF) and kills the child if it hasn't
// exited. Safe to call multiple times.
func (p *Proxy) Stop() error {
	var err error
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		if p.stdin != nil {
			err = p.stdin.Close()
		}
		p.writeMu.Unlock()

		if p.cmd != nil && p.cmd.Process != nil {
			if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				if err == nil {
					err = kerr
				}
			}
		}
	})
	return err
}
