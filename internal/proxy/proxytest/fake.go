// Package proxytest provides an in-process fake MCP child server for unit
// tests that exercise internal/proxy without spawning a real subprocess.
package proxytest

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/xandwr/mcpd/internal/mcptypes"
	"github.com/xandwr/mcpd/internal/proxy"
	"github.com/xandwr/mcpd/pkg/jsonrpc"
)

// Handler answers one decoded request, returning the value to place in the
// response's result field (or an error to send back as an RPC error).
type Handler func(method string, params json.RawMessage) (any, *jsonrpc.Error)

// Fake is a minimal MCP server wired to a Proxy over an in-process pipe
// pair, with no real process involved.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler

	clientStdin  *io.PipeWriter // gateway writes here
	serverStdout *io.PipeReader // fake server reads its "stdin" from here

	serverStdin  *io.PipeWriter // fake server writes responses here
	clientStdout *io.PipeReader // gateway's Proxy reads from here

	stopped chan struct{}
}

// New builds a Fake with the default echo/fail tool handlers registered,
// matching the canonical mock MCP server's tool set.
func New() *Fake {
	sr, cw := io.Pipe()
	cr, sw := io.Pipe()

	f := &Fake{
		handlers:     map[string]Handler{},
		clientStdin:  cw,
		serverStdout: sr,
		serverStdin:  sw,
		clientStdout: cr,
		stopped:      make(chan struct{}),
	}
	f.registerDefaults()
	go f.serve()
	return f
}

// Attach builds a Proxy wired to this fake's pipes.
func (f *Fake) Attach(name string) *proxy.Proxy {
	return proxy.NewAttached(name, f.clientStdin, f.clientStdout, slog.Default())
}

// Handle overrides or adds a handler for method.
func (f *Fake) Handle(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

// Close stops the fake server and closes its side of the pipes.
func (f *Fake) Close() {
	_ = f.serverStdin.Close()
	_ = f.serverStdout.Close()
}

func (f *Fake) registerDefaults() {
	f.handlers["initialize"] = func(method string, params json.RawMessage) (any, *jsonrpc.Error) {
		return mcptypes.InitializeResult{
			ProtocolVersion: mcptypes.ProtocolVersion,
			Capabilities: mcptypes.ServerCapabilities{
				Tools: &mcptypes.ToolsCapability{},
			},
			ServerInfo: mcptypes.ServerInfo{Name: "proxytest-fake", Version: "0.0.0"},
		}, nil
	}
	f.handlers["tools/list"] = func(method string, params json.RawMessage) (any, *jsonrpc.Error) {
		return mcptypes.ListToolsResult{Tools: []mcptypes.Tool{
			{Name: "echo", Description: "echoes its input"},
			{Name: "fail", Description: "always fails"},
		}}, nil
	}
	f.handlers["tools/call"] = func(method string, params json.RawMessage) (any, *jsonrpc.Error) {
		var p mcptypes.CallToolParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &jsonrpc.Error{Code: -32602, Message: "invalid params"}
		}
		switch p.Name {
		case "fail":
			return mcptypes.CallToolResult{
				Content: []mcptypes.Content{mcptypes.TextContent("Error: tool failed intentionally")},
				IsError: true,
			}, nil
		default:
			return mcptypes.CallToolResult{
				Content: []mcptypes.Content{mcptypes.TextContent(string(p.Arguments))},
			}, nil
		}
	}
}

// serve is the fake server's own single-goroutine read/dispatch/write loop:
// the mirror image of Proxy's readLoop, running on the other end of the
// pipe pair.
func (f *Fake) serve() {
	defer close(f.stopped)
	scanner := bufio.NewScanner(f.serverStdout)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}

		if req, err := jsonrpc.DecodeRequest(line); err == nil {
			f.respond(req)
			continue
		}
		if n, err := jsonrpc.DecodeNotification(line); err == nil {
			_ = n // notifications (e.g. notifications/initialized) need no reply
			continue
		}
	}
}

func (f *Fake) respond(req *jsonrpc.Request) {
	f.mu.Lock()
	h, ok := f.handlers[req.Method]
	f.mu.Unlock()

	var resp *jsonrpc.Response
	if !ok {
		resp = jsonrpc.NewErrorResponse(req.ID, -32601, "method not found: "+req.Method)
	} else {
		result, rpcErr := h(req.Method, req.Params)
		if rpcErr != nil {
			resp = &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: rpcErr}
		} else {
			var err error
			resp, err = jsonrpc.NewSuccessResponse(req.ID, result)
			if err != nil {
				resp = jsonrpc.NewErrorResponse(req.ID, -32603, err.Error())
			}
		}
	}

	line, err := jsonrpc.Encode(resp)
	if err != nil {
		return
	}
	_, _ = f.serverStdin.Write(append(line, '\n'))
}
