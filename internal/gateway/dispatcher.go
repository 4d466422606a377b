// Package gateway implements the upstream stdio loop: it owns the set of
// child proxies, performs the server-side MCP handshake, and dispatches
// tool calls according to whichever Policy the gateway was built with.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/xandwr/mcpd/internal/mcptypes"
	"github.com/xandwr/mcpd/internal/proxy"
	"github.com/xandwr/mcpd/internal/registry"
	"github.com/xandwr/mcpd/pkg/jsonrpc"
)

// Version is the gateway's self-reported version, echoed in the initialize
// handshake's serverInfo.
const Version = "0.1.0"

const (
	initialScanBuf = 256 * 1024
	maxScanBuf     = 10 * 1024 * 1024
)

// Policy decides how the gateway's virtual tool namespace maps onto the
// underlying child proxies. FlatPolicy and MetaPolicy are the two
// alternative shapes this spec names.
type Policy interface {
	ListTools(ctx context.Context, d *Dispatcher) (mcptypes.ListToolsResult, error)
	CallTool(ctx context.Context, d *Dispatcher, name string, args json.RawMessage) (mcptypes.CallToolResult, *jsonrpc.Error)
}

// Dispatcher owns the proxy set, the upstream stdio loop, and the
// server-side handshake state. One Dispatcher per gateway process.
type Dispatcher struct {
	runID  string
	log    *slog.Logger
	loader registry.Loader
	policy Policy

	proxiesMu sync.RWMutex
	proxies   map[string]*proxy.Proxy

	initMu      sync.Mutex
	initialized bool
}

// New builds a Dispatcher. loader supplies the registry snapshot;
// ensureProxies is called lazily, not at construction.
func New(loader registry.Loader, policy Policy, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		runID:   uuid.NewString(),
		log:     log,
		loader:  loader,
		policy:  policy,
		proxies: make(map[string]*proxy.Proxy),
	}
}

// ensureProxies walks the registry snapshot and creates a Proxy for every
// descriptor not already in the map. Existing proxies are retained;
// descriptors are not diffed against the map.
func (d *Dispatcher) ensureProxies(ctx context.Context) error {
	descs, err := d.loader.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("gateway: registry snapshot: %w", err)
	}

	for _, desc := range descs {
		d.proxiesMu.RLock()
		_, exists := d.proxies[desc.Name]
		d.proxiesMu.RUnlock()
		if exists {
			continue
		}

		p := proxy.New(desc.Name, desc.Argv, desc.Env, d.log)
		if err := p.Start(ctx); err != nil {
			d.log.Error("failed to start child proxy", "name", desc.Name, "error", err)
			continue
		}

		d.proxiesMu.Lock()
		d.proxies[desc.Name] = p
		d.proxiesMu.Unlock()
	}
	return nil
}

// Proxy returns the named proxy and whether it exists.
func (d *Dispatcher) Proxy(name string) (*proxy.Proxy, bool) {
	d.proxiesMu.RLock()
	defer d.proxiesMu.RUnlock()
	p, ok := d.proxies[name]
	return p, ok
}

// Proxies returns a stable snapshot of the current proxy set.
func (d *Dispatcher) Proxies() map[string]*proxy.Proxy {
	d.proxiesMu.RLock()
	defer d.proxiesMu.RUnlock()
	out := make(map[string]*proxy.Proxy, len(d.proxies))
	for k, v := range d.proxies {
		out[k] = v
	}
	return out
}

// Run drives the upstream stdio loop: read one line, dispatch it, write one
// response line, until in reaches EOF. It returns nil on a clean EOF-driven
// shutdown.
func (d *Dispatcher) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, initialScanBuf), maxScanBuf)

	var writeMu sync.Mutex
	writeLine := func(v any) {
		line, err := jsonrpc.Encode(v)
		if err != nil {
			d.log.Error("failed to encode response", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := out.Write(append(line, '\n')); err != nil {
			d.log.Error("failed to write upstream response", "error", err)
		}
	}

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}

		if req, err := jsonrpc.DecodeRequest(line); err == nil {
			resp := d.handleRequest(ctx, req)
			writeLine(resp)
			continue
		}
		if n, err := jsonrpc.DecodeNotification(line); err == nil {
			d.handleNotification(n)
			continue
		}
		d.log.Warn("discarding line that is neither request nor notification", "line", string(line))
	}

	if err := scanner.Err(); err != nil {
		d.log.Error("upstream read error", "error", err)
	}

	d.Shutdown()
	return nil
}

func (d *Dispatcher) handleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "tools/list":
		return d.handleToolsList(ctx, req)
	case "tools/call":
		return d.handleToolsCall(ctx, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, -32601, "Unknown method: "+req.Method)
	}
}

func (d *Dispatcher) handleNotification(n *jsonrpc.Notification) {
	switch n.Method {
	case "notifications/initialized":
		d.log.Debug("upstream reports initialized")
	case "notifications/cancelled":
		d.log.Debug("upstream cancelled a call")
	default:
		d.log.Debug("ignoring unknown notification", "method", n.Method)
	}
}

func (d *Dispatcher) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	d.initMu.Lock()
	d.initialized = true
	d.initMu.Unlock()
	d.log.Info("upstream initialized", "gateway_run_id", d.runID)

	result := mcptypes.InitializeResult{
		ProtocolVersion: mcptypes.ProtocolVersion,
		Capabilities: mcptypes.ServerCapabilities{
			Tools: &mcptypes.ToolsCapability{ListChanged: false},
		},
		ServerInfo: mcptypes.ServerInfo{Name: "mcpd", Version: Version},
	}
	resp, err := jsonrpc.NewSuccessResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, -32603, err.Error())
	}
	return resp
}

func (d *Dispatcher) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if err := d.ensureProxies(ctx); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, -1, err.Error())
	}
	result, err := d.policy.ListTools(ctx, d)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, -1, err.Error())
	}
	resp, err := jsonrpc.NewSuccessResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, -32603, err.Error())
	}
	return resp
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if err := d.ensureProxies(ctx); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, -1, err.Error())
	}

	var params mcptypes.CallToolParams
	if len(req.Params) == 0 {
		return jsonrpc.NewErrorResponse(req.ID, -32602, "Missing params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, -32602, "Invalid params: "+err.Error())
	}

	result, rpcErr := d.policy.CallTool(ctx, d, params.Name, params.Arguments)
	if rpcErr != nil {
		return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: rpcErr}
	}
	resp, err := jsonrpc.NewSuccessResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, -32603, err.Error())
	}
	return resp
}

// Shutdown stops every known proxy, best-effort. It never blocks on a
// child's exit.
func (d *Dispatcher) Shutdown() {
	d.proxiesMu.RLock()
	proxies := make([]*proxy.Proxy, 0, len(d.proxies))
	for _, p := range d.proxies {
		proxies = append(proxies, p)
	}
	d.proxiesMu.RUnlock()

	for _, p := range proxies {
		if err := p.Stop(); err != nil {
			d.log.Warn("error stopping proxy", "name", p.Name(), "error", err)
		}
	}
}

// toolFailureResult wraps a protocol-level failure as a successful
// CallToolResult with isError:true, per this gateway's error-wrapping rule
// for backend tool failures.
func toolFailureResult(format string, args ...any) mcptypes.CallToolResult {
	return mcptypes.CallToolResult{
		Content: []mcptypes.Content{mcptypes.TextContent("Error: " + fmt.Sprintf(format, args...))},
		IsError: true,
	}
}
