package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/xandwr/mcpd/internal/mcptypes"
	"github.com/xandwr/mcpd/pkg/jsonrpc"
)

const prefixSep = "__"

// FlatPolicy exposes every backend tool directly under a prefixed name
// "childName__toolName" (Policy A, transparent aggregation).
type FlatPolicy struct {
	mu      sync.RWMutex
	toolMap map[string]flatEntry // prefixed name -> (proxy name, original tool name)
}

type flatEntry struct {
	proxyName string
	toolName  string
}

// NewFlatPolicy builds an empty FlatPolicy; its tool map is populated on the
// first tools/list call.
func NewFlatPolicy() *FlatPolicy {
	return &FlatPolicy{toolMap: make(map[string]flatEntry)}
}

// ListTools queries every known proxy for its tools and republishes them
// under the prefixed namespace, replacing the previous tool map atomically.
// As in the source this is rebuilt from scratch on every list call rather
// than memoized: a call that lands between two lists can see a stale or
// missing entry.
func (p *FlatPolicy) ListTools(ctx context.Context, d *Dispatcher) (mcptypes.ListToolsResult, error) {
	proxies := d.Proxies()

	var out mcptypes.ListToolsResult
	newMap := make(map[string]flatEntry)

	for name, prox := range proxies {
		if err := prox.EnsureReady(ctx); err != nil {
			d.log.Warn("proxy failed to initialize, skipping in tools/list", "proxy", name, "error", err)
			continue
		}
		tools, err := prox.ListTools(ctx)
		if err != nil {
			d.log.Warn("proxy failed to list tools, skipping", "proxy", name, "error", err)
			continue
		}
		for _, t := range tools {
			prefixed := name + prefixSep + t.Name
			newMap[prefixed] = flatEntry{proxyName: name, toolName: t.Name}
			out.Tools = append(out.Tools, mcptypes.Tool{
				Name:        prefixed,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}

	p.mu.Lock()
	p.toolMap = newMap
	p.mu.Unlock()

	return out, nil
}

// CallTool looks up name in the tool map and forwards the call to the
// matching proxy's original tool name. An unknown name is a JSON-RPC-level
// error; a backend tool failure is wrapped as a successful isError result.
func (p *FlatPolicy) CallTool(ctx context.Context, d *Dispatcher, name string, args json.RawMessage) (mcptypes.CallToolResult, *jsonrpc.Error) {
	p.mu.RLock()
	entry, ok := p.toolMap[name]
	p.mu.RUnlock()
	if !ok {
		return mcptypes.CallToolResult{}, &jsonrpc.Error{Code: -1, Message: "unknown tool: " + name}
	}

	prox, ok := d.Proxy(entry.proxyName)
	if !ok {
		return mcptypes.CallToolResult{}, &jsonrpc.Error{Code: -1, Message: "proxy no longer present: " + entry.proxyName}
	}

	if err := prox.EnsureReady(ctx); err != nil {
		return toolFailureResult("%v", err), nil
	}
	result, err := prox.CallTool(ctx, entry.toolName, args)
	if err != nil {
		return toolFailureResult("%v", err), nil
	}
	return result, nil
}

// splitPrefixed recovers (proxyName, toolName) from a "proxyName__toolName"
// string, splitting on the first separator occurrence. MetaPolicy uses it
// for use_tool, since both policies share the same namespace encoding;
// FlatPolicy resolves names through its tool map instead.
func splitPrefixed(name string) (proxyName, toolName string, ok bool) {
	idx := strings.Index(name, prefixSep)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(prefixSep):], true
}
