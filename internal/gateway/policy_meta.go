package gateway

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/xandwr/mcpd/internal/mcptypes"
	"github.com/xandwr/mcpd/pkg/jsonrpc"
)

// MetaPolicy exposes exactly two fixed tools, list_tools and use_tool, and
// routes every actual backend call through use_tool's tool_name argument
// (Policy B, the two-meta-tool shape).
type MetaPolicy struct{}

// NewMetaPolicy builds a MetaPolicy. It carries no state of its own; the
// aggregated backend tool list is recomputed on every list_tools call.
func NewMetaPolicy() *MetaPolicy { return &MetaPolicy{} }

var metaTools = mcptypes.ListToolsResult{
	Tools: []mcptypes.Tool{
		{
			Name: "list_tools",
			Description: "List all available tools from registered MCP backends. " +
				"Returns tool names, descriptions, and input schemas. " +
				"Call this first to discover what tools are available, " +
				"then use `use_tool` to invoke them.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		},
		{
			Name: "use_tool",
			Description: "Invoke a tool by name. Use `list_tools` first to discover " +
				"available tools and their expected arguments.",
			InputSchema: json.RawMessage(`{` +
				`"type":"object",` +
				`"properties":{` +
				`"tool_name":{"type":"string","description":"The fully-qualified tool name (server__tool) as returned by list_tools"},` +
				`"arguments":{"type":"object","description":"Arguments to pass to the tool, matching its input schema"}` +
				`},` +
				`"required":["tool_name"],` +
				`"additionalProperties":false}`),
		},
	},
}

// ListTools always returns the two static meta-tools.
func (p *MetaPolicy) ListTools(ctx context.Context, d *Dispatcher) (mcptypes.ListToolsResult, error) {
	return metaTools, nil
}

type aggregatedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// aggregateBackendTools mirrors FlatPolicy's aggregation (proxies visited in
// name order), but collects aggregatedTool entries, which handleListTools
// renders as pretty-printed JSON text rather than native ListToolsResult
// entries.
func (p *MetaPolicy) aggregateBackendTools(ctx context.Context, d *Dispatcher) ([]aggregatedTool, error) {
	proxies := d.Proxies()
	names := make([]string, 0, len(proxies))
	for name := range proxies {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []aggregatedTool
	for _, name := range names {
		prox := proxies[name]
		if err := prox.EnsureReady(ctx); err != nil {
			d.log.Warn("proxy failed to initialize, skipping in list_tools", "proxy", name, "error", err)
			continue
		}
		tools, err := prox.ListTools(ctx)
		if err != nil {
			d.log.Warn("failed to list tools from proxy", "proxy", name, "error", err)
			continue
		}
		for _, t := range tools {
			out = append(out, aggregatedTool{
				Name:        name + prefixSep + t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return out, nil
}

// CallTool dispatches the two meta-tool names; any other name steers the
// caller back to list_tools/use_tool.
func (p *MetaPolicy) CallTool(ctx context.Context, d *Dispatcher, name string, args json.RawMessage) (mcptypes.CallToolResult, *jsonrpc.Error) {
	switch name {
	case "list_tools":
		return p.handleListTools(ctx, d), nil
	case "use_tool":
		return p.handleUseTool(ctx, d, args), nil
	default:
		return toolFailureResult("Unknown tool '%s'. mcpd exposes two tools: list_tools and use_tool.", name), nil
	}
}

func (p *MetaPolicy) handleListTools(ctx context.Context, d *Dispatcher) mcptypes.CallToolResult {
	if err := d.ensureProxies(ctx); err != nil {
		return toolFailureResult("Failed to ensure proxies: %v", err)
	}
	tools, err := p.aggregateBackendTools(ctx, d)
	if err != nil {
		return toolFailureResult("Error listing tools: %v", err)
	}
	pretty, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		return toolFailureResult("Error listing tools: %v", err)
	}
	return mcptypes.CallToolResult{Content: []mcptypes.Content{mcptypes.TextContent(string(pretty))}}
}

func (p *MetaPolicy) handleUseTool(ctx context.Context, d *Dispatcher, args json.RawMessage) mcptypes.CallToolResult {
	var req struct {
		ToolName  string          `json:"tool_name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return toolFailureResult("Invalid arguments: %v", err)
		}
	}
	if req.ToolName == "" {
		return toolFailureResult("Missing required parameter 'tool_name'. Use list_tools to discover available tools.")
	}

	proxyName, toolName, ok := splitPrefixed(req.ToolName)
	if !ok {
		return toolFailureResult("Invalid tool name '%s'. Expected format: server__tool. Use list_tools to see available tools.", req.ToolName)
	}

	if err := d.ensureProxies(ctx); err != nil {
		return toolFailureResult("Failed to ensure proxies: %v", err)
	}
	prox, ok := d.Proxy(proxyName)
	if !ok {
		return toolFailureResult("Unknown server '%s'. Use list_tools to see available tools.", proxyName)
	}

	if err := prox.EnsureReady(ctx); err != nil {
		return toolFailureResult("Tool call failed: %v", err)
	}
	arguments := req.Arguments
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	result, err := prox.CallTool(ctx, toolName, arguments)
	if err != nil {
		return toolFailureResult("Tool call failed: %v", err)
	}
	return result
}
