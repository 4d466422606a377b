// Command mcpd-mockserver is a minimal MCP server for integration testing.
// It speaks line-delimited JSON-RPC over stdio and handles the core MCP
// methods with canned responses: an echo/fail tool pair, one resource, and
// one prompt.
package main

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/xandwr/mcpd/internal/mcptypes"
	"github.com/xandwr/mcpd/pkg/jsonrpc"
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	out := os.Stdout

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := jsonrpc.DecodeRequest(line)
		if err != nil {
			// Notifications and malformed lines alike get no reply.
			continue
		}

		resp := handle(req)
		encoded, err := jsonrpc.Encode(resp)
		if err != nil {
			continue
		}
		out.Write(append(encoded, '\n'))
	}
}

func handle(req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return success(req.ID, mcptypes.InitializeResult{
			ProtocolVersion: mcptypes.ProtocolVersion,
			Capabilities: mcptypes.ServerCapabilities{
				Tools:     &mcptypes.ToolsCapability{ListChanged: false},
				Resources: &mcptypes.ResourcesCapability{ListChanged: false},
				Prompts:   &mcptypes.PromptsCapability{ListChanged: false},
			},
			ServerInfo: mcptypes.ServerInfo{Name: "mock-mcp", Version: "0.1.0"},
		})

	case "tools/list":
		return success(req.ID, mcptypes.ListToolsResult{Tools: []mcptypes.Tool{
			{Name: "echo", Description: "Echo back arguments", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "fail", Description: "Always fails", InputSchema: json.RawMessage(`{"type":"object"}`)},
		}})

	case "tools/call":
		return handleToolsCall(req)

	case "resources/list":
		return success(req.ID, mcptypes.ListResourcesResult{Resources: []mcptypes.Resource{
			{URI: "file:///test.txt", Name: "test_file", Description: "A test file"},
		}})

	case "resources/read":
		return success(req.ID, mcptypes.ReadResourceResult{Contents: []mcptypes.ResourceContent{
			{URI: "file:///test.txt", Text: "hello world"},
		}})

	case "prompts/list":
		return success(req.ID, mcptypes.ListPromptsResult{Prompts: []mcptypes.Prompt{
			{Name: "greet", Description: "A greeting prompt", Arguments: []mcptypes.PromptArgument{
				{Name: "name", Required: true},
			}},
		}})

	case "prompts/get":
		return success(req.ID, mcptypes.GetPromptResult{Messages: []mcptypes.PromptMessage{
			{Role: "user", Content: mcptypes.TextContent("Hello!")},
		}})

	default:
		return jsonrpc.NewErrorResponse(req.ID, -32601, "Method not found")
	}
}

func handleToolsCall(req *jsonrpc.Request) *jsonrpc.Response {
	var params mcptypes.CallToolParams
	_ = json.Unmarshal(req.Params, &params)

	if params.Name == "fail" {
		return success(req.ID, mcptypes.CallToolResult{
			Content: []mcptypes.Content{mcptypes.TextContent("intentional failure")},
			IsError: true,
		})
	}

	return success(req.ID, mcptypes.CallToolResult{
		Content: []mcptypes.Content{mcptypes.TextContent(string(params.Arguments))},
		IsError: false,
	})
}

func success(id jsonrpc.ID, result any) *jsonrpc.Response {
	resp, err := jsonrpc.NewSuccessResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, -32603, err.Error())
	}
	return resp
}
