// Command mcpd aggregates a fleet of child MCP servers behind a single
// stdio MCP endpoint.
package main

import "github.com/xandwr/mcpd/cmd/mcpd/cmd"

func main() {
	cmd.Execute()
}
