// File: cmd/echo-provider/main.go
// echo-provider is a minimal capability provider speaking MCP over stdio.
// It is useful for checking a provider declaration end to end:
//
//	providers:
//	  - name: util
//	    command: echo-provider
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func newServer() *server.MCPServer {
	s := server.NewMCPServer("echo-provider", "0.1.0", server.WithToolCapabilities(true))

	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echoes text back."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo")),
		mcp.WithBoolean("upper", mcp.Description("Upper-case the text")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if req.GetBool("upper", false) {
			text = strings.ToUpper(text)
		}
		return mcp.NewToolResultText(text), nil
	})

	s.AddTool(mcp.NewTool("now",
		mcp.WithDescription("Returns the current time in RFC 3339 format."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(time.Now().UTC().Format(time.RFC3339)), nil
	})
	return s
}

func main() {
	if err := server.ServeStdio(newServer()); err != nil {
		fmt.Fprintf(os.Stderr, "echo-provider: %v\n", err)
		os.Exit(1)
	}
}
