// Package mcp exposes the bridge over stdio MCP so LLM tooling can
// inspect the inbox and link state.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/smsbridge/smsbridge/conn"
	"github.com/smsbridge/smsbridge/store"
)

type LinkStatus interface {
	Status() conn.Status
}

type MessageStore interface {
	Unacknowledged() ([]store.SmsMessage, error)
	CountTotal() (int64, error)
	CountUnacknowledged() (int64, error)
}

type Server struct {
	srv *server.MCPServer
}

func NewServer(link LinkStatus, st MessageStore) *Server {
	srv := server.NewMCPServer("SMS Bridge", "1.0.0")

	getStatus := mcp.NewTool("get_status",
		mcp.WithDescription("Get the serial link state and stored message counts"))
	srv.AddTool(getStatus, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		total, err := st.CountTotal()
		if err != nil {
			return nil, err
		}
		unacked, err := st.CountUnacknowledged()
		if err != nil {
			return nil, err
		}
		status := link.Status()
		return textResult(map[string]any{
			"state":              status.State,
			"reconnect_attempts": status.ReconnectAttempts,
			"total":              total,
			"unacknowledged":     unacked,
		})
	})

	listUnacked := mcp.NewTool("list_unacknowledged",
		mcp.WithDescription("List SMS messages that have not been acknowledged to the device"))
	srv.AddTool(listUnacked, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msgs, err := st.Unacknowledged()
		if err != nil {
			return nil, err
		}
		if msgs == nil {
			msgs = []store.SmsMessage{}
		}
		return textResult(msgs)
	})

	return &Server{srv: srv}
}

func textResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(jsonBytes),
			},
		}}, nil
}

// Run serves MCP on stdio and blocks until the client disconnects.
func (s *Server) Run() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.srv)
}
