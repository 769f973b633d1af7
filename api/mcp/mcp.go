// Package mcp provides an MCP (Model Context Protocol) server exposing
// read-only inspection tools over agentdbg sessions and recordings.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/engine"
	"github.com/papercomputeco/agentdbg/pkg/utils"
)

type Config struct {
	// Engine answers every tool.
	Engine *engine.Engine

	// Noop for empty MCP server
	Noop bool

	// Logger is the configured zap logger
	Logger *zap.Logger
}

type Server struct {
	config    Config
	mcpServer *mcp.Server
	handler   *mcp.StreamableHTTPHandler
}

// NewServer creates a new MCP server with the inspection tools.
func NewServer(c Config) (*Server, error) {
	s := &Server{
		config: c,
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "agentdbg",
			Version: utils.Version,
		},
		&mcp.ServerOptions{},
	)

	if !c.Noop {
		if c.Engine == nil {
			return nil, errors.New("engine is required")
		}
		if c.Logger == nil {
			return nil, errors.New("logger is required")
		}

		mcp.AddTool(mcpServer, &mcp.Tool{
			Name:        listSessionsToolName,
			Description: listSessionsDescription,
		}, s.handleListSessions)
		mcp.AddTool(mcpServer, &mcp.Tool{
			Name:        getSessionToolName,
			Description: getSessionDescription,
		}, s.handleGetSession)
		mcp.AddTool(mcpServer, &mcp.Tool{
			Name:        listRecordingsToolName,
			Description: listRecordingsDescription,
		}, s.handleListRecordings)
		mcp.AddTool(mcpServer, &mcp.Tool{
			Name:        getRecordingToolName,
			Description: getRecordingDescription,
		}, s.handleGetRecording)
	}

	s.mcpServer = mcpServer

	// Create a streamable HTTP net/http handler for stateless operations
	s.handler = mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server {
			return mcpServer
		},
		&mcp.StreamableHTTPOptions{
			Stateless: true,
		},
	)

	return s, nil
}

// Handler returns the HTTP handler for the MCP server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
	}
}

// jsonResult mirrors structured output as a JSON text block for clients that
// only read text content.
func jsonResult(logger *zap.Logger, out any) *mcp.CallToolResult {
	b, err := json.Marshal(out)
	if err != nil {
		logger.Error("failed to marshal tool output", zap.Error(err))
		return errorResult("Failed to serialize results: %v", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(b)},
		},
	}
}

func (s *Server) ctx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
