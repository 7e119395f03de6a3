// Package mcpserver exposes the execution engine as Model Context Protocol tools.
//
// Two tools are registered: execute_code runs a submission to completion
// with optional pre-supplied stdin, and list_languages reports the
// registered language identifiers. The server is served over streamable
// HTTP and mounted into the main router.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
)

// MCPServer represents the MCP server
type MCPServer struct {
	executor  domain.Executor
	logger    *zap.Logger
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(executor domain.Executor, logger *zap.Logger) *MCPServer {
	s := &MCPServer{
		executor:  executor,
		logger:    logger,
		mcpServer: server.NewMCPServer("coderun", "1.0.0", server.WithToolCapabilities(false)),
	}

	s.registerExecuteCodeTool()
	s.registerListLanguagesTool()
	return s
}

func (s *MCPServer) registerExecuteCodeTool() {
	languages := s.executor.Languages()
	tool := mcp.Tool{
		Name: "execute_code",
		Description: fmt.Sprintf("Compile and run source code in an isolated container. Supported languages: %s.",
			strings.Join(languages, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Language identifier",
					"enum":        languages,
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Complete program source",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

func (s *MCPServer) registerListLanguagesTool() {
	tool := mcp.Tool{
		Name:        "list_languages",
		Description: "List the language identifiers accepted by execute_code",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleListLanguages)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}
	if !slices.Contains(s.executor.Languages(), language) {
		return mcp.NewToolResultError(fmt.Sprintf("unsupported language: %s", language)), nil
	}
	stdin := request.GetString("stdin", "")

	s.logger.Info("executing code via mcp", zap.String("language", language), zap.Int("code_len", len(code)))

	res := s.executor.Run(context.WithoutCancel(ctx), domain.ExecutionRequest{
		Language: language,
		Source:   code,
		Input:    []byte(stdin),
	})

	body, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(body),
			},
		},
		IsError: res.Failed(),
	}, nil
}

// handleListLanguages handles the list_languages tool
func (s *MCPServer) handleListLanguages(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(strings.Join(s.executor.Languages(), "\n")), nil
}

// Handler returns the streamable HTTP transport for mounting at /mcp.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
