// Package mcp is the tool-protocol channel adapter. Every workflow visible
// to the tool channel is advertised as one tool; call_tool maps onto the
// same dispatch path as every other channel.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"workflow-gateway/backend/internal/dispatch"
	"workflow-gateway/backend/internal/params"
	"workflow-gateway/backend/internal/registry"
	"workflow-gateway/backend/pkg/models"
)

// Server bridges the MCP protocol to the dispatcher.
type Server struct {
	mcpServer  *server.MCPServer
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	normalizer *params.Normalizer
	credential string

	mu        sync.Mutex
	published []string
}

// NewServer creates the adapter and publishes the currently visible
// workflows as tools. The tool list tracks the registry: re-registrations
// and removals are reflected automatically.
func NewServer(d *dispatch.Dispatcher, r *registry.Registry, n *params.Normalizer, credential string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Workflow Gateway",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		dispatcher: d,
		registry:   r,
		normalizer: n,
		credential: credential,
	}

	s.syncTools()
	r.Watch(s.syncTools)
	return s
}

// GetMCPServer exposes the underlying protocol server for mounting.
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// syncTools republishes the tool list from the registry snapshot.
func (s *Server) syncTools() {
	handles := s.registry.Handles(models.ChannelTool)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.published) > 0 {
		s.mcpServer.DeleteTools(s.published...)
	}
	s.published = s.published[:0]

	for _, handle := range handles {
		s.mcpServer.AddTool(toolForHandle(handle), s.handlerFor(handle.Name))
		s.published = append(s.published, handle.Name)
	}
}

// toolForHandle renders a workflow's declared parameter schema as tool input
// options.
func toolForHandle(handle *models.WorkflowHandle) mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription("Execute the " + handle.Name + " workflow"),
	}
	for _, spec := range handle.Parameters {
		var propOpts []mcp.PropertyOption
		if spec.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		if spec.Description != "" {
			propOpts = append(propOpts, mcp.Description(spec.Description))
		}
		switch spec.Type {
		case "number":
			opts = append(opts, mcp.WithNumber(spec.Name, propOpts...))
		case "boolean":
			opts = append(opts, mcp.WithBoolean(spec.Name, propOpts...))
		case "object":
			opts = append(opts, mcp.WithObject(spec.Name, propOpts...))
		case "array":
			opts = append(opts, mcp.WithArray(spec.Name, propOpts...))
		default:
			opts = append(opts, mcp.WithString(spec.Name, propOpts...))
		}
	}
	return mcp.NewTool(handle.Name, opts...)
}

func (s *Server) handlerFor(workflow string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, ok := request.Params.Arguments.(map[string]interface{})
		if !ok && request.Params.Arguments != nil {
			return mcp.NewToolResultError("Invalid arguments type"), nil
		}

		// A session id may ride along with the tool arguments.
		sessionID, _ := args["session_id"].(string)
		delete(args, "session_id")

		paramSet, err := s.normalizer.FromArguments(args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		req := &models.DispatchRequest{
			Workflow:   workflow,
			Parameters: paramSet,
			SessionID:  sessionID,
			Channel:    models.ChannelTool,
			Credential: s.credential,
		}

		result := s.dispatcher.Dispatch(ctx, req)
		if !result.Success {
			return mcp.NewToolResultError(result.Error.Error()), nil
		}

		jsonBytes, _ := json.Marshal(map[string]any{
			"output": result.Output,
			"run_id": result.RunID,
		})
		return mcp.NewToolResultText(string(jsonBytes)), nil
	}
}

// MountHTTPHandlers mounts the MCP endpoints on a mux. SSE serves the
// streaming surface; direct POST serves plain tool calls.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
