// ABOUTME: Handlers for the MCP methods: initialize, tools/list and tools/call.
// ABOUTME: Results use the MCP SDK's wire types; tool failures are results with isError set.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/arith-gateway/internal/tools"
)

// initializeParams is the part of the initialize request the server reads.
type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// callToolParams are the params for tools/call.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// handleInitialize returns static capability metadata. It creates no state, so
// repeated calls return identical results.
func (s *Server) handleInitialize(req Request) reply {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errReply(http.StatusOK, CodeInvalidParams, "invalid params")
		}
	}

	version := latestProtocolVersion
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	return okReply(&mcpsdk.InitializeResult{
		ProtocolVersion: version,
		Capabilities: &mcpsdk.ServerCapabilities{
			Tools: &mcpsdk.ToolCapabilities{},
		},
		ServerInfo: &mcpsdk.Implementation{
			Name:    s.name,
			Version: s.version,
		},
	})
}

// handleToolsList describes every registered operation, read from the registry on each call.
func (s *Server) handleToolsList() reply {
	descs := s.registry.List()
	result := &mcpsdk.ListToolsResult{
		Tools: make([]*mcpsdk.Tool, 0, len(descs)),
	}
	for _, d := range descs {
		result.Tools = append(result.Tools, &mcpsdk.Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Schema,
		})
	}
	return okReply(result)
}

// handleToolsCall looks up params.name and runs it with params.arguments.
// Unknown tools are protocol errors; domain failures come back as isError results.
func (s *Server) handleToolsCall(ctx context.Context, ex *exchange, req Request) reply {
	var params callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errReply(http.StatusOK, CodeInvalidParams, "invalid params")
		}
	}
	if params.Name == "" {
		return errReply(http.StatusOK, CodeInvalidParams, "tool name is required")
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("tool.name", params.Name))

	desc, ok := s.registry.Lookup(params.Name)
	if !ok {
		ex.logger.Debug("tools/call for unknown tool", "tool_name", params.Name)
		return errReply(http.StatusOK, CodeMethodNotFound, "tool not found: "+params.Name)
	}

	outcome, err := desc.Call(params.Arguments)
	if err != nil {
		if errors.Is(err, tools.ErrInvalidArguments) {
			s.metrics.RecordToolCall(desc.Name, "invalid_params")
			return errReply(http.StatusOK, CodeInvalidParams, err.Error())
		}
		return errReply(http.StatusInternalServerError, CodeInternalError, "internal error")
	}

	result := &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: outcome.Text()}},
		IsError: outcome.Failed(),
	}

	toolOutcome := "success"
	if outcome.Failed() {
		toolOutcome = "tool_error"
	}
	s.metrics.RecordToolCall(desc.Name, toolOutcome)
	span.SetAttributes(attribute.Bool("tool.is_error", outcome.Failed()))

	ex.logger.Debug("tools/call complete",
		"tool_name", desc.Name,
		"is_error", outcome.Failed(),
	)

	rep := okReply(result)
	rep.outcome = toolOutcome
	return rep
}
