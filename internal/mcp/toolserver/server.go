// Package toolserver exposes the gateway over the Model Context Protocol.
//
// Every catalog entry becomes one MCP tool whose arguments are the tool's
// parameters plus session_id, request_id and timeout_seconds. Two management
// tools (cancel_execution, list_workspace), a workspace resource template and
// the analysis_guide prompt complete the surface.
//
// Tool failures are returned as tool results with IsError set and a
// structured error payload carrying the error kind; protocol errors are
// reserved for malformed requests the SDK itself rejects.
package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/execution"
	"github.com/MrWong99/neurogate/internal/gateway"
	"github.com/MrWong99/neurogate/internal/observe"
	"github.com/MrWong99/neurogate/internal/result"
	"github.com/MrWong99/neurogate/internal/toolerr"
	"github.com/MrWong99/neurogate/internal/workspace"
)

// WorkspaceURIPrefix prefixes the workspace resource URIs.
const WorkspaceURIPrefix = "neurogate://workspace/"

// Gateway is the part of [gateway.Gateway] the server needs.
type Gateway interface {
	Registry() *catalog.Registry
	Invoke(ctx context.Context, req gateway.Request) (*result.ExecutionResult, error)
	Cancel(requestID string) error
	ListWorkspace(sessionID string) ([]workspace.FileInfo, error)
}

// Server is an MCP server bound to a gateway.
type Server struct {
	gw  Gateway
	srv *mcpsdk.Server
}

// New builds the MCP server and registers every tool, the workspace resource
// template and the analysis_guide prompt.
func New(gw Gateway, version string) *Server {
	s := &Server{
		gw:  gw,
		srv: mcpsdk.NewServer(&mcpsdk.Implementation{Name: "neurogate", Version: version}, nil),
	}
	for _, def := range gw.Registry().All() {
		s.srv.AddTool(&mcpsdk.Tool{
			Name:        def.Name(),
			Description: describe(def),
			InputSchema: inputSchema(def),
		}, s.invokeHandler(def))
	}

	s.srv.AddTool(&mcpsdk.Tool{
		Name:        "cancel_execution",
		Description: "Cancel an in-flight tool request. The request then finishes with status Cancelled.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				argRequest: map[string]any{"type": "string", "description": "Identifier of the request to cancel."},
			},
			"required": []string{argRequest},
		},
	}, s.cancelHandler)

	s.srv.AddTool(&mcpsdk.Tool{
		Name:        "list_workspace",
		Description: "List the files committed to a session workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				argSession: map[string]any{"type": "string", "description": "Session to list."},
			},
			"required": []string{argSession},
		},
	}, s.listHandler)

	s.srv.AddResourceTemplate(&mcpsdk.ResourceTemplate{
		Name:        "workspace",
		Description: "Files committed to a session workspace.",
		URITemplate: WorkspaceURIPrefix + "{session_id}",
		MIMEType:    "application/json",
	}, s.readWorkspace)

	s.srv.AddPrompt(&mcpsdk.Prompt{
		Name:        "analysis_guide",
		Description: "Step-by-step guidance for a neuroimaging workflow.",
		Arguments: []*mcpsdk.PromptArgument{{
			Name:        "analysis_type",
			Description: "One of brain_extraction, preprocessing, diffusion.",
			Required:    true,
		}},
	}, s.analysisGuide)

	return s
}

// MCP returns the underlying SDK server, for in-memory connections.
func (s *Server) MCP() *mcpsdk.Server { return s.srv }

// Handler serves the MCP Streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.srv }, nil)
}

// RunStdio serves a single client over stdin/stdout until ctx is done or the
// client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.srv.Run(ctx, &mcpsdk.StdioTransport{})
}

func describe(def *catalog.Definition) string {
	var b strings.Builder
	b.WriteString(def.Description)
	if len(def.Outputs) > 0 {
		b.WriteString("\n\nOutputs (in the session workspace):")
		for _, o := range def.Outputs {
			fmt.Fprintf(&b, "\n- %s: %s", o.Pattern, o.Description)
			if o.Optional {
				b.WriteString(" (optional)")
			}
		}
	}
	fmt.Fprintf(&b, "\n\nTimeout: %s.", def.Timeout)
	return b.String()
}

func (s *Server) invokeHandler(def *catalog.Definition) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args, err := decodeArgs(req.Params.Arguments)
		if err != nil {
			return errorResult(err), nil
		}
		greq, err := splitArgs(def.Name(), args)
		if err != nil {
			return errorResult(err), nil
		}
		greq.OnState = progress(ctx, req.Session, def.Name(), greq.SessionID)
		res, err := s.gw.Invoke(ctx, greq)
		if err != nil {
			return errorResult(err), nil
		}
		return resultPayload(res), nil
	}
}

// progress relays execution state changes to the calling client as log
// notifications. The SDK drops them until the client sets a logging level.
func progress(ctx context.Context, ss *mcpsdk.ServerSession, tool, session string) func(string, execution.State) {
	if ss == nil {
		return nil
	}
	// Cancelled and timed-out requests still report their final state.
	ctx = context.WithoutCancel(ctx)
	return func(id string, st execution.State) {
		level := mcpsdk.LoggingLevel("info")
		switch st {
		case execution.Failed, execution.TimedOut:
			level = "warning"
		case execution.Cancelled:
			level = "notice"
		}
		err := ss.Log(ctx, &mcpsdk.LoggingMessageParams{
			Logger: "neurogate",
			Level:  level,
			Data: map[string]any{
				"message":    fmt.Sprintf("%s %s: %s", tool, id, st),
				"request_id": id,
				"session_id": session,
				"tool":       tool,
				"state":      st.String(),
			},
		})
		if err != nil {
			observe.Logger(ctx).Debug("toolserver: progress notification failed", "request_id", id, "err", err)
		}
	}
}

func (s *Server) cancelHandler(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := decodeArgs(req.Params.Arguments)
	if err != nil {
		return errorResult(err), nil
	}
	id, _ := args[argRequest].(string)
	if id == "" {
		return errorResult(toolerr.Validation([]toolerr.Violation{{Param: argRequest, Message: "is required"}})), nil
	}
	if err := s.gw.Cancel(id); err != nil {
		return errorResult(err), nil
	}
	observe.Logger(ctx).Info("toolserver: cancellation requested", "request_id", id)
	return jsonResult(map[string]any{"request_id": id, "cancelled": true}, false), nil
}

func (s *Server) listHandler(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := decodeArgs(req.Params.Arguments)
	if err != nil {
		return errorResult(err), nil
	}
	id, _ := args[argSession].(string)
	files, err := s.gw.ListWorkspace(id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"session_id": id, "files": files}, false), nil
}

func (s *Server) readWorkspace(_ context.Context, req *mcpsdk.ReadResourceRequest) (*mcpsdk.ReadResourceResult, error) {
	uri := req.Params.URI
	id, ok := strings.CutPrefix(uri, WorkspaceURIPrefix)
	if !ok {
		return nil, mcpsdk.ResourceNotFoundError(uri)
	}
	files, err := s.gw.ListWorkspace(id)
	if err != nil {
		return nil, mcpsdk.ResourceNotFoundError(uri)
	}
	body, err := json.MarshalIndent(map[string]any{"session_id": id, "files": files}, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcpsdk.ReadResourceResult{
		Contents: []*mcpsdk.ResourceContents{{URI: uri, MIMEType: "application/json", Text: string(body)}},
	}, nil
}

func (s *Server) analysisGuide(_ context.Context, req *mcpsdk.GetPromptRequest) (*mcpsdk.GetPromptResult, error) {
	text, _ := guide(req.Params.Arguments["analysis_type"])
	return &mcpsdk.GetPromptResult{
		Description: "Neuroimaging analysis guide",
		Messages: []*mcpsdk.PromptMessage{{
			Role:    "user",
			Content: &mcpsdk.TextContent{Text: text},
		}},
	}, nil
}

// decodeArgs parses tool arguments keeping numbers exact.
func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	args := make(map[string]any)
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, toolerr.Validation([]toolerr.Violation{{Param: "arguments", Message: "must be a JSON object"}})
	}
	return args, nil
}

// splitArgs separates the reserved arguments from the tool parameters.
func splitArgs(tool string, args map[string]any) (gateway.Request, error) {
	req := gateway.Request{Tool: tool, Params: make(map[string]any, len(args))}
	var violations []toolerr.Violation
	for k, v := range args {
		switch k {
		case argSession:
			s, ok := v.(string)
			if !ok {
				violations = append(violations, toolerr.Violation{Param: k, Message: "must be a string"})
			}
			req.SessionID = s
		case argRequest:
			s, ok := v.(string)
			if !ok {
				violations = append(violations, toolerr.Violation{Param: k, Message: "must be a string"})
			}
			req.RequestID = s
		case argTimeoutSeconds:
			n, ok := v.(json.Number)
			f, err := n.Float64()
			if !ok || err != nil || f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
				violations = append(violations, toolerr.Violation{Param: k, Message: "must be a positive number of seconds"})
				continue
			}
			req.Timeout = time.Duration(f * float64(time.Second))
		default:
			req.Params[k] = v
		}
	}
	if _, ok := args[argSession]; !ok {
		violations = append(violations, toolerr.Violation{Param: argSession, Message: "is required"})
	}
	if len(violations) > 0 {
		return req, toolerr.Validation(violations)
	}
	return req, nil
}

func resultPayload(res *result.ExecutionResult) *mcpsdk.CallToolResult {
	return jsonResult(res, res.Status != result.Success)
}

func errorResult(err error) *mcpsdk.CallToolResult {
	return jsonResult(map[string]any{"error": toolerr.As(err)}, true)
}

func jsonResult(v any, isError bool) *mcpsdk.CallToolResult {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		body = []byte(fmt.Sprintf(`{"error":{"kind":"InternalError","message":%q}}`, err.Error()))
		isError = true
	}
	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(body)}},
		StructuredContent: json.RawMessage(body),
		IsError:           isError,
	}
}
