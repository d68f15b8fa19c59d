package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleRun validates the definition and input, then starts an execution.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, _, errResult := s.definition(req)
	if errResult != nil {
		return errResult, nil
	}
	if def.CreatedBy == "" {
		def.CreatedBy = req.GetString("user_id", "")
	}
	input := mcp.ParseStringMap(req, "input", nil)
	if err := s.loader.Schema().ValidateInput(def, input); err != nil {
		return toolError("invalid input", err), nil
	}

	s.captureSession(ctx, def.CreatedBy)
	id, err := s.executor.StartWorkflow(ctx, def, input)
	if err != nil {
		return toolError("start failed", err), nil
	}
	return s.settle(ctx, id, req.GetBool("wait", false))
}

// handleResume continues a paused execution with new inputs.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	if inputs == nil {
		return mcp.NewToolResultError("inputs is required"), nil
	}
	def, _, errResult := s.definition(req)
	if errResult != nil {
		return errResult, nil
	}

	s.captureSession(ctx, def.CreatedBy)
	ok, err := s.executor.ResumeWorkflow(ctx, id, def, inputs)
	if err != nil {
		return toolError("resume failed", err), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("execution %s is not paused", id)), nil
	}
	return s.settle(ctx, id, req.GetBool("wait", false))
}

// handleCancel cancels a non-terminal execution.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	ok, err := s.executor.CancelExecution(ctx, id)
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"execution_id": id, "cancelled": ok})
}

// handleStatus returns the stored state of an execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	st, err := s.executor.GetExecutionState(ctx, id)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(st)
}

// handleList lists executions matching the filter arguments.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.executor.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		UserID:     req.GetString("user_id", ""),
		Status:     schema.ExecutionStatus(strings.ToUpper(req.GetString("status", ""))),
		Limit:      req.GetInt("limit", 50),
	})
	if err != nil {
		return toolError("list failed", err), nil
	}
	if list == nil {
		list = []*store.ExecutionState{}
	}
	return marshalResult(map[string]any{"executions": list})
}

// handleValidate reports whether a definition would be accepted by run.
func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	_, dag, err := s.compile(raw)
	if err != nil {
		return marshalResult(map[string]any{"valid": false, "violations": validation.Violations(err)})
	}
	return marshalResult(map[string]any{"valid": true, "levels": dag.Levels})
}

// handleDiagram renders a definition, optionally with an execution overlay.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	def, dag, errResult := s.definition(req)
	if errResult != nil {
		return errResult, nil
	}

	var st *store.ExecutionState
	if id := req.GetString("execution_id", ""); id != "" {
		if st, err = s.executor.GetExecutionState(ctx, id); err != nil {
			return toolError("status query failed", err), nil
		}
		if st.WorkflowID != def.ID {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s belongs to workflow %s", id, st.WorkflowID)), nil
		}
	}

	model := diagram.Build(def.Name, dag, st)
	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("unsupported format"), nil
	}
}

// --- Internal helpers ---

// definition decodes and validates the "definition" argument.
func (s *Server) definition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *engine.DAG, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, nil, mcp.NewToolResultError("definition is required")
	}
	def, dag, err := s.compile(raw)
	if err != nil {
		return nil, nil, toolError("invalid definition", err)
	}
	return def, dag, nil
}

func (s *Server) compile(raw map[string]any) (*schema.WorkflowDefinition, *engine.DAG, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "definition is not JSON: %v", err)
	}
	def, err := s.loader.Load(data, validation.FormatJSON)
	if err != nil {
		return nil, nil, err
	}
	dag, err := s.validator.Validate(def)
	if err != nil {
		return nil, nil, err
	}
	return def, dag, nil
}

// settle returns the execution's state, after waiting for its driver when
// wait is set.
func (s *Server) settle(ctx context.Context, id string, wait bool) (*mcp.CallToolResult, error) {
	if wait {
		if err := s.executor.Wait(ctx, id); err != nil {
			return toolError("wait interrupted", err), nil
		}
	}
	st, err := s.executor.GetExecutionState(ctx, id)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(st)
}

// captureSession maps userID to the calling MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, strings.Join(validation.Violations(err), "; ")))
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
