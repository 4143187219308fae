package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/botflow-dev/botflow/internal/diagram"
	"github.com/botflow-dev/botflow/internal/engine"
	"github.com/botflow-dev/botflow/internal/store"
	"github.com/botflow-dev/botflow/pkg/schema"
)

// handlePreview runs one message through a flow.
func (s *BotflowServer) handlePreview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("message is required"), nil
	}

	result, runErr := s.runner.HandleMessage(ctx, flowID, engine.Message{
		Text:      message,
		UserID:    req.GetString("user_id", ""),
		SessionID: req.GetString("session_id", ""),
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}

	return marshalResult(result)
}

// handleValidate lints a flow definition without registering it.
func (s *BotflowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, defErr := parseDefinition(req)
	if defErr != nil {
		return mcp.NewToolResultError(defErr.Error()), nil
	}

	result := s.validator.Validate(def)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleDefine validates and stores a flow. Re-defining an existing flow ID
// bumps its stored version.
func (s *BotflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	def, defErr := parseDefinition(req)
	if defErr != nil {
		return mcp.NewToolResultError(defErr.Error()), nil
	}
	if def.ID == "" {
		def.ID = flowID
	}

	if valErr := s.validator.ValidateDefinition(def); valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow rejected: %v", valErr)), nil
	}

	rec := &store.FlowRecord{
		ID:         flowID,
		Name:       req.GetString("name", def.Name),
		Definition: *def,
	}
	if saveErr := s.store.SaveFlow(ctx, rec); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store flow: %v", saveErr)), nil
	}

	saved, getErr := s.store.GetFlow(ctx, flowID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read back flow: %v", getErr)), nil
	}
	return marshalResult(map[string]any{
		"flow_id": flowID,
		"version": saved.Version,
	})
}

// handleDiagram renders a stored flow in the requested format.
func (s *BotflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	format := req.GetString("format", "mermaid")
	if format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid or image"), nil
	}

	rec, getErr := s.store.GetFlow(ctx, flowID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow not found: %v", getErr)), nil
	}

	model, buildErr := diagram.Build(&rec.Definition)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// handleQuery lists flows, runs, or run events based on filters.
func (s *BotflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "flows":
		return s.queryFlows(ctx)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *BotflowServer) queryFlows(ctx context.Context) (*mcp.CallToolResult, error) {
	flows, err := s.store.ListFlows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"flows": flows})
}

func (s *BotflowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if flowID, ok := filter["flow_id"].(string); ok {
		rf.FlowID = flowID
	}
	if sessionID, ok := filter["session_id"].(string); ok {
		rf.SessionID = sessionID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rf.Status = schema.RunStatus(status)
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *BotflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	eventType, _ := filter["event_type"].(string)

	if eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.RunID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// parseDefinition decodes the definition argument into a FlowDefinition.
func parseDefinition(req mcp.CallToolRequest) (*schema.FlowDefinition, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return nil, fmt.Errorf("definition is required")
	}

	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	return &def, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
