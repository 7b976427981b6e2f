package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vantle/stepflow/internal/engine"
	"github.com/vantle/stepflow/internal/index"
	"github.com/vantle/stepflow/internal/runstore"
	"github.com/vantle/stepflow/internal/streaming"
	"github.com/vantle/stepflow/internal/validation"
	"github.com/vantle/stepflow/pkg/schema"
)

const outputSummaryLimit = 200

// handleRun starts a pipeline run from a definition file or inline document.
func (s *StepflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("definition", "")
	inline := req.GetString("definition_yaml", "")
	if (path == "") == (inline == "") {
		return mcp.NewToolResultError("exactly one of definition or definition_yaml is required"), nil
	}

	doc := []byte(inline)
	if path != "" {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("definition unreadable: %v", readErr)), nil
		}
		doc = data
	}

	def, err := validation.DecodeDefinition(bytes.NewReader(doc))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition does not parse: %v", err)), nil
	}

	opts := engine.RunOptions{
		RunID:  req.GetString("run_id", ""),
		Force:  req.GetBool("force", false),
		Inputs: mcp.ParseStringMap(req, "inputs", nil),
	}

	// Following needs the run id before the engine assigns one.
	if req.GetBool("follow", false) {
		if opts.RunID == "" {
			opts.RunID = runstore.NewRunID(def.Pipeline)
		}
		if stop := s.followRun(ctx, opts.RunID); stop != nil {
			defer stop()
		}
	}

	result, err := s.runner.Run(ctx, def, doc, opts)
	if err != nil {
		return toolError("run did not start", err), nil
	}
	return marshalResult(runView(result))
}

// handleResume continues a persisted run from its last checkpoint.
func (s *StepflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	opts := engine.ResumeOptions{
		FromStep:           req.GetString("from_step", ""),
		Step:               req.GetString("step", ""),
		ConfirmInterrupted: req.GetBool("confirm_interrupted", false),
	}

	if req.GetBool("follow", false) {
		if stop := s.followRun(ctx, runID); stop != nil {
			defer stop()
		}
	}

	result, resumeErr := s.runner.Resume(ctx, runID, opts)
	if resumeErr != nil {
		if schema.IsCode(resumeErr, schema.ErrCodeInterrupted) {
			return mcp.NewToolResultError(fmt.Sprintf(
				"%v (pass confirm_interrupted: true to mark the step failed and rerun it)", resumeErr)), nil
		}
		return toolError("resume failed", resumeErr), nil
	}
	return marshalResult(runView(result))
}

// handleStatus reports a run's per-step state from its persisted record.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	report, statusErr := s.runner.Status(ctx, runID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}

	rec := report.Record
	view := map[string]any{
		"run_id":     rec.RunID,
		"pipeline":   rec.Pipeline,
		"status":     rec.Status,
		"locked":     report.Locked,
		"edited":     report.Edited,
		"created_at": rec.CreatedAt,
		"updated_at": rec.UpdatedAt,
		"steps":      stepViews(rec, req.GetBool("include_results", false)),
	}
	if rec.Error != "" {
		view["error"] = rec.Error
	}
	return marshalResult(view)
}

// handleListRuns lists indexed runs matching the filter.
func (s *StepflowServer) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.ix == nil {
		return mcp.NewToolResultError("run index unavailable"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	rf := index.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if pipeline, ok := filter["pipeline"].(string); ok {
		rf.Pipeline = pipeline
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if ts, parseErr := time.Parse(time.RFC3339, since); parseErr == nil {
			rf.Since = &ts
		}
	}

	runs, err := s.ix.ListRuns(ctx, rf)
	if err != nil {
		return toolError("list failed", err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleListSteps lists the registered step types, optionally with schemas.
func (s *StepflowServer) handleListSteps(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.registry == nil {
		return mcp.NewToolResultError("step registry unavailable"), nil
	}

	infos := s.registry.List()
	if !req.GetBool("include_schemas", false) {
		return marshalResult(map[string]any{"steps": infos})
	}

	detailed := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		entry := map[string]any{"name": info.Name}
		if info.Description != "" {
			entry["description"] = info.Description
		}
		if step, err := s.registry.Get(info.Name); err == nil {
			sch := step.Schema()
			if len(sch.InputSchema) > 0 {
				entry["input_schema"] = sch.InputSchema
			}
			if len(sch.OutputSchema) > 0 {
				entry["output_schema"] = sch.OutputSchema
			}
		}
		detailed = append(detailed, entry)
	}
	return marshalResult(map[string]any{"steps": detailed})
}

// --- Result shaping ---

// runView is the payload returned by run and resume. A run that executed and
// failed is a normal tool result carrying status "failed"; only a run the
// engine refused to start becomes a tool error.
func runView(res *engine.RunResult) map[string]any {
	view := map[string]any{
		"run_id":   res.RunID,
		"pipeline": res.Pipeline,
		"status":   res.Status,
	}
	if res.Error != nil {
		view["error"] = res.Error.Error()
		view["error_code"] = schema.CodeOf(res.Error)
	}
	if res.Record != nil {
		view["steps"] = stepViews(res.Record, false)
	}
	return view
}

func stepViews(rec *schema.RunRecord, includeResults bool) []map[string]any {
	views := make([]map[string]any, 0, len(rec.Steps))
	for _, st := range rec.Steps {
		v := map[string]any{
			"id":     st.ID,
			"type":   st.Type,
			"status": st.Status,
		}
		if st.DurationMs > 0 {
			v["duration_ms"] = st.DurationMs
		}
		if st.Error != "" {
			v["error"] = st.Error
		}
		if st.Overridden {
			v["overridden"] = true
			if len(st.OverriddenFields) > 0 {
				v["overridden_fields"] = st.OverriddenFields
			}
		}
		if st.Result != nil {
			if includeResults {
				v["result"] = st.Result
			} else {
				v["output"] = summarizeOutput(st.Result.Output)
			}
		}
		views = append(views, v)
	}
	return views
}

// summarizeOutput truncates step output for display. Full results stay in
// the record; the status view only needs enough to orient an agent.
func summarizeOutput(output any) any {
	switch v := output.(type) {
	case nil, bool, int, int64, float64:
		return v
	case string:
		if len(v) > outputSummaryLimit {
			return v[:outputSummaryLimit] + "..."
		}
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%T", v)
		}
		if len(data) > outputSummaryLimit {
			return string(data[:outputSummaryLimit]) + "..."
		}
		return string(data)
	}
}

// --- Event following ---

// followRun routes hub events for one run to the calling session until the
// returned stop function runs. Returns nil when there is no session or hub
// to route through.
func (s *StepflowServer) followRun(ctx context.Context, runID string) func() {
	session := server.ClientSessionFromContext(ctx)
	if session == nil || s.hub == nil {
		return nil
	}
	s.sessions.Register(runID, session.SessionID())

	pumpCtx, stop := context.WithCancel(ctx)
	events, unsub, err := s.hub.Subscribe(pumpCtx, streaming.EventFilter{RunID: runID})
	if err != nil {
		stop()
		s.sessions.Release(runID)
		s.logger.Warn("event subscription failed", "run_id", runID, "error", err)
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-events:
				s.push(runID, ev)
			case <-pumpCtx.Done():
				// Unsubscribed by now; drain what is buffered so the
				// terminal event reaches the client.
				for {
					select {
					case ev := <-events:
						s.push(runID, ev)
					default:
						return
					}
				}
			}
		}
	}()

	return func() {
		unsub()
		stop()
		<-done
		s.sessions.Release(runID)
	}
}

func (s *StepflowServer) push(runID string, ev schema.RunEvent) {
	if err := s.notifier.Notify(context.Background(), runID, eventPayload(ev)); err != nil {
		s.logger.Debug("run notification dropped", "run_id", runID, "event", ev.Type, "error", err)
	}
}

func eventPayload(ev schema.RunEvent) map[string]any {
	payload := map[string]any{
		"event":  ev.Type,
		"run_id": ev.RunID,
	}
	if ev.StepID != "" {
		payload["step_id"] = ev.StepID
	}
	if !ev.CreatedAt.IsZero() {
		payload["at"] = ev.CreatedAt.Format(time.RFC3339Nano)
	}
	for k, v := range ev.Payload {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	return payload
}

// --- Helpers ---

// toolError folds an error into a tool result. Structured errors already
// carry their code in the message.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
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
