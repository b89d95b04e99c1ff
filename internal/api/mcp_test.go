package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/pulse/internal/analytics"
	"github.com/kalambet/pulse/internal/feedback"
	"github.com/kalambet/pulse/internal/ingest"
	"github.com/kalambet/pulse/internal/jobs"
	"github.com/kalambet/pulse/internal/llm"
	"github.com/kalambet/pulse/internal/pipeline"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeCallToolRequest(name, args))
	require.NoError(t, err)
	return result
}

func TestNewMCPServer(t *testing.T) {
	e := newTestEnv(t, "")
	assert.NotNil(t, NewMCPServer(e.deps, "test"))
}

func TestMCPTool_AskFeedback_StartsConversation(t *testing.T) {
	e := newTestEnv(t, "")
	require.NoError(t, e.store.SaveFeedback(context.Background(), feedback.Record{
		ID: "f1", Body: "potholes on the bridge", CreatedAt: time.Now().UTC(),
	}, ""))

	result := callTool(t, mcpAskFeedback(e.deps), "ask_feedback", map[string]interface{}{
		"question": "What about potholes?",
	})
	require.False(t, result.IsError, toolText(t, result))

	var answer pipeline.Answer
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &answer))
	assert.NotEmpty(t, answer.ConversationID)
	assert.Equal(t, "Potholes are the most reported issue.", answer.Text)

	// Continuing the same conversation sends the earlier turns.
	result = callTool(t, mcpAskFeedback(e.deps), "ask_feedback", map[string]interface{}{
		"question":        "And on the bridge?",
		"conversation_id": answer.ConversationID,
	})
	require.False(t, result.IsError, toolText(t, result))

	turns, err := e.store.LoadTurns(context.Background(), answer.ConversationID)
	require.NoError(t, err)
	assert.Len(t, turns, 4)
}

func TestMCPTool_AskFeedback_Errors(t *testing.T) {
	e := newTestEnv(t, "")

	result := callTool(t, mcpAskFeedback(e.deps), "ask_feedback", map[string]interface{}{})
	assert.True(t, result.IsError)

	result = callTool(t, mcpAskFeedback(e.deps), "ask_feedback", map[string]interface{}{
		"question":        "anything?",
		"conversation_id": "missing",
	})
	assert.True(t, result.IsError)
}

func TestMCPTool_AskFeedback_ModelFailure(t *testing.T) {
	e := newTestEnv(t, "")
	e.provider.err = &llm.ModelError{Provider: "test", Err: llm.ErrTimeout}

	result := callTool(t, mcpAskFeedback(e.deps), "ask_feedback", map[string]interface{}{
		"question": "What about potholes?",
	})
	require.False(t, result.IsError)
	assert.Contains(t, toolText(t, result), pipeline.FallbackMessage)
}

func TestMCPTool_SubmitFeedback(t *testing.T) {
	e := newTestEnv(t, "")

	result := callTool(t, mcpSubmitFeedback(e.deps), "submit_feedback", map[string]interface{}{
		"title":          "Dark street",
		"body":           "Streetlight out on Elm",
		"issue_category": "electricity",
	})
	require.False(t, result.IsError, toolText(t, result))

	text := toolText(t, result)
	id := strings.Fields(text)[2]
	id = strings.TrimSuffix(id, ";")
	rec, err := e.store.GetFeedback(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, feedback.CategoryElectricity, rec.IssueCategory)

	bad := callTool(t, mcpSubmitFeedback(e.deps), "submit_feedback", map[string]interface{}{
		"body": "   ",
	})
	assert.True(t, bad.IsError)
}

func TestMCPTool_JobProgress(t *testing.T) {
	e := newTestEnv(t, "")

	result := callTool(t, mcpJobProgress(e.deps), "job_progress", map[string]interface{}{})
	require.False(t, result.IsError)

	var view jobs.View
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &view))
	assert.Equal(t, jobs.View{Progress: 0, Message: "Job not started", Status: jobs.StatusPending}, view)
}

func TestMCPTool_PriorityReport(t *testing.T) {
	e := newTestEnv(t, "")
	h := mcpPriorityReport(e.deps)

	queued := callTool(t, h, "priority_report", map[string]interface{}{"since_days": 7})
	require.False(t, queued.IsError, toolText(t, queued))
	assert.Contains(t, toolText(t, queued), "queued")

	busy := callTool(t, h, "priority_report", map[string]interface{}{})
	require.False(t, busy.IsError)
	assert.Contains(t, toolText(t, busy), "already being generated")

	ctx := context.Background()
	st, ok, err := e.deps.Tracker.Get(ctx, ingest.ReportKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.deps.Tracker.Start(ctx, ingest.ReportKey, st.ID, "Analyzing"))
	require.NoError(t, e.deps.Tracker.Complete(ctx, ingest.ReportKey, st.ID, analytics.Report{
		Total:  2,
		Topics: []analytics.Topic{{Category: feedback.CategoryRoads, Count: 2, Department: "Public Works"}},
	}))

	ready := callTool(t, h, "priority_report", map[string]interface{}{})
	require.False(t, ready.IsError)
	var report analytics.Report
	require.NoError(t, json.Unmarshal([]byte(toolText(t, ready)), &report))
	assert.Equal(t, 2, report.Total)
	require.Len(t, report.Topics, 1)
	assert.Equal(t, "Public Works", report.Topics[0].Department)

	refreshed := callTool(t, h, "priority_report", map[string]interface{}{"refresh": true})
	require.False(t, refreshed.IsError)
	assert.Contains(t, toolText(t, refreshed), "queued")
}

func TestMCPResource_Report(t *testing.T) {
	e := newTestEnv(t, "")
	handler := mcpResourceReport(e.deps)
	req := makeReadResourceRequest("pulse://report")

	_, err := handler(context.Background(), req)
	assert.Error(t, err)

	ctx := context.Background()
	_, err = e.deps.Tracker.Dispatch(ctx, ingest.ReportKey, "r1")
	require.NoError(t, err)
	require.NoError(t, e.deps.Tracker.Complete(ctx, ingest.ReportKey, "r1", analytics.Report{Total: 5}))

	contents, err := handler(ctx, req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok, "expected TextResourceContents, got %T", contents[0])
	assert.Equal(t, "application/json", tc.MIMEType)
	assert.Contains(t, tc.Text, `"total":5`)
}
