package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pulse/internal/analytics"
	"github.com/kalambet/pulse/internal/ingest"
	"github.com/kalambet/pulse/internal/jobs"
)

// NewMCPServer creates an MCP server exposing the feedback tools.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"pulse",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pulse: ask questions about citizen feedback, submit new reports and read issue priorities."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_feedback",
			mcp.WithDescription("Answer a question grounded in the stored citizen feedback. Pass conversation_id to continue a conversation."),
			mcp.WithString("question", mcp.Description("Question about the feedback"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Existing conversation to continue; a new one is started when empty")),
		),
		mcpAskFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Store a citizen report and queue it for analysis."),
			mcp.WithString("title", mcp.Description("Short title")),
			mcp.WithString("body", mcp.Description("Report text"), mcp.Required()),
			mcp.WithString("location", mcp.Description("Neighborhood or address")),
			mcp.WithString("issue_category", mcp.Description("Issue category such as roads, water or sanitation")),
		),
		mcpSubmitFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("job_progress",
			mcp.WithDescription("Report the progress of a background job."),
			mcp.WithString("key", mcp.Description("Job key (default analytics:report)")),
		),
		mcpJobProgress(deps),
	)

	s.AddTool(
		mcp.NewTool("priority_report",
			mcp.WithDescription("Return the latest issue priority report, or start generating one."),
			mcp.WithBoolean("refresh", mcp.Description("Start a new report even if one is available")),
			mcp.WithNumber("since_days", mcp.Description("Only include feedback from the last N days when starting a report")),
		),
		mcpPriorityReport(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pulse://report",
			"Priority Report",
			mcp.WithResourceDescription("Latest issue priority report as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceReport(deps),
	)

	return s
}

func mcpAskFeedback(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		convID := req.GetString("conversation_id", "")
		if convID == "" {
			conv, err := deps.Assistant.StartConversation(ctx, "mcp")
			if err != nil {
				return mcpError(fmt.Sprintf("failed to start conversation: %v", err)), nil
			}
			convID = conv.ID
		}

		answer, err := deps.Assistant.Answer(ctx, convID, question)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpJSON(answer)
	}
}

func mcpSubmitFeedback(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body, err := req.RequireString("body")
		if err != nil {
			return mcpError("body is required"), nil
		}

		rec, err := deps.Service.Submit(ctx, ingest.Submission{
			Title:         req.GetString("title", ""),
			Body:          body,
			Location:      req.GetString("location", ""),
			IssueCategory: req.GetString("issue_category", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to submit: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored feedback %s; analysis queued", rec.ID)), nil
	}
}

func mcpJobProgress(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key := req.GetString("key", ingest.ReportKey)

		view, err := deps.Tracker.Progress(ctx, key)
		if err != nil {
			return mcpError(fmt.Sprintf("progress failed: %v", err)), nil
		}
		return mcpJSON(view)
	}
}

func mcpPriorityReport(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !req.GetBool("refresh", false) {
			var report analytics.Report
			ok, err := deps.Tracker.Result(ctx, ingest.ReportKey, &report)
			if err != nil {
				return mcpError(fmt.Sprintf("reading report failed: %v", err)), nil
			}
			if ok {
				return mcpJSON(report)
			}
		}

		var since time.Time
		if days := req.GetInt("since_days", 0); days > 0 {
			since = time.Now().UTC().AddDate(0, 0, -days)
		}

		state, err := deps.Service.RequestReport(ctx, since)
		var conflict *jobs.ConflictError
		if errors.As(err, &conflict) {
			return mcpText(fmt.Sprintf("A report is already being generated (started %s). Check job_progress.",
				conflict.StartedAt.Format(time.RFC3339))), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start report: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Report %s queued. Check job_progress for %s.", state.ID, state.Key)), nil
	}
}

func mcpResourceReport(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		var report analytics.Report
		ok, err := deps.Tracker.Result(ctx, ingest.ReportKey, &report)
		if err != nil {
			return nil, fmt.Errorf("failed to read report: %w", err)
		}
		if !ok {
			return nil, errors.New("no report available")
		}

		b, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal report: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
