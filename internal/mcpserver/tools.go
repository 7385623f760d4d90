package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/runs"
)

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("sentra_queue_status",
			mcp.WithDescription("Report how many delayed jobs are waiting to be dispatched."),
		),
		queueStatusHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("sentra_sender_status",
			mcp.WithDescription("Report a sender's in-flight work: active tasks, queued messages, and live executor runs."),
			mcp.WithString("sender_id",
				mcp.Required(),
				mcp.Description("The sender's account ID"),
			),
		),
		senderStatusHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("sentra_cancel_runs",
			mcp.WithDescription("Cancel a sender's in-flight tasks and executor runs. Equivalent to a user intervention."),
			mcp.WithString("sender_id",
				mcp.Required(),
				mcp.Description("The sender's account ID"),
			),
			mcp.WithString("conversation_key",
				mcp.Description("Conversation to target, e.g. G:123 or U:456. Defaults to the sender's private conversation."),
			),
		),
		cancelRunsHandler(deps, log),
	)
}

func queueStatusHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Queue == nil {
			return mcp.NewToolResultText(`{"delay_queue_size": 0, "enabled": false}`), nil
		}
		n, err := deps.Queue.Size(ctx)
		if err != nil {
			log.Error("failed to read delay queue size", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read queue size: %v", err)), nil
		}
		return jsonResult(map[string]any{"delay_queue_size": n, "enabled": true})
	}
}

func senderStatusHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		senderID, err := req.RequireString("sender_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{
			"sender_id":    senderID,
			"active_tasks": deps.Tasks.ActiveCount(senderID),
			"active_runs":  deps.Runs.ActiveCount(senderID),
		})
	}
}

func cancelRunsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		senderID, err := req.RequireString("sender_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		conversationKey := req.GetString("conversation_key", "")

		cancelledTasks := deps.Tasks.MarkCancelledForSender(senderID)
		cancelledRuns := deps.Runs.Cancel(ctx, senderID, runs.CancelScope{
			ConversationKey: conversationKey,
			Cutoff:          time.Now(),
		})

		log.Info("MCP tool cancelled sender work",
			zap.String("sender_id", senderID),
			zap.Int("tasks", len(cancelledTasks)),
			zap.Int("runs", cancelledRuns))

		return jsonResult(map[string]any{
			"cancelled_tasks": len(cancelledTasks),
			"cancelled_runs":  cancelledRuns,
		})
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
