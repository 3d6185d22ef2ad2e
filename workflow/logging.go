package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/songzhibin97/process-engine/types"
)

func nodeEntry(instanceID uint64, node types.Node, level types.LogLevel, message string) types.ExecutionLogEntry {
	return types.ExecutionLogEntry{
		InstanceID: instanceID,
		NodeID:     node.ID,
		NodeName:   node.Name,
		NodeType:   node.Type,
		Level:      level,
		Message:    message,
	}
}

func instanceEntry(instanceID uint64, level types.LogLevel, message string) types.ExecutionLogEntry {
	return types.ExecutionLogEntry{InstanceID: instanceID, Level: level, Message: message}
}

// appendLog stamps and stores an execution log entry and mirrors it to the
// structured logger. Storing is retried once on any error.
func (e *Engine) appendLog(ctx context.Context, entry types.ExecutionLogEntry) error {
	id, err := e.generator.NextID()
	if err != nil {
		return fmt.Errorf("generate log id: %w", err)
	}
	entry.ID = id
	entry.Timestamp = e.clock.Now().UnixMilli()
	if entry.Level == types.LevelError {
		entry.IsError = true
	}

	attrs := []slog.Attr{
		slog.Uint64(logKeyInstanceID, entry.InstanceID),
		slog.String(logKeyNodeID, entry.NodeID),
	}
	if entry.NodeType != "" {
		attrs = append(attrs, slog.String(logKeyNodeType, string(entry.NodeType)))
	}
	if entry.ExecutedBy != "" {
		attrs = append(attrs, slog.String(logKeyExecutedBy, entry.ExecutedBy))
	}
	if entry.ErrorDetails != "" {
		attrs = append(attrs, slog.String("error", entry.ErrorDetails))
	}
	e.logger.LogAttrs(ctx, slogLevel(entry.Level), entry.Message, attrs...)

	return e.retryOnce(ctx, "AppendExecutionLog", always, func() error {
		return e.store.AppendExecutionLog(ctx, entry)
	})
}

func slogLevel(l types.LogLevel) slog.Level {
	switch l {
	case types.LevelDebug:
		return slog.LevelDebug
	case types.LevelWarning:
		return slog.LevelWarn
	case types.LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
