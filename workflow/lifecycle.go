package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/internal/tracing"
	"github.com/songzhibin97/process-engine/types"
)

// transition describes a status change an operator can request.
type transition struct {
	name  string
	from  []types.InstanceStatus
	to    types.InstanceStatus
	event string
	level types.LogLevel
}

var (
	cancelTransition = transition{
		name:  "cancel",
		from:  []types.InstanceStatus{types.InstanceRunning, types.InstanceSuspended, types.InstanceFailed},
		to:    types.InstanceCancelled,
		event: events.InstanceCancelled,
		level: types.LevelWarning,
	}
	suspendTransition = transition{
		name:  "suspend",
		from:  []types.InstanceStatus{types.InstanceRunning},
		to:    types.InstanceSuspended,
		event: events.InstanceSuspended,
		level: types.LevelInfo,
	}
	resumeTransition = transition{
		name:  "resume",
		from:  []types.InstanceStatus{types.InstanceSuspended},
		to:    types.InstanceRunning,
		event: events.InstanceResumed,
		level: types.LevelInfo,
	}
	retryTransition = transition{
		name:  "retry",
		from:  []types.InstanceStatus{types.InstanceFailed},
		to:    types.InstanceRunning,
		event: events.InstanceRetried,
		level: types.LevelInfo,
	}
	failTransition = transition{
		name:  "fail",
		from:  []types.InstanceStatus{types.InstanceRunning, types.InstanceSuspended},
		to:    types.InstanceFailed,
		event: events.InstanceFailed,
		level: types.LevelError,
	}
)

func (t transition) allowed(s types.InstanceStatus) bool {
	for _, from := range t.from {
		if s == from {
			return true
		}
	}
	return false
}

// CancelInstance stops an instance for good.
func (e *Engine) CancelInstance(ctx context.Context, instanceID uint64, reason string) error {
	_, err := e.transition(ctx, instanceID, cancelTransition, "Workflow cancelled", reason)
	return err
}

// SuspendInstance pauses a Running instance. TakeAction rejects suspended instances.
func (e *Engine) SuspendInstance(ctx context.Context, instanceID uint64) error {
	_, err := e.transition(ctx, instanceID, suspendTransition, "Workflow suspended", "")
	return err
}

func (e *Engine) ResumeInstance(ctx context.Context, instanceID uint64) error {
	_, err := e.transition(ctx, instanceID, resumeTransition, "Workflow resumed", "")
	return err
}

// FailInstance marks an instance as Failed so that it can later be retried.
func (e *Engine) FailInstance(ctx context.Context, instanceID uint64, reason string) error {
	_, err := e.transition(ctx, instanceID, failTransition, "Workflow failed", reason)
	return err
}

// RetryInstance puts a Failed instance back to Running and counts the retry.
// Exceeding MaxRetries is recorded as a warning but does not prevent the retry.
func (e *Engine) RetryInstance(ctx context.Context, instanceID uint64) error {
	before, err := e.transition(ctx, instanceID, retryTransition, "Workflow retried", "")
	if err != nil {
		return err
	}

	if err := e.retryOnConflict(ctx, "IncrementRetryCount", func() error {
		return e.store.IncrementRetryCount(ctx, instanceID)
	}); err != nil {
		return fmt.Errorf("count retry of instance %d: %w", instanceID, err)
	}

	attempt := before.RetryCount + 1
	e.logger.Info("instance retried",
		slog.Uint64(logKeyInstanceID, instanceID), slog.Int(logKeyAttempt, attempt))
	if before.RetryCount >= before.MaxRetries {
		entry := instanceEntry(instanceID, types.LevelWarning,
			fmt.Sprintf("Retry %d exceeds the maximum of %d retries", attempt, before.MaxRetries))
		entry.NodeID = before.CurrentNodeID
		return e.appendLog(ctx, entry)
	}
	return nil
}

// transition applies t to the instance and returns the instance as it was
// before the change.
func (e *Engine) transition(ctx context.Context, instanceID uint64, t transition, message, reason string) (before types.Instance, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine."+t.name, trace.WithAttributes(
		attribute.Int64(tracing.InstanceID, int64(instanceID)),
	))
	defer func() { tracing.WithSpanError(span, err); span.End() }()

	err = e.retryOnConflict(ctx, t.name, func() error {
		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if !t.allowed(inst.Status) {
			return fmt.Errorf("%w: cannot %s instance %d in status %s", ErrInvalidState, t.name, instanceID, inst.Status)
		}
		if err := e.store.UpdateInstanceStatus(ctx, instanceID, inst.Version, t.to); err != nil {
			return err
		}
		before = inst.Shallow()
		return nil
	})
	if err != nil {
		return types.Instance{}, err
	}

	e.logger.Info("instance status changed",
		slog.Uint64(logKeyInstanceID, instanceID),
		slog.String(logKeyStatus, string(t.to)),
		slog.Int(logKeyRetryCount, before.RetryCount))

	entry := instanceEntry(instanceID, t.level, message)
	entry.NodeID = before.CurrentNodeID
	if reason != "" {
		entry.Message = fmt.Sprintf("%s: %s", message, reason)
		entry.Data = reason
	}
	if t.level == types.LevelError {
		entry.ErrorDetails = reason
	}
	if err := e.appendLog(ctx, entry); err != nil {
		return before, err
	}

	data := map[string]interface{}{"from": string(before.Status), "to": string(t.to)}
	if reason != "" {
		data["reason"] = reason
	}
	e.publishEvent(ctx, t.event, instanceID, before.CurrentNodeID, data)
	return before, nil
}
