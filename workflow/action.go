package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/internal/tracing"
	"github.com/songzhibin97/process-engine/service"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// TakeAction applies a user action to the active instance of the pair,
// starting one first if there is none. The instance's current Task or
// Approval node gets a task if it has none open, the task is completed with
// action as its result and the outgoing edge labelled action (ignoring case)
// is followed. An action without a matching edge is recorded and leaves the
// instance where it is.
//
// The step is retried once as a whole when it loses a race with a concurrent
// caller. It returns the instance as stored afterwards.
func (e *Engine) TakeAction(ctx context.Context, definitionID uint64, applicationID, action, actedBy string) (inst types.Instance, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.TakeAction", trace.WithAttributes(
		attribute.Int64(tracing.DefinitionID, int64(definitionID)),
		attribute.String(tracing.ApplicationID, applicationID),
		attribute.String(tracing.Action, action),
	))
	defer func() { tracing.WithSpanError(span, err); span.End() }()

	var instanceID uint64
	err = e.retryOnConflict(ctx, "TakeAction", func() error {
		id, err := e.takeAction(ctx, definitionID, applicationID, action, actedBy)
		if id != 0 {
			instanceID = id
		}
		return err
	})
	if err != nil {
		return types.Instance{}, err
	}
	span.SetAttributes(attribute.Int64(tracing.InstanceID, int64(instanceID)))

	return e.store.GetInstance(ctx, instanceID)
}

func (e *Engine) takeAction(ctx context.Context, definitionID uint64, applicationID, action, actedBy string) (uint64, error) {
	inst, err := e.activeInstance(ctx, definitionID, applicationID, actedBy)
	if err != nil {
		return 0, err
	}
	switch inst.Status {
	case types.InstanceSuspended, types.InstanceFailed:
		return inst.ID, fmt.Errorf("%w: instance %d is %s", ErrInvalidState, inst.ID, inst.Status)
	}

	g, err := e.graph(ctx, inst.DefinitionID)
	if err != nil {
		return inst.ID, err
	}

	if inst.CurrentNodeID == "" {
		start, err := g.start()
		if err != nil {
			return inst.ID, err
		}
		if err := e.advance(ctx, inst, g, start.ID); err != nil {
			return inst.ID, err
		}
		if inst, err = e.store.GetInstance(ctx, inst.ID); err != nil {
			return inst.ID, err
		}
		if inst.Status.Terminal() {
			return inst.ID, fmt.Errorf("%w: instance %d finished without waiting on a task", ErrNoActionableTask, inst.ID)
		}
	}

	node, err := g.node(inst.CurrentNodeID)
	if err != nil {
		return inst.ID, err
	}
	if !node.Type.Actionable() {
		return inst.ID, fmt.Errorf("%w: instance %d is at %s node %q", ErrNoActionableTask, inst.ID, node.Type, node.ID)
	}

	task, err := e.store.GetOpenTask(ctx, inst.ID, node.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if task, err = e.createTask(ctx, inst, node); err != nil {
			return inst.ID, err
		}
	case err != nil:
		return inst.ID, err
	}

	if err := e.store.CompleteTask(ctx, inst.ID, node.ID, action, actedBy); err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			// Somebody else completed the task after we read it.
			return inst.ID, fmt.Errorf("%w: task %d: %w", storage.ErrConflict, task.ID, err)
		}
		return inst.ID, err
	}
	e.taskCompleted(ctx, inst.ID, node, task.ID, action, actedBy)

	edge, ok := g.match(node.ID, action)
	if !ok {
		entry := nodeEntry(inst.ID, node, types.LevelWarning, fmt.Sprintf("No transition labelled %q leaves %s", action, nodeLabel(node)))
		entry.ExecutedBy = actedBy
		entry.Data = action
		return inst.ID, e.appendLog(ctx, entry)
	}
	return inst.ID, e.advance(ctx, inst, g, edge.Target)
}

// activeInstance returns the oldest non-terminal instance of the pair, starting
// a new one if there is none. If a concurrent caller started one first, the
// instance started here is cancelled and the older one is used.
func (e *Engine) activeInstance(ctx context.Context, definitionID uint64, applicationID, actedBy string) (types.Instance, error) {
	inst, err := e.store.GetActiveInstance(ctx, definitionID, applicationID)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return types.Instance{}, err
	}

	id, err := e.startWorkflow(ctx, definitionID, applicationID, nil, actedBy)
	if err != nil {
		return types.Instance{}, err
	}
	inst, err = e.store.GetActiveInstance(ctx, definitionID, applicationID)
	if err != nil {
		return types.Instance{}, fmt.Errorf("instance %d not found after creation: %w", id, err)
	}
	if inst.ID != id {
		if err := e.cancelDuplicate(ctx, id); err != nil && !errors.Is(err, storage.ErrInstanceTerminal) {
			e.logger.Warn("could not cancel duplicate instance", slog.Uint64(logKeyInstanceID, id), slog.Any("error", err))
		} else {
			_ = e.appendLog(ctx, instanceEntry(id, types.LevelWarning,
				fmt.Sprintf("Cancelled: instance %d was started concurrently for the same application", inst.ID)))
		}
	}
	return inst.Shallow(), nil
}

func (e *Engine) cancelDuplicate(ctx context.Context, id uint64) error {
	return e.retryOnConflict(ctx, "CancelDuplicate", func() error {
		dup, err := e.store.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		return e.store.UpdateInstanceStatus(ctx, id, dup.Version, types.InstanceCancelled)
	})
}

// advance enters target and keeps following the first outgoing edge while the
// node entered does not wait for anyone. Service nodes are executed on entry.
// It stops on an actionable node, a node without outgoing edges, or an End
// node, which completes the instance. inst must carry the Version last read;
// any write made since by someone else fails the step with ErrConflict.
func (e *Engine) advance(ctx context.Context, inst types.Instance, g *graph, target string) error {
	nodeID := target
	for hops := 0; ; hops++ {
		if hops >= e.opts.maxAdvanceHops {
			err := fmt.Errorf("%w: %d nodes from %q", ErrAdvanceLimit, hops, target)
			entry := instanceEntry(inst.ID, types.LevelError, "Automatic traversal stopped")
			entry.NodeID = nodeID
			entry.ErrorDetails = err.Error()
			_ = e.appendLog(ctx, entry)
			return err
		}

		node, err := g.node(nodeID)
		if err != nil {
			return err
		}
		if err := e.enter(ctx, &inst, node); err != nil {
			return err
		}

		if isEnd(node) {
			return e.complete(ctx, &inst, node)
		}
		if node.Type.Actionable() {
			return nil
		}
		if node.Type == types.NodeService {
			e.runService(ctx, inst, node)
		}

		edge, ok := g.next(node.ID)
		if !ok {
			return e.appendLog(ctx, nodeEntry(inst.ID, node, types.LevelWarning,
				fmt.Sprintf("%s has no outgoing transition", nodeLabel(node))))
		}
		nodeID = edge.Target
	}
}

// enter moves the instance pointer to node and records it.
func (e *Engine) enter(ctx context.Context, inst *types.Instance, node types.Node) error {
	instanceID := inst.ID
	if err := e.store.UpdateCurrentNode(ctx, instanceID, inst.Version, node.ID); err != nil {
		return fmt.Errorf("move instance %d to %q: %w", instanceID, node.ID, err)
	}
	inst.Version++
	inst.CurrentNodeID = node.ID

	msg := fmt.Sprintf("Moved to node %s", nodeLabel(node))
	if node.IsStart || node.Type == types.NodeStart {
		msg = "Entered start node"
	}
	if err := e.appendLog(ctx, nodeEntry(instanceID, node, types.LevelInfo, msg)); err != nil {
		return err
	}
	e.publishEvent(ctx, events.NodeEntered, instanceID, node.ID, map[string]interface{}{
		"node_type": string(node.Type),
	})
	return nil
}

func (e *Engine) complete(ctx context.Context, inst *types.Instance, node types.Node) error {
	instanceID := inst.ID
	if err := e.store.UpdateInstanceStatus(ctx, instanceID, inst.Version, types.InstanceCompleted); err != nil {
		return fmt.Errorf("complete instance %d: %w", instanceID, err)
	}
	inst.Version++
	inst.Status = types.InstanceCompleted
	if err := e.appendLog(ctx, nodeEntry(instanceID, node, types.LevelInfo, "Workflow completed")); err != nil {
		return err
	}
	e.publishEvent(ctx, events.InstanceCompleted, instanceID, node.ID, nil)
	return nil
}

// createTask assigns and stores the task of an actionable node. When no
// candidate can be found the task goes to the system user.
func (e *Engine) createTask(ctx context.Context, inst types.Instance, node types.Node) (types.Task, error) {
	assigned, err := e.assigner.AssignForNode(ctx, node, inst.ApplicationID)
	if err != nil {
		e.logger.Warn("assignment failed, falling back to system user",
			slog.Uint64(logKeyInstanceID, inst.ID), slog.String(logKeyNodeID, node.ID), slog.Any("error", err))
		assigned = types.SystemAssignment(fmt.Sprintf("No candidate available: %v", err))
	}

	id, err := e.generator.NextID()
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to generate ID: %w", err)
	}

	settings, _ := node.TaskSettings()
	task := types.Task{
		ID:               id,
		InstanceID:       inst.ID,
		NodeID:           node.ID,
		Title:            settings.Title,
		Description:      settings.Description,
		Status:           types.TaskPending,
		Priority:         settings.Priority,
		AssignedToUserID: assigned.UserID,
		AssignedTo:       assigned.FullName,
		AssignmentType:   assigned.AssignmentType,
		Notes:            settings.Notes,
		CreatedAt:        e.clock.Now().UnixMilli(),
	}
	if task.Title == "" {
		task.Title = nodeLabel(node)
	}
	if task.Priority == "" {
		task.Priority = types.PriorityNormal
	}
	if task.AssignedTo == "" {
		task.AssignedTo = assigned.Username
	}

	if err := e.store.CreateTask(ctx, task); err != nil {
		return types.Task{}, fmt.Errorf("create task for %q: %w", node.ID, err)
	}

	entry := nodeEntry(inst.ID, node, types.LevelInfo, fmt.Sprintf("Task created and assigned to %s", task.AssignedTo))
	entry.Data = assigned.Reason
	if err := e.appendLog(ctx, entry); err != nil {
		return types.Task{}, err
	}
	e.publishEvent(ctx, events.TaskCreated, inst.ID, node.ID, map[string]interface{}{
		"task_id":         task.ID,
		"assigned_to":     task.AssignedTo,
		"assignment_type": string(task.AssignmentType),
	})
	return task, nil
}

func (e *Engine) taskCompleted(ctx context.Context, instanceID uint64, node types.Node, taskID uint64, result, completedBy string) {
	entry := nodeEntry(instanceID, node, types.LevelInfo, fmt.Sprintf("Task completed with result %q", result))
	entry.ExecutedBy = completedBy
	entry.Data = result
	if err := e.appendLog(ctx, entry); err != nil {
		e.logger.Error("could not record task completion",
			slog.Uint64(logKeyTaskID, taskID), slog.Any("error", err))
	}
	e.publishEvent(ctx, events.TaskCompleted, instanceID, node.ID, map[string]interface{}{
		"task_id":      taskID,
		"result":       result,
		"completed_by": completedBy,
	})
}

// runService executes a Service node and records the outcome. A failed
// service is logged as an error and does not fail the instance.
func (e *Engine) runService(ctx context.Context, inst types.Instance, node types.Node) {
	cfg, ok := node.ServiceSettings()
	if !ok {
		entry := nodeEntry(inst.ID, node, types.LevelError, fmt.Sprintf("%s has no service configuration", nodeLabel(node)))
		_ = e.appendLog(ctx, entry)
		return
	}

	res := e.executor.Execute(ctx, service.Request{
		InstanceID: inst.ID,
		NodeID:     node.ID,
		Config:     cfg,
		Variables:  inst.Variables,
	})

	var entry types.ExecutionLogEntry
	if res.IsSuccess {
		entry = nodeEntry(inst.ID, node, types.LevelInfo, fmt.Sprintf("Service %s completed", res.ServiceName))
		entry.Data = res.ResponseData
	} else {
		entry = nodeEntry(inst.ID, node, types.LevelError, fmt.Sprintf("Service %s failed: %s", res.ServiceName, res.ErrorMessage))
		entry.ErrorDetails = res.ErrorDetails
		if entry.ErrorDetails == "" {
			entry.ErrorDetails = res.ErrorMessage
		}
		entry.Data = res.ResponseData
	}
	if err := e.appendLog(ctx, entry); err != nil {
		e.logger.Error("could not record service result",
			slog.String(logKeyExecutionID, res.ID), slog.Any("error", err))
	}
	e.publishEvent(ctx, events.ServiceExecuted, inst.ID, node.ID, map[string]interface{}{
		"execution_id": res.ID,
		"service_type": string(res.ServiceType),
		"success":      res.IsSuccess,
	})
}

// ProcessNode moves an instance to nodeID and runs it if it is a Service node.
// Unlike TakeAction it does not follow any edge afterwards.
func (e *Engine) ProcessNode(ctx context.Context, instanceID uint64, nodeID string) (err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.ProcessNode", trace.WithAttributes(
		attribute.Int64(tracing.InstanceID, int64(instanceID)),
		attribute.String(tracing.NodeID, nodeID),
	))
	defer func() { tracing.WithSpanError(span, err); span.End() }()

	var (
		inst types.Instance
		node types.Node
	)
	err = e.retryOnConflict(ctx, "ProcessNode", func() error {
		var err error
		if inst, err = e.store.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		if inst.Status != types.InstanceRunning {
			return fmt.Errorf("%w: instance %d is %s", ErrInvalidState, instanceID, inst.Status)
		}
		if node, err = e.nodeOf(ctx, inst.DefinitionID, nodeID); err != nil {
			return err
		}
		if err := e.store.UpdateCurrentNode(ctx, instanceID, inst.Version, node.ID); err != nil {
			return fmt.Errorf("move instance %d to %q: %w", instanceID, node.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.appendLog(ctx, nodeEntry(instanceID, node, types.LevelInfo, fmt.Sprintf("Entering node %s", nodeLabel(node)))); err != nil {
		return err
	}
	e.publishEvent(ctx, events.NodeEntered, instanceID, node.ID, map[string]interface{}{
		"node_type": string(node.Type),
	})

	if node.Type == types.NodeService {
		e.runService(ctx, inst.Shallow(), node)
	}
	return nil
}

// CompleteTask completes the open task of a node without moving the instance.
// It reports false when the instance or an open task does not exist.
func (e *Engine) CompleteTask(ctx context.Context, instanceID uint64, nodeID, result, completedBy string) (ok bool, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.CompleteTask", trace.WithAttributes(
		attribute.Int64(tracing.InstanceID, int64(instanceID)),
		attribute.String(tracing.NodeID, nodeID),
	))
	defer func() { tracing.WithSpanError(span, err); span.End() }()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	task, err := e.store.GetOpenTask(ctx, instanceID, nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = e.store.CompleteTask(ctx, instanceID, nodeID, result, completedBy)
	if errors.Is(err, storage.ErrTaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	node, nerr := e.nodeOf(ctx, inst.DefinitionID, nodeID)
	if nerr != nil {
		node = types.Node{ID: nodeID}
	}
	e.taskCompleted(ctx, instanceID, node, task.ID, result, completedBy)
	return true, nil
}

func (e *Engine) nodeOf(ctx context.Context, definitionID uint64, nodeID string) (types.Node, error) {
	g, err := e.graph(ctx, definitionID)
	if err != nil {
		return types.Node{}, err
	}
	return g.node(nodeID)
}

func nodeLabel(n types.Node) string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}
