package storage

import (
	"context"

	"github.com/benbjohnson/clock"

	"github.com/songzhibin97/process-engine/types"
)

// DefinitionRepository reads and stores workflow definitions.
type DefinitionRepository interface {
	// SaveDefinition stores a definition, replacing any previous one with the same ID.
	SaveDefinition(ctx context.Context, def types.Definition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.Definition, error)
}

// InstanceRepository persists workflow instances. Every mutation fails with
// ErrInstanceTerminal once the instance is Completed or Cancelled, and every
// successful one increments Version by one.
type InstanceRepository interface {
	// CreateInstance stores a new instance.
	CreateInstance(ctx context.Context, inst types.Instance) error

	// GetInstance retrieves an instance together with its definition, tasks and execution log.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)

	// GetActiveInstances lists instances that are neither Completed nor Cancelled, oldest first.
	GetActiveInstances(ctx context.Context) ([]types.Instance, error)

	// GetActiveInstance returns the oldest non-terminal instance for the pair.
	GetActiveInstance(ctx context.Context, definitionID uint64, applicationID string) (types.Instance, error)

	// UpdateInstanceStatus changes the status and stamps CompletedAt for terminal states.
	// version is the Version the caller read; if the instance has been
	// written since, nothing changes and ErrConflict is returned.
	UpdateInstanceStatus(ctx context.Context, id uint64, version int64, status types.InstanceStatus) error

	// UpdateCurrentNode moves the instance pointer. version is checked like
	// in UpdateInstanceStatus.
	UpdateCurrentNode(ctx context.Context, id uint64, version int64, nodeID string) error

	// IncrementRetryCount bumps the retry counter whatever the current version.
	IncrementRetryCount(ctx context.Context, id uint64) error
}

// TaskRepository persists human tasks.
type TaskRepository interface {
	// CreateTask stores a task. It fails with ErrConflict if an open task
	// already exists for the same instance and node.
	CreateTask(ctx context.Context, task types.Task) error

	// GetOpenTask returns the Pending or InProgress task of a node.
	GetOpenTask(ctx context.Context, instanceID uint64, nodeID string) (types.Task, error)

	// CompleteTask completes the open task of a node.
	CompleteTask(ctx context.Context, instanceID uint64, nodeID, result, completedBy string) error

	// GetTasks lists the tasks of an instance in creation order.
	GetTasks(ctx context.Context, instanceID uint64) ([]types.Task, error)

	// CountOpenTasks counts Pending and InProgress tasks assigned to a user.
	CountOpenTasks(ctx context.Context, userID uint64) (int, error)
}

// LogRepository is the append-only execution log.
type LogRepository interface {
	AppendExecutionLog(ctx context.Context, entry types.ExecutionLogEntry) error
	GetExecutionLogs(ctx context.Context, instanceID uint64) ([]types.ExecutionLogEntry, error)
}

// UserRepository reads the users tasks can be assigned to. Usernames match case-insensitively.
type UserRepository interface {
	SaveUser(ctx context.Context, user types.User) error

	// GetUsersByUsernames returns the known users in the order of usernames.
	GetUsersByUsernames(ctx context.Context, usernames []string) ([]types.User, error)

	// ListActiveUsers returns all Active users ordered by ID.
	ListActiveUsers(ctx context.Context) ([]types.User, error)
}

// ServiceRepository stores named service configurations and execution results.
type ServiceRepository interface {
	SaveServiceConfiguration(ctx context.Context, cfg types.ServiceConfiguration) error
	GetServiceConfiguration(ctx context.Context, name string) (types.ServiceConfiguration, error)
	SaveServiceResult(ctx context.Context, result types.ServiceExecutionResult) error
	GetServiceResult(ctx context.Context, id string) (types.ServiceExecutionResult, error)
	UpdateServiceResultStatus(ctx context.Context, id string, status types.ExecutionStatus) error
}

// Storage is everything the engine persists.
type Storage interface {
	DefinitionRepository
	InstanceRepository
	TaskRepository
	LogRepository
	UserRepository
	ServiceRepository

	Close() error
}

// Option configures a storage implementation.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock used for timestamps written by the store.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func applyOptions(opts []Option) options {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func copyVariables(vars map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

func copyDefinition(def types.Definition) types.Definition {
	def.Nodes = append([]types.Node(nil), def.Nodes...)
	def.Edges = append([]types.Edge(nil), def.Edges...)
	return def
}
