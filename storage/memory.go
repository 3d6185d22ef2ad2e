package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/songzhibin97/process-engine/types"
)

type openTaskKey struct {
	instanceID uint64
	nodeID     string
}

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	mu    sync.RWMutex
	clock clock.Clock

	definitions    map[uint64]types.Definition
	instances      map[uint64]types.Instance
	instanceOrder  []uint64
	tasks          map[uint64]types.Task
	instanceTasks  map[uint64][]uint64
	openTasks      map[openTaskKey]uint64
	logs           map[uint64][]types.ExecutionLogEntry
	users          map[string]types.User
	serviceConfigs map[string]types.ServiceConfiguration
	serviceResults map[string]types.ServiceExecutionResult
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	o := applyOptions(opts)
	return &MemoryStorage{
		clock:          o.clock,
		definitions:    make(map[uint64]types.Definition),
		instances:      make(map[uint64]types.Instance),
		tasks:          make(map[uint64]types.Task),
		instanceTasks:  make(map[uint64][]uint64),
		openTasks:      make(map[openTaskKey]uint64),
		logs:           make(map[uint64][]types.ExecutionLogEntry),
		users:          make(map[string]types.User),
		serviceConfigs: make(map[string]types.ServiceConfiguration),
		serviceResults: make(map[string]types.ServiceExecutionResult),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = copyDefinition(def)
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	def, err := getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
	if err != nil {
		return types.Definition{}, err
	}
	return copyDefinition(def), nil
}

// CreateInstance saves a new instance to memory.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[inst.ID]; ok {
			return fmt.Errorf("%w: instance %d already exists", ErrConflict, inst.ID)
		}
		inst = inst.Shallow()
		inst.Variables = copyVariables(inst.Variables)
		s.instances[inst.ID] = inst
		s.instanceOrder = append(s.instanceOrder, inst.ID)
		return nil
	})
}

// GetInstance retrieves an instance with its definition, tasks and log.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return withContext(ctx, func() (types.Instance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		inst, ok := s.instances[id]
		if !ok {
			return types.Instance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		}
		inst.Variables = copyVariables(inst.Variables)
		if def, ok := s.definitions[inst.DefinitionID]; ok {
			def = copyDefinition(def)
			inst.Definition = &def
		}
		inst.Tasks = s.tasksOf(id)
		inst.ExecutionLog = append([]types.ExecutionLogEntry(nil), s.logs[id]...)
		return inst, nil
	})
}

// GetActiveInstances lists non-terminal instances in creation order.
func (s *MemoryStorage) GetActiveInstances(ctx context.Context) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Instance
		for _, id := range s.instanceOrder {
			inst := s.instances[id]
			if !inst.Status.Terminal() {
				inst.Variables = copyVariables(inst.Variables)
				out = append(out, inst)
			}
		}
		return out, nil
	})
}

// GetActiveInstance returns the oldest non-terminal instance for the pair.
func (s *MemoryStorage) GetActiveInstance(ctx context.Context, definitionID uint64, applicationID string) (types.Instance, error) {
	return withContext(ctx, func() (types.Instance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, id := range s.instanceOrder {
			inst := s.instances[id]
			if inst.DefinitionID == definitionID && inst.ApplicationID == applicationID && !inst.Status.Terminal() {
				inst.Variables = copyVariables(inst.Variables)
				return inst, nil
			}
		}
		return types.Instance{}, fmt.Errorf("%w: definition=%d application=%s", ErrInstanceNotFound, definitionID, applicationID)
	})
}

// mutateInstance applies fn to a live instance at the expected version under
// the write lock.
func (s *MemoryStorage) mutateInstance(ctx context.Context, id uint64, expected int64, fn func(inst *types.Instance)) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		inst, ok := s.instances[id]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		}
		if err := checkLive(inst, expected); err != nil {
			return err
		}
		fn(&inst)
		inst.LastActivityAt = s.clock.Now().UnixMilli()
		inst.Version++
		s.instances[id] = inst
		return nil
	})
}

// UpdateInstanceStatus changes the status of an instance.
func (s *MemoryStorage) UpdateInstanceStatus(ctx context.Context, id uint64, version int64, status types.InstanceStatus) error {
	return s.mutateInstance(ctx, id, version, func(inst *types.Instance) {
		inst.Status = status
		if status.Terminal() {
			inst.CompletedAt = s.clock.Now().UnixMilli()
		}
	})
}

// UpdateCurrentNode moves the instance pointer.
func (s *MemoryStorage) UpdateCurrentNode(ctx context.Context, id uint64, version int64, nodeID string) error {
	return s.mutateInstance(ctx, id, version, func(inst *types.Instance) {
		inst.CurrentNodeID = nodeID
	})
}

// IncrementRetryCount bumps the retry counter.
func (s *MemoryStorage) IncrementRetryCount(ctx context.Context, id uint64) error {
	return s.mutateInstance(ctx, id, anyVersion, func(inst *types.Instance) {
		inst.RetryCount++
	})
}

// CreateTask stores a task, refusing a second open task for the same node.
func (s *MemoryStorage) CreateTask(ctx context.Context, task types.Task) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		inst, ok := s.instances[task.InstanceID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, task.InstanceID)
		}
		if err := checkLive(inst, anyVersion); err != nil {
			return err
		}
		key := openTaskKey{instanceID: task.InstanceID, nodeID: task.NodeID}
		if task.Status.Open() {
			if existing, ok := s.openTasks[key]; ok {
				return fmt.Errorf("%w: task %d already open for node %s", ErrConflict, existing, task.NodeID)
			}
			s.openTasks[key] = task.ID
		}
		s.tasks[task.ID] = task
		s.instanceTasks[task.InstanceID] = append(s.instanceTasks[task.InstanceID], task.ID)
		return nil
	})
}

// GetOpenTask returns the open task of a node.
func (s *MemoryStorage) GetOpenTask(ctx context.Context, instanceID uint64, nodeID string) (types.Task, error) {
	return withContext(ctx, func() (types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.openTasks[openTaskKey{instanceID: instanceID, nodeID: nodeID}]
		if !ok {
			return types.Task{}, fmt.Errorf("%w: instance=%d node=%s", ErrTaskNotFound, instanceID, nodeID)
		}
		return s.tasks[id], nil
	})
}

// CompleteTask completes the open task of a node.
func (s *MemoryStorage) CompleteTask(ctx context.Context, instanceID uint64, nodeID, result, completedBy string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		inst, ok := s.instances[instanceID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
		}
		if err := checkLive(inst, anyVersion); err != nil {
			return err
		}
		key := openTaskKey{instanceID: instanceID, nodeID: nodeID}
		id, ok := s.openTasks[key]
		if !ok {
			return fmt.Errorf("%w: instance=%d node=%s", ErrTaskNotFound, instanceID, nodeID)
		}
		now := s.clock.Now().UnixMilli()
		task := s.tasks[id]
		task.Status = types.TaskCompleted
		task.Result = result
		task.CompletedBy = completedBy
		task.CompletedAt = now
		s.tasks[id] = task
		delete(s.openTasks, key)

		inst.LastActivityAt = now
		s.instances[instanceID] = inst
		return nil
	})
}

// GetTasks lists the tasks of an instance.
func (s *MemoryStorage) GetTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.tasksOf(instanceID), nil
	})
}

func (s *MemoryStorage) tasksOf(instanceID uint64) []types.Task {
	ids := s.instanceTasks[instanceID]
	out := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id])
	}
	return out
}

// CountOpenTasks counts the open tasks assigned to a user.
func (s *MemoryStorage) CountOpenTasks(ctx context.Context, userID uint64) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		n := 0
		for _, id := range s.openTasks {
			if s.tasks[id].AssignedToUserID == userID {
				n++
			}
		}
		return n, nil
	})
}

// AppendExecutionLog appends an entry to the instance log.
func (s *MemoryStorage) AppendExecutionLog(ctx context.Context, entry types.ExecutionLogEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[entry.InstanceID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, entry.InstanceID)
		}
		s.logs[entry.InstanceID] = append(s.logs[entry.InstanceID], entry)
		return nil
	})
}

// GetExecutionLogs returns the log of an instance in append order.
func (s *MemoryStorage) GetExecutionLogs(ctx context.Context, instanceID uint64) ([]types.ExecutionLogEntry, error) {
	return withContext(ctx, func() ([]types.ExecutionLogEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]types.ExecutionLogEntry(nil), s.logs[instanceID]...), nil
	})
}

// SaveUser stores a user.
func (s *MemoryStorage) SaveUser(ctx context.Context, user types.User) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.users[strings.ToLower(user.Username)] = user
		return nil
	})
}

// GetUsersByUsernames returns the known users in request order.
func (s *MemoryStorage) GetUsersByUsernames(ctx context.Context, usernames []string) ([]types.User, error) {
	return withContext(ctx, func() ([]types.User, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.User
		for _, name := range usernames {
			if u, ok := s.users[strings.ToLower(name)]; ok {
				out = append(out, u)
			}
		}
		return out, nil
	})
}

// ListActiveUsers returns the active users ordered by ID.
func (s *MemoryStorage) ListActiveUsers(ctx context.Context) ([]types.User, error) {
	return withContext(ctx, func() ([]types.User, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.User
		for _, u := range s.users {
			if u.Status == types.UserActive {
				out = append(out, u)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveServiceConfiguration stores a named service configuration.
func (s *MemoryStorage) SaveServiceConfiguration(ctx context.Context, cfg types.ServiceConfiguration) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.serviceConfigs[cfg.Name] = cfg
		return nil
	})
}

// GetServiceConfiguration retrieves a named service configuration.
func (s *MemoryStorage) GetServiceConfiguration(ctx context.Context, name string) (types.ServiceConfiguration, error) {
	return getItem(ctx, &s.mu, s.serviceConfigs, name, ErrServiceConfigurationNotFound)
}

// SaveServiceResult stores a service execution result.
func (s *MemoryStorage) SaveServiceResult(ctx context.Context, result types.ServiceExecutionResult) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.serviceResults[result.ID] = result
		return nil
	})
}

// GetServiceResult retrieves a service execution result.
func (s *MemoryStorage) GetServiceResult(ctx context.Context, id string) (types.ServiceExecutionResult, error) {
	return getItem(ctx, &s.mu, s.serviceResults, id, ErrServiceResultNotFound)
}

// UpdateServiceResultStatus changes the status of a stored result.
func (s *MemoryStorage) UpdateServiceResultStatus(ctx context.Context, id string, status types.ExecutionStatus) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		r, ok := s.serviceResults[id]
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrServiceResultNotFound, id)
		}
		r.Status = status
		s.serviceResults[id] = r
		return nil
	})
}

// Close is a no-op for the memory store.
func (s *MemoryStorage) Close() error {
	return nil
}
