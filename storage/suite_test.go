package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/types"
)

// newStoreFunc builds an empty store driven by the given clock.
type newStoreFunc func(t *testing.T, c clock.Clock) Storage

func newDefinition(id uint64) types.Definition {
	return types.Definition{
		ID:      id,
		Name:    "Leave request",
		Version: 1,
		Status:  types.DefinitionPublished,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, Name: "Start", Config: types.EmptyConfig{}, IsStart: true},
			{ID: "review", Type: types.NodeTask, Name: "Review", Config: types.TaskConfig{
				Title:    "Review request",
				Priority: types.PriorityHigh,
				Assignee: json.RawMessage(`["alice","bob"]`),
			}},
			{ID: "end", Type: types.NodeEnd, Name: "End", Config: types.EmptyConfig{}, IsEnd: true},
		},
		Edges: []types.Edge{
			{Source: "start", Target: "review", Label: "submit"},
			{Source: "review", Target: "end", Label: "approve", Condition: "amount < 100"},
		},
	}
}

func newInstance(id, definitionID uint64, applicationID string, now time.Time) types.Instance {
	return types.Instance{
		ID:             id,
		DefinitionID:   definitionID,
		ApplicationID:  applicationID,
		Status:         types.InstanceRunning,
		Variables:      map[string]interface{}{"applicant": "alice"},
		MaxRetries:     3,
		StartedBy:      "alice",
		StartedAt:      now.UnixMilli(),
		LastActivityAt: now.UnixMilli(),
	}
}

func newTask(id, instanceID uint64, nodeID string, userID uint64) types.Task {
	return types.Task{
		ID:               id,
		InstanceID:       instanceID,
		NodeID:           nodeID,
		Title:            "Review request",
		Status:           types.TaskPending,
		Priority:         types.PriorityNormal,
		AssignedToUserID: userID,
		AssignedTo:       "alice",
		AssignmentType:   types.AssignmentNodeConfigured,
		CreatedAt:        1,
	}
}

func runStorageSuite(t *testing.T, newStore newStoreFunc) {
	ctx := context.Background()

	t.Run("SaveAndGetDefinition", func(t *testing.T) {
		store := newStore(t, clock.NewMock())

		def := newDefinition(1)
		require.NoError(t, store.SaveDefinition(ctx, def))

		got, err := store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, def, got)

		_, err = store.GetDefinition(ctx, 2)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateAndGetInstance", func(t *testing.T) {
		mock := clock.NewMock()
		store := newStore(t, mock)
		require.NoError(t, store.SaveDefinition(ctx, newDefinition(1)))

		inst := newInstance(10, 1, "APP-1", mock.Now())
		require.NoError(t, store.CreateInstance(ctx, inst))
		assert.ErrorIs(t, store.CreateInstance(ctx, inst), ErrConflict)

		got, err := store.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, inst.ApplicationID, got.ApplicationID)
		assert.Equal(t, types.InstanceRunning, got.Status)
		assert.Equal(t, "alice", got.Variables["applicant"])
		require.NotNil(t, got.Definition)
		assert.Equal(t, uint64(1), got.Definition.ID)
		assert.Empty(t, got.Tasks)
		assert.Empty(t, got.ExecutionLog)

		_, err = store.GetInstance(ctx, 11)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("GetActiveInstance", func(t *testing.T) {
		mock := clock.NewMock()
		store := newStore(t, mock)

		require.NoError(t, store.CreateInstance(ctx, newInstance(1, 1, "APP-1", mock.Now())))
		require.NoError(t, store.CreateInstance(ctx, newInstance(2, 1, "APP-2", mock.Now())))
		require.NoError(t, store.CreateInstance(ctx, newInstance(3, 1, "APP-1", mock.Now())))

		got, err := store.GetActiveInstance(ctx, 1, "APP-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.ID)

		require.NoError(t, store.UpdateInstanceStatus(ctx, 1, 0, types.InstanceCompleted))
		got, err = store.GetActiveInstance(ctx, 1, "APP-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got.ID)

		_, err = store.GetActiveInstance(ctx, 2, "APP-1")
		assert.ErrorIs(t, err, ErrInstanceNotFound)

		active, err := store.GetActiveInstances(ctx)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, uint64(2), active[0].ID)
		assert.Equal(t, uint64(3), active[1].ID)
	})

	t.Run("InstanceMutations", func(t *testing.T) {
		mock := clock.NewMock()
		store := newStore(t, mock)
		require.NoError(t, store.CreateInstance(ctx, newInstance(1, 1, "APP-1", mock.Now())))

		mock.Add(time.Minute)
		require.NoError(t, store.UpdateCurrentNode(ctx, 1, 0, "review"))
		require.NoError(t, store.IncrementRetryCount(ctx, 1))
		require.NoError(t, store.UpdateInstanceStatus(ctx, 1, 2, types.InstanceFailed))

		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "review", got.CurrentNodeID)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, types.InstanceFailed, got.Status)
		assert.Equal(t, mock.Now().UnixMilli(), got.LastActivityAt)
		assert.Equal(t, int64(3), got.Version)
		assert.Zero(t, got.CompletedAt)

		assert.ErrorIs(t, store.UpdateCurrentNode(ctx, 99, 0, "review"), ErrInstanceNotFound)
	})

	t.Run("StaleVersionLeavesInstanceUntouched", func(t *testing.T) {
		mock := clock.NewMock()
		store := newStore(t, mock)
		require.NoError(t, store.CreateInstance(ctx, newInstance(1, 1, "APP-1", mock.Now())))

		read, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)

		// Another writer fails the instance after our read.
		require.NoError(t, store.UpdateInstanceStatus(ctx, 1, read.Version, types.InstanceFailed))

		assert.ErrorIs(t, store.UpdateInstanceStatus(ctx, 1, read.Version, types.InstanceSuspended), ErrConflict)
		assert.ErrorIs(t, store.UpdateCurrentNode(ctx, 1, read.Version, "review"), ErrConflict)
		assert.ErrorIs(t, store.UpdateInstanceStatus(ctx, 1, read.Version+5, types.InstanceSuspended), ErrConflict)

		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceFailed, got.Status)
		assert.Empty(t, got.CurrentNodeID)
		assert.Equal(t, read.Version+1, got.Version)

		require.NoError(t, store.UpdateInstanceStatus(ctx, 1, got.Version, types.InstanceRunning))
	})

	t.Run("TerminalInstanceIsImmutable", func(t *testing.T) {
		mock := clock.NewMock()
		store := newStore(t, mock)
		require.NoError(t, store.CreateInstance(ctx, newInstance(1, 1, "APP-1", mock.Now())))
		require.NoError(t, store.CreateTask(ctx, newTask(100, 1, "review", 1)))

		mock.Add(time.Hour)
		require.NoError(t, store.UpdateInstanceStatus(ctx, 1, 0, types.InstanceCancelled))

		before, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, mock.Now().UnixMilli(), before.CompletedAt)

		assert.ErrorIs(t, store.UpdateInstanceStatus(ctx, 1, before.Version, types.InstanceRunning), ErrInstanceTerminal)
		assert.ErrorIs(t, store.UpdateCurrentNode(ctx, 1, before.Version, "end"), ErrInstanceTerminal)
		assert.ErrorIs(t, store.IncrementRetryCount(ctx, 1), ErrInstanceTerminal)
		assert.ErrorIs(t, store.CreateTask(ctx, newTask(101, 1, "other", 1)), ErrInstanceTerminal)
		assert.ErrorIs(t, store.CompleteTask(ctx, 1, "review", "approve", "alice"), ErrInstanceTerminal)

		after, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, before.Status, after.Status)
		assert.Equal(t, before.CurrentNodeID, after.CurrentNodeID)
		assert.Equal(t, before.Version, after.Version)
		assert.Equal(t, before.Tasks, after.Tasks)
	})

	t.Run("TaskLifecycle", func(t *testing.T) {
		mock := clock.NewMock()
		store := newStore(t, mock)
		require.NoError(t, store.CreateInstance(ctx, newInstance(1, 1, "APP-1", mock.Now())))

		_, err := store.GetOpenTask(ctx, 1, "review")
		assert.ErrorIs(t, err, ErrTaskNotFound)

		task := newTask(100, 1, "review", 7)
		require.NoError(t, store.CreateTask(ctx, task))
		assert.ErrorIs(t, store.CreateTask(ctx, newTask(101, 1, "review", 7)), ErrConflict)
		assert.ErrorIs(t, store.CreateTask(ctx, newTask(102, 99, "review", 7)), ErrInstanceNotFound)

		open, err := store.GetOpenTask(ctx, 1, "review")
		require.NoError(t, err)
		assert.Equal(t, task, open)

		n, err := store.CountOpenTasks(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		mock.Add(time.Minute)
		require.NoError(t, store.CompleteTask(ctx, 1, "review", "approve", "alice"))
		assert.ErrorIs(t, store.CompleteTask(ctx, 1, "review", "approve", "alice"), ErrTaskNotFound)

		n, err = store.CountOpenTasks(ctx, 7)
		require.NoError(t, err)
		assert.Zero(t, n)

		tasks, err := store.GetTasks(ctx, 1)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, types.TaskCompleted, tasks[0].Status)
		assert.Equal(t, "approve", tasks[0].Result)
		assert.Equal(t, "alice", tasks[0].CompletedBy)
		assert.Equal(t, mock.Now().UnixMilli(), tasks[0].CompletedAt)

		// A completed task frees the node for a new one.
		require.NoError(t, store.CreateTask(ctx, newTask(103, 1, "review", 7)))
		tasks, err = store.GetTasks(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
	})

	t.Run("ConcurrentCreateTask", func(t *testing.T) {
		mock := clock.NewMock()
		store := newStore(t, mock)
		require.NoError(t, store.CreateInstance(ctx, newInstance(1, 1, "APP-1", mock.Now())))

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			conflicts int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.CreateTask(ctx, newTask(uint64(200+i), 1, "review", 7))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					succeeded++
				} else if assert.ErrorIs(t, err, ErrConflict) {
					conflicts++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		assert.Equal(t, workers-1, conflicts)
		tasks, err := store.GetTasks(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("ExecutionLogIsAppendOnly", func(t *testing.T) {
		mock := clock.NewMock()
		store := newStore(t, mock)
		require.NoError(t, store.CreateInstance(ctx, newInstance(1, 1, "APP-1", mock.Now())))

		first := types.ExecutionLogEntry{ID: 1, InstanceID: 1, NodeID: "start", NodeType: types.NodeStart,
			Level: types.LevelInfo, Message: "Entered start node", Timestamp: 1}
		second := types.ExecutionLogEntry{ID: 2, InstanceID: 1, NodeID: "review", NodeType: types.NodeTask,
			Level: types.LevelError, Message: "Service failed", Timestamp: 2, IsError: true, ErrorDetails: "boom"}

		require.NoError(t, store.AppendExecutionLog(ctx, first))
		prefix, err := store.GetExecutionLogs(ctx, 1)
		require.NoError(t, err)

		require.NoError(t, store.AppendExecutionLog(ctx, second))
		logs, err := store.GetExecutionLogs(ctx, 1)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, prefix, logs[:1])
		assert.Equal(t, second, logs[1])

		err = store.AppendExecutionLog(ctx, types.ExecutionLogEntry{ID: 3, InstanceID: 42, Message: "orphan"})
		assert.ErrorIs(t, err, ErrInstanceNotFound)

		// Terminal instances still accept log entries.
		require.NoError(t, store.UpdateInstanceStatus(ctx, 1, 0, types.InstanceCompleted))
		require.NoError(t, store.AppendExecutionLog(ctx, types.ExecutionLogEntry{ID: 4, InstanceID: 1, Level: types.LevelInfo, Message: "Workflow completed", Timestamp: 3}))
		logs, err = store.GetExecutionLogs(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, logs, 3)
	})

	t.Run("Users", func(t *testing.T) {
		store := newStore(t, clock.NewMock())
		require.NoError(t, store.SaveUser(ctx, types.User{ID: 2, Username: "Bob", Status: types.UserActive, Department: "Finance"}))
		require.NoError(t, store.SaveUser(ctx, types.User{ID: 1, Username: "alice", Status: types.UserActive}))
		require.NoError(t, store.SaveUser(ctx, types.User{ID: 3, Username: "carol", Status: types.UserInactive}))

		users, err := store.GetUsersByUsernames(ctx, []string{"bob", "nobody", "ALICE", "carol"})
		require.NoError(t, err)
		require.Len(t, users, 3)
		assert.Equal(t, uint64(2), users[0].ID)
		assert.Equal(t, uint64(1), users[1].ID)
		assert.Equal(t, uint64(3), users[2].ID)

		active, err := store.ListActiveUsers(ctx)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "alice", active[0].Username)
		assert.Equal(t, "Bob", active[1].Username)
	})

	t.Run("ServiceRecords", func(t *testing.T) {
		store := newStore(t, clock.NewMock())

		cfg := types.ServiceConfiguration{
			Name:           "credit-check",
			Endpoint:       "http://example.invalid/check",
			Method:         "POST",
			TimeoutSeconds: 5,
			Headers:        map[string]string{"X-Tenant": "acme"},
			Auth:           &types.AuthConfig{Type: types.AuthBearer, Token: "secret"},
		}
		require.NoError(t, store.SaveServiceConfiguration(ctx, cfg))
		gotCfg, err := store.GetServiceConfiguration(ctx, "credit-check")
		require.NoError(t, err)
		assert.Equal(t, cfg, gotCfg)

		_, err = store.GetServiceConfiguration(ctx, "missing")
		assert.ErrorIs(t, err, ErrServiceConfigurationNotFound)

		result := types.ServiceExecutionResult{ID: "r-1", InstanceID: 1, NodeID: "check", ServiceType: types.ServiceExternalAPI,
			Status: types.ExecutionFailed, ErrorMessage: "timeout"}
		require.NoError(t, store.SaveServiceResult(ctx, result))
		require.NoError(t, store.UpdateServiceResultStatus(ctx, "r-1", types.ExecutionRetrying))

		got, err := store.GetServiceResult(ctx, "r-1")
		require.NoError(t, err)
		assert.Equal(t, types.ExecutionRetrying, got.Status)
		assert.Equal(t, "timeout", got.ErrorMessage)

		assert.ErrorIs(t, store.UpdateServiceResultStatus(ctx, "r-2", types.ExecutionRetrying), ErrServiceResultNotFound)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		store := newStore(t, clock.NewMock())
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := store.GetInstance(cctx, 1)
		assert.Error(t, err)
	})
}
