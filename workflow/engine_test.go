package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/service"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id atomic.Uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return g.id.Add(1), nil
}

const appID = "APP-1"

type testEngine struct {
	*Engine
	store *storage.MemoryStorage
	clock *clock.Mock
}

func newTestEngine(t *testing.T, opts ...Option) testEngine {
	t.Helper()
	return newTestEngineWithExecutor(t, nil, opts...)
}

func newTestEngineWithExecutor(t *testing.T, executor ServiceExecutor, opts ...Option) testEngine {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStorage(storage.WithClock(mock))

	for _, u := range []types.User{
		{ID: 1, Username: "alice", Status: types.UserActive},
		{ID: 2, Username: "bob", Status: types.UserActive},
	} {
		require.NoError(t, store.SaveUser(context.Background(), u))
	}

	opts = append([]Option{
		WithClock(mock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	engine, err := NewEngine(&MockGenerator{}, store, executor, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	return testEngine{Engine: engine, store: store, clock: mock}
}

func reviewNode(id, name string, typ types.NodeType) types.Node {
	task := types.TaskConfig{Title: name, Assignee: json.RawMessage(`["alice","bob"]`)}
	n := types.Node{ID: id, Type: typ, Name: name, Config: task}
	if typ == types.NodeApproval {
		n.Config = types.ApprovalConfig{TaskConfig: task, RequiredApprovals: 1}
	}
	return n
}

// approvalDefinition is Start -> Review -> {Approved -> End, Rejected -> End}.
func approvalDefinition(id uint64) types.Definition {
	return types.Definition{
		ID:      id,
		Name:    "loan approval",
		Version: 1,
		Status:  types.DefinitionPublished,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, Name: "Start", IsStart: true},
			reviewNode("review", "Review", types.NodeApproval),
			{ID: "approved", Type: types.NodeEnd, Name: "Approved", IsEnd: true},
			{ID: "rejected", Type: types.NodeEnd, Name: "Rejected", IsEnd: true},
		},
		Edges: []types.Edge{
			{Source: "start", Target: "review"},
			{Source: "review", Target: "approved", Label: "Approved"},
			{Source: "review", Target: "rejected", Label: "Rejected", Condition: "false"},
		},
	}
}

func register(t *testing.T, e testEngine, def types.Definition) {
	t.Helper()
	require.NoError(t, e.RegisterDefinition(context.Background(), def))
}

func messages(logs []types.ExecutionLogEntry) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.Message
	}
	return out
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine(&MockGenerator{}, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, engine)
	assert.NotNil(t, engine.store)
	assert.NotNil(t, engine.executor)
	assert.NotNil(t, engine.assigner)
	require.NoError(t, engine.Stop(context.Background()))

	_, err = NewEngine(nil, nil, nil, nil)
	assert.EqualError(t, err, "generator is required")
}

func TestRegisterDefinition(t *testing.T) {
	valid := approvalDefinition(1)

	tests := []struct {
		name    string
		mutate  func(def *types.Definition)
		wantErr error
	}{
		{name: "Valid", mutate: func(*types.Definition) {}},
		{name: "Zero ID", mutate: func(def *types.Definition) { def.ID = 0 }, wantErr: ErrInvalidDefinition},
		{name: "No nodes", mutate: func(def *types.Definition) { def.Nodes = nil; def.Edges = nil }, wantErr: ErrInvalidDefinition},
		{name: "Duplicate node", mutate: func(def *types.Definition) { def.Nodes[3].ID = "approved" }, wantErr: ErrInvalidDefinition},
		{name: "Unknown node type", mutate: func(def *types.Definition) { def.Nodes[1].Type = "Gateway" }, wantErr: ErrInvalidDefinition},
		{name: "No start node", mutate: func(def *types.Definition) {
			def.Nodes[0].Type = types.NodeTask
			def.Nodes[0].IsStart = false
		}, wantErr: ErrNoStartNode},
		{name: "Dangling edge", mutate: func(def *types.Definition) { def.Edges[1].Target = "missing" }, wantErr: ErrInvalidDefinition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			def := approvalDefinition(valid.ID)
			tt.mutate(&def)

			err := e.RegisterDefinition(context.Background(), def)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			stored, err := e.GetDefinition(context.Background(), def.ID)
			require.NoError(t, err)
			assert.Equal(t, def.Name, stored.Name)
			assert.Len(t, stored.Nodes, 4)
		})
	}
}

func TestRegisterDefinitionReplacesCachedCopy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	register(t, e, approvalDefinition(1))
	_, err := e.GetDefinition(ctx, 1)
	require.NoError(t, err)

	updated := approvalDefinition(1)
	updated.Name = "loan approval v2"
	updated.Version = 2
	register(t, e, updated)

	got, err := e.GetDefinition(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "loan approval v2", got.Name)

	_, err = e.GetDefinition(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrDefinitionNotFound)
}

func TestStartWorkflow(t *testing.T) {
	e := newTestEngine(t, WithMaxRetries(5))
	ctx := context.Background()
	register(t, e, approvalDefinition(1))

	vars := map[string]interface{}{"amount": 1200}
	id, err := e.StartWorkflow(ctx, 1, appID, vars, "carol")
	require.NoError(t, err)
	vars["amount"] = 0

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.Status)
	assert.Empty(t, inst.CurrentNodeID)
	assert.Equal(t, appID, inst.ApplicationID)
	assert.Equal(t, "carol", inst.StartedBy)
	assert.Equal(t, 5, inst.MaxRetries)
	assert.EqualValues(t, 1200, inst.Variables["amount"])
	assert.Equal(t, e.clock.Now().UnixMilli(), inst.StartedAt)
	assert.Empty(t, inst.ExecutionLog)
	assert.Empty(t, inst.Tasks)

	_, err = e.StartWorkflow(ctx, 99, appID, nil, "carol")
	assert.ErrorIs(t, err, storage.ErrDefinitionNotFound)
}

func TestTakeActionFollowsLabelledEdge(t *testing.T) {
	tests := []struct {
		name     string
		action   string
		wantNode string
	}{
		{name: "Approved", action: "Approved", wantNode: "approved"},
		// Both End nodes complete the instance; a rejection is not a failure.
		{name: "Rejected", action: "Rejected", wantNode: "rejected"},
		{name: "Label matches ignoring case", action: "aPPROVED", wantNode: "approved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			register(t, e, approvalDefinition(1))

			inst, err := e.TakeAction(context.Background(), 1, appID, tt.action, "alice")
			require.NoError(t, err)

			assert.Equal(t, types.InstanceCompleted, inst.Status)
			assert.Equal(t, tt.wantNode, inst.CurrentNodeID)
			assert.NotZero(t, inst.CompletedAt)

			require.Len(t, inst.Tasks, 1)
			task := inst.Tasks[0]
			assert.Equal(t, "review", task.NodeID)
			assert.Equal(t, types.TaskCompleted, task.Status)
			assert.Equal(t, tt.action, task.Result)
			assert.Equal(t, "alice", task.CompletedBy)
			assert.Equal(t, "Review", task.Title)
			assert.Equal(t, types.PriorityNormal, task.Priority)
			assert.Contains(t, []string{"alice", "bob"}, task.AssignedTo)
			assert.Equal(t, types.AssignmentNodeConfigured, task.AssignmentType)

			endName := map[string]string{"approved": "Approved", "rejected": "Rejected"}[tt.wantNode]
			assert.Equal(t, []string{
				"Entered start node",
				"Moved to node Review",
				"Task created and assigned to " + task.AssignedTo,
				fmt.Sprintf("Task completed with result %q", tt.action),
				"Moved to node " + endName,
				"Workflow completed",
			}, messages(inst.ExecutionLog))
			for _, entry := range inst.ExecutionLog {
				assert.False(t, entry.IsError)
			}
		})
	}
}

func TestTakeActionAfterCompletionStartsNewInstance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	register(t, e, approvalDefinition(1))

	first, err := e.TakeAction(ctx, 1, appID, "Approved", "alice")
	require.NoError(t, err)
	require.Equal(t, types.InstanceCompleted, first.Status)

	second, err := e.TakeAction(ctx, 1, appID, "Approved", "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, types.InstanceCompleted, second.Status)

	again, err := e.GetInstance(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, again.Status)
	assert.Len(t, again.Tasks, 1)
}

func TestTakeActionWithoutMatchingEdge(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	register(t, e, approvalDefinition(1))

	inst, err := e.TakeAction(ctx, 1, appID, "Escalate", "bob")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.Status)
	assert.Equal(t, "review", inst.CurrentNodeID)
	require.Len(t, inst.Tasks, 1)
	assert.Equal(t, "Escalate", inst.Tasks[0].Result)

	last := inst.ExecutionLog[len(inst.ExecutionLog)-1]
	assert.Equal(t, types.LevelWarning, last.Level)
	assert.Equal(t, "Escalate", last.Data)
	assert.Equal(t, "bob", last.ExecutedBy)

	// The next action gets a fresh task on the same node.
	inst, err = e.TakeAction(ctx, 1, appID, "Approved", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	require.Len(t, inst.Tasks, 2)
	assert.Equal(t, "Approved", inst.Tasks[1].Result)
}

func TestTakeActionResolvesSameTarget(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	register(t, e, approvalDefinition(1))

	var targets []string
	for i := 0; i < 5; i++ {
		inst, err := e.TakeAction(ctx, 1, fmt.Sprintf("APP-%d", i), "Rejected", "alice")
		require.NoError(t, err)
		targets = append(targets, inst.CurrentNodeID)
	}
	assert.Equal(t, []string{"rejected", "rejected", "rejected", "rejected", "rejected"}, targets)
}

func TestTakeActionRejectsPausedInstances(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	register(t, e, approvalDefinition(1))

	inst, err := e.TakeAction(ctx, 1, appID, "Hold", "alice")
	require.NoError(t, err)

	require.NoError(t, e.SuspendInstance(ctx, inst.ID))
	_, err = e.TakeAction(ctx, 1, appID, "Approved", "alice")
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, e.ResumeInstance(ctx, inst.ID))
	require.NoError(t, e.FailInstance(ctx, inst.ID, "credit bureau unreachable"))
	_, err = e.TakeAction(ctx, 1, appID, "Approved", "alice")
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, e.RetryInstance(ctx, inst.ID))
	done, err := e.TakeAction(ctx, 1, appID, "Approved", "alice")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, done.ID)
	assert.Equal(t, types.InstanceCompleted, done.Status)
	assert.Equal(t, 1, done.RetryCount)
}

func TestTakeActionWithoutActionableNode(t *testing.T) {
	t.Run("Waiting on a notification", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, types.Definition{
			ID: 1,
			Nodes: []types.Node{
				{ID: "start", Type: types.NodeStart, IsStart: true},
				{ID: "notify", Type: types.NodeNotification, Name: "Notify"},
			},
			Edges: []types.Edge{{Source: "start", Target: "notify"}},
		})

		_, err := e.TakeAction(context.Background(), 1, appID, "Approved", "alice")
		assert.ErrorIs(t, err, ErrNoActionableTask)
		assert.ErrorIs(t, err, ErrInvalidState)

		inst, err := e.store.GetActiveInstance(context.Background(), 1, appID)
		require.NoError(t, err)
		assert.Equal(t, "notify", inst.CurrentNodeID)
	})

	t.Run("Straight to the end", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, types.Definition{
			ID: 1,
			Nodes: []types.Node{
				{ID: "start", Type: types.NodeStart, IsStart: true},
				{ID: "end", Type: types.NodeEnd, IsEnd: true},
			},
			Edges: []types.Edge{{Source: "start", Target: "end"}},
		})

		_, err := e.TakeAction(context.Background(), 1, appID, "Approved", "alice")
		assert.ErrorIs(t, err, ErrNoActionableTask)

		active, err := e.GetActiveInstances(context.Background())
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}

func TestTakeActionRunsServiceNodesOnTheWay(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	register(t, e, types.Definition{
		ID: 1,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, IsStart: true},
			{ID: "enrich", Type: types.NodeService, Name: "Enrich", Config: types.ServiceConfig{
				ServiceType: types.ServiceInternal,
				ServiceName: "enrich-applicant",
			}},
			{ID: "wait", Type: types.NodeDelay, Name: "Wait"},
			reviewNode("review", "Review", types.NodeTask),
			{ID: "end", Type: types.NodeEnd, IsEnd: true},
		},
		Edges: []types.Edge{
			{Source: "start", Target: "enrich"},
			{Source: "enrich", Target: "wait"},
			{Source: "wait", Target: "review"},
			{Source: "review", Target: "end", Label: "done"},
		},
	})

	var executed atomic.Int32
	ran := make(chan events.Event, 1)
	e.SubscribeEvent(events.ServiceExecuted, events.EventHandlerFunc(func(ctx context.Context, ev events.Event) error {
		executed.Add(1)
		ran <- ev
		return nil
	}))

	inst, err := e.TakeAction(ctx, 1, appID, "done", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Contains(t, messages(inst.ExecutionLog), "Service enrich-applicant completed")
	assert.Contains(t, messages(inst.ExecutionLog), "Moved to node Wait")

	select {
	case ev := <-ran:
		assert.Equal(t, inst.ID, ev.InstanceID)
		assert.Equal(t, "enrich", ev.NodeID)
		assert.Equal(t, true, ev.Data["success"])
	case <-time.After(time.Second):
		t.Fatal("service event not delivered")
	}
	assert.EqualValues(t, 1, executed.Load())
}

func TestServiceTimeoutIsLoggedNotRaised(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	mock := clock.NewMock()
	store := storage.NewMemoryStorage(storage.WithClock(mock))
	dispatcher := service.NewDispatcher(store,
		service.WithClock(mock),
		service.WithDefaultTimeout(50*time.Millisecond))
	e := newTestEngineWithExecutor(t, dispatcher)
	ctx := context.Background()

	register(t, e, types.Definition{
		ID: 1,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, IsStart: true},
			{ID: "score", Type: types.NodeService, Name: "Credit score", Config: types.ServiceConfig{
				ServiceType: types.ServiceExternalAPI,
				ServiceName: "credit-score",
				Endpoint:    srv.URL,
				Method:      http.MethodPost,
			}},
		},
	})

	id, err := e.StartWorkflow(ctx, 1, appID, map[string]interface{}{"ssn": "123"}, "alice")
	require.NoError(t, err)
	require.NoError(t, e.ProcessNode(ctx, id, "score"))

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.Status)
	assert.Equal(t, "score", inst.CurrentNodeID)

	require.Len(t, inst.ExecutionLog, 2)
	assert.Equal(t, "Entering node Credit score", inst.ExecutionLog[0].Message)
	failed := inst.ExecutionLog[1]
	assert.Equal(t, types.LevelError, failed.Level)
	assert.True(t, failed.IsError)
	assert.Contains(t, failed.Message, "Service credit-score failed: ")
	assert.Contains(t, failed.Message, "deadline exceeded")
	assert.Regexp(t, `^timeout: .*deadline exceeded`, failed.ErrorDetails)
}

func TestAdvanceLimit(t *testing.T) {
	e := newTestEngine(t, WithMaxAdvanceHops(5))
	register(t, e, types.Definition{
		ID: 1,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, IsStart: true},
			{ID: "a", Type: types.NodeDelay},
			{ID: "b", Type: types.NodeScript},
		},
		Edges: []types.Edge{
			{Source: "start", Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	})

	_, err := e.TakeAction(context.Background(), 1, appID, "go", "alice")
	require.ErrorIs(t, err, ErrAdvanceLimit)

	inst, err := e.store.GetActiveInstance(context.Background(), 1, appID)
	require.NoError(t, err)
	logs, err := e.GetInstanceLogs(context.Background(), inst.ID)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.True(t, last.IsError)
	assert.Equal(t, "Automatic traversal stopped", last.Message)
}

func TestInstanceLifecycle(t *testing.T) {
	e := newTestEngine(t, WithMaxRetries(1))
	ctx := context.Background()
	register(t, e, approvalDefinition(1))

	inst, err := e.TakeAction(ctx, 1, appID, "Hold", "alice")
	require.NoError(t, err)

	assert.ErrorIs(t, e.ResumeInstance(ctx, inst.ID), ErrInvalidState)
	assert.ErrorIs(t, e.RetryInstance(ctx, inst.ID), ErrInvalidState)

	require.NoError(t, e.FailInstance(ctx, inst.ID, "timeout"))
	assert.ErrorIs(t, e.SuspendInstance(ctx, inst.ID), ErrInvalidState)
	require.NoError(t, e.RetryInstance(ctx, inst.ID))
	require.NoError(t, e.FailInstance(ctx, inst.ID, "timeout again"))
	require.NoError(t, e.RetryInstance(ctx, inst.ID))

	got, err := e.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	msgs := messages(got.ExecutionLog)
	assert.Contains(t, msgs, "Workflow failed: timeout")
	assert.Contains(t, msgs, "Retry 2 exceeds the maximum of 1 retries")

	require.NoError(t, e.CancelInstance(ctx, inst.ID, "withdrawn"))
	assert.ErrorIs(t, e.CancelInstance(ctx, inst.ID, "again"), ErrInvalidState)

	got, err = e.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCancelled, got.Status)
	last := got.ExecutionLog[len(got.ExecutionLog)-1]
	assert.Equal(t, "Workflow cancelled: withdrawn", last.Message)
	assert.Equal(t, types.LevelWarning, last.Level)

	assert.ErrorIs(t, e.CancelInstance(ctx, 999, "missing"), storage.ErrInstanceNotFound)
}

func TestTerminalInstancesStayTerminal(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	register(t, e, approvalDefinition(1))

	inst, err := e.TakeAction(ctx, 1, appID, "Approved", "alice")
	require.NoError(t, err)
	require.Equal(t, types.InstanceCompleted, inst.Status)

	assert.ErrorIs(t, e.ProcessNode(ctx, inst.ID, "review"), ErrInvalidState)
	assert.ErrorIs(t, e.store.UpdateCurrentNode(ctx, inst.ID, inst.Version, "review"), storage.ErrInstanceTerminal)

	ok, err := e.CompleteTask(ctx, inst.ID, "review", "Approved", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, e.SuspendInstance(ctx, inst.ID), ErrInvalidState)
	assert.ErrorIs(t, e.FailInstance(ctx, inst.ID, "late"), ErrInvalidState)
}

func TestCompleteTask(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	register(t, e, approvalDefinition(1))

	ok, err := e.CompleteTask(ctx, 999, "review", "Approved", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := e.StartWorkflow(ctx, 1, appID, nil, "alice")
	require.NoError(t, err)
	require.NoError(t, e.store.CreateTask(ctx, types.Task{
		ID: 500, InstanceID: id, NodeID: "review", Status: types.TaskPending, AssignedTo: "bob",
	}))

	ok, err = e.CompleteTask(ctx, id, "review", "Approved", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.CompleteTask(ctx, id, "review", "Approved", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, inst.CurrentNodeID, "completing a task does not move the instance")
	require.Len(t, inst.Tasks, 1)
	assert.Equal(t, "bob", inst.Tasks[0].CompletedBy)
}

func TestProcessNode(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	register(t, e, approvalDefinition(1))

	id, err := e.StartWorkflow(ctx, 1, appID, nil, "alice")
	require.NoError(t, err)

	require.NoError(t, e.ProcessNode(ctx, id, "review"))
	assert.ErrorIs(t, e.ProcessNode(ctx, id, "missing"), ErrNodeNotFound)

	inst, err := e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "review", inst.CurrentNodeID)

	// TakeAction picks up from wherever the instance was moved.
	inst, err = e.TakeAction(ctx, 1, appID, "Rejected", "bob")
	require.NoError(t, err)
	assert.Equal(t, id, inst.ID)
	assert.Equal(t, "rejected", inst.CurrentNodeID)
	assert.NotContains(t, messages(inst.ExecutionLog), "Entered start node")
}

func TestExecutionLogOnlyGrows(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	register(t, e, approvalDefinition(1))

	inst, err := e.TakeAction(ctx, 1, appID, "Hold", "alice")
	require.NoError(t, err)

	before, err := e.GetInstanceLogs(ctx, inst.ID)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	e.clock.Add(time.Minute)
	_, err = e.TakeAction(ctx, 1, appID, "Approved", "alice")
	require.NoError(t, err)

	after, err := e.GetInstanceLogs(ctx, inst.ID)
	require.NoError(t, err)
	require.Greater(t, len(after), len(before))
	assert.Equal(t, before, after[:len(before)])
	for i := 1; i < len(after); i++ {
		assert.GreaterOrEqual(t, after[i].Timestamp, after[i-1].Timestamp)
	}
}

func TestConcurrentTakeAction(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	register(t, e, types.Definition{
		ID: 1,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, IsStart: true},
			reviewNode("review", "Review", types.NodeTask),
			reviewNode("sign", "Sign", types.NodeTask),
			{ID: "end", Type: types.NodeEnd, IsEnd: true},
		},
		Edges: []types.Edge{
			{Source: "start", Target: "review"},
			{Source: "review", Target: "sign", Label: "approve"},
			{Source: "sign", Target: "end", Label: "sign"},
		},
	})

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.TakeAction(ctx, 1, appID, "approve", "alice")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, storage.ErrConflict)
	}
	assert.Positive(t, succeeded)

	active, err := e.GetActiveInstances(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	inst, err := e.GetInstance(ctx, active[0].ID)
	require.NoError(t, err)
	assert.Contains(t, []string{"review", "sign"}, inst.CurrentNodeID)

	open := make(map[string]int)
	for _, task := range inst.Tasks {
		if task.Status.Open() {
			open[task.NodeID]++
		}
	}
	for node, n := range open {
		assert.LessOrEqual(t, n, 1, "open tasks on %s", node)
	}
}

func TestLifecycleEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	e := newTestEngine(t, WithEventBus(bus))
	register(t, e, approvalDefinition(1))

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	record := events.EventHandlerFunc(func(ctx context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
		if ev.Type == events.InstanceCompleted {
			close(done)
		}
		return nil
	})
	for _, typ := range []string{events.InstanceStarted, events.TaskCreated, events.TaskCompleted, events.InstanceCompleted} {
		e.SubscribeEvent(typ, record)
	}

	_, err := e.TakeAction(context.Background(), 1, appID, "Approved", "alice")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("instance_completed not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{events.InstanceStarted, events.TaskCreated, events.TaskCompleted, events.InstanceCompleted}, seen)
}

func TestEventOptions(t *testing.T) {
	_, err := NewEngine(&MockGenerator{}, nil, nil, nil, WithEventQueueSize(-1))
	assert.ErrorContains(t, err, "negative")

	failures := make(chan error, 4)
	e := newTestEngine(t, WithEventQueueSize(8), WithEventErrorHandler(func(ev events.Event, err error) {
		failures <- err
	}))
	ctx := context.Background()
	register(t, e, approvalDefinition(1))

	unsubscribe := e.SubscribeEvent(events.InstanceStarted, events.EventHandlerFunc(func(ctx context.Context, ev events.Event) error {
		return errors.New("audit sink down")
	}))
	started := make(chan uint64, 2)
	e.SubscribeEvent(events.InstanceStarted, events.EventHandlerFunc(func(ctx context.Context, ev events.Event) error {
		started <- ev.InstanceID
		return nil
	}))

	first, err := e.StartWorkflow(ctx, 1, appID, nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, <-started)
	assert.EqualError(t, <-failures, "audit sink down")

	unsubscribe()
	second, err := e.StartWorkflow(ctx, 1, "APP-2", nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, second, <-started)
	assert.Empty(t, failures)
}
