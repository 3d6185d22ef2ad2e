package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/jellydator/ttlcache/v3"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/songzhibin97/process-engine/assignment"
	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/internal/tracing"
	"github.com/songzhibin97/process-engine/service"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// ServiceExecutor runs the automated work of a Service node.
type ServiceExecutor interface {
	Execute(ctx context.Context, req service.Request) types.ServiceExecutionResult
}

// Assigner picks the assignee of a task created on an actionable node.
type Assigner interface {
	AssignForNode(ctx context.Context, node types.Node, applicationID string) (types.AssignmentResult, error)
}

// Engine drives workflow instances through their definitions.
type Engine struct {
	generator generator.Generator
	store     storage.Storage
	executor  ServiceExecutor
	assigner  Assigner

	eventBus    *events.EventBus
	ownEventBus bool

	definitions *ttlcache.Cache[uint64, *graph]
	loads       singleflight.Group
	// cacheMu orders cache fills after store reads against registrations.
	cacheMu sync.Mutex

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
	opts   options
}

// NewEngine creates an engine. A nil store defaults to an in-memory store,
// a nil executor to a service.Dispatcher over the store and a nil assigner
// to an assignment.Strategy over the store.
func NewEngine(gen generator.Generator, store storage.Storage, executor ServiceExecutor, assigner Assigner, opts ...Option) (*Engine, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.eventQueueSize < 0 {
		return nil, fmt.Errorf("event queue size %d is negative", o.eventQueueSize)
	}

	if store == nil {
		store = storage.NewMemoryStorage(storage.WithClock(o.clock))
	}
	if executor == nil {
		executor = service.NewDispatcher(store,
			service.WithClock(o.clock),
			service.WithLogger(o.logger),
			service.WithTracerProvider(o.tracerProvider))
	}
	if assigner == nil {
		assigner = assignment.NewStrategy(store, assignment.WithLogger(o.logger))
	}

	e := &Engine{
		generator: gen,
		store:     store,
		executor:  executor,
		assigner:  assigner,
		eventBus:  o.eventBus,
		definitions: ttlcache.New(
			ttlcache.WithTTL[uint64, *graph](o.definitionCacheTTL),
		),
		logger: o.logger,
		tracer: o.tracerProvider.Tracer(tracing.TracerName),
		clock:  o.clock,
		opts:   o,
	}
	if e.eventBus == nil {
		busOpts := []events.Option{events.WithLogger(o.logger), events.WithQueueSize(o.eventQueueSize)}
		if o.eventErrorHandler != nil {
			busOpts = append(busOpts, events.WithErrorHandler(o.eventErrorHandler))
		}
		e.eventBus = events.NewEventBus(busOpts...)
		e.ownEventBus = true
	}
	go e.definitions.Start()

	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type and
// returns the function that removes it.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) (unsubscribe func()) {
	return e.eventBus.Subscribe(eventType, handler)
}

// publishEvent queues a lifecycle event. Publishing never blocks and an
// event nobody listens to is dropped.
func (e *Engine) publishEvent(ctx context.Context, eventType string, instanceID uint64, nodeID string, data map[string]interface{}) {
	if !e.eventBus.HasSubscribers(eventType) {
		return
	}
	err := e.eventBus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:       eventType,
		InstanceID: instanceID,
		NodeID:     nodeID,
		Timestamp:  e.clock.Now().UnixMilli(),
		Data:       data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("could not publish event",
			slog.String("event", eventType), slog.Uint64(logKeyInstanceID, instanceID), slog.Any("error", err))
	}
}

// RegisterDefinition validates and stores a definition.
func (e *Engine) RegisterDefinition(ctx context.Context, def types.Definition) (err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.RegisterDefinition", trace.WithAttributes(
		attribute.Int64(tracing.DefinitionID, int64(def.ID)),
	))
	defer func() { tracing.WithSpanError(span, err); span.End() }()

	if err := validateDefinition(def); err != nil {
		return err
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("save definition %d: %w", def.ID, err)
	}
	e.definitions.Set(def.ID, newGraph(def), ttlcache.DefaultTTL)

	e.logger.Info("definition registered",
		slog.Uint64(logKeyDefinitionID, def.ID), slog.Int("nodes", len(def.Nodes)), slog.Int("edges", len(def.Edges)))
	return nil
}

// GetDefinition retrieves a definition by ID.
func (e *Engine) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	g, err := e.graph(ctx, id)
	if err != nil {
		return types.Definition{}, err
	}
	return g.def, nil
}

// graph returns the indexed definition, loading it at most once at a time.
func (e *Engine) graph(ctx context.Context, id uint64) (*graph, error) {
	if item := e.definitions.Get(id); item != nil {
		return item.Value(), nil
	}

	v, err, _ := e.loads.Do(strconv.FormatUint(id, 10), func() (interface{}, error) {
		e.cacheMu.Lock()
		defer e.cacheMu.Unlock()
		if item := e.definitions.Get(id); item != nil {
			return item.Value(), nil
		}
		def, err := e.store.GetDefinition(ctx, id)
		if err != nil {
			return nil, err
		}
		g := newGraph(def)
		e.definitions.Set(id, g, ttlcache.DefaultTTL)
		return g, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load definition %d: %w", id, err)
	}
	return v.(*graph), nil
}

// StartWorkflow creates a Running instance that has not entered any node yet.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID uint64, applicationID string, variables map[string]interface{}, startedBy string) (id uint64, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.StartWorkflow", trace.WithAttributes(
		attribute.Int64(tracing.DefinitionID, int64(definitionID)),
		attribute.String(tracing.ApplicationID, applicationID),
	))
	defer func() { tracing.WithSpanError(span, err); span.End() }()

	return e.startWorkflow(ctx, definitionID, applicationID, variables, startedBy)
}

func (e *Engine) startWorkflow(ctx context.Context, definitionID uint64, applicationID string, variables map[string]interface{}, startedBy string) (uint64, error) {
	g, err := e.graph(ctx, definitionID)
	if err != nil {
		return 0, err
	}
	if _, err := g.start(); err != nil {
		return 0, err
	}

	id, err := e.generator.NextID()
	if err != nil {
		return 0, fmt.Errorf("failed to generate ID: %w", err)
	}

	vars := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		vars[k] = v
	}

	now := e.clock.Now().UnixMilli()
	inst := types.Instance{
		ID:             id,
		DefinitionID:   definitionID,
		ApplicationID:  applicationID,
		Status:         types.InstanceRunning,
		Variables:      vars,
		MaxRetries:     e.opts.maxRetries,
		StartedBy:      startedBy,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return 0, fmt.Errorf("create instance: %w", err)
	}

	e.logger.Info("workflow started",
		slog.Uint64(logKeyInstanceID, id),
		slog.Uint64(logKeyDefinitionID, definitionID),
		slog.String(logKeyApplicationID, applicationID))
	e.publishEvent(ctx, events.InstanceStarted, id, "", map[string]interface{}{
		"definition_id":  definitionID,
		"application_id": applicationID,
		"started_by":     startedBy,
	})
	return id, nil
}

// GetInstance retrieves an instance with its definition, tasks and log.
func (e *Engine) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return e.store.GetInstance(ctx, id)
}

// GetActiveInstances lists instances that are neither Completed nor Cancelled.
func (e *Engine) GetActiveInstances(ctx context.Context) ([]types.Instance, error) {
	return e.store.GetActiveInstances(ctx)
}

// GetInstanceLogs returns the execution log of an instance in append order.
func (e *Engine) GetInstanceLogs(ctx context.Context, id uint64) ([]types.ExecutionLogEntry, error) {
	return e.store.GetExecutionLogs(ctx, id)
}

// Stop releases the engine's background resources. The store is left open.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.definitions.Stop()
		if e.ownEventBus {
			e.eventBus.Stop()
		}
		return nil
	}
}
