// Package service runs the automated work behind Service nodes.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/songzhibin97/process-engine/internal/tracing"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

// Repository is the slice of the store the dispatcher uses.
type Repository interface {
	GetServiceConfiguration(ctx context.Context, name string) (types.ServiceConfiguration, error)
	SaveServiceResult(ctx context.Context, result types.ServiceExecutionResult) error
	GetServiceResult(ctx context.Context, id string) (types.ServiceExecutionResult, error)
	UpdateServiceResultStatus(ctx context.Context, id string, status types.ExecutionStatus) error
}

// Request describes one invocation of a Service node.
type Request struct {
	InstanceID uint64
	NodeID     string
	Config     types.ServiceConfig
	Variables  map[string]interface{}
}

// Dispatcher routes service requests to the adapter of their type.
type Dispatcher struct {
	repo   Repository
	opts   options
	tracer trace.Tracer

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewDispatcher creates a dispatcher persisting its results in repo.
func NewDispatcher(repo Repository, opts ...Option) *Dispatcher {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.evaluator == nil {
		o.evaluator = rules.NewExprEvaluator()
	}

	return &Dispatcher{
		repo:     repo,
		opts:     o,
		tracer:   o.tracerProvider.Tracer(tracing.TracerName),
		limiters: make(map[string]*rate.Limiter),
	}
}

// adapter performs the work of one service type, filling in the request and
// response data of res. A returned error marks the execution as failed.
type adapter func(ctx context.Context, req Request, res *types.ServiceExecutionResult) error

func (d *Dispatcher) adapterFor(t types.ServiceType) (adapter, bool) {
	switch t {
	case types.ServiceExternalAPI:
		return d.externalAPI, true
	case types.ServiceWebhook:
		return d.webhook, true
	case types.ServiceInternal:
		return d.internal, true
	case types.ServiceDatabase:
		return d.database, true
	case types.ServiceValidation:
		return d.validation, true
	case types.ServiceTransformation:
		return d.transformation, true
	case types.ServiceNotification, types.ServiceEmail, types.ServiceSms:
		return d.notification, true
	case types.ServiceFileProcessing:
		return d.fileProcessing, true
	case types.ServiceDataSync, types.ServiceIntegration:
		return d.dataSync, true
	}
	return nil, false
}

// Execute runs the service and returns its result. Adapter failures are
// reported through the result, never as an error. The result is persisted;
// a failure to store it is only logged.
func (d *Dispatcher) Execute(ctx context.Context, req Request) types.ServiceExecutionResult {
	res := types.ServiceExecutionResult{
		ID:          uuid.NewString(),
		InstanceID:  req.InstanceID,
		NodeID:      req.NodeID,
		ServiceName: serviceName(req.Config),
		ServiceType: req.Config.ServiceType,
		Status:      types.ExecutionRunning,
		StartedAt:   d.opts.clock.Now().UnixMilli(),
	}

	ctx, span := d.tracer.Start(ctx, "Dispatcher.Execute", trace.WithAttributes(
		attribute.Int64(tracing.InstanceID, int64(req.InstanceID)),
		attribute.String(tracing.NodeID, req.NodeID),
		attribute.String(tracing.ServiceType, string(req.Config.ServiceType)),
		attribute.String(tracing.ServiceExecutionID, res.ID),
	))
	defer span.End()

	var err error
	if run, ok := d.adapterFor(req.Config.ServiceType); ok {
		err = run(ctx, req, &res)
	} else {
		err = fmt.Errorf("%w: %q", ErrUnsupportedServiceType, req.Config.ServiceType)
	}

	res.CompletedAt = d.opts.clock.Now().UnixMilli()
	if err != nil {
		res.Status = types.ExecutionFailed
		res.IsSuccess = false
		res.ErrorMessage = err.Error()
		res.ErrorDetails = errorDetails(err, res)
		tracing.WithSpanError(span, err)
	} else {
		res.Status = types.ExecutionCompleted
		res.IsSuccess = true
	}
	if res.HTTPStatusCode != 0 {
		span.SetAttributes(attribute.Int(tracing.HTTPStatusCode, res.HTTPStatusCode))
	}

	d.opts.logger.Debug("service executed",
		slog.String("execution_id", res.ID),
		slog.Uint64("instance_id", req.InstanceID),
		slog.String("node_id", req.NodeID),
		slog.String("service_type", string(res.ServiceType)),
		slog.Bool("success", res.IsSuccess),
		slog.Int64("duration_ms", res.CompletedAt-res.StartedAt))

	if err := d.repo.SaveServiceResult(ctx, res); err != nil {
		d.opts.logger.Error("could not store service result",
			slog.String("execution_id", res.ID), slog.Any("error", err))
	}

	return res
}

// GetExecution returns a stored result.
func (d *Dispatcher) GetExecution(ctx context.Context, id string) (types.ServiceExecutionResult, error) {
	return d.repo.GetServiceResult(ctx, id)
}

// CancelExecution marks a stored execution as cancelled. It only changes
// the recorded status; a call that already finished is not undone.
func (d *Dispatcher) CancelExecution(ctx context.Context, id string) error {
	res, err := d.repo.GetServiceResult(ctx, id)
	if err != nil {
		return err
	}
	switch res.Status {
	case types.ExecutionCompleted, types.ExecutionCancelled:
		return fmt.Errorf("%w: cannot cancel %s execution %s", ErrInvalidExecutionState, res.Status, id)
	}
	return d.repo.UpdateServiceResultStatus(ctx, id, types.ExecutionCancelled)
}

// RetryExecution marks a failed or cancelled execution for retry.
func (d *Dispatcher) RetryExecution(ctx context.Context, id string) error {
	res, err := d.repo.GetServiceResult(ctx, id)
	if err != nil {
		return err
	}
	switch res.Status {
	case types.ExecutionFailed, types.ExecutionCancelled:
		return d.repo.UpdateServiceResultStatus(ctx, id, types.ExecutionRetrying)
	}
	return fmt.Errorf("%w: cannot retry %s execution %s", ErrInvalidExecutionState, res.Status, id)
}

func serviceName(cfg types.ServiceConfig) string {
	switch {
	case cfg.ServiceName != "":
		return cfg.ServiceName
	case cfg.ConfigurationName != "":
		return cfg.ConfigurationName
	}
	return string(cfg.ServiceType)
}

func (d *Dispatcher) limiter(key string, perSecond float64) *rate.Limiter {
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()

	l, ok := d.limiters[key]
	if !ok || float64(l.Limit()) != perSecond {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(perSecond), burst)
		d.limiters[key] = l
	}
	return l
}

func encode(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
