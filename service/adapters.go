package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/songzhibin97/process-engine/types"
)

// The adapters below have no external side effects. They check their
// configuration and record what would have been done, so that a definition
// using them runs end to end.

func (d *Dispatcher) internal(ctx context.Context, req Request, res *types.ServiceExecutionResult) error {
	res.RequestData = encode(req.Config.Payload)
	res.ResponseData = encode(map[string]interface{}{
		"service":   res.ServiceName,
		"status":    "ok",
		"variables": len(req.Variables),
	})
	return nil
}

func (d *Dispatcher) database(ctx context.Context, req Request, res *types.ServiceExecutionResult) error {
	if strings.TrimSpace(req.Config.Query) == "" {
		return fmt.Errorf("%w: database service needs a query", ErrMissingConfiguration)
	}
	res.RequestData = encode(map[string]interface{}{"query": req.Config.Query})
	res.ResponseData = encode(map[string]interface{}{"rowsAffected": 0})
	return nil
}

// validation evaluates the configured rule against the instance variables.
func (d *Dispatcher) validation(ctx context.Context, req Request, res *types.ServiceExecutionResult) error {
	if req.Config.Rule == "" {
		return fmt.Errorf("%w: validation service needs a rule", ErrMissingConfiguration)
	}
	res.RequestData = encode(map[string]interface{}{"rule": req.Config.Rule})

	ok, err := d.opts.evaluator.Evaluate(req.Config.Rule, req.Variables)
	if err != nil {
		return fmt.Errorf("evaluate rule %q: %w", req.Config.Rule, err)
	}
	res.ResponseData = encode(map[string]interface{}{"valid": ok})
	if !ok {
		return fmt.Errorf("%w: %s", ErrValidationFailed, req.Config.Rule)
	}
	return nil
}

// transformation evaluates every mapping against the instance variables and
// records the resulting document.
func (d *Dispatcher) transformation(ctx context.Context, req Request, res *types.ServiceExecutionResult) error {
	if len(req.Config.Mappings) == 0 {
		return fmt.Errorf("%w: transformation service needs mappings", ErrMissingConfiguration)
	}
	res.RequestData = encode(req.Config.Mappings)

	fields := make([]string, 0, len(req.Config.Mappings))
	for field := range req.Config.Mappings {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	out := make(map[string]interface{}, len(fields))
	for _, field := range fields {
		v, err := d.opts.evaluator.Eval(req.Config.Mappings[field], req.Variables)
		if err != nil {
			return fmt.Errorf("map %s: %w", field, err)
		}
		out[field] = v
	}
	res.ResponseData = encode(out)
	return nil
}

func (d *Dispatcher) notification(ctx context.Context, req Request, res *types.ServiceExecutionResult) error {
	cfg := req.Config
	if len(cfg.Recipients) == 0 && cfg.ServiceType != types.ServiceNotification {
		return fmt.Errorf("%w: %s service needs recipients", ErrMissingConfiguration, cfg.ServiceType)
	}
	res.RequestData = encode(map[string]interface{}{
		"recipients": cfg.Recipients,
		"subject":    cfg.Subject,
		"template":   cfg.Template,
	})
	res.ResponseData = encode(map[string]interface{}{
		"channel":   cfg.ServiceType,
		"delivered": len(cfg.Recipients),
	})
	return nil
}

func (d *Dispatcher) fileProcessing(ctx context.Context, req Request, res *types.ServiceExecutionResult) error {
	if req.Config.Path == "" {
		return fmt.Errorf("%w: file processing service needs a path", ErrMissingConfiguration)
	}
	res.RequestData = encode(map[string]interface{}{"path": req.Config.Path})
	res.ResponseData = encode(map[string]interface{}{"path": req.Config.Path, "processed": true})
	return nil
}

func (d *Dispatcher) dataSync(ctx context.Context, req Request, res *types.ServiceExecutionResult) error {
	if req.Config.Target == "" {
		return fmt.Errorf("%w: %s service needs a target", ErrMissingConfiguration, req.Config.ServiceType)
	}
	res.RequestData = encode(map[string]interface{}{"target": req.Config.Target, "payload": req.Config.Payload})
	res.ResponseData = encode(map[string]interface{}{"target": req.Config.Target, "synced": true})
	return nil
}
