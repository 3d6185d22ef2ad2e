package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/songzhibin97/process-engine/types"
)

// resolve merges the named configuration of a node with its inline settings.
// Inline settings win.
func (d *Dispatcher) resolve(ctx context.Context, cfg types.ServiceConfig) (types.ServiceConfiguration, error) {
	var out types.ServiceConfiguration
	if cfg.ConfigurationName != "" {
		named, err := d.repo.GetServiceConfiguration(ctx, cfg.ConfigurationName)
		if err != nil {
			return types.ServiceConfiguration{}, fmt.Errorf("%w: %w", ErrMissingConfiguration, err)
		}
		out = named
	}

	if out.Name == "" {
		out.Name = serviceName(cfg)
	}
	if cfg.Endpoint != "" {
		out.Endpoint = cfg.Endpoint
	}
	if cfg.Method != "" {
		out.Method = cfg.Method
	}
	if cfg.TimeoutSeconds > 0 {
		out.TimeoutSeconds = cfg.TimeoutSeconds
	}
	if cfg.Auth != nil {
		out.Auth = cfg.Auth
	}
	if len(cfg.Headers) > 0 {
		headers := make(map[string]string, len(out.Headers)+len(cfg.Headers))
		for k, v := range out.Headers {
			headers[k] = v
		}
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		out.Headers = headers
	}

	if out.Endpoint == "" {
		return types.ServiceConfiguration{}, fmt.Errorf("%w: %s", ErrMissingEndpoint, out.Name)
	}
	return out, nil
}

func (d *Dispatcher) externalAPI(ctx context.Context, req Request, res *types.ServiceExecutionResult) error {
	return d.call(ctx, req, res, "")
}

// webhook always POSTs the payload.
func (d *Dispatcher) webhook(ctx context.Context, req Request, res *types.ServiceExecutionResult) error {
	return d.call(ctx, req, res, http.MethodPost)
}

func (d *Dispatcher) call(ctx context.Context, req Request, res *types.ServiceExecutionResult, method string) error {
	cfg, err := d.resolve(ctx, req.Config)
	if err != nil {
		return err
	}
	if method == "" {
		method = strings.ToUpper(cfg.Method)
	}
	if method == "" {
		method = http.MethodPost
	}

	timeout := d.opts.defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if cfg.RateLimit > 0 {
		if err := d.limiter(cfg.Name, cfg.RateLimit).Wait(ctx); err != nil {
			return fmt.Errorf("rate limit %s: %w", cfg.Name, err)
		}
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		payload := req.Config.Payload
		if len(payload) == 0 {
			payload = req.Variables
		}
		res.RequestData = encode(payload)
		body = strings.NewReader(res.RequestData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, cfg.Endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", res.ID)
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if err := authenticate(httpReq, cfg.Auth); err != nil {
		return err
	}

	resp, err := d.opts.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, d.opts.maxResponseBytes)); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	res.HTTPStatusCode = resp.StatusCode
	res.ResponseData = buf.String()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s returned %d", ErrUnexpectedStatus, method, cfg.Endpoint, resp.StatusCode)
	}
	return nil
}

func authenticate(r *http.Request, auth *types.AuthConfig) error {
	if auth == nil {
		return nil
	}
	switch auth.Type {
	case types.AuthNone:
	case types.AuthBasic:
		r.SetBasicAuth(auth.Username, auth.Password)
	case types.AuthBearer:
		r.Header.Set("Authorization", "Bearer "+auth.Token)
	case types.AuthAPIKey:
		header := auth.HeaderName
		if header == "" {
			header = "X-API-Key"
		}
		r.Header.Set(header, auth.APIKey)
	default:
		return fmt.Errorf("%w: auth type %q", ErrMissingConfiguration, auth.Type)
	}
	return nil
}
