package service

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/songzhibin97/process-engine/rules"
)

const (
	// DefaultTimeout bounds an outbound call whose configuration sets none.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxResponseBytes caps how much of a response body is recorded.
	DefaultMaxResponseBytes = 64 << 10
)

type options struct {
	client           *http.Client
	evaluator        rules.Evaluator
	clock            clock.Clock
	logger           *slog.Logger
	tracerProvider   trace.TracerProvider
	defaultTimeout   time.Duration
	maxResponseBytes int64
}

// Option configures a Dispatcher.
type Option func(*options)

var defaultOptions = options{
	client:           http.DefaultClient,
	clock:            clock.New(),
	logger:           slog.Default(),
	tracerProvider:   noop.NewTracerProvider(),
	defaultTimeout:   DefaultTimeout,
	maxResponseBytes: DefaultMaxResponseBytes,
}

// WithHTTPClient sets the client used for ExternalApi and Webhook calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithEvaluator sets the expression evaluator used by Validation and
// Transformation services.
func WithEvaluator(e rules.Evaluator) Option {
	return func(o *options) {
		o.evaluator = e
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithDefaultTimeout sets the timeout of calls whose configuration sets none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		o.defaultTimeout = d
	}
}

// WithMaxResponseBytes caps the recorded response body.
func WithMaxResponseBytes(n int64) Option {
	return func(o *options) {
		o.maxResponseBytes = n
	}
}
