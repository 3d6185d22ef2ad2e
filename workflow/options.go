package workflow

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/songzhibin97/process-engine/events"
)

const (
	DefaultMaxRetries         = 3
	DefaultMaxAdvanceHops     = 100
	DefaultDefinitionCacheTTL = 5 * time.Minute
	DefaultEventQueueSize     = events.DefaultQueueSize
)

type options struct {
	logger             *slog.Logger
	tracerProvider     trace.TracerProvider
	clock              clock.Clock
	eventBus           *events.EventBus
	maxRetries         int
	maxAdvanceHops     int
	definitionCacheTTL time.Duration
	eventQueueSize     int
	eventErrorHandler  func(events.Event, error)
}

// Option configures an Engine.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:             slog.Default(),
		tracerProvider:     noop.NewTracerProvider(),
		clock:              clock.New(),
		maxRetries:         DefaultMaxRetries,
		maxAdvanceHops:     DefaultMaxAdvanceHops,
		definitionCacheTTL: DefaultDefinitionCacheTTL,
		eventQueueSize:     DefaultEventQueueSize,
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

// WithClock sets the clock used for every timestamp the engine takes.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithEventBus publishes lifecycle events on bus instead of a private one.
func WithEventBus(bus *events.EventBus) Option {
	return func(o *options) {
		o.eventBus = bus
	}
}

// WithEventQueueSize sets how many events the engine's own bus holds before
// new ones are dropped. It has no effect together with WithEventBus.
func WithEventQueueSize(n int) Option {
	return func(o *options) {
		o.eventQueueSize = n
	}
}

// WithEventErrorHandler receives the failures of event handlers on the
// engine's own bus instead of the logger.
func WithEventErrorHandler(fn func(events.Event, error)) Option {
	return func(o *options) {
		o.eventErrorHandler = fn
	}
}

// WithMaxRetries sets the MaxRetries stamped on new instances.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithMaxAdvanceHops bounds how many nodes a single step may pass through
// without stopping.
func WithMaxAdvanceHops(n int) Option {
	return func(o *options) {
		o.maxAdvanceHops = n
	}
}

// WithDefinitionCacheTTL sets how long loaded definitions are cached.
func WithDefinitionCacheTTL(d time.Duration) Option {
	return func(o *options) {
		o.definitionCacheTTL = d
	}
}
