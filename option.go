package ews

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/ews/retry"
	"github.com/rbaliyan/ews/store"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultServer       = "outlook.office365.com"
	DefaultVersion      = "Exchange2016"
	DefaultTimeZone     = "UTC"
	DefaultEndpointPath = "/EWS/Exchange.asmx"
	DefaultTimeout      = 100 * time.Second

	// Resolution budget per top-level call
	DefaultMaxAddresses = 10000
	DefaultMaxDepth     = 32

	// Concurrency limit for ResolveAll
	DefaultMaxConcurrentResolves = 4

	// Response bodies larger than this are rejected
	DefaultMaxResponseSize = 32 * 1024 * 1024

	// How long Close waits for in-flight resolutions
	DefaultShutdownTimeout = 30 * time.Second
)

// options holds session and resolver configuration.
type options struct {
	logger *slog.Logger

	// Session
	username        string
	password        string
	server          string
	endpoint        string // full URL, overrides server
	version         string
	timeZone        string
	impersonate     string
	httpClient      *http.Client
	timeout         time.Duration
	maxResponseSize int64
	retry           *retry.Policy
	classifier      FaultClassifier

	// Resolver limits
	maxAddresses          int
	maxDepth              int
	maxConcurrentResolves int
	shutdownTimeout       time.Duration

	// Snapshot sinks
	sinks []store.Sink

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool
	eventTransport        transport.Transport
	redisClient           redis.UniversalClient
	onEventPublishFailure EventPublishFailureFunc
}

// EventPublishFailureFunc is called when an event fails to publish.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:                slog.Default(),
		server:                DefaultServer,
		version:               DefaultVersion,
		timeZone:              DefaultTimeZone,
		timeout:               DefaultTimeout,
		maxResponseSize:       DefaultMaxResponseSize,
		classifier:            ClassifyFault,
		maxAddresses:          DefaultMaxAddresses,
		maxDepth:              DefaultMaxDepth,
		maxConcurrentResolves: DefaultMaxConcurrentResolves,
		shutdownTimeout:       DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// url returns the directory service URL.
func (o *options) url() string {
	if o.endpoint != "" {
		return o.endpoint
	}
	return "https://" + o.server + DefaultEndpointPath
}

// Option configures a Session or a Resolver.
// Options that do not apply to the value being built are ignored.
type Option func(*options)

// --- Core Options ---

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// --- Session Options ---

// WithCredentials sets the basic authentication identity and secret.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// WithServer sets the directory host name. Default is outlook.office365.com.
// The service path is always /EWS/Exchange.asmx over HTTPS.
func WithServer(host string) Option {
	return func(o *options) {
		if host != "" {
			o.server = host
		}
	}
}

// WithEndpoint sets the full service URL, overriding WithServer.
// Useful for on-premises deployments behind a different path and for tests.
func WithEndpoint(url string) Option {
	return func(o *options) {
		if url != "" {
			o.endpoint = url
		}
	}
}

// WithVersion sets the requested protocol version. Default is Exchange2016.
func WithVersion(version string) Option {
	return func(o *options) {
		if version != "" {
			o.version = version
		}
	}
}

// WithTimeZone sets the time zone identifier sent with every request.
// Default is UTC.
func WithTimeZone(id string) Option {
	return func(o *options) {
		if id != "" {
			o.timeZone = id
		}
	}
}

// WithImpersonation makes every lookup act on behalf of address.
// See also Session.As.
func WithImpersonation(address string) Option {
	return func(o *options) {
		o.impersonate = address
	}
}

// WithHTTPClient sets the HTTP client. The client's own timeout is kept;
// WithTimeout is ignored when a client is supplied.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithTimeout sets the per-request timeout. Default is 100 seconds.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxResponseSize caps the decoded response body size. Default is 32 MB.
func WithMaxResponseSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxResponseSize = n
		}
	}
}

// WithRetry wraps every request in the given retry policy.
// When Policy.IsRetryable is nil, IsRetryableError is used.
// Requests are not retried by default.
func WithRetry(p retry.Policy) Option {
	return func(o *options) {
		if p.IsRetryable == nil {
			p.IsRetryable = IsRetryableError
		}
		o.retry = &p
	}
}

// WithFaultClassifier replaces the function that turns fault documents
// into typed errors. Default is ClassifyFault.
func WithFaultClassifier(fn FaultClassifier) Option {
	return func(o *options) {
		if fn != nil {
			o.classifier = fn
		}
	}
}

// --- Resolver Options ---

// WithMaxAddresses caps the number of distinct addresses one top-level
// resolution may query. Default is 10000.
func WithMaxAddresses(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAddresses = n
		}
	}
}

// WithMaxDepth caps distribution list nesting. Default is 32.
func WithMaxDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxDepth = n
		}
	}
}

// WithMaxConcurrentResolves bounds how many top-level resolutions
// ResolveAll runs at once. Default is 4.
func WithMaxConcurrentResolves(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentResolves = n
		}
	}
}

// WithShutdownTimeout sets how long Close waits for in-flight resolutions.
// Default is 30 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithSink records every completed expansion into s.
// Can be given several times. Sinks that also implement
// Connect(ctx) error and Close(ctx) error follow the resolver's lifecycle.
// Sink failures are logged and never fail a resolution.
func WithSink(s store.Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// --- Observability Options ---

// WithTracing enables OpenTelemetry spans.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables OpenTelemetry metrics.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name used for the event bus.
// Default is "ews".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets the tracer provider. Default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets the meter provider. Default is the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal makes Resolve return an *EventPublishError, together
// with its result, when the completion event cannot be published.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport for completion events.
// If neither this nor WithRedisClient is given, events are dropped.
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient publishes completion events to Redis Streams.
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
