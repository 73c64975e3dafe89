package ews

import (
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/rbaliyan/ews/retry"
	"github.com/rbaliyan/ews/store/memory"
)

func TestNewOptions(t *testing.T) {
	t.Run("returns defaults without options", func(t *testing.T) {
		opts := newOptions()

		if opts.server != DefaultServer {
			t.Errorf("expected server %v, got %v", DefaultServer, opts.server)
		}
		if opts.version != DefaultVersion {
			t.Errorf("expected version %v, got %v", DefaultVersion, opts.version)
		}
		if opts.timeZone != DefaultTimeZone {
			t.Errorf("expected timeZone %v, got %v", DefaultTimeZone, opts.timeZone)
		}
		if opts.timeout != DefaultTimeout {
			t.Errorf("expected timeout %v, got %v", DefaultTimeout, opts.timeout)
		}
		if opts.maxResponseSize != DefaultMaxResponseSize {
			t.Errorf("expected maxResponseSize %v, got %v", DefaultMaxResponseSize, opts.maxResponseSize)
		}
		if opts.maxAddresses != DefaultMaxAddresses {
			t.Errorf("expected maxAddresses %v, got %v", DefaultMaxAddresses, opts.maxAddresses)
		}
		if opts.maxDepth != DefaultMaxDepth {
			t.Errorf("expected maxDepth %v, got %v", DefaultMaxDepth, opts.maxDepth)
		}
		if opts.maxConcurrentResolves != DefaultMaxConcurrentResolves {
			t.Errorf("expected maxConcurrentResolves %v, got %v", DefaultMaxConcurrentResolves, opts.maxConcurrentResolves)
		}
		if opts.shutdownTimeout != DefaultShutdownTimeout {
			t.Errorf("expected shutdownTimeout %v, got %v", DefaultShutdownTimeout, opts.shutdownTimeout)
		}
		if opts.retry != nil {
			t.Error("expected no retry policy by default")
		}
		if opts.classifier == nil {
			t.Error("expected default fault classifier")
		}
		if opts.onEventPublishFailure == nil {
			t.Error("expected default publish failure handler")
		}
	})

	t.Run("url uses server", func(t *testing.T) {
		opts := newOptions(WithServer("mail.example.org"))
		if got := opts.url(); got != "https://mail.example.org/EWS/Exchange.asmx" {
			t.Errorf("url() = %q", got)
		}
	})

	t.Run("endpoint overrides server", func(t *testing.T) {
		opts := newOptions(WithServer("mail.example.org"), WithEndpoint("http://127.0.0.1:8080/ews"))
		if got := opts.url(); got != "http://127.0.0.1:8080/ews" {
			t.Errorf("url() = %q", got)
		}
	})
}

func TestWithLogger(t *testing.T) {
	t.Run("sets custom logger", func(t *testing.T) {
		logger := slog.New(slog.DiscardHandler)
		opts := newOptions(WithLogger(logger))
		if opts.logger != logger {
			t.Error("expected custom logger to be set")
		}
	})

	t.Run("ignores nil logger", func(t *testing.T) {
		opts := newOptions(WithLogger(nil))
		if opts.logger == nil {
			t.Error("expected default logger to be kept")
		}
	})
}

func TestSessionOptions(t *testing.T) {
	t.Run("WithCredentials", func(t *testing.T) {
		opts := newOptions(WithCredentials("svc", "secret"))
		if opts.username != "svc" || opts.password != "secret" {
			t.Errorf("got %q %q", opts.username, opts.password)
		}
	})

	t.Run("empty values keep defaults", func(t *testing.T) {
		opts := newOptions(WithServer(""), WithVersion(""), WithTimeZone(""), WithEndpoint(""))
		if opts.server != DefaultServer || opts.version != DefaultVersion || opts.timeZone != DefaultTimeZone || opts.endpoint != "" {
			t.Errorf("defaults overwritten: %+v", opts)
		}
	})

	t.Run("WithImpersonation", func(t *testing.T) {
		opts := newOptions(WithImpersonation("boss@example.com"))
		if opts.impersonate != "boss@example.com" {
			t.Errorf("got %q", opts.impersonate)
		}
	})

	t.Run("WithHTTPClient ignores nil", func(t *testing.T) {
		c := &http.Client{}
		if opts := newOptions(WithHTTPClient(c)); opts.httpClient != c {
			t.Error("expected client to be set")
		}
		if opts := newOptions(WithHTTPClient(nil)); opts.httpClient != nil {
			t.Error("expected nil client to be ignored")
		}
	})

	t.Run("WithTimeout ignores zero or negative", func(t *testing.T) {
		if opts := newOptions(WithTimeout(5 * time.Second)); opts.timeout != 5*time.Second {
			t.Errorf("got %v", opts.timeout)
		}
		if opts := newOptions(WithTimeout(-1)); opts.timeout != DefaultTimeout {
			t.Errorf("got %v", opts.timeout)
		}
	})

	t.Run("WithMaxResponseSize ignores zero", func(t *testing.T) {
		if opts := newOptions(WithMaxResponseSize(0)); opts.maxResponseSize != DefaultMaxResponseSize {
			t.Errorf("got %v", opts.maxResponseSize)
		}
	})

	t.Run("WithRetry fills in the classifier", func(t *testing.T) {
		opts := newOptions(WithRetry(retry.Policy{MaxRetries: 2}))
		if opts.retry == nil || opts.retry.MaxRetries != 2 {
			t.Fatalf("unexpected policy %+v", opts.retry)
		}
		if opts.retry.IsRetryable == nil {
			t.Error("expected IsRetryable to default to IsRetryableError")
		}
	})

	t.Run("WithFaultClassifier ignores nil", func(t *testing.T) {
		if opts := newOptions(WithFaultClassifier(nil)); opts.classifier == nil {
			t.Error("expected default classifier to be kept")
		}
	})
}

func TestResolverOptions(t *testing.T) {
	t.Run("limits", func(t *testing.T) {
		opts := newOptions(WithMaxAddresses(50), WithMaxDepth(3), WithMaxConcurrentResolves(8))
		if opts.maxAddresses != 50 || opts.maxDepth != 3 || opts.maxConcurrentResolves != 8 {
			t.Errorf("got %d %d %d", opts.maxAddresses, opts.maxDepth, opts.maxConcurrentResolves)
		}
	})

	t.Run("limits ignore zero or negative", func(t *testing.T) {
		opts := newOptions(WithMaxAddresses(0), WithMaxDepth(-1), WithMaxConcurrentResolves(0))
		if opts.maxAddresses != DefaultMaxAddresses || opts.maxDepth != DefaultMaxDepth || opts.maxConcurrentResolves != DefaultMaxConcurrentResolves {
			t.Errorf("defaults overwritten: %d %d %d", opts.maxAddresses, opts.maxDepth, opts.maxConcurrentResolves)
		}
	})

	t.Run("WithShutdownTimeout", func(t *testing.T) {
		if opts := newOptions(WithShutdownTimeout(time.Second)); opts.shutdownTimeout != time.Second {
			t.Errorf("got %v", opts.shutdownTimeout)
		}
		if opts := newOptions(WithShutdownTimeout(0)); opts.shutdownTimeout != DefaultShutdownTimeout {
			t.Errorf("got %v", opts.shutdownTimeout)
		}
	})

	t.Run("WithSink accumulates and filters nil", func(t *testing.T) {
		opts := newOptions(WithSink(memory.New()), WithSink(nil), WithSink(memory.New()))
		if len(opts.sinks) != 2 {
			t.Errorf("expected 2 sinks, got %d", len(opts.sinks))
		}
	})
}

func TestObservabilityOptions(t *testing.T) {
	t.Run("tracing and metrics", func(t *testing.T) {
		opts := newOptions(WithTracing(true), WithMetrics(true))
		if !opts.tracingEnabled || !opts.metricsEnabled {
			t.Error("expected tracing and metrics enabled")
		}
		opts = newOptions(WithTracing(true), WithTracing(false))
		if opts.tracingEnabled {
			t.Error("expected tracing disabled")
		}
	})

	t.Run("WithServiceName ignores empty", func(t *testing.T) {
		if opts := newOptions(WithServiceName("directory-sync")); opts.serviceName != "directory-sync" {
			t.Errorf("got %q", opts.serviceName)
		}
		if opts := newOptions(WithServiceName("")); opts.serviceName != "" {
			t.Errorf("got %q", opts.serviceName)
		}
	})
}

func TestSafeEventPublishFailure(t *testing.T) {
	t.Run("calls handler", func(t *testing.T) {
		var got string
		opts := newOptions(WithEventPublishFailureHandler(func(name string, err error) {
			got = name
		}))
		opts.safeEventPublishFailure("ExpansionCompleted", ErrTransport)
		if got != "ExpansionCompleted" {
			t.Errorf("handler got %q", got)
		}
	})

	t.Run("recovers from panics", func(t *testing.T) {
		opts := newOptions(
			WithLogger(slog.New(slog.DiscardHandler)),
			WithEventPublishFailureHandler(func(string, error) { panic("boom") }),
		)
		opts.safeEventPublishFailure("ResolutionFailed", ErrTransport)
	})
}
