package ews

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/rbaliyan/ews/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Session is a long-lived connection to one directory endpoint.
//
// A Session is immutable after construction and safe for concurrent use;
// the underlying *http.Client pools connections.
type Session struct {
	opts        *options
	client      *http.Client
	url         string
	impersonate string
	logger      *slog.Logger
	otel        *otelInstrumentation
}

// Ensure Session implements Directory.
var _ Directory = (*Session)(nil)

// NewSession creates a session. WithCredentials is required.
func NewSession(opts ...Option) (*Session, error) {
	o := newOptions(opts...)

	if o.username == "" {
		return nil, ErrCredentialsRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	client := o.httpClient
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.DisableCompression = true
		tr.MaxIdleConnsPerHost = 10
		client = &http.Client{
			Transport: tr,
			Timeout:   o.timeout,
		}
	}

	return &Session{
		opts:        o,
		client:      client,
		url:         o.url(),
		impersonate: o.impersonate,
		logger:      o.logger,
		otel:        otelInstr,
	}, nil
}

// URL returns the service URL requests are posted to.
func (s *Session) URL() string {
	return s.url
}

// As returns a copy of the session whose lookups impersonate address.
// An empty address returns a copy without impersonation.
func (s *Session) As(address string) *Session {
	c := *s
	c.impersonate = address
	return &c
}

// Send wraps op in an envelope, posts it and returns the parsed response.
//
// When impersonate is set the envelope carries an impersonation header and
// the request is routed with X-AnchorMailbox. A fault in the response is
// returned as a typed error (see ClassifyFault) and no document is returned.
func (s *Session) Send(ctx context.Context, op Operation, impersonate string) (*etree.Document, error) {
	if op == nil {
		return nil, fmt.Errorf("ews: nil operation")
	}
	name := op.OperationName()

	ctx, endSpan := s.otel.startSpan(ctx, "ews.Send", trace.SpanKindClient,
		attribute.String("ews.operation", name),
		attribute.Bool("ews.impersonating", impersonate != ""),
	)
	start := time.Now()

	body, err := NewEnvelope(op, s.opts.version, s.opts.timeZone, impersonate).Encode()
	if err != nil {
		endSpan(err)
		return nil, err
	}
	s.logger.Debug("sending request", "operation", name, "bytes", len(body), "request", string(body))

	doc, err := s.exchange(ctx, name, body, impersonate)

	s.otel.recordRequest(ctx, time.Since(start), name, err)
	endSpan(err)
	return doc, err
}

// exchange runs the round-trip under the retry policy, if any.
func (s *Session) exchange(ctx context.Context, name string, body []byte, impersonate string) (*etree.Document, error) {
	call := func(ctx context.Context) (*etree.Document, error) {
		return s.roundTrip(ctx, name, body, impersonate)
	}
	if s.opts.retry == nil {
		return call(ctx)
	}
	return retry.Do(ctx, *s.opts.retry, call)
}

func (s *Session) roundTrip(ctx context.Context, name string, body []byte, impersonate string) (*etree.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "post", URL: s.url, Err: err}
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("User-Agent", "rbaliyan-ews/1")
	req.Header.Set("client-request-id", requestID)
	req.Header.Set("return-client-request-id", "true")
	req.SetBasicAuth(s.opts.username, s.opts.password)
	if impersonate != "" {
		req.Header.Set("X-AnchorMailbox", impersonate)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "post", URL: s.url, Err: err}
	}
	defer resp.Body.Close()

	data, err := s.readBody(resp)
	if err != nil {
		return nil, &TransportError{Op: "read", URL: s.url, StatusCode: resp.StatusCode, Err: err}
	}
	s.logger.Debug("received response",
		"operation", name,
		"status", resp.StatusCode,
		"bytes", len(data),
		"request_id", requestID,
		"response", string(data),
	)

	doc := etree.NewDocument()
	parseErr := doc.ReadFromBytes(data)
	if parseErr == nil && doc.Root() == nil {
		parseErr = errors.New("empty document")
	}

	// Faults usually arrive with HTTP 500, so classify before the status check.
	if parseErr == nil {
		if fault := s.opts.classifier(doc); fault != nil {
			s.logger.Debug("directory returned a fault", "operation", name, "error", fault, "request_id", requestID)
			return nil, fault
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{
			Op:         "post",
			URL:        s.url,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}
	if parseErr != nil {
		return nil, &TransportError{
			Op:         "decode",
			URL:        s.url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %v", ErrMalformedResponse, parseErr),
		}
	}
	return doc, nil
}

// readBody decompresses and reads the response, bounded by maxResponseSize.
func (s *Session) readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	limit := s.opts.maxResponseSize
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return data, nil
}
