// Package gcs archives expansion snapshots to Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/rbaliyan/ews/archive"
	"github.com/rbaliyan/ews/store"
	"google.golang.org/api/option"
)

const scopeReadWrite = "https://www.googleapis.com/auth/devstorage.read_write"

// Archive writes each snapshot as one object. It implements store.Sink.
type Archive struct {
	client   *storage.Client
	bucket   string
	prefix   string
	compress bool
	logger   *slog.Logger
}

// Ensure Archive implements Sink.
var _ store.Sink = (*Archive)(nil)

// New creates a GCS archive.
func New(ctx context.Context, opts ...Option) (*Archive, error) {
	o := &options{
		prefix: archive.DefaultPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	clientOpts, err := buildClientOptions(o)
	if err != nil {
		return nil, fmt.Errorf("build client options: %w", err)
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &Archive{
		client:   client,
		bucket:   o.bucket,
		prefix:   o.prefix,
		compress: o.compress,
		logger:   o.logger,
	}, nil
}

func buildClientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption

	switch {
	case o.credentialsJSON != nil:
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{scopeReadWrite},
			CredentialsJSON: o.credentialsJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from json: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.credentialsFile != "":
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{scopeReadWrite},
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from file: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.apiKey != "":
		opts = append(opts, option.WithAPIKey(o.apiKey))
	}

	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}
	return opts, nil
}

// Save uploads e to gs://<bucket>/<prefix>/<address>/<date>/<id>.json.
func (a *Archive) Save(ctx context.Context, e *store.Expansion) error {
	obj, err := archive.Encode(a.prefix, e, a.compress)
	if err != nil {
		return err
	}

	w := a.client.Bucket(a.bucket).Object(obj.Key).NewWriter(ctx)
	w.ContentType = obj.ContentType
	w.ContentEncoding = obj.ContentEncoding

	if _, err := io.Copy(w, bytes.NewReader(obj.Body)); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy content to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gcs writer: %w", err)
	}

	a.logger.Debug("archived expansion to gcs", "bucket", a.bucket, "key", obj.Key)
	return nil
}

// Close closes the GCS client.
func (a *Archive) Close(ctx context.Context) error {
	return a.client.Close()
}

// Connect is a no-op; the client is created by New.
func (a *Archive) Connect(ctx context.Context) error {
	return nil
}
