// Package s3 archives expansion snapshots to AWS S3.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rbaliyan/ews/archive"
	"github.com/rbaliyan/ews/store"
)

// Archive writes each snapshot as one object. It implements store.Sink.
type Archive struct {
	tm       *transfermanager.Client
	bucket   string
	prefix   string
	compress bool
	logger   *slog.Logger
}

// Ensure Archive implements Sink.
var _ store.Sink = (*Archive)(nil)

// New creates an S3 archive.
// The context is used for AWS credential loading and configuration.
func New(ctx context.Context, opts ...Option) (*Archive, error) {
	o := &options{
		region: DefaultRegion,
		prefix: archive.DefaultPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(opts *s3.Options) {
		if o.endpoint != "" {
			opts.BaseEndpoint = aws.String(o.endpoint)
			opts.UsePathStyle = o.usePathStyle
		}
	})

	return &Archive{
		tm:       transfermanager.New(client),
		bucket:   o.bucket,
		prefix:   o.prefix,
		compress: o.compress,
		logger:   o.logger,
	}, nil
}

func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(o.region)}

	switch {
	case o.accessKey != "" && o.secretKey != "":
		creds := credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))

	case o.roleARN != "":
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config for role: %w", err)
		}
		stsCreds := newAssumeRoleProvider(baseCfg, o.roleARN, o.roleSessionName, o.externalID)
		optFns = append(optFns, config.WithCredentialsProvider(stsCreds))

	default:
		// Default credential chain: env, shared config, instance and pod roles.
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

// Save uploads e to s3://<bucket>/<prefix>/<address>/<date>/<id>.json.
func (a *Archive) Save(ctx context.Context, e *store.Expansion) error {
	obj, err := archive.Encode(a.prefix, e, a.compress)
	if err != nil {
		return err
	}

	input := &transfermanager.UploadObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(obj.Key),
		Body:        bytes.NewReader(obj.Body),
		ContentType: aws.String(obj.ContentType),
	}
	if obj.ContentEncoding != "" {
		input.ContentEncoding = aws.String(obj.ContentEncoding)
	}

	if _, err := a.tm.UploadObject(ctx, input); err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}

	a.logger.Debug("archived expansion to s3", "bucket", a.bucket, "key", obj.Key)
	return nil
}
