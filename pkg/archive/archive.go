// Package archive stores verified webhook payloads in S3 or any S3-compatible
// object store, keyed by delivery date and event id.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

var (
	ErrInvalidConfig      = errors.New("archive: bucket and region are required")
	ErrFailedToLoadConfig = errors.New("archive: failed to load AWS config")
	ErrAccessDenied       = errors.New("archive: access denied")
	ErrUploadFailed       = errors.New("archive: upload failed")
)

// Config is loaded from ARCHIVE_* variables. An empty bucket disables
// archiving.
type Config struct {
	Bucket         string        `env:"ARCHIVE_S3_BUCKET"`
	Region         string        `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	AccessKeyID    string        `env:"ARCHIVE_S3_ACCESS_KEY_ID"`
	SecretKey      string        `env:"ARCHIVE_S3_SECRET_KEY"`
	Endpoint       string        `env:"ARCHIVE_S3_ENDPOINT"`
	ForcePathStyle bool          `env:"ARCHIVE_S3_FORCE_PATH_STYLE" envDefault:"false"`
	Prefix         string        `env:"ARCHIVE_S3_PREFIX" envDefault:"webhooks"`
	UploadTimeout  time.Duration `env:"ARCHIVE_UPLOAD_TIMEOUT" envDefault:"5s"`
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

// S3Client is the subset of the S3 API the archiver uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Option configures an S3Archiver.
type Option func(*S3Archiver)

// WithS3Client sets a pre-configured client. Useful for tests.
func WithS3Client(c S3Client) Option {
	return func(a *S3Archiver) { a.client = c }
}

// S3Archiver implements billing.Archiver.
type S3Archiver struct {
	client  S3Client
	bucket  string
	prefix  string
	timeout time.Duration
}

var _ billing.Archiver = (*S3Archiver)(nil)

func New(ctx context.Context, cfg Config, opts ...Option) (*S3Archiver, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrInvalidConfig
	}

	a := &S3Archiver{
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		timeout: cfg.UploadTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client != nil {
		return a, nil
	}

	awsOptions := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		awsOptions = append(awsOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToLoadConfig, err)
	}

	a.client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return a, nil
}

// Key returns the object key for an event: <prefix>/YYYY/MM/DD/<event id>.json,
// dated by receipt time.
func (a *S3Archiver) Key(ev *billing.Event) string {
	at := ev.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	return path.Join(a.prefix, at.Format("2006/01/02"), ev.ID+".json")
}

// Archive uploads the raw payload. Re-archiving a redelivery overwrites the
// same key.
func (a *S3Archiver) Archive(ctx context.Context, ev *billing.Event, payload []byte) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(a.Key(ev)),
		Body:                 bytes.NewReader(payload),
		ContentType:          aws.String("application/json"),
		ContentLength:        aws.Int64(int64(len(payload))),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"event-type":    ev.ProviderType,
			"event-created": ev.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return mapError(err, ev.ID)
	}
	return nil
}

func mapError(err error, eventID string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode() == "AccessDenied" {
			return fmt.Errorf("%w: event %s", ErrAccessDenied, eventID)
		}
		return fmt.Errorf("%w: event %s: %s: %s", ErrUploadFailed, eventID, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("%w: event %s: %v", ErrUploadFailed, eventID, err)
}
