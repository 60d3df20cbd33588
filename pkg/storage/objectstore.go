package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/veloce/authz/pkg/observability"
)

// MaxObjectSize caps how much of an object Get will read
const MaxObjectSize = 4 << 20

// ErrObjectNotFound is returned by Get when the key does not exist
var ErrObjectNotFound = errors.New("object not found")

// ErrObjectTooLarge is returned by Get when the object exceeds MaxObjectSize
var ErrObjectTooLarge = errors.New("object too large")

// ObjectStoreConfig configures an S3 compatible object store. Leaving the
// keys empty falls back to the default AWS credential chain.
type ObjectStoreConfig struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// ObjectStore reads objects such as seed files from S3 or MinIO
type ObjectStore struct {
	client *s3.Client
}

// NewObjectStore builds an S3 client from cfg
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &ObjectStore{client: client}, nil
}

// Get reads a whole object
func (o *ObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	ctx, span := observability.Tracer().Start(ctx, "ObjectStore.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("s3.bucket", bucket),
		attribute.String("s3.key", key),
	)

	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			span.SetStatus(codes.Error, "not found")
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "get object failed")
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxObjectSize+1))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}
	if len(data) > MaxObjectSize {
		span.SetStatus(codes.Error, "too large")
		return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrObjectTooLarge)
	}

	span.SetAttributes(attribute.Int("s3.size", len(data)))
	return data, nil
}

// IsObjectURL reports whether raw uses the s3 scheme
func IsObjectURL(raw string) bool {
	return strings.HasPrefix(raw, "s3://")
}

// ParseObjectURL splits s3://bucket/path/to/key into bucket and key
func ParseObjectURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid object url %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid object url %q: scheme must be s3", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("invalid object url %q: want s3://bucket/key", raw)
	}
	return u.Host, key, nil
}
