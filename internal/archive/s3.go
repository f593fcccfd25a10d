// Package archive optionally ships audit export bundles to S3-compatible
// object storage. It is only wired in when SSAP_AUDIT_BACKEND=s3; the
// default audit sink (internal/audit.Memory) never touches this package.
package archive

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client Store needs, narrowed so tests can
// inject a fake.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store archives newline-delimited JSON audit export bundles to an
// S3-compatible bucket, keyed by upload date.
type Store struct {
	client S3API
	bucket string
	prefix string
}

// NewStore creates a Store from AWS defaults plus the given overrides. An
// empty endpoint targets standard AWS S3; a non-empty endpoint targets
// MinIO or another S3-compatible service. Static credentials are used only
// when both accessKeyID and secretAccessKey are non-empty, otherwise the
// default credential chain applies.
func NewStore(bucket, region, endpoint, prefix, accessKeyID, secretAccessKey string) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	return NewStoreWithClient(client, bucket, prefix), nil
}

// NewStoreWithClient creates a Store with an injected client, for testing.
func NewStoreWithClient(client S3API, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// Save uploads an NDJSON export bundle and returns the object key.
func (s *Store) Save(ctx context.Context, bundleID string, r io.Reader) (string, error) {
	now := time.Now()
	key := fmt.Sprintf("%s%d/%02d/%s.ndjson", s.prefix, now.Year(), now.Month(), bundleID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: upload bundle: %w", err)
	}
	return key, nil
}

// Get returns the object body for a previously saved bundle.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: get bundle: %w", err)
	}
	return out.Body, nil
}

// Delete removes a previously saved bundle.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("archive: delete bundle: %w", err)
	}
	return nil
}
