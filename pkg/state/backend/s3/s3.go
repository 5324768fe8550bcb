// Package s3 implements an S3-compatible registry mirror backend.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/davidthor/stackctl/pkg/state/backend"
)

func init() {
	backend.Register("s3", NewBackend)
}

// Backend stores registry documents in an S3-compatible bucket.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	region string
}

// NewBackend creates a new S3 backend.
func NewBackend(cfg map[string]string) (backend.Backend, error) {
	bucket, ok := cfg["bucket"]
	if !ok || bucket == "" {
		return nil, fmt.Errorf("s3 backend requires 'bucket' configuration")
	}

	region := cfg["region"]
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if accessKey := cfg["access_key"]; accessKey != "" {
		secretKey := cfg["secret_key"]
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg["force_path_style"] == "true"
		// MinIO, R2 and friends
		if endpoint := cfg["endpoint"]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Backend{
		client: client,
		bucket: bucket,
		prefix: cfg["key"],
		region: region,
	}, nil
}

func (b *Backend) Type() string {
	return "s3"
}

func (b *Backend) Read(ctx context.Context, statePath string) (io.ReadCloser, error) {
	key := b.fullPath(statePath)

	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state from s3://%s/%s: %w", b.bucket, key, err)
	}

	return output.Body, nil
}

func (b *Backend) Write(ctx context.Context, statePath string, data io.Reader) error {
	key := b.fullPath(statePath)

	content, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &b.bucket,
		Key:         &key,
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/yaml"),
	})
	if err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", b.bucket, key, err)
	}

	return nil
}

func (b *Backend) Delete(ctx context.Context, statePath string) error {
	key := b.fullPath(statePath)

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil
		}
		return fmt.Errorf("failed to delete state from s3://%s/%s: %w", b.bucket, key, err)
	}

	return nil
}

func (b *Backend) Exists(ctx context.Context, statePath string) (bool, error) {
	key := b.fullPath(statePath)

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return false, nil
		}
		// HEAD responses carry no body, so a 404 surfaces as NotFound.
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check existence: %w", err)
	}

	return true, nil
}

func (b *Backend) fullPath(statePath string) string {
	if b.prefix == "" {
		return statePath
	}
	return path.Join(b.prefix, statePath)
}
