// Package gcs implements a Google Cloud Storage registry mirror backend.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/davidthor/stackctl/pkg/state/backend"
	"google.golang.org/api/option"
)

func init() {
	backend.Register("gcs", NewBackend)
}

// Backend stores registry documents in a GCS bucket.
type Backend struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewBackend creates a new GCS backend.
func NewBackend(cfg map[string]string) (backend.Backend, error) {
	bucketName, ok := cfg["bucket"]
	if !ok || bucketName == "" {
		return nil, fmt.Errorf("gcs backend requires 'bucket' configuration")
	}

	ctx := context.Background()
	var opts []option.ClientOption

	if credentialsFile := cfg["credentials"]; credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	if credentialsJSON := cfg["credentials_json"]; credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}

	// Emulator
	if endpoint := cfg["endpoint"]; endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
		opts = append(opts, option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &Backend{
		client: client,
		bucket: bucketName,
		prefix: cfg["prefix"],
	}, nil
}

func (b *Backend) Type() string {
	return "gcs"
}

func (b *Backend) Read(ctx context.Context, statePath string) (io.ReadCloser, error) {
	objectPath := b.fullPath(statePath)

	reader, err := b.client.Bucket(b.bucket).Object(objectPath).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state from gs://%s/%s: %w", b.bucket, objectPath, err)
	}

	return reader, nil
}

func (b *Backend) Write(ctx context.Context, statePath string, data io.Reader) error {
	objectPath := b.fullPath(statePath)

	writer := b.client.Bucket(b.bucket).Object(objectPath).NewWriter(ctx)
	writer.ContentType = "application/yaml"

	if _, err := io.Copy(writer, data); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write state to gs://%s/%s: %w", b.bucket, objectPath, err)
	}

	// The object only becomes visible once Close succeeds.
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	return nil
}

func (b *Backend) Delete(ctx context.Context, statePath string) error {
	objectPath := b.fullPath(statePath)

	err := b.client.Bucket(b.bucket).Object(objectPath).Delete(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete state from gs://%s/%s: %w", b.bucket, objectPath, err)
	}

	return nil
}

func (b *Backend) Exists(ctx context.Context, statePath string) (bool, error) {
	objectPath := b.fullPath(statePath)

	_, err := b.client.Bucket(b.bucket).Object(objectPath).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
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

// Close closes the GCS client.
func (b *Backend) Close() error {
	return b.client.Close()
}
