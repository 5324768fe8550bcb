// Package azurerm implements an Azure Blob Storage registry mirror backend.
package azurerm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/davidthor/stackctl/pkg/state/backend"
)

func init() {
	backend.Register("azurerm", NewBackend)
}

// Backend stores registry documents in an Azure blob container.
type Backend struct {
	client        *azblob.Client
	containerName string
	prefix        string
}

// NewBackend creates a new Azure Blob Storage backend.
func NewBackend(cfg map[string]string) (backend.Backend, error) {
	storageAccount, ok := cfg["storage_account_name"]
	if !ok || storageAccount == "" {
		return nil, fmt.Errorf("azurerm backend requires 'storage_account_name' configuration")
	}

	containerName, ok := cfg["container_name"]
	if !ok || containerName == "" {
		return nil, fmt.Errorf("azurerm backend requires 'container_name' configuration")
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", storageAccount)

	// Azurite
	if endpoint := cfg["endpoint"]; endpoint != "" {
		serviceURL = endpoint
	}

	client, err := newClient(cfg, storageAccount, serviceURL)
	if err != nil {
		return nil, err
	}

	return &Backend{
		client:        client,
		containerName: containerName,
		prefix:        cfg["key"],
	}, nil
}

func newClient(cfg map[string]string, storageAccount, serviceURL string) (*azblob.Client, error) {
	if accessKey := cfg["access_key"]; accessKey != "" {
		cred, err := azblob.NewSharedKeyCredential(storageAccount, accessKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client with shared key: %w", err)
		}
		return client, nil
	}

	if sasToken := cfg["sas_token"]; sasToken != "" {
		sep := "?"
		if strings.Contains(serviceURL, "?") {
			sep = "&"
		}
		client, err := azblob.NewClientWithNoCredential(serviceURL+sep+strings.TrimPrefix(sasToken, "?"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client with SAS token: %w", err)
		}
		return client, nil
	}

	if connectionString := cfg["connection_string"]; connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client from connection string: %w", err)
		}
		return client, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create default Azure credential: %w", err)
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return client, nil
}

func (b *Backend) Type() string {
	return "azurerm"
}

func (b *Backend) Read(ctx context.Context, statePath string) (io.ReadCloser, error) {
	blobPath := b.fullPath(statePath)

	resp, err := b.client.DownloadStream(ctx, b.containerName, blobPath, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state from azure://%s/%s: %w", b.containerName, blobPath, err)
	}

	return resp.Body, nil
}

func (b *Backend) Write(ctx context.Context, statePath string, data io.Reader) error {
	blobPath := b.fullPath(statePath)

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}

	_, err := b.client.UploadBuffer(ctx, b.containerName, blobPath, buf.Bytes(), &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: toPtr("application/yaml"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write state to azure://%s/%s: %w", b.containerName, blobPath, err)
	}

	return nil
}

func (b *Backend) Delete(ctx context.Context, statePath string) error {
	blobPath := b.fullPath(statePath)

	_, err := b.client.DeleteBlob(ctx, b.containerName, blobPath, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete state from azure://%s/%s: %w", b.containerName, blobPath, err)
	}

	return nil
}

func (b *Backend) Exists(ctx context.Context, statePath string) (bool, error) {
	blobPath := b.fullPath(statePath)

	_, err := b.client.ServiceClient().NewContainerClient(b.containerName).NewBlobClient(blobPath).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
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

// isNotFound covers HEAD-style responses, which carry no error code body.
func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return true
	}
	return bloberror.HasCode(err, bloberror.BlobNotFound)
}

func toPtr[T any](v T) *T {
	return &v
}
