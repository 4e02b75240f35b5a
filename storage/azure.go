package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// DefaultAzureEndpointSuffix is the public cloud blob endpoint.
const DefaultAzureEndpointSuffix = "blob.core.windows.net"

// AzureBlobStore reads one blob container.
type AzureBlobStore struct {
	client    *azblob.Client
	container string
	identity  string
}

// AzureServiceURL builds https://{account}.{suffix}.
func AzureServiceURL(account, endpointSuffix string) string {
	if endpointSuffix == "" {
		endpointSuffix = DefaultAzureEndpointSuffix
	}
	return fmt.Sprintf("https://%s.%s", account, strings.TrimPrefix(endpointSuffix, "."))
}

// NewAzureBlobStore authenticates with the default Azure credential chain
// (environment, workload identity, managed identity, Azure CLI).
func NewAzureBlobStore(account, endpointSuffix, container string) (*AzureBlobStore, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	return NewAzureBlobStoreWithCredential(AzureServiceURL(account, endpointSuffix), container, cred)
}

// NewAzureBlobStoreWithCredential uses an explicit token credential.
func NewAzureBlobStoreWithCredential(serviceURL, container string, cred azcore.TokenCredential) (*AzureBlobStore, error) {
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure blob client: %w", err)
	}
	return newAzureBlobStore(client, serviceURL, container), nil
}

// NewAzureBlobStoreFromConnectionString is used for Azurite and shared key access.
func NewAzureBlobStoreFromConnectionString(connectionString, container string) (*AzureBlobStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure blob client: %w", err)
	}
	return newAzureBlobStore(client, client.URL(), container), nil
}

func newAzureBlobStore(client *azblob.Client, serviceURL, container string) *AzureBlobStore {
	return &AzureBlobStore{
		client:    client,
		container: container,
		identity:  strings.TrimSuffix(serviceURL, "/") + "/" + container,
	}
}

// List walks the flat blob listing page by page.
func (s *AzureBlobStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var options azblob.ListBlobsFlatOptions
	if prefix != "" {
		options.Prefix = &prefix
	}

	var objects []Object
	pager := s.client.NewListBlobsFlatPager(s.container, &options)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs in %s: %w", s.identity, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			object := Object{Name: *item.Name}
			if item.Properties != nil && item.Properties.ContentLength != nil {
				object.Size = *item.Properties.ContentLength
			}
			objects = append(objects, object)
		}
	}
	return objects, nil
}

func (s *AzureBlobStore) Download(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to download %s: %w", name, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return content, nil
}

func (s *AzureBlobStore) Identity() string {
	return s.identity
}
