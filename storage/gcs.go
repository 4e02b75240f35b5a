package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore reads one bucket.
type GCSStore struct {
	client *gcs.Client
	bucket string
}

// NewGCSStore connects with application default credentials. A non-empty
// endpoint overrides the public API, e.g. for an emulator.
func NewGCSStore(ctx context.Context, bucket, endpoint string, opts ...option.ClientOption) (*GCSStore, error) {
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	it := s.client.Bucket(s.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if stderrors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in %s: %w", s.Identity(), err)
		}
		objects = append(objects, Object{Name: attrs.Name, Size: attrs.Size})
	}
	return objects, nil
}

func (s *GCSStore) Download(ctx context.Context, name string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if stderrors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to download %s: %w", name, err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return content, nil
}

func (s *GCSStore) Identity() string {
	return "gs://" + s.bucket
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
