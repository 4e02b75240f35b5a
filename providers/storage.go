package providers

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/parallel"
	"github.com/EugeneOSullivan/FHIR-Converter/storage"
	"github.com/EugeneOSullivan/FHIR-Converter/templates"
)

var storageCacheKeys = map[string]string{
	KindAzure: "cached-azure-templates",
	KindGcp:   "cached-gcp-templates",
	KindLocal: "cached-local-templates",
}

// StorageProvider serves every template object below a prefix of an object
// store as one merged layer.
type StorageProvider struct {
	fetcher
	store  storage.ObjectStore
	prefix string
}

// NewAzureBlobProvider serves a blob container.
func NewAzureBlobProvider(store storage.ObjectStore, options Options) *StorageProvider {
	return newStorageProvider(KindAzure, store, "", options)
}

// NewGcpStorageProvider serves a bucket below prefix; the prefix is not part
// of template names. The prefix is a folder: "templates" matches
// "templates/a.liquid" but not "templates2/a.liquid".
func NewGcpStorageProvider(store storage.ObjectStore, prefix string, options Options) *StorageProvider {
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		prefix += "/"
	}
	return newStorageProvider(KindGcp, store, prefix, options)
}

// NewLocalStorageProvider serves a directory tree.
func NewLocalStorageProvider(store storage.ObjectStore, options Options) *StorageProvider {
	return newStorageProvider(KindLocal, store, "", options)
}

func newStorageProvider(kind string, store storage.ObjectStore, prefix string, options Options) *StorageProvider {
	return &StorageProvider{
		fetcher: newFetcher(kind, options),
		store:   store,
		prefix:  prefix,
	}
}

func (p *StorageProvider) cacheKey() string {
	key := storageCacheKeys[p.kind] + ":" + p.store.Identity()
	if p.prefix != "" {
		key += "/" + p.prefix
	}
	return key
}

// Close closes the underlying store when it holds connections.
func (p *StorageProvider) Close() error {
	if closer, ok := p.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (p *StorageProvider) GetTemplateCollection(ctx context.Context) (templates.Collection, error) {
	return p.getOrLoad(ctx, p.cacheKey(), p.options.LongExpiration, p.load)
}

func (p *StorageProvider) load(ctx context.Context, logger logrus.FieldLogger) (templates.Collection, error) {
	objects, err := p.store.List(ctx, p.prefix)
	if err != nil {
		return nil, p.wrap("list_objects", err)
	}

	var candidates []storage.Object
	for _, object := range objects {
		if templates.IsTemplate(object.Name) {
			candidates = append(candidates, object)
		}
	}
	logger.WithFields(logrus.Fields{
		"objects":   len(objects),
		"templates": len(candidates),
	}).Debug("Listed template objects")

	if len(candidates) == 0 {
		return templates.Collection{}, nil
	}

	var (
		mu    sync.Mutex
		dict  = make(map[string]*templates.Template, len(candidates))
		total atomic.Int64
	)
	err = parallel.ForEach(ctx, len(candidates), p.options.MaxParallelism, func(ctx context.Context, i int) error {
		object := candidates[i]

		var content []byte
		retry := p.retryConfig(logger, object.Name)
		retry.ShouldRetry = shouldRetryDownload
		err := errors.RetryWithContext(ctx, retry, "download_object", func(ctx context.Context) error {
			data, err := p.store.Download(ctx, object.Name)
			if err != nil {
				return err
			}
			content = data
			return nil
		})
		if err != nil {
			return err
		}

		if used := total.Add(int64(len(content))); p.options.SizeLimit >= 0 && used > p.options.SizeLimit {
			return errors.NewCollectionSizeExceededError(p.store.Identity(), p.options.SizeLimit)
		}

		name := templates.Name(object.Name, p.prefix)
		tpl, err := p.options.Parser.Parse(name, content)
		if err != nil {
			return err
		}

		mu.Lock()
		dict[name] = tpl
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, p.wrap("download_objects", err)
	}

	return templates.Collection{dict}, nil
}

// wrap passes quota and parse errors through and reports anything else as a
// failure of this provider. Cancellation is sorted out by getOrLoad.
func (p *StorageProvider) wrap(operation string, err error) error {
	switch errors.CategoryOf(err) {
	case errors.ErrorCategoryCollectionSizeExceeded, errors.ErrorCategoryTemplateParse:
		return err
	}
	return errors.NewProviderError(p.kind, operation, err)
}

func shouldRetryDownload(err error) bool {
	if stderrors.Is(err, storage.ErrObjectNotFound) {
		return false
	}
	return errors.IsRetryableError(err)
}
