// Package providers loads template collections from the bundled defaults,
// OCI registries and object stores, and caches them.
//
// Every fetch follows the same path: a cache hit returns immediately;
// otherwise the collection is loaded, and only a complete collection is
// cached. A failed or cancelled fetch leaves the cache untouched and the
// next call starts over.
package providers

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/EugeneOSullivan/FHIR-Converter/cache"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/logging"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/metrics"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/parallel"
	"github.com/EugeneOSullivan/FHIR-Converter/templates"
)

// Provider kinds, used in cache keys, log fields and metric labels.
const (
	KindDefault  = "default"
	KindRegistry = "registry"
	KindAzure    = "azure"
	KindGcp      = "gcp"
	KindLocal    = "local"
)

// NoSizeLimit disables the collection size quota.
const NoSizeLimit int64 = -1

// Provider returns a template collection. Implementations are safe for
// concurrent use.
type Provider interface {
	GetTemplateCollection(ctx context.Context) (templates.Collection, error)
}

// CollectionCache holds loaded collections. Cached collections are shared
// between callers and must not be modified.
type CollectionCache = cache.Cache[templates.Collection]

// Options are shared by all providers.
type Options struct {
	Cache  CollectionCache
	Logger logrus.FieldLogger
	Parser *templates.Parser
	// SizeLimit bounds a collection in bytes; NoSizeLimit disables it.
	SizeLimit int64
	// ShortExpiration applies to mutable sources such as tags.
	ShortExpiration time.Duration
	// LongExpiration applies to immutable sources such as digests.
	LongExpiration time.Duration
	MaxParallelism int
	Retry          *errors.RetryConfig
}

// DefaultOptions returns a 20MB quota, 50 parallel downloads and three
// download attempts 10ms apart, with a private in-memory cache.
func DefaultOptions() Options {
	return Options{
		SizeLimit:       20 * 1024 * 1024,
		ShortExpiration: 10 * time.Minute,
		LongExpiration:  24 * time.Hour,
		MaxParallelism:  parallel.DefaultLimit,
		Retry:           errors.FixedRetryConfig(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Cache == nil {
		o.Cache = cache.NewInMemory[templates.Collection]("template-collections",
			cache.DefaultExpiration, cache.DefaultCleanupInterval, o.Logger)
	}
	if o.Parser == nil {
		o.Parser = templates.NewParser()
	}
	if o.ShortExpiration == 0 {
		o.ShortExpiration = d.ShortExpiration
	}
	if o.LongExpiration == 0 {
		o.LongExpiration = d.LongExpiration
	}
	if o.MaxParallelism <= 0 {
		o.MaxParallelism = d.MaxParallelism
	}
	if o.Retry == nil {
		o.Retry = d.Retry
	}
	return o
}

// fetcher holds the cache protocol shared by all providers.
type fetcher struct {
	kind    string
	options Options
}

func newFetcher(kind string, options Options) fetcher {
	return fetcher{kind: kind, options: options.withDefaults()}
}

type loadFunc func(ctx context.Context, logger logrus.FieldLogger) (templates.Collection, error)

func (f *fetcher) getOrLoad(ctx context.Context, key string, ttl time.Duration, load loadFunc) (templates.Collection, error) {
	if collection, ok := f.options.Cache.Get(ctx, key); ok {
		metrics.CacheHit(f.kind, true)
		return collection, nil
	}
	metrics.CacheHit(f.kind, false)

	logger := logging.FromContext(ctx, f.options.Logger).WithFields(logrus.Fields{
		"provider":  f.kind,
		"cache_key": key,
		"fetch_id":  uuid.NewString(),
	})
	logger.Debug("Loading template collection")

	start := time.Now()
	collection, err := load(logging.WithLogger(ctx, logger), logger)
	metrics.MeasureFetch(f.kind, start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && isContextError(err) {
			logger.WithError(ctxErr).Debug("Template collection fetch cancelled")
			return nil, ctxErr
		}
		metrics.FetchFailures.WithLabelValues(f.kind, string(errors.CategoryOf(err))).Inc()
		logger.WithError(err).Warn("Template collection fetch failed")
		return nil, err
	}

	f.options.Cache.Set(ctx, key, collection, ttl)
	logger.WithFields(logrus.Fields{
		"layers":    len(collection),
		"templates": collection.Count(),
		"duration":  time.Since(start),
	}).Info("Loaded template collection")
	return collection, nil
}

func isContextError(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// retryConfig copies the shared retry policy and hooks retry accounting in.
func (f *fetcher) retryConfig(logger logrus.FieldLogger, object string) *errors.RetryConfig {
	cfg := *f.options.Retry
	base := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error) {
		metrics.DownloadRetries.WithLabelValues(f.kind).Inc()
		logger.WithFields(logrus.Fields{
			"object":  object,
			"attempt": attempt,
		}).WithError(err).Debug("Retrying download")
		if base != nil {
			base(attempt, err)
		}
	}
	return &cfg
}
