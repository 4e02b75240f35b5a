package providers

import (
	"context"
	stderrors "errors"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/EugeneOSullivan/FHIR-Converter/config"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/registry"
	"github.com/EugeneOSullivan/FHIR-Converter/storage"
)

// StoreOpeners create object stores for the factory. Tests replace them
// with fakes.
type StoreOpeners struct {
	Azure func(ctx context.Context, cfg config.AzureStorage) (storage.ObjectStore, error)
	Gcp   func(ctx context.Context, cfg config.GcpStorage) (storage.ObjectStore, error)
	Local func(ctx context.Context, path string) (storage.ObjectStore, error)
}

// DefaultStoreOpeners connect to the real services.
func DefaultStoreOpeners() StoreOpeners {
	return StoreOpeners{
		Azure: func(_ context.Context, cfg config.AzureStorage) (storage.ObjectStore, error) {
			if cfg.ConnectionString != "" {
				return storage.NewAzureBlobStoreFromConnectionString(cfg.ConnectionString, cfg.ContainerName)
			}
			return storage.NewAzureBlobStore(cfg.StorageAccountName, cfg.EndpointSuffix, cfg.ContainerName)
		},
		Gcp: func(ctx context.Context, cfg config.GcpStorage) (storage.ObjectStore, error) {
			endpoint := cfg.Endpoint
			if endpoint == config.DefaultGcpEndpoint {
				endpoint = ""
			}
			return storage.NewGCSStore(ctx, cfg.BucketName, endpoint)
		},
		Local: func(_ context.Context, path string) (storage.ObjectStore, error) {
			return storage.NewLocalStore(path)
		},
	}
}

// Factory builds providers from hosting configuration and hands out the
// same instance for the same configuration. All providers of a factory
// share one cache.
type Factory struct {
	options Options
	client  registry.OciRegistryClient
	openers StoreOpeners

	mu        sync.Mutex
	providers map[string]Provider
}

// NewFactory returns a factory. A nil client gets a default registry client.
func NewFactory(options Options, client registry.OciRegistryClient, openers StoreOpeners) *Factory {
	options = options.withDefaults()
	if client == nil {
		client = registry.NewClient(nil, options.Logger)
	}
	defaults := DefaultStoreOpeners()
	if openers.Azure == nil {
		openers.Azure = defaults.Azure
	}
	if openers.Gcp == nil {
		openers.Gcp = defaults.Gcp
	}
	if openers.Local == nil {
		openers.Local = defaults.Local
	}
	return &Factory{
		options:   options,
		client:    client,
		openers:   openers,
		providers: make(map[string]Provider),
	}
}

// OptionsFromConfig maps loaded configuration onto provider options.
func OptionsFromConfig(cfg *config.Config, logger logrus.FieldLogger) Options {
	return Options{
		Logger:          logger,
		SizeLimit:       cfg.TemplateCollection.SizeLimitBytes(),
		ShortExpiration: cfg.TemplateCollection.ShortCacheDuration,
		LongExpiration:  cfg.TemplateCollection.LongCacheDuration,
		MaxParallelism:  cfg.Fetch.MaxParallelism,
		Retry:           cfg.Fetch.RetryConfig(),
	}
}

// Create returns the provider for hosting, constructing it on first use.
// An empty provider kind means the registry when an image reference is set
// and the bundled defaults otherwise.
func (f *Factory) Create(ctx context.Context, hosting config.TemplateHosting) (Provider, error) {
	kind := strings.ToLower(hosting.Provider)
	if kind == "" || kind == config.ProviderDefault {
		kind = config.ProviderDefault
		if hosting.ImageReference != "" {
			kind = config.ProviderRegistry
		}
	}

	switch kind {
	case config.ProviderDefault:
		return f.memoize("default-template-provider", func() (Provider, error) {
			return NewDefaultProvider("", f.options)
		})

	case config.ProviderRegistry:
		if root, ok := DefaultTemplateRoot(hosting.ImageReference); ok {
			return f.memoize("default-template-provider-"+root, func() (Provider, error) {
				return NewDefaultProvider(root, f.options)
			})
		}
		ref, err := registry.ParseImageReference(hosting.ImageReference)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(hosting.Token) == "" {
			return nil, errors.NewAuthError("create_provider",
				"a registry token is required for "+ref.String(), nil)
		}
		// Keyed by token hash so a rotated token gets a fresh provider.
		key := "registry-template-provider-" + ref.String() + "-" + digest.FromString(hosting.Token).Encoded()
		return f.memoize(key, func() (Provider, error) {
			return NewRegistryProvider(ref.String(), hosting.Token, f.client, f.options)
		})

	case config.ProviderAzure:
		identity := hosting.Azure.ContainerURL()
		if hosting.Azure.ConnectionString != "" {
			identity = "connection-string/" + hosting.Azure.ContainerName
		}
		return f.memoizeStore(identity, func() (Provider, error) {
			store, err := f.openers.Azure(ctx, hosting.Azure)
			if err != nil {
				return nil, errors.NewProviderError(KindAzure, "create_provider", err)
			}
			return NewAzureBlobProvider(store, f.options), nil
		})

	case config.ProviderGcp:
		return f.memoizeStore(hosting.Gcp.Location(), func() (Provider, error) {
			store, err := f.openers.Gcp(ctx, hosting.Gcp)
			if err != nil {
				return nil, errors.NewProviderError(KindGcp, "create_provider", err)
			}
			return NewGcpStorageProvider(store, hosting.Gcp.Prefix, f.options), nil
		})

	case config.ProviderLocal:
		path, err := filepath.Abs(hosting.Local.Path)
		if err != nil || hosting.Local.Path == "" {
			return nil, errors.NewConfigurationError("create_provider", "local provider needs a template directory", err)
		}
		return f.memoizeStore("file://"+filepath.ToSlash(path), func() (Provider, error) {
			store, err := f.openers.Local(ctx, path)
			if err != nil {
				return nil, errors.NewConfigurationError("create_provider", "local template directory is not usable", err)
			}
			return NewLocalStorageProvider(store, f.options), nil
		})

	default:
		return nil, errors.NewConfigurationError("create_provider",
			"unknown template provider "+hosting.Provider, nil)
	}
}

func (f *Factory) memoizeStore(identity string, create func() (Provider, error)) (Provider, error) {
	return f.memoize("storage-template-provider-"+identity, create)
}

func (f *Factory) memoize(key string, create func() (Provider, error)) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if provider, ok := f.providers[key]; ok {
		return provider, nil
	}
	provider, err := create()
	if err != nil {
		return nil, err
	}
	f.providers[key] = provider
	f.options.Logger.WithField("provider_key", key).Debug("Created template provider")
	return provider, nil
}

// Close releases the object stores of every provider created so far and
// forgets the providers.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, provider := range f.providers {
		if closer, ok := provider.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	f.providers = make(map[string]Provider)
	return stderrors.Join(errs...)
}
