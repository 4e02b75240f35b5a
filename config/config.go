// Package config loads template hosting configuration from a YAML file and
// FHIR_TEMPLATES_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
)

// EnvPrefix is prepended to environment overrides, e.g.
// FHIR_TEMPLATES_TEMPLATE_HOSTING_PROVIDER=azure.
const EnvPrefix = "FHIR_TEMPLATES"

// Provider kinds.
const (
	ProviderDefault  = "default"
	ProviderLocal    = "local"
	ProviderAzure    = "azure"
	ProviderGcp      = "gcp"
	ProviderRegistry = "registry"
)

// Defaults.
const (
	DefaultSizeLimitMegabytes  = 20
	DefaultMaxParallelism      = 50
	DefaultRetryAttempts       = 3
	DefaultRetryInterval       = 10 * time.Millisecond
	DefaultShortCacheDuration  = 10 * time.Minute
	DefaultLongCacheDuration   = 24 * time.Hour
	DefaultAzureEndpointSuffix = "blob.core.windows.net"
	DefaultGcpEndpoint         = "storage.googleapis.com"
)

// Config holds all configuration options.
type Config struct {
	TemplateHosting    TemplateHosting    `mapstructure:"template_hosting" yaml:"template_hosting"`
	TemplateCollection TemplateCollection `mapstructure:"template_collection" yaml:"template_collection"`
	Fetch              Fetch              `mapstructure:"fetch" yaml:"fetch"`
	Registry           Registry           `mapstructure:"registry" yaml:"registry"`
	LogLevel           string             `mapstructure:"log_level" yaml:"log_level"`
}

// TemplateHosting selects where templates come from. Exactly one of Local,
// Azure and Gcp is read, chosen by Provider; ImageReference and Token are
// read for the registry provider.
type TemplateHosting struct {
	Provider       string       `mapstructure:"provider" yaml:"provider"`
	ImageReference string       `mapstructure:"image_reference" yaml:"image_reference,omitempty"`
	Token          string       `mapstructure:"token" yaml:"token,omitempty"`
	Local          LocalStorage `mapstructure:"local" yaml:"local,omitempty"`
	Azure          AzureStorage `mapstructure:"azure" yaml:"azure,omitempty"`
	Gcp            GcpStorage   `mapstructure:"gcp" yaml:"gcp,omitempty"`
}

type LocalStorage struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

type AzureStorage struct {
	StorageAccountName string `mapstructure:"storage_account_name" yaml:"storage_account_name,omitempty"`
	ContainerName      string `mapstructure:"container_name" yaml:"container_name,omitempty"`
	EndpointSuffix     string `mapstructure:"endpoint_suffix" yaml:"endpoint_suffix,omitempty"`
	// ConnectionString takes precedence over the account name, e.g. for Azurite.
	ConnectionString string `mapstructure:"connection_string" yaml:"connection_string,omitempty"`
}

// ContainerURL returns https://{account}.{suffix}/{container}.
func (a AzureStorage) ContainerURL() string {
	suffix := strings.TrimPrefix(a.EndpointSuffix, ".")
	if suffix == "" {
		suffix = DefaultAzureEndpointSuffix
	}
	return fmt.Sprintf("https://%s.%s/%s", a.StorageAccountName, suffix, a.ContainerName)
}

type GcpStorage struct {
	ProjectID  string `mapstructure:"project_id" yaml:"project_id,omitempty"`
	BucketName string `mapstructure:"bucket_name" yaml:"bucket_name,omitempty"`
	Prefix     string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

// Location returns gs://{bucket}/{prefix}.
func (g GcpStorage) Location() string {
	return "gs://" + strings.TrimSuffix(g.BucketName+"/"+strings.Trim(g.Prefix, "/"), "/")
}

// TemplateCollection bounds what a provider may load and how long it is kept.
type TemplateCollection struct {
	SizeLimitMegabytes int           `mapstructure:"size_limit_megabytes" yaml:"size_limit_megabytes"`
	ShortCacheDuration time.Duration `mapstructure:"short_cache_duration" yaml:"short_cache_duration"`
	LongCacheDuration  time.Duration `mapstructure:"long_cache_duration" yaml:"long_cache_duration"`
}

// SizeLimitBytes converts the megabyte limit.
func (t TemplateCollection) SizeLimitBytes() int64 {
	return int64(t.SizeLimitMegabytes) * 1024 * 1024
}

// Fetch tunes object and layer downloads.
type Fetch struct {
	MaxParallelism int           `mapstructure:"max_parallelism" yaml:"max_parallelism"`
	RetryAttempts  int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryInterval  time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout,omitempty"`
}

// RetryConfig builds the per-object retry policy.
func (f Fetch) RetryConfig() *errors.RetryConfig {
	return &errors.RetryConfig{
		MaxAttempts:    f.RetryAttempts,
		Interval:       f.RetryInterval,
		AttemptTimeout: f.AttemptTimeout,
	}
}

// Registry tunes the OCI registry client.
type Registry struct {
	Insecure bool          `mapstructure:"insecure" yaml:"insecure"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		TemplateHosting: TemplateHosting{
			Provider: ProviderDefault,
			Azure:    AzureStorage{EndpointSuffix: DefaultAzureEndpointSuffix},
			Gcp:      GcpStorage{Endpoint: DefaultGcpEndpoint},
		},
		TemplateCollection: TemplateCollection{
			SizeLimitMegabytes: DefaultSizeLimitMegabytes,
			ShortCacheDuration: DefaultShortCacheDuration,
			LongCacheDuration:  DefaultLongCacheDuration,
		},
		Fetch: Fetch{
			MaxParallelism: DefaultMaxParallelism,
			RetryAttempts:  DefaultRetryAttempts,
			RetryInterval:  DefaultRetryInterval,
		},
		Registry: Registry{Timeout: 5 * time.Minute},
		LogLevel: "info",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("template_hosting.provider", d.TemplateHosting.Provider)
	v.SetDefault("template_hosting.image_reference", "")
	v.SetDefault("template_hosting.token", "")
	v.SetDefault("template_hosting.local.path", "")
	v.SetDefault("template_hosting.azure.storage_account_name", "")
	v.SetDefault("template_hosting.azure.container_name", "")
	v.SetDefault("template_hosting.azure.endpoint_suffix", d.TemplateHosting.Azure.EndpointSuffix)
	v.SetDefault("template_hosting.azure.connection_string", "")
	v.SetDefault("template_hosting.gcp.project_id", "")
	v.SetDefault("template_hosting.gcp.bucket_name", "")
	v.SetDefault("template_hosting.gcp.prefix", "")
	v.SetDefault("template_hosting.gcp.endpoint", d.TemplateHosting.Gcp.Endpoint)
	v.SetDefault("template_collection.size_limit_megabytes", d.TemplateCollection.SizeLimitMegabytes)
	v.SetDefault("template_collection.short_cache_duration", d.TemplateCollection.ShortCacheDuration)
	v.SetDefault("template_collection.long_cache_duration", d.TemplateCollection.LongCacheDuration)
	v.SetDefault("fetch.max_parallelism", d.Fetch.MaxParallelism)
	v.SetDefault("fetch.retry_attempts", d.Fetch.RetryAttempts)
	v.SetDefault("fetch.retry_interval", d.Fetch.RetryInterval)
	v.SetDefault("fetch.attempt_timeout", time.Duration(0))
	v.SetDefault("registry.insecure", d.Registry.Insecure)
	v.SetDefault("registry.timeout", d.Registry.Timeout)
	v.SetDefault("log_level", d.LogLevel)
}

// New returns a viper instance with defaults and environment binding but no
// file. Callers may bind flags before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, when non-empty, on top of the defaults of v and validates
// the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.NewConfigurationError("load_config",
				fmt.Sprintf("failed to read config file %s", path), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewConfigurationError("load_config", "failed to decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected provider has what it needs.
func (c *Config) Validate() error {
	collector := errors.NewErrorCollector()
	invalid := func(format string, args ...interface{}) {
		collector.AddError(errors.NewConfigurationError("validate_config", fmt.Sprintf(format, args...), nil))
	}

	h := c.TemplateHosting
	switch strings.ToLower(h.Provider) {
	case ProviderDefault, "":
	case ProviderLocal:
		if h.Local.Path == "" {
			invalid("template_hosting.local.path is required for the local provider")
		}
	case ProviderAzure:
		if h.Azure.ConnectionString == "" && h.Azure.StorageAccountName == "" {
			invalid("template_hosting.azure.storage_account_name is required for the azure provider")
		}
		if h.Azure.ContainerName == "" {
			invalid("template_hosting.azure.container_name is required for the azure provider")
		}
	case ProviderGcp:
		if h.Gcp.BucketName == "" {
			invalid("template_hosting.gcp.bucket_name is required for the gcp provider")
		}
	case ProviderRegistry:
		if h.ImageReference == "" {
			invalid("template_hosting.image_reference is required for the registry provider")
		}
	default:
		invalid("unknown template provider %q", h.Provider)
	}

	if c.TemplateCollection.SizeLimitMegabytes < 0 {
		invalid("template_collection.size_limit_megabytes must not be negative")
	}
	if c.Fetch.MaxParallelism < 0 {
		invalid("fetch.max_parallelism must not be negative")
	}
	if c.Fetch.RetryAttempts < 1 {
		invalid("fetch.retry_attempts must be at least 1")
	}

	return collector.ToError()
}

// Marshal renders the configuration as YAML. The registry token is masked.
func Marshal(c *Config) ([]byte, error) {
	masked := *c
	if masked.TemplateHosting.Token != "" {
		masked.TemplateHosting.Token = "********"
	}
	if masked.TemplateHosting.Azure.ConnectionString != "" {
		masked.TemplateHosting.Azure.ConnectionString = "********"
	}
	return yaml.Marshal(&masked)
}
