package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ProviderDefault, cfg.TemplateHosting.Provider)
	assert.Equal(t, 20, cfg.TemplateCollection.SizeLimitMegabytes)
	assert.Equal(t, int64(20*1024*1024), cfg.TemplateCollection.SizeLimitBytes())
	assert.Equal(t, 50, cfg.Fetch.MaxParallelism)
	assert.Equal(t, 3, cfg.Fetch.RetryAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Fetch.RetryInterval)
	assert.Equal(t, DefaultAzureEndpointSuffix, cfg.TemplateHosting.Azure.EndpointSuffix)
	assert.Equal(t, DefaultGcpEndpoint, cfg.TemplateHosting.Gcp.Endpoint)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
template_hosting:
  provider: azure
  azure:
    storage_account_name: templates
    container_name: hl7v2
template_collection:
  size_limit_megabytes: 5
fetch:
  retry_interval: 25ms
  attempt_timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, ProviderAzure, cfg.TemplateHosting.Provider)
	assert.Equal(t, "https://templates.blob.core.windows.net/hl7v2", cfg.TemplateHosting.Azure.ContainerURL())
	assert.Equal(t, 5, cfg.TemplateCollection.SizeLimitMegabytes)
	assert.Equal(t, 25*time.Millisecond, cfg.Fetch.RetryInterval)
	assert.Equal(t, 2*time.Second, cfg.Fetch.AttemptTimeout)
	assert.Equal(t, 50, cfg.Fetch.MaxParallelism)

	retry := cfg.Fetch.RetryConfig()
	assert.Equal(t, 3, retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, retry.AttemptTimeout)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("FHIR_TEMPLATES_TEMPLATE_HOSTING_PROVIDER", "gcp")
	t.Setenv("FHIR_TEMPLATES_TEMPLATE_HOSTING_GCP_BUCKET_NAME", "fhir")
	t.Setenv("FHIR_TEMPLATES_TEMPLATE_HOSTING_GCP_PREFIX", "templates/")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, ProviderGcp, cfg.TemplateHosting.Provider)
	assert.Equal(t, "gs://fhir/templates", cfg.TemplateHosting.Gcp.Location())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrorCategoryConfiguration))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"default", func(c *Config) {}, ""},
		{"local without path", func(c *Config) { c.TemplateHosting.Provider = ProviderLocal }, "local.path"},
		{"azure without container", func(c *Config) {
			c.TemplateHosting.Provider = ProviderAzure
			c.TemplateHosting.Azure.StorageAccountName = "acct"
		}, "container_name"},
		{"azure with connection string", func(c *Config) {
			c.TemplateHosting.Provider = ProviderAzure
			c.TemplateHosting.Azure.ConnectionString = "UseDevelopmentStorage=true"
			c.TemplateHosting.Azure.ContainerName = "t"
		}, ""},
		{"gcp without bucket", func(c *Config) { c.TemplateHosting.Provider = ProviderGcp }, "bucket_name"},
		{"registry without reference", func(c *Config) { c.TemplateHosting.Provider = ProviderRegistry }, "image_reference"},
		{"unknown provider", func(c *Config) { c.TemplateHosting.Provider = "s3" }, "unknown template provider"},
		{"no attempts", func(c *Config) { c.Fetch.RetryAttempts = 0 }, "retry_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errors.Is(err, errors.ErrorCategoryConfiguration))
		})
	}
}

func TestMarshalMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.TemplateHosting.Provider = ProviderRegistry
	cfg.TemplateHosting.ImageReference = "r.io/t:v1"
	cfg.TemplateHosting.Token = "Bearer secret"

	out, err := Marshal(cfg)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out), "r.io/t:v1"), string(out))
	assert.NotContains(t, string(out), "secret")
	assert.Equal(t, "Bearer secret", cfg.TemplateHosting.Token)
}
