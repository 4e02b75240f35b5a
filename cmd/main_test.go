package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/layers"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		target := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
		require.NoError(t, os.WriteFile(target, []byte(content), 0644))
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{20 * 1024 * 1024, "20.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestDiffCommandAgainstBase(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	operator := layers.NewOverlayOperator(layers.OverlayConfig{})
	base := layers.NewOciFileLayer()
	base.FileContent["Hl7v2/ADT_A01.liquid"] = []byte("v1")
	base.FileContent["Hl7v2/ORU_R01.liquid"] = []byte("same")
	blob, err := operator.Archive(base)
	require.NoError(t, err)
	require.NoError(t, layers.NewOverlayFileSystem(dir).WriteBaseLayers(ctx, []layers.ArtifactBlob{blob}))

	writeTree(t, dir, map[string]string{
		"Hl7v2/ADT_A01.liquid": "v2",
		"Hl7v2/ORU_R01.liquid": "same",
		"Hl7v2/New.liquid":     "new",
	})

	out, err := run(t, "diff", "--dir", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hl7v2/ADT_A01.liquid", "Hl7v2/New.liquid"}, strings.Fields(out))
}

func TestDiffCommandWithoutBase(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.liquid": "a"})

	out, err := run(t, "diff", "--dir", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.liquid"}, strings.Fields(out))
}

func TestConfigShowMasksToken(t *testing.T) {
	out, err := run(t, "config", "show", "--provider", "registry", "--image", "r.io/t:v1", "--token", "Bearer secret")
	require.NoError(t, err)
	assert.Contains(t, out, "r.io/t:v1")
	assert.NotContains(t, out, "secret")
}

func TestFetchDefaultTemplates(t *testing.T) {
	out, err := run(t, "fetch", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "ADT_A01")
	assert.Contains(t, out, "Layers: 1")
	assert.Contains(t, out, "Cache: 0 hits, 1 misses (0% hit rate)")
}

func TestFetchLocalTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"Custom/Hello.liquid": "Hello {{ msg.name }}",
		"README.md":           "ignored",
	})

	out, err := run(t, "fetch", "--provider", "local", "--local-path", dir, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Custom/Hello")
	assert.NotContains(t, out, "README")
	assert.Contains(t, out, "Templates: 1")
}

func TestRenderLocalTemplate(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"Hello.liquid": "Hello {{ msg.name }}"})
	data := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(data, []byte(`{"name":"Ada"}`), 0644))

	out, err := run(t, "render", "Hello", "--data", data, "--provider", "local", "--local-path", dir, "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada", strings.TrimSpace(out))

	_, err = run(t, "render", "Missing", "--provider", "local", "--local-path", dir, "--log-level", "error")
	assert.Error(t, err)
}

func TestPullRejectsInvalidReference(t *testing.T) {
	_, err := run(t, "pull", "Not A Ref", "--dir", t.TempDir())
	assert.Error(t, err)
}

func TestConfigShowReflectsFlags(t *testing.T) {
	out, err := run(t, "config", "show", "--log-level", "debug", "--insecure")
	require.NoError(t, err)
	assert.Contains(t, out, "log_level: debug")
	assert.Contains(t, out, "insecure: true")
}

func TestErrorMessage(t *testing.T) {
	err := fmt.Errorf("fetch: %w", errors.NewImageNotFoundError("r.io/t:v1", nil))
	assert.Equal(t, "image r.io/t:v1 not found\n\nSuggestion: Check the repository name and tag or digest", errorMessage(err))
	assert.Equal(t, "plain", errorMessage(fmt.Errorf("plain")))
}

func newTestRegistry(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(ggcrregistry.New())
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://")
}

func readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	return string(data)
}

func TestPullEditPushCycle(t *testing.T) {
	host := newTestRegistry(t)

	// Publish a tree that was never pulled.
	origin := t.TempDir()
	writeTree(t, origin, map[string]string{
		"Hl7v2/ADT_A01.liquid": "v1",
		"Hl7v2/Header.liquid":  "header",
	})
	out, err := run(t, "push", host+"/templates:v1", "--dir", origin, "--insecure", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "New layer: 2 files")
	out, err = run(t, "diff", "--dir", origin)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))

	work := t.TempDir()
	_, err = run(t, "pull", host+"/templates:v1", "--dir", work, "--insecure", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "v1", readFile(t, filepath.Join(work, "Hl7v2", "ADT_A01.liquid")))

	writeTree(t, work, map[string]string{"Hl7v2/ADT_A01.liquid": "v2"})
	out, err = run(t, "push", host+"/templates:v2", "--dir", work, "--insecure", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "New layer: 1 files")

	// The first push moved the baseline, so a second push adds nothing.
	out, err = run(t, "push", host+"/templates:v2", "--dir", work, "--insecure", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "No changes since last pull")

	overlay := layers.NewOverlayFileSystem(work)
	m, err := overlay.ReadManifest()
	require.NoError(t, err)
	require.Len(t, m.Layers, 2)
	stored, err := overlay.ReadImageLayers(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	check := t.TempDir()
	out, err = run(t, "pull", host+"/templates:v2", "--dir", check, "--insecure", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Layers: 2")
	assert.Equal(t, "v2", readFile(t, filepath.Join(check, "Hl7v2", "ADT_A01.liquid")))
	assert.Equal(t, "header", readFile(t, filepath.Join(check, "Hl7v2", "Header.liquid")))

	pulled, err := layers.NewOverlayFileSystem(check).ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, m.Digests(), pulled.Digests())
}

func TestPushFailureKeepsWorkspace(t *testing.T) {
	server := httptest.NewServer(ggcrregistry.New())
	host := strings.TrimPrefix(server.URL, "http://")
	server.Close()

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.liquid": "a"})

	_, err := run(t, "push", host+"/templates:v1", "--dir", dir, "--insecure", "--log-level", "error")
	require.Error(t, err)

	overlay := layers.NewOverlayFileSystem(dir)
	stored, err := overlay.ReadImageLayers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)
	m, err := overlay.ReadManifest()
	require.NoError(t, err)
	assert.Nil(t, m)

	out, err := run(t, "diff", "--dir", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.liquid"}, strings.Fields(out))
}

func TestPushWithoutManifestRejectsStoredLayers(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"a.liquid":                    "a",
		".image/layers/layer1.tar.gz": "stale",
	})

	_, err := run(t, "push", "r.io/templates:v1", "--dir", dir, "--log-level", "error")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrorCategoryManifest), "got %v", err)
}
