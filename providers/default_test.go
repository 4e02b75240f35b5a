package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
)

func TestDefaultProviderServesBundledFolder(t *testing.T) {
	tests := []struct {
		reference string
		expected  string
	}{
		{"microsofthealth/fhirconverter:default", "ADT_A01"},
		{"microsofthealth/hl7v2templates:default", "Resource/_Patient"},
		{"microsofthealth/ccdatemplates:default", "CCD"},
		{"microsofthealth/jsontemplates:default", "ExamplePatient"},
		{"microsofthealth/stu3tor4templates:default", "Patient"},
		{"microsofthealth/fhirtohl7v2templates:default", "BundleToHL7v2"},
	}

	for _, tt := range tests {
		t.Run(tt.reference, func(t *testing.T) {
			root, ok := DefaultTemplateRoot(tt.reference)
			require.True(t, ok)
			provider, err := NewDefaultProvider(root, testOptions())
			require.NoError(t, err)

			collection, err := provider.GetTemplateCollection(context.Background())
			require.NoError(t, err)
			require.Len(t, collection, 1)
			_, found := collection.Lookup(tt.expected)
			assert.True(t, found, "names: %v", collection.Names())
		})
	}
}

func TestDefaultProviderWholeTree(t *testing.T) {
	options := testOptions()
	provider, err := NewDefaultProvider("", options)
	require.NoError(t, err)

	collection, err := provider.GetTemplateCollection(context.Background())
	require.NoError(t, err)
	assert.Contains(t, collection.Names(), "Hl7v2/ADT_A01")
	assert.Contains(t, collection.Names(), "Ccda/CCD")

	cached, ok := options.Cache.Get(context.Background(), "cached-default-templates")
	require.True(t, ok)
	assert.True(t, cached.Equal(collection))
}

func TestDefaultProviderRendersBundledTemplate(t *testing.T) {
	provider, err := NewDefaultProvider("Stu3ToR4", testOptions())
	require.NoError(t, err)
	collection, err := provider.GetTemplateCollection(context.Background())
	require.NoError(t, err)

	tpl, ok := collection.Lookup("Patient")
	require.True(t, ok)
	out, err := tpl.Render(map[string]interface{}{
		"msg": map[string]interface{}{"id": "p1", "gender": "female"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "p1"`)
	assert.Contains(t, out, `"gender": "female"`)
}

func TestDefaultProviderUnknownRoot(t *testing.T) {
	_, err := NewDefaultProvider("Cda", testOptions())
	assert.True(t, errors.Is(err, errors.ErrorCategoryConfiguration), "got %v", err)

	_, ok := DefaultTemplateRoot("microsofthealth/hl7v2templates:v1")
	assert.False(t, ok)
}
