package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EugeneOSullivan/FHIR-Converter/layers"
)

func layerOf(files map[string]string) *layers.OciFileLayer {
	layer := layers.NewOciFileLayer()
	for p, content := range files {
		layer.FileContent[p] = []byte(content)
	}
	return layer
}

func TestCollectionLookupTopmostWins(t *testing.T) {
	collection, err := NewParser().FromLayers([]*layers.OciFileLayer{
		layerOf(map[string]string{"Hl7v2/ADT_A01.liquid": "base", "Hl7v2/Header.liquid": "header"}),
		layerOf(map[string]string{"Hl7v2/ADT_A01.liquid": "custom"}),
	})
	require.NoError(t, err)
	require.Len(t, collection, 2)

	tpl, ok := collection.Lookup("Hl7v2/ADT_A01")
	require.True(t, ok)
	assert.Equal(t, "custom", string(tpl.Source))

	tpl, ok = collection.Lookup("Hl7v2/Header")
	require.True(t, ok)
	assert.Equal(t, "header", string(tpl.Source))

	_, ok = collection.Lookup("Hl7v2/Missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"Hl7v2/ADT_A01", "Hl7v2/Header"}, collection.Names())
	assert.Equal(t, 3, collection.Count())
}

func TestCollectionEqual(t *testing.T) {
	parser := NewParser()
	build := func(files ...map[string]string) Collection {
		var fileLayers []*layers.OciFileLayer
		for _, f := range files {
			fileLayers = append(fileLayers, layerOf(f))
		}
		c, err := parser.FromLayers(fileLayers)
		require.NoError(t, err)
		return c
	}

	a := build(map[string]string{"a.liquid": "a"}, map[string]string{"b.liquid": "b"})
	assert.True(t, a.Equal(build(map[string]string{"a.liquid": "a"}, map[string]string{"b.liquid": "b"})))
	assert.False(t, a.Equal(build(map[string]string{"a.liquid": "a"})))
	assert.False(t, a.Equal(build(map[string]string{"a.liquid": "a"}, map[string]string{"b.liquid": "B"})))
	assert.False(t, a.Equal(build(map[string]string{"a.liquid": "a"}, map[string]string{"c.liquid": "b"})))
	assert.True(t, Collection{}.Equal(Collection{}))
}
