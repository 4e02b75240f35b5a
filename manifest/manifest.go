package manifest

import (
	"encoding/json"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
)

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Wrapper, error) {
	var w Wrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.NewManifestError("parse_manifest", "manifest is not valid JSON", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// FromV1 converts a manifest fetched with go-containerregistry.
func FromV1(m *v1.Manifest) (*Wrapper, error) {
	w := &Wrapper{
		SchemaVersion: int(m.SchemaVersion),
		MediaType:     string(m.MediaType),
		Annotations:   m.Annotations,
		Layers:        make([]Descriptor, 0, len(m.Layers)),
	}
	if m.Config.Digest.Hex != "" {
		w.Config = &Descriptor{
			MediaType: string(m.Config.MediaType),
			Size:      m.Config.Size,
			Digest:    digest.Digest(m.Config.Digest.String()),
		}
	}
	for _, layer := range m.Layers {
		w.Layers = append(w.Layers, Descriptor{
			MediaType:   string(layer.MediaType),
			Size:        layer.Size,
			Digest:      digest.Digest(layer.Digest.String()),
			Annotations: layer.Annotations,
		})
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Serialize encodes the manifest as JSON.
func (w *Wrapper) Serialize() ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, errors.NewManifestError("serialize_manifest", "failed to encode manifest", err)
	}
	return data, nil
}
