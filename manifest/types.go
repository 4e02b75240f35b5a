package manifest

import (
	"github.com/opencontainers/go-digest"
)

// OCI media types for template collection manifests
const (
	MediaTypeOCIManifest  = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIEmpty     = "application/vnd.oci.empty.v1+json"
	MediaTypeOCILayerGzip = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeOCILayerZstd = "application/vnd.oci.image.layer.v1.tar+zstd"

	// Docker media types for compatibility
	MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerLayer    = "application/vnd.docker.image.rootfs.diff.tar.gzip"

	// ArtifactTypeTemplates marks manifests pushed by this module.
	ArtifactTypeTemplates = "application/vnd.fhir-converter.templates.v1"
)

// AnnotationTitle carries the archive file name of a layer.
const AnnotationTitle = "org.opencontainers.image.title"

// Descriptor represents an OCI descriptor
type Descriptor struct {
	MediaType   string            `json:"mediaType"`
	Size        int64             `json:"size"`
	Digest      digest.Digest     `json:"digest"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Wrapper is the manifest of a template image. Only the layer order matters
// to consumers: Layers[0] is the base layer and later layers override it.
type Wrapper struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType,omitempty"`
	ArtifactType  string            `json:"artifactType,omitempty"`
	Config        *Descriptor       `json:"config,omitempty"`
	Layers        []Descriptor      `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// Digests returns the layer digests in declared order.
func (w *Wrapper) Digests() []digest.Digest {
	digests := make([]digest.Digest, len(w.Layers))
	for i, layer := range w.Layers {
		digests[i] = layer.Digest
	}
	return digests
}

// LayerSize returns the sum of declared compressed layer sizes.
func (w *Wrapper) LayerSize() int64 {
	var total int64
	for _, layer := range w.Layers {
		total += layer.Size
	}
	return total
}
