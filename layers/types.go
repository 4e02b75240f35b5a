package layers

import (
	"bytes"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ArtifactBlob is a compressed layer payload together with the name it was
// stored under. Treat it as immutable once constructed.
type ArtifactBlob struct {
	Content  []byte        `json:"-"`
	FileName string        `json:"fileName"`
	Size     int64         `json:"size"`
	Digest   digest.Digest `json:"digest"`
}

// NewArtifactBlob wraps content and computes its size and sha256 digest.
func NewArtifactBlob(fileName string, content []byte) ArtifactBlob {
	return ArtifactBlob{
		Content:  content,
		FileName: fileName,
		Size:     int64(len(content)),
		Digest:   digest.FromBytes(content),
	}
}

// OciFileLayer is a decompressed layer: relative path to file content, plus
// the blob it was extracted from. Layers derived by Merge or
// GenerateDiffLayer carry a zero ArtifactBlob.
type OciFileLayer struct {
	ArtifactBlob
	FileContent map[string][]byte `json:"-"`
}

// NewOciFileLayer returns an empty derived layer.
func NewOciFileLayer() *OciFileLayer {
	return &OciFileLayer{FileContent: make(map[string][]byte)}
}

// ContentSize returns the total decompressed size of the layer's files.
func (l *OciFileLayer) ContentSize() int64 {
	var total int64
	for _, content := range l.FileContent {
		total += int64(len(content))
	}
	return total
}

// Equal reports whether both layers hold the same paths with identical content.
func (l *OciFileLayer) Equal(other *OciFileLayer) bool {
	if len(l.FileContent) != len(other.FileContent) {
		return false
	}
	for path, content := range l.FileContent {
		otherContent, ok := other.FileContent[path]
		if !ok || !bytes.Equal(content, otherContent) {
			return false
		}
	}
	return true
}

// CompressionType represents the compression algorithm used for layers
type CompressionType string

const (
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

// OCI media types for layers
const (
	MediaTypeImageLayerGzip = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeImageLayerZstd = "application/vnd.oci.image.layer.v1.tar+zstd"
)

// GetMediaType returns the appropriate OCI media type for the compression
func (c CompressionType) GetMediaType() string {
	switch c {
	case CompressionZstd:
		return MediaTypeImageLayerZstd
	default:
		return MediaTypeImageLayerGzip
	}
}

// Extension returns the file suffix archives of this compression are written with.
func (c CompressionType) Extension() string {
	switch c {
	case CompressionZstd:
		return ".tar.zst"
	default:
		return ".tar.gz"
	}
}

// LayerError represents errors that occur during layer operations
type LayerError struct {
	Operation string
	Layer     string
	Cause     error
}

func (e *LayerError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("layer %s operation %s failed: %v", e.Layer, e.Operation, e.Cause)
	}
	return fmt.Sprintf("layer operation %s failed: %v", e.Operation, e.Cause)
}

func (e *LayerError) Unwrap() error {
	return e.Cause
}

// NewLayerError creates a new LayerError
func NewLayerError(operation, layer string, cause error) *LayerError {
	return &LayerError{
		Operation: operation,
		Layer:     layer,
		Cause:     cause,
	}
}
