package layers

import (
	"archive/tar"
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/manifest"
)

const whiteoutPrefix = ".wh."

// NoBudget disables the byte budget of ExtractAllWithin.
const NoBudget int64 = -1

// ErrContentTooLarge is returned when extraction runs past its byte budget.
var ErrContentTooLarge = stderrors.New("decompressed layer content exceeds the size limit")

// OverlayConfig holds configuration for archiving layers
type OverlayConfig struct {
	Compression CompressionType `json:"compression"`
}

// OverlayOperator implements the in-memory layer algebra. It performs no I/O
// and is safe for concurrent use.
type OverlayOperator struct {
	config OverlayConfig
}

// NewOverlayOperator creates an operator; archives default to gzip.
func NewOverlayOperator(config OverlayConfig) *OverlayOperator {
	if config.Compression == "" {
		config.Compression = CompressionGzip
	}
	return &OverlayOperator{config: config}
}

// Extract decompresses and unpacks a layer blob. Only regular files become
// entries; directories are implied by paths and whiteouts are dropped.
func (o *OverlayOperator) Extract(blob ArtifactBlob) (*OciFileLayer, error) {
	return o.extract(blob, nil)
}

// ExtractAll extracts every blob, preserving order.
func (o *OverlayOperator) ExtractAll(blobs []ArtifactBlob) ([]*OciFileLayer, error) {
	return o.ExtractAllWithin(blobs, NoBudget)
}

// ExtractAllWithin is ExtractAll with a limit on the decompressed bytes of
// all blobs together. Extraction stops at the first entry that would pass
// the limit and the error wraps ErrContentTooLarge. A negative budget means
// no limit.
func (o *OverlayOperator) ExtractAllWithin(blobs []ArtifactBlob, budget int64) ([]*OciFileLayer, error) {
	var remaining *int64
	if budget >= 0 {
		remaining = &budget
	}

	result := make([]*OciFileLayer, 0, len(blobs))
	for _, blob := range blobs {
		layer, err := o.extract(blob, remaining)
		if err != nil {
			return nil, err
		}
		result = append(result, layer)
	}
	return result, nil
}

func (o *OverlayOperator) extract(blob ArtifactBlob, remaining *int64) (*OciFileLayer, error) {
	fileContent, err := unpack(blob.Content, remaining)
	if stderrors.Is(err, ErrContentTooLarge) {
		return nil, NewLayerError("extract", string(blob.Digest), err)
	}
	if err != nil {
		return nil, errors.NewArchiveCorruptionError("extract",
			fmt.Sprintf("failed to extract layer %s", blob.FileName),
			NewLayerError("extract", string(blob.Digest), err))
	}

	return &OciFileLayer{
		ArtifactBlob: blob,
		FileContent:  fileContent,
	}, nil
}

// unpack reads the regular files of a compressed tar. A non-nil remaining is
// the byte budget left and is decremented as files are read.
func unpack(content []byte, remaining *int64) (map[string][]byte, error) {
	decompressed, err := decompress(content)
	if err != nil {
		return nil, err
	}
	defer decompressed.Close()

	fileContent := make(map[string][]byte)
	tarReader := tar.NewReader(decompressed)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar header: %w", err)
		}

		if header.Typeflag != tar.TypeReg {
			continue
		}

		name, err := normalizeEntryName(header.Name)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(path.Base(name), whiteoutPrefix) {
			continue
		}

		var entry io.Reader = tarReader
		if remaining != nil {
			if header.Size > *remaining {
				return nil, fmt.Errorf("%s: %w", name, ErrContentTooLarge)
			}
			entry = io.LimitReader(tarReader, *remaining+1)
		}
		data, err := io.ReadAll(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", header.Name, err)
		}
		if remaining != nil {
			if int64(len(data)) > *remaining {
				return nil, fmt.Errorf("%s: %w", name, ErrContentTooLarge)
			}
			*remaining -= int64(len(data))
		}
		fileContent[name] = data
	}

	// Drain the compressed stream so trailing corruption is reported.
	if _, err := io.Copy(io.Discard, decompressed); err != nil {
		return nil, fmt.Errorf("failed to read compressed stream: %w", err)
	}

	return fileContent, nil
}

// normalizeEntryName turns a tar entry name into a clean relative path.
func normalizeEntryName(name string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("tar entry %q has no file name", name)
	}
	for _, segment := range strings.Split(strings.ReplaceAll(name, "\\", "/"), "/") {
		if segment == ".." {
			return "", fmt.Errorf("tar entry %q escapes the layer root", name)
		}
	}
	return cleaned, nil
}

// Sort orders layers by the digest order declared in m. Layers the manifest
// does not mention are dropped.
func (o *OverlayOperator) Sort(layers []*OciFileLayer, m *manifest.Wrapper) ([]*OciFileLayer, error) {
	if m == nil {
		return nil, errors.NewManifestError("sort", "no manifest to sort layers by", nil)
	}

	byDigest := make(map[digest.Digest]*OciFileLayer, len(layers))
	for _, layer := range layers {
		byDigest[layer.Digest] = layer
	}

	sorted := make([]*OciFileLayer, 0, len(m.Layers))
	for i, d := range m.Digests() {
		layer, ok := byDigest[d]
		if !ok {
			return nil, errors.NewManifestError("sort",
				fmt.Sprintf("manifest layer %d (%s) is missing from the pulled layers", i, d), nil)
		}
		sorted = append(sorted, layer)
	}
	return sorted, nil
}

// Merge overlays layers from base (index 0) to top; the topmost layer that
// defines a path wins.
func (o *OverlayOperator) Merge(layers []*OciFileLayer) *OciFileLayer {
	merged := NewOciFileLayer()
	for _, layer := range layers {
		for p, content := range layer.FileContent {
			merged.FileContent[p] = content
		}
	}
	return merged
}

// GenerateDiffLayer returns the files of layer that are absent from base or
// differ from it byte for byte. A nil base yields the whole layer.
func (o *OverlayOperator) GenerateDiffLayer(layer, base *OciFileLayer) *OciFileLayer {
	if base == nil {
		return layer
	}

	diff := NewOciFileLayer()
	for p, content := range layer.FileContent {
		baseContent, ok := base.FileContent[p]
		if ok && bytes.Equal(content, baseContent) {
			continue
		}
		diff.FileContent[p] = content
	}
	return diff
}

// Archive packs a layer into a compressed tar. Entries are written in path
// order with fixed metadata, so identical content yields identical bytes.
func (o *OverlayOperator) Archive(layer *OciFileLayer) (ArtifactBlob, error) {
	paths := make([]string, 0, len(layer.FileContent))
	for p := range layer.FileContent {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)
	for _, p := range paths {
		name, err := normalizeEntryName(p)
		if err != nil {
			tarWriter.Close()
			return ArtifactBlob{}, NewLayerError("archive", layer.FileName, err)
		}
		content := layer.FileContent[p]
		header := &tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			ModTime:  time.Unix(0, 0).UTC(),
			Typeflag: tar.TypeReg,
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			tarWriter.Close()
			return ArtifactBlob{}, NewLayerError("archive", layer.FileName, fmt.Errorf("failed to add %s: %w", p, err))
		}
		if _, err := tarWriter.Write(content); err != nil {
			tarWriter.Close()
			return ArtifactBlob{}, NewLayerError("archive", layer.FileName, fmt.Errorf("failed to add %s: %w", p, err))
		}
	}

	if err := tarWriter.Close(); err != nil {
		return ArtifactBlob{}, NewLayerError("archive", layer.FileName, fmt.Errorf("failed to close tar writer: %w", err))
	}

	compressed, err := compress(buf.Bytes(), o.config.Compression)
	if err != nil {
		return ArtifactBlob{}, NewLayerError("archive", layer.FileName, fmt.Errorf("failed to compress layer: %w", err))
	}

	fileName := layer.FileName
	if fileName == "" {
		fileName = "layer" + o.config.Compression.Extension()
	}
	return NewArtifactBlob(fileName, compressed), nil
}

// MediaType returns the media type of archives produced by o.
func (o *OverlayOperator) MediaType() string {
	return o.config.Compression.GetMediaType()
}
