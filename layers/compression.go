package layers

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectCompression sniffs the compression of a layer payload from its
// magic bytes.
func DetectCompression(content []byte) (CompressionType, error) {
	switch {
	case len(content) == 0:
		return "", fmt.Errorf("empty layer payload")
	case bytes.HasPrefix(content, gzipMagic):
		return CompressionGzip, nil
	case bytes.HasPrefix(content, zstdMagic):
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("layer payload is neither gzip nor zstd compressed")
	}
}

// decompress returns a reader over the decompressed payload.
func decompress(content []byte) (io.ReadCloser, error) {
	compression, err := DetectCompression(content)
	if err != nil {
		return nil, err
	}

	switch compression {
	case CompressionZstd:
		decoder, err := zstd.NewReader(bytes.NewReader(content))
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil

	default:
		return gzip.NewReader(bytes.NewReader(content))
	}
}

// compress compresses data according to the compression type
func compress(data []byte, compression CompressionType) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer encoder.Close()
		return encoder.EncodeAll(data, nil), nil

	case CompressionGzip, "":
		var buf bytes.Buffer
		gzWriter := gzip.NewWriter(&buf)
		if _, err := gzWriter.Write(data); err != nil {
			return nil, err
		}
		if err := gzWriter.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported compression type: %v", compression)
	}
}
