package layers

import (
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
)

func TestParseDigests(t *testing.T) {
	d1 := digest.FromString("one")
	d2 := digest.FromString("two")
	d3 := digest.SHA512.FromString("three")

	tests := []struct {
		name     string
		text     string
		expected []digest.Digest
	}{
		{
			name:     "single digest",
			text:     "Digest: " + d1.String(),
			expected: []digest.Digest{d1},
		},
		{
			name: "emission order",
			text: "Uploading layer1.tar.gz\nUploaded " + d2.String() + "\nUploaded " + d1.String() +
				"\nPushed localhost:5000/templates:v1\nDigest: " + d3.String() + "\n",
			expected: []digest.Digest{d2, d1, d3},
		},
		{
			name:     "reference with digest",
			text:     "testacr.azurecr.io/templates@" + d1.String(),
			expected: []digest.Digest{d1},
		},
		{
			name:     "short hex is skipped",
			text:     "sha256:abc123 then " + d2.String(),
			expected: []digest.Digest{d2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDigests(tt.text)
			if err != nil {
				t.Fatalf("ParseDigests failed: %v", err)
			}
			if len(got) != len(tt.expected) {
				t.Fatalf("Expected %d digests, got %d (%v)", len(tt.expected), len(got), got)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("digest %d: expected %s, got %s", i, tt.expected[i], got[i])
				}
			}
		})
	}
}

func TestParseDigestsNoMatch(t *testing.T) {
	for _, text := range []string{"", "Error: unauthorized", "sha256:xyz", "md5:" + "0123456789abcdef0123456789abcdef"} {
		_, err := ParseDigests(text)
		if err == nil {
			t.Errorf("Expected tool failure for %q", text)
			continue
		}
		if !errors.Is(err, errors.ErrorCategoryToolFailure) {
			t.Errorf("Expected tool failure category, got %v", err)
		}
	}
}
