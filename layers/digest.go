package layers

import (
	"github.com/opencontainers/go-digest"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
)

// ParseDigests returns every valid digest in text, in order of appearance.
// Registry tools print the digests of what they pushed or pulled; output
// without any is treated as a failed invocation rather than an empty result.
func ParseDigests(text string) ([]digest.Digest, error) {
	var digests []digest.Digest
	for _, candidate := range digest.DigestRegexp.FindAllString(text, -1) {
		d, err := digest.Parse(candidate)
		if err != nil {
			continue
		}
		digests = append(digests, d)
	}

	if len(digests) == 0 {
		return nil, errors.NewToolFailureError("parse_digest", "no digest found in registry tool output")
	}
	return digests, nil
}
