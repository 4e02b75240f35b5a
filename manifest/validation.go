package manifest

import (
	"fmt"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
)

// Validate checks that every layer is addressable.
func (w *Wrapper) Validate() error {
	collector := errors.NewErrorCollector()

	for i, layer := range w.Layers {
		if layer.Digest == "" {
			collector.AddError(errors.NewManifestError("validate_manifest",
				fmt.Sprintf("layer %d has no digest", i), nil))
			continue
		}
		if err := layer.Digest.Validate(); err != nil {
			collector.AddError(errors.NewManifestError("validate_manifest",
				fmt.Sprintf("layer %d has invalid digest %q", i, layer.Digest), err))
			continue
		}
		if layer.MediaType == "" {
			collector.AddWarning(fmt.Sprintf("layer %d has no media type", i))
		}
	}

	return collector.ToError()
}
