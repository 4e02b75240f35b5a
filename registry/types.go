package registry

import (
	"strings"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
)

// DefaultTag is assumed when a reference carries neither tag nor digest.
const DefaultTag = "latest"

// ImageReference represents a template image reference
type ImageReference struct {
	Registry   string        `json:"registry"`
	Repository string        `json:"repository"`
	Tag        string        `json:"tag,omitempty"`
	Digest     digest.Digest `json:"digest,omitempty"`
}

// Name returns registry/repository without tag or digest.
func (r ImageReference) Name() string {
	return r.Registry + "/" + r.Repository
}

// String returns the full image reference string. A digest wins over a tag.
func (r ImageReference) String() string {
	var ref strings.Builder
	ref.WriteString(r.Name())

	switch {
	case r.Digest != "":
		ref.WriteString("@")
		ref.WriteString(r.Digest.String())
	case r.Tag != "":
		ref.WriteString(":")
		ref.WriteString(r.Tag)
	default:
		ref.WriteString(":" + DefaultTag)
	}

	return ref.String()
}

// IsDigest reports whether the reference pins content by digest. Digest
// references are immutable and may be cached for longer.
func (r ImageReference) IsDigest() bool {
	return r.Digest != ""
}

// ParseImageReference parses registry/repository[:tag][@digest]. Both the
// registry and the repository segment are required; there is no implicit
// registry.
func ParseImageReference(ref string) (ImageReference, error) {
	if strings.TrimSpace(ref) == "" {
		return ImageReference{}, errors.NewImageReferenceError(ref, "reference cannot be empty", nil)
	}

	parsed, err := reference.Parse(ref)
	if err != nil {
		return ImageReference{}, errors.NewImageReferenceError(ref, "malformed reference", err)
	}

	named, ok := parsed.(reference.Named)
	if !ok {
		return ImageReference{}, errors.NewImageReferenceError(ref, "missing repository name", nil)
	}

	imageRef := ImageReference{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
	}
	if imageRef.Registry == "" || imageRef.Repository == "" {
		return ImageReference{}, errors.NewImageReferenceError(ref,
			"expected registry/repository, registry segment is missing", nil)
	}

	if tagged, ok := named.(reference.Tagged); ok {
		imageRef.Tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		imageRef.Digest = digested.Digest()
	}

	return imageRef, nil
}

// MustParseImageReference is like ParseImageReference but panics on error.
func MustParseImageReference(ref string) ImageReference {
	imageRef, err := ParseImageReference(ref)
	if err != nil {
		panic(err)
	}
	return imageRef
}
