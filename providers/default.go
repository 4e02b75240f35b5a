package providers

import (
	"context"
	"embed"
	"io/fs"

	"github.com/sirupsen/logrus"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/layers"
	"github.com/EugeneOSullivan/FHIR-Converter/templates"
)

const defaultCacheKey = "cached-default-templates"

//go:embed all:defaults
var bundledTemplates embed.FS

// Published image references that stand for a folder of the bundled
// templates. Requests for them are served locally.
var defaultTemplateRoots = map[string]string{
	"microsofthealth/fhirconverter:default":        "Hl7v2",
	"microsofthealth/hl7v2templates:default":       "Hl7v2",
	"microsofthealth/ccdatemplates:default":        "Ccda",
	"microsofthealth/jsontemplates:default":        "Json",
	"microsofthealth/stu3tor4templates:default":    "Stu3ToR4",
	"microsofthealth/fhirtohl7v2templates:default": "FhirToHl7v2",
}

// DefaultTemplateRoot returns the bundled folder for a default image
// reference.
func DefaultTemplateRoot(imageReference string) (string, bool) {
	root, ok := defaultTemplateRoots[imageReference]
	return root, ok
}

// DefaultProvider serves the templates bundled into the binary as a single
// layer.
type DefaultProvider struct {
	fetcher
	root string
}

// NewDefaultProvider serves the bundled folder root, or every folder when
// root is empty. Names are relative to root.
func NewDefaultProvider(root string, options Options) (*DefaultProvider, error) {
	if root != "" {
		if _, err := fs.Stat(bundledTemplates, "defaults/"+root); err != nil {
			return nil, errors.NewConfigurationError("create_provider",
				"no bundled templates named "+root, err)
		}
	}
	return &DefaultProvider{
		fetcher: newFetcher(KindDefault, options),
		root:    root,
	}, nil
}

func (p *DefaultProvider) cacheKey() string {
	if p.root == "" {
		return defaultCacheKey
	}
	return defaultCacheKey + ":" + p.root
}

func (p *DefaultProvider) GetTemplateCollection(ctx context.Context) (templates.Collection, error) {
	return p.getOrLoad(ctx, p.cacheKey(), p.options.ShortExpiration, p.load)
}

func (p *DefaultProvider) load(ctx context.Context, _ logrus.FieldLogger) (templates.Collection, error) {
	dir := "defaults"
	if p.root != "" {
		dir += "/" + p.root
	}
	sub, err := fs.Sub(bundledTemplates, dir)
	if err != nil {
		return nil, errors.NewProviderError(KindDefault, "load_defaults", err)
	}

	layer, err := layers.ReadFSLayer(ctx, sub, nil)
	if err != nil {
		return nil, err
	}
	dict, err := p.options.Parser.FromLayer(layer, "")
	if err != nil {
		return nil, err
	}
	return templates.Collection{dict}, nil
}
