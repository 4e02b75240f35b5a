package providers

import (
	"context"
	stderrors "errors"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/sirupsen/logrus"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/layers"
	"github.com/EugeneOSullivan/FHIR-Converter/registry"
	"github.com/EugeneOSullivan/FHIR-Converter/templates"
)

const registryCacheKeyPrefix = "cached-registry-templates:"

// RegistryProvider serves a template image, one collection layer per image
// layer in manifest order. Overrides are resolved by the consumer.
type RegistryProvider struct {
	fetcher
	ref      registry.ImageReference
	auth     authn.Authenticator
	client   registry.OciRegistryClient
	operator *layers.OverlayOperator
}

// NewRegistryProvider validates reference and token without touching the
// network.
func NewRegistryProvider(reference, token string, client registry.OciRegistryClient, options Options) (*RegistryProvider, error) {
	ref, err := registry.ParseImageReference(reference)
	if err != nil {
		return nil, err
	}
	auth, err := registry.ParseToken(token)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.NewConfigurationError("create_provider", "registry provider needs a registry client", nil)
	}

	return &RegistryProvider{
		fetcher:  newFetcher(KindRegistry, options),
		ref:      ref,
		auth:     auth,
		client:   client,
		operator: layers.NewOverlayOperator(layers.OverlayConfig{}),
	}, nil
}

// Reference returns the normalized image reference.
func (p *RegistryProvider) Reference() registry.ImageReference {
	return p.ref
}

func (p *RegistryProvider) GetTemplateCollection(ctx context.Context) (templates.Collection, error) {
	ttl := p.options.ShortExpiration
	if p.ref.IsDigest() {
		ttl = p.options.LongExpiration
	}
	return p.getOrLoad(ctx, registryCacheKeyPrefix+p.ref.String(), ttl, p.load)
}

func (p *RegistryProvider) load(ctx context.Context, logger logrus.FieldLogger) (templates.Collection, error) {
	m, blobs, err := p.client.Pull(ctx, p.ref, p.auth, p.options.SizeLimit)
	if err != nil {
		return nil, p.wrap("pull_image", err)
	}
	logger.WithField("layers", len(blobs)).Debug("Pulled template image")

	extracted, err := p.operator.ExtractAllWithin(blobs, p.options.SizeLimit)
	if stderrors.Is(err, layers.ErrContentTooLarge) {
		return nil, errors.NewImageTooLargeError(p.ref.String(), p.options.SizeLimit)
	}
	if err != nil {
		return nil, err
	}
	sorted, err := p.operator.Sort(extracted, m)
	if err != nil {
		return nil, err
	}

	return p.options.Parser.FromLayers(sorted)
}

func (p *RegistryProvider) wrap(operation string, err error) error {
	var te *errors.TemplateError
	if stderrors.As(err, &te) || isContextError(err) {
		return err
	}
	return errors.NewProviderError(KindRegistry, operation, err)
}
