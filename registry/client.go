package registry

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/parallel"
	"github.com/EugeneOSullivan/FHIR-Converter/layers"
	"github.com/EugeneOSullivan/FHIR-Converter/manifest"
)

// NoSizeLimit disables the pull quota.
const NoSizeLimit int64 = -1

// OciRegistryClient pulls and pushes template images.
type OciRegistryClient interface {
	// Pull resolves ref and downloads every layer it declares. Blobs are
	// returned in completion order; sort them against the manifest.
	Pull(ctx context.Context, ref ImageReference, auth authn.Authenticator, sizeLimit int64) (*manifest.Wrapper, []layers.ArtifactBlob, error)
	// Push uploads the archives at paths as one image tagged ref and returns
	// the uploaded digests. The manifest digest is last.
	Push(ctx context.Context, ref ImageReference, auth authn.Authenticator, paths []string) ([]digest.Digest, error)
}

// Client provides container registry operations
type Client struct {
	options *ClientOptions
	logger  logrus.FieldLogger
}

var _ OciRegistryClient = (*Client)(nil)

// ClientOptions configures the registry client
type ClientOptions struct {
	// Transport for HTTP requests
	Transport http.RoundTripper
	// UserAgent for requests
	UserAgent string
	// Timeout bounds a whole pull or push
	Timeout time.Duration
	// Retry applies to the manifest request and to every layer download
	Retry *errors.RetryConfig
	// MaxParallelism bounds concurrent layer transfers
	MaxParallelism int
	// Insecure allows plain HTTP registries
	Insecure bool
}

// DefaultClientOptions returns sensible defaults for the registry client
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		Transport:      remote.DefaultTransport,
		UserAgent:      "fhir-converter-templates/1.0",
		Timeout:        5 * time.Minute,
		Retry:          errors.FixedRetryConfig(),
		MaxParallelism: parallel.DefaultLimit,
	}
}

// NewClient creates a new registry client with the given options
func NewClient(options *ClientOptions, logger logrus.FieldLogger) *Client {
	if options == nil {
		options = DefaultClientOptions()
	}
	if options.Transport == nil {
		options.Transport = remote.DefaultTransport
	}
	if options.Retry == nil {
		options.Retry = errors.FixedRetryConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		options: options,
		logger:  logger,
	}
}

// Pull implements OciRegistryClient. sizeLimit counts compressed bytes as
// they arrive; NoSizeLimit disables it.
func (c *Client) Pull(ctx context.Context, ref ImageReference, auth authn.Authenticator, sizeLimit int64) (*manifest.Wrapper, []layers.ArtifactBlob, error) {
	if c.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.Timeout)
		defer cancel()
	}

	nameRef, err := name.ParseReference(ref.String(), c.nameOptions()...)
	if err != nil {
		return nil, nil, errors.NewImageReferenceError(ref.String(), "registry rejected reference", err)
	}

	logger := c.logger.WithField("reference", ref.String())
	logger.Debug("Resolving template image manifest")

	var desc *remote.Descriptor
	err = errors.RetryWithContext(ctx, c.options.Retry, "get_manifest", func(ctx context.Context) error {
		d, err := remote.Get(nameRef, c.remoteOptions(ctx, auth)...)
		if err != nil {
			return classifyError(ref, "get_manifest", err)
		}
		desc = d
		return nil
	})
	if err != nil {
		return nil, nil, finishError(ref, "get_manifest", err)
	}

	if desc.MediaType.IsIndex() {
		return nil, nil, errors.NewManifestError("get_manifest",
			fmt.Sprintf("%s is an image index; template images must be single manifests", ref), nil)
	}

	v1Manifest, err := v1.ParseManifest(bytes.NewReader(desc.Manifest))
	if err != nil {
		return nil, nil, errors.NewManifestError("get_manifest", "failed to decode manifest", err)
	}
	m, err := manifest.FromV1(v1Manifest)
	if err != nil {
		return nil, nil, err
	}

	quota := newByteQuota(sizeLimit)
	if !quota.fits(m.LayerSize()) {
		return nil, nil, errors.NewImageTooLargeError(ref.String(), sizeLimit)
	}

	var (
		mu    sync.Mutex
		blobs = make([]layers.ArtifactBlob, 0, len(m.Layers))
	)
	err = parallel.ForEach(ctx, len(m.Layers), c.options.MaxParallelism, func(ctx context.Context, i int) error {
		layerDesc := m.Layers[i]
		layerRef := nameRef.Context().Digest(layerDesc.Digest.String())

		var content []byte
		err := errors.RetryWithContext(ctx, c.options.Retry, "pull_layer", func(ctx context.Context) error {
			data, err := c.fetchLayer(ctx, ref, layerRef, auth, quota)
			if err != nil {
				return err
			}
			content = data
			return nil
		})
		if err != nil {
			return finishError(ref, "pull_layer", err)
		}

		mu.Lock()
		blobs = append(blobs, layers.NewArtifactBlob(layerFileName(layerDesc), content))
		mu.Unlock()
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, err
	}

	logger.WithFields(logrus.Fields{
		"layers": len(blobs),
		"bytes":  quota.used.Load(),
	}).Debug("Pulled template image")

	return m, blobs, nil
}

func (c *Client) fetchLayer(ctx context.Context, ref ImageReference, layerRef name.Digest, auth authn.Authenticator, quota *byteQuota) ([]byte, error) {
	layer, err := remote.Layer(layerRef, c.remoteOptions(ctx, auth)...)
	if err != nil {
		return nil, classifyError(ref, "pull_layer", err)
	}

	rc, err := layer.Compressed()
	if err != nil {
		return nil, classifyError(ref, "pull_layer", err)
	}
	defer rc.Close()

	reader := &quotaReader{r: rc, quota: quota}
	content, err := io.ReadAll(reader)
	if err != nil {
		quota.release(reader.n)
		if stderrors.Is(err, errQuotaExceeded) {
			return nil, errors.NewImageTooLargeError(ref.String(), quota.limit)
		}
		return nil, classifyError(ref, "pull_layer", err)
	}
	return content, nil
}

func (c *Client) nameOptions() []name.Option {
	var opts []name.Option
	if c.options.Insecure {
		opts = append(opts, name.Insecure)
	}
	return opts
}

func (c *Client) remoteOptions(ctx context.Context, auth authn.Authenticator) []remote.Option {
	if auth == nil {
		auth = authn.Anonymous
	}
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(auth),
		remote.WithTransport(c.options.Transport),
		remote.WithUserAgent(c.options.UserAgent),
		// Retries are ours; one transport attempt per call.
		remote.WithRetryBackoff(remote.Backoff{Steps: 1}),
	}
}

func layerFileName(desc manifest.Descriptor) string {
	if title := desc.Annotations[manifest.AnnotationTitle]; title != "" {
		return title
	}
	if desc.MediaType == layers.MediaTypeImageLayerZstd {
		return desc.Digest.Encoded() + layers.CompressionZstd.Extension()
	}
	return desc.Digest.Encoded() + layers.CompressionGzip.Extension()
}

// classifyError maps registry responses onto the error taxonomy. Anything it
// does not recognize is a retryable network error.
func classifyError(ref ImageReference, operation string, err error) error {
	var te *errors.TemplateError
	if stderrors.As(err, &te) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var terr *transport.Error
	if stderrors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.NewAuthError(operation, fmt.Sprintf("registry rejected credentials for %s", ref), err)
		case http.StatusNotFound:
			return errors.NewImageNotFoundError(ref.String(), err)
		}
		for _, diag := range terr.Errors {
			switch diag.Code {
			case transport.UnauthorizedErrorCode, transport.DeniedErrorCode:
				return errors.NewAuthError(operation, fmt.Sprintf("registry rejected credentials for %s", ref), err)
			case transport.ManifestUnknownErrorCode, transport.NameUnknownErrorCode, transport.BlobUnknownErrorCode:
				return errors.NewImageNotFoundError(ref.String(), err)
			}
		}
	}

	return errors.NewNetworkError(operation, fmt.Sprintf("registry request for %s failed", ref), err)
}

// finishError turns an exhausted retry into a provider failure.
func finishError(ref ImageReference, operation string, err error) error {
	var retryErr *errors.RetryError
	if stderrors.As(err, &retryErr) {
		return errors.NewProviderError("registry", operation, err)
	}
	return err
}

var errQuotaExceeded = stderrors.New("size quota exceeded")

// byteQuota is shared by all layer downloads of one pull.
type byteQuota struct {
	limit int64
	used  atomic.Int64
}

func newByteQuota(limit int64) *byteQuota {
	return &byteQuota{limit: limit}
}

func (q *byteQuota) fits(n int64) bool {
	return q.limit < 0 || n <= q.limit
}

func (q *byteQuota) reserve(n int64) bool {
	used := q.used.Add(n)
	return q.limit < 0 || used <= q.limit
}

func (q *byteQuota) release(n int64) {
	q.used.Add(-n)
}

type quotaReader struct {
	r     io.Reader
	quota *byteQuota
	n     int64
}

func (r *quotaReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.n += int64(n)
		if !r.quota.reserve(int64(n)) {
			return n, errQuotaExceeded
		}
	}
	return n, err
}
