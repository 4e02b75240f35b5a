package registry

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	orasauth "oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/layers"
	"github.com/EugeneOSullivan/FHIR-Converter/manifest"
)

// Push implements OciRegistryClient. The archives are packed into an OCI 1.1
// artifact manifest in memory and copied to the registry in one graph copy.
func (c *Client) Push(ctx context.Context, ref ImageReference, auth authn.Authenticator, paths []string) ([]digest.Digest, error) {
	if ref.IsDigest() {
		return nil, errors.NewImageReferenceError(ref.String(), "push needs a tag, not a digest", nil)
	}
	if len(paths) == 0 {
		return nil, errors.NewFilesystemError("push_image", "no layer archives to push", nil)
	}
	if c.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.Timeout)
		defer cancel()
	}

	tag := ref.Tag
	if tag == "" {
		tag = DefaultTag
	}

	// A layer may repeat in the manifest but is staged once.
	store := memory.New()
	staged := make(map[digest.Digest]ocispec.Descriptor, len(paths))
	layerDescs := make([]ocispec.Descriptor, 0, len(paths))
	for _, p := range paths {
		desc, err := stageLayer(ctx, store, staged, p)
		if err != nil {
			return nil, err
		}
		layerDescs = append(layerDescs, desc)
	}

	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, manifest.ArtifactTypeTemplates,
		oras.PackManifestOptions{Layers: layerDescs})
	if err != nil {
		return nil, errors.NewManifestError("push_image", "failed to pack manifest", err)
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, errors.NewManifestError("push_image", "failed to tag manifest", err)
	}

	repo, err := c.repository(ref, auth)
	if err != nil {
		return nil, err
	}

	var (
		mu         sync.Mutex
		transcript strings.Builder
	)
	record := func(verb string) func(context.Context, ocispec.Descriptor) error {
		return func(_ context.Context, desc ocispec.Descriptor) error {
			if desc.Digest == manifestDesc.Digest || desc.MediaType == ocispec.MediaTypeEmptyJSON {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(&transcript, "%s %s %s\n", verb, desc.Digest, desc.Annotations[ocispec.AnnotationTitle])
			return nil
		}
	}

	copyOpts := oras.DefaultCopyOptions
	copyOpts.Concurrency = c.options.MaxParallelism
	copyOpts.PostCopy = record("Uploaded")
	copyOpts.OnCopySkipped = record("Exists")

	err = errors.RetryWithContext(ctx, c.options.Retry, "push_image", func(ctx context.Context) error {
		if _, err := oras.Copy(ctx, store, tag, repo, tag, copyOpts); err != nil {
			return classifyPushError(ref, err)
		}
		return nil
	})
	if err != nil {
		return nil, finishError(ref, "push_image", err)
	}

	fmt.Fprintf(&transcript, "Pushed %s:%s\nDigest: %s\n", ref.Name(), tag, manifestDesc.Digest)
	c.logger.WithField("reference", ref.String()).Debug(strings.TrimSpace(transcript.String()))

	return layers.ParseDigests(transcript.String())
}

func stageLayer(ctx context.Context, store *memory.Store, staged map[digest.Digest]ocispec.Descriptor, path string) (ocispec.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ocispec.Descriptor{}, errors.NewFilesystemError("push_image", fmt.Sprintf("failed to read %s", path), err)
	}
	compression, err := layers.DetectCompression(data)
	if err != nil {
		return ocispec.Descriptor{}, errors.NewArchiveCorruptionError("push_image",
			fmt.Sprintf("%s is not a layer archive", path), err)
	}

	desc := content.NewDescriptorFromBytes(compression.GetMediaType(), data)
	if seen, ok := staged[desc.Digest]; ok {
		return seen, nil
	}
	desc.Annotations = map[string]string{ocispec.AnnotationTitle: filepath.Base(path)}

	if err := store.Push(ctx, desc, bytes.NewReader(data)); err != nil {
		return ocispec.Descriptor{}, errors.NewFilesystemError("push_image", fmt.Sprintf("failed to stage %s", path), err)
	}
	staged[desc.Digest] = desc
	return desc, nil
}

func (c *Client) repository(ref ImageReference, auth authn.Authenticator) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Name())
	if err != nil {
		return nil, errors.NewImageReferenceError(ref.String(), "registry rejected reference", err)
	}
	repo.PlainHTTP = c.options.Insecure

	cred, err := orasCredential(auth)
	if err != nil {
		return nil, err
	}

	repo.Client = &orasauth.Client{
		Client: &http.Client{Transport: c.options.Transport},
		Header: http.Header{"User-Agent": {c.options.UserAgent}},
		Cache:  orasauth.NewCache(),
		Credential: func(_ context.Context, _ string) (orasauth.Credential, error) {
			return cred, nil
		},
	}
	return repo, nil
}

func classifyPushError(ref ImageReference, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var resp *errcode.ErrorResponse
	if stderrors.As(err, &resp) {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.NewAuthError("push_image", fmt.Sprintf("registry rejected credentials for %s", ref), err)
		case http.StatusNotFound:
			return errors.NewImageNotFoundError(ref.String(), err)
		}
	}
	return errors.NewNetworkError("push_image", fmt.Sprintf("registry push to %s failed", ref), err)
}
