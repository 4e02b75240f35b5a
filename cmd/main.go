package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/EugeneOSullivan/FHIR-Converter/cache"
	"github.com/EugeneOSullivan/FHIR-Converter/config"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/logging"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/metrics"
	"github.com/EugeneOSullivan/FHIR-Converter/layers"
	"github.com/EugeneOSullivan/FHIR-Converter/manifest"
	"github.com/EugeneOSullivan/FHIR-Converter/providers"
	"github.com/EugeneOSullivan/FHIR-Converter/registry"
	"github.com/EugeneOSullivan/FHIR-Converter/templates"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", errorMessage(err))
		os.Exit(1)
	}
}

// errorMessage prints categorized errors with their suggestion.
func errorMessage(err error) string {
	var te *errors.TemplateError
	if stderrors.As(err, &te) {
		return te.GetUserFriendlyMessage()
	}
	return err.Error()
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v           *viper.Viper
	configFile  string
	metricsAddr string
	cfg         *config.Config
	logger      *logrus.Logger
	cache       *cache.InMemory[templates.Collection]
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.New()}

	cmd := &cobra.Command{
		Use:   "fhirtemplates",
		Short: "Fetch, edit and publish FHIR conversion templates",
		Long: `fhirtemplates loads Liquid template collections for FHIR conversion from
the bundled defaults, a local directory, Azure Blob Storage, Google Cloud
Storage or an OCI registry. Layered template images can be pulled into a
working directory, edited, diffed and pushed back as a new layer.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "Path to a YAML configuration file")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("provider", "", "Template provider (default, local, azure, gcp, registry)")
	flags.String("image", "", "Template image reference for the registry provider")
	flags.String("token", "", "Registry token: 'Basic <base64>' or 'Bearer <token>'")
	flags.String("local-path", "", "Template directory for the local provider")
	flags.Bool("insecure", false, "Talk to the registry over plain HTTP")

	bindings := map[string]string{
		"log_level":                        "log-level",
		"template_hosting.provider":        "provider",
		"template_hosting.image_reference": "image",
		"template_hosting.token":           "token",
		"template_hosting.local.path":      "local-path",
		"registry.insecure":                "insecure",
	}
	for key, flag := range bindings {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	cmd.AddCommand(newFetchCommand(a))
	cmd.AddCommand(newRenderCommand(a))
	cmd.AddCommand(newPullCommand(a))
	cmd.AddCommand(newDiffCommand(a))
	cmd.AddCommand(newPushCommand(a))
	cmd.AddCommand(newConfigCommand(a))

	return cmd
}

func (a *app) init(ctx context.Context) error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.NewWithOutput(os.Stderr, cfg.LogLevel)
	a.cache = cache.NewInMemory[templates.Collection]("template-collections",
		cache.DefaultExpiration, cache.DefaultCleanupInterval, a.logger)

	if a.metricsAddr != "" {
		a.serveMetrics(ctx)
	}
	return nil
}

func (a *app) serveMetrics(ctx context.Context) {
	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: a.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.WithError(err).Warn("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	a.logger.WithField("addr", a.metricsAddr).Info("Serving metrics")
}

func (a *app) registryClient() *registry.Client {
	options := registry.DefaultClientOptions()
	options.Insecure = a.cfg.Registry.Insecure
	options.Timeout = a.cfg.Registry.Timeout
	options.MaxParallelism = a.cfg.Fetch.MaxParallelism
	options.Retry = a.cfg.Fetch.RetryConfig()
	options.UserAgent = "fhirtemplates/" + Version
	return registry.NewClient(options, a.logger)
}

func (a *app) collection(ctx context.Context) (templates.Collection, error) {
	options := providers.OptionsFromConfig(a.cfg, a.logger)
	options.Cache = a.cache
	factory := providers.NewFactory(options, a.registryClient(), providers.StoreOpeners{})
	defer func() {
		if err := factory.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to release template stores")
		}
	}()

	provider, err := factory.Create(ctx, a.cfg.TemplateHosting)
	if err != nil {
		return nil, err
	}
	return provider.GetTemplateCollection(ctx)
}

func newFetchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Load the configured template collection and list it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			collection, err := a.collection(cmd.Context())
			if err != nil {
				return err
			}

			var size int64
			for _, layer := range collection {
				for _, tpl := range layer {
					size += int64(len(tpl.Source))
				}
			}

			out := cmd.OutOrStdout()
			for _, name := range collection.Names() {
				fmt.Fprintln(out, name)
			}
			fmt.Fprintf(out, "\nLayers: %d\n", len(collection))
			fmt.Fprintf(out, "Templates: %d\n", collection.Count())
			fmt.Fprintf(out, "Total Size: %s\n", formatBytes(size))
			stats := a.cache.Stats()
			fmt.Fprintf(out, "Cache: %d hits, %d misses (%.0f%% hit rate)\n", stats.Hits, stats.Misses, stats.HitRate()*100)
			fmt.Fprintf(out, "Duration: %v\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func newRenderCommand(a *app) *cobra.Command {
	var dataFile string

	cmd := &cobra.Command{
		Use:   "render NAME",
		Short: "Render one template against JSON data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindings := map[string]interface{}{}
			if dataFile != "" {
				raw, err := os.ReadFile(dataFile)
				if err != nil {
					return fmt.Errorf("failed to read data file: %w", err)
				}
				var data map[string]interface{}
				if err := json.Unmarshal(raw, &data); err != nil {
					return fmt.Errorf("failed to parse data file: %w", err)
				}
				bindings["msg"] = data
			}

			collection, err := a.collection(cmd.Context())
			if err != nil {
				return err
			}
			tpl, ok := collection.Lookup(args[0])
			if !ok {
				return fmt.Errorf("template %q not found", args[0])
			}

			out, err := tpl.Render(bindings)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataFile, "data", "", "JSON file bound to the template as msg")

	return cmd
}

func newPullCommand(a *app) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "pull REF",
		Short: "Pull a template image into a working directory",
		Long: `Pull downloads the layers of REF into DIR/.image/layers and its manifest
into DIR/.image/manifest.json, records the merged tree as the diff baseline
in DIR/.image/base and writes the merged templates into DIR, replacing what
was there.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref, err := registry.ParseImageReference(args[0])
			if err != nil {
				return err
			}
			auth, err := a.authenticator()
			if err != nil {
				return err
			}

			m, blobs, err := a.registryClient().Pull(ctx, ref, auth, a.cfg.TemplateCollection.SizeLimitBytes())
			if err != nil {
				return err
			}

			operator := layers.NewOverlayOperator(layers.OverlayConfig{})
			extracted, err := operator.ExtractAll(blobs)
			if err != nil {
				return err
			}
			sorted, err := operator.Sort(extracted, m)
			if err != nil {
				return err
			}
			merged := operator.Merge(sorted)
			base, err := operator.Archive(merged)
			if err != nil {
				return err
			}

			ordered := make([]layers.ArtifactBlob, 0, len(sorted))
			for _, layer := range sorted {
				ordered = append(ordered, layer.ArtifactBlob)
			}

			overlay := layers.NewOverlayFileSystem(dir)
			if err := overlay.WriteImageLayers(ctx, ordered); err != nil {
				return err
			}
			if err := overlay.WriteManifest(m); err != nil {
				return err
			}
			if err := overlay.WriteBaseLayers(ctx, []layers.ArtifactBlob{base}); err != nil {
				return err
			}
			if err := overlay.ClearWorkingFolder(); err != nil {
				return err
			}
			if err := overlay.WriteOciFileLayer(ctx, merged); err != nil {
				return err
			}

			var size int64
			for _, blob := range ordered {
				size += blob.Size
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pulled %s\n", ref)
			fmt.Fprintf(out, "Layers: %d (%s)\n", len(ordered), formatBytes(size))
			fmt.Fprintf(out, "Files: %d\n", len(merged.FileContent))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Working directory")

	return cmd
}

func newDiffCommand(a *app) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "List files changed since the last pull",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, diff, err := snapshot(cmd.Context(), layers.NewOverlayFileSystem(dir))
			if err != nil {
				return err
			}
			for _, p := range sortedPaths(diff) {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Working directory")

	return cmd
}

func newPushCommand(a *app) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "push REF",
		Short: "Push the working directory as a new top layer",
		Long: `Push archives the files changed since the last pull or push as a new layer
and pushes it to REF on top of the layers listed in DIR/.image/manifest.json.
Once the registry accepts the image the new layer is kept in
DIR/.image/layers and the working tree becomes the diff baseline.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref, err := registry.ParseImageReference(args[0])
			if err != nil {
				return err
			}
			auth, err := a.authenticator()
			if err != nil {
				return err
			}

			overlay := layers.NewOverlayFileSystem(dir)
			operator := layers.NewOverlayOperator(layers.OverlayConfig{})

			m, stored, err := imageLayers(ctx, overlay, operator)
			if err != nil {
				return err
			}
			paths := make([]string, 0, len(stored)+1)
			for _, blob := range stored {
				paths = append(paths, overlay.ImageLayerPath(blob))
			}

			working, diff, err := snapshot(ctx, overlay)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var added *layers.ArtifactBlob
			if len(diff.FileContent) > 0 {
				blob, err := operator.Archive(diff)
				if err != nil {
					return err
				}
				blob, err = overlay.AddImageLayer(ctx, blob)
				if err != nil {
					return err
				}
				added = &blob
				paths = append(paths, overlay.ImageLayerPath(blob))
				fmt.Fprintf(out, "New layer: %d files (%s)\n", len(diff.FileContent), formatBytes(blob.Size))
			} else {
				fmt.Fprintln(out, "No changes since last pull")
			}
			if len(paths) == 0 {
				return errors.NewFilesystemError("push_image", fmt.Sprintf("nothing to push from %s", dir), nil)
			}

			digests, err := a.registryClient().Push(ctx, ref, auth, paths)
			if err != nil {
				if added != nil {
					if rmErr := overlay.RemoveImageLayer(*added); rmErr != nil {
						a.logger.WithError(rmErr).Warn("Failed to remove unpushed layer")
					}
				}
				return err
			}

			if added != nil {
				m.Layers = append(m.Layers, manifest.Descriptor{
					MediaType:   operator.MediaType(),
					Size:        added.Size,
					Digest:      added.Digest,
					Annotations: map[string]string{manifest.AnnotationTitle: added.FileName},
				})
				if err := overlay.WriteManifest(m); err != nil {
					return err
				}
			}
			base, err := operator.Archive(working)
			if err != nil {
				return err
			}
			if err := overlay.WriteBaseLayers(ctx, []layers.ArtifactBlob{base}); err != nil {
				return err
			}

			printDigests(out, digests)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Working directory")

	return cmd
}

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := config.Marshal(a.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	return cmd
}

func (a *app) authenticator() (authn.Authenticator, error) {
	token := a.cfg.TemplateHosting.Token
	if token == "" {
		return authn.Anonymous, nil
	}
	return registry.ParseToken(token)
}

// snapshot reads the working tree and the files changed since the base
// snapshot taken at the last pull or push.
func snapshot(ctx context.Context, overlay *layers.OverlayFileSystem) (working, diff *layers.OciFileLayer, err error) {
	operator := layers.NewOverlayOperator(layers.OverlayConfig{})

	working, err = overlay.ReadOciFileLayer(ctx)
	if err != nil {
		return nil, nil, err
	}
	baseBlobs, err := overlay.ReadBaseLayer(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(baseBlobs) == 0 {
		return working, operator.GenerateDiffLayer(working, nil), nil
	}
	baseLayers, err := operator.ExtractAll(baseBlobs)
	if err != nil {
		return nil, nil, err
	}
	return working, operator.GenerateDiffLayer(working, operator.Merge(baseLayers)), nil
}

// imageLayers returns the recorded manifest and the stored layer archives in
// manifest order. Archives the manifest does not list are left out. Without
// stored layers a fresh manifest is returned.
func imageLayers(ctx context.Context, overlay *layers.OverlayFileSystem, operator *layers.OverlayOperator) (*manifest.Wrapper, []layers.ArtifactBlob, error) {
	m, err := overlay.ReadManifest()
	if err != nil {
		return nil, nil, err
	}
	blobs, err := overlay.ReadImageLayers(ctx)
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		if len(blobs) > 0 {
			return nil, nil, errors.NewManifestError("push_image",
				fmt.Sprintf("%s has image layers but no %s; pull the image again", overlay.WorkingDir(), layers.ManifestFile), nil)
		}
		return &manifest.Wrapper{SchemaVersion: 2, MediaType: manifest.MediaTypeOCIManifest}, nil, nil
	}

	extracted, err := operator.ExtractAll(blobs)
	if err != nil {
		return nil, nil, err
	}
	sorted, err := operator.Sort(extracted, m)
	if err != nil {
		return nil, nil, err
	}
	ordered := make([]layers.ArtifactBlob, 0, len(sorted))
	for _, layer := range sorted {
		ordered = append(ordered, layer.ArtifactBlob)
	}
	return m, ordered, nil
}

func sortedPaths(layer *layers.OciFileLayer) []string {
	paths := make([]string, 0, len(layer.FileContent))
	for p := range layer.FileContent {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func printDigests(out io.Writer, digests []digest.Digest) {
	for i, d := range digests {
		label := "Layer"
		if i == len(digests)-1 {
			label = "Manifest"
		}
		fmt.Fprintf(out, "%s: %s\n", label, d)
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func init() {
	cobra.OnInitialize(func() {
		if os.Getenv("FHIR_TEMPLATES_DEBUG") != "" {
			fmt.Fprintf(os.Stderr, "fhirtemplates debug mode enabled\n")
		}
	})
}
