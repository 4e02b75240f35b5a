package layers

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/manifest"
)

// Housekeeping directories below the working directory. Nothing under
// ImageDir is part of the template tree.
const (
	ImageDir  = ".image"
	LayersDir = "layers"
	BaseDir   = "base"

	// ManifestFile records the layer order of the pulled image.
	ManifestFile = "manifest.json"
)

// OverlayFileSystem stages layers on disk below a working directory: pulled
// layer archives, a base snapshot used as diff baseline, and the editable
// template tree itself. It is not safe for concurrent writers.
type OverlayFileSystem struct {
	workingDir string
}

// NewOverlayFileSystem roots a staging area at workingDir.
func NewOverlayFileSystem(workingDir string) *OverlayFileSystem {
	return &OverlayFileSystem{workingDir: workingDir}
}

// WorkingDir returns the root directory.
func (o *OverlayFileSystem) WorkingDir() string {
	return o.workingDir
}

func (o *OverlayFileSystem) imageLayersDir() string {
	return filepath.Join(o.workingDir, ImageDir, LayersDir)
}

func (o *OverlayFileSystem) baseLayerDir() string {
	return filepath.Join(o.workingDir, ImageDir, BaseDir)
}

func (o *OverlayFileSystem) manifestPath() string {
	return filepath.Join(o.workingDir, ImageDir, ManifestFile)
}

// ReadManifest loads .image/manifest.json. A missing file yields nil, nil.
func (o *OverlayFileSystem) ReadManifest() (*manifest.Wrapper, error) {
	data, err := os.ReadFile(o.manifestPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewFilesystemError("read_manifest", "failed to read image manifest", err)
	}
	return manifest.Parse(data)
}

// WriteManifest stores m as .image/manifest.json.
func (o *OverlayFileSystem) WriteManifest(m *manifest.Wrapper) error {
	data, err := m.Serialize()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(o.workingDir, ImageDir), 0755); err != nil {
		return errors.NewFilesystemError("write_manifest", "failed to create image directory", err)
	}
	if err := os.WriteFile(o.manifestPath(), data, 0644); err != nil {
		return errors.NewFilesystemError("write_manifest", "failed to write image manifest", err)
	}
	return nil
}

// ImageLayerPath returns where a blob read by ReadImageLayers lives on disk.
func (o *OverlayFileSystem) ImageLayerPath(blob ArtifactBlob) string {
	return filepath.Join(o.imageLayersDir(), blob.FileName)
}

// AddImageLayer writes blob next to the existing image layers under the
// first free layerN name and returns the blob with FileName set.
func (o *OverlayFileSystem) AddImageLayer(ctx context.Context, blob ArtifactBlob) (ArtifactBlob, error) {
	if err := ctx.Err(); err != nil {
		return ArtifactBlob{}, err
	}
	dir := o.imageLayersDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ArtifactBlob{}, errors.NewFilesystemError("write_layers", fmt.Sprintf("failed to create %s", dir), err)
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("layer%d%s", i, archiveExtension(blob))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return ArtifactBlob{}, errors.NewFilesystemError("write_layers", fmt.Sprintf("failed to create %s", name), err)
		}
		_, err = f.Write(blob.Content)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(f.Name())
			return ArtifactBlob{}, errors.NewFilesystemError("write_layers", fmt.Sprintf("failed to write %s", name), err)
		}
		blob.FileName = name
		return blob, nil
	}
}

// RemoveImageLayer deletes a layer file added by AddImageLayer.
func (o *OverlayFileSystem) RemoveImageLayer(blob ArtifactBlob) error {
	if err := os.Remove(o.ImageLayerPath(blob)); err != nil && !os.IsNotExist(err) {
		return errors.NewFilesystemError("remove_layer", fmt.Sprintf("failed to remove %s", blob.FileName), err)
	}
	return nil
}

// ReadImageLayers reads the archives under .image/layers in directory order.
// File names do not define layer order; sort the result against a manifest.
func (o *OverlayFileSystem) ReadImageLayers(ctx context.Context) ([]ArtifactBlob, error) {
	return readBlobDir(ctx, o.imageLayersDir())
}

// ReadBaseLayer reads the base snapshot archives under .image/base.
func (o *OverlayFileSystem) ReadBaseLayer(ctx context.Context) ([]ArtifactBlob, error) {
	return readBlobDir(ctx, o.baseLayerDir())
}

// ReadOciFileLayer flattens the working tree, minus .image, into one layer.
func (o *OverlayFileSystem) ReadOciFileLayer(ctx context.Context) (*OciFileLayer, error) {
	if _, err := os.Stat(o.workingDir); err != nil {
		return nil, errors.NewFilesystemError("read_working_tree",
			fmt.Sprintf("working directory %s is not readable", o.workingDir), err)
	}
	layer, err := ReadFSLayer(ctx, os.DirFS(o.workingDir), func(p string) bool {
		return p == ImageDir
	})
	if err != nil {
		return nil, err
	}
	return layer, nil
}

// WriteImageLayers replaces the contents of .image/layers with blobs.
// Files are named layer1, layer2, ... in slice order.
func (o *OverlayFileSystem) WriteImageLayers(ctx context.Context, blobs []ArtifactBlob) error {
	if err := o.ClearImageLayerFolder(); err != nil {
		return err
	}
	return writeBlobDir(ctx, o.imageLayersDir(), blobs)
}

// WriteBaseLayers replaces the base snapshot with blobs.
func (o *OverlayFileSystem) WriteBaseLayers(ctx context.Context, blobs []ArtifactBlob) error {
	if err := o.ClearBaseLayerFolder(); err != nil {
		return err
	}
	return writeBlobDir(ctx, o.baseLayerDir(), blobs)
}

// WriteOciFileLayer materializes a layer's files into the working tree.
// Existing files at the same paths are overwritten.
func (o *OverlayFileSystem) WriteOciFileLayer(ctx context.Context, layer *OciFileLayer) error {
	for p, content := range layer.FileContent {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel := filepath.FromSlash(p)
		if !filepath.IsLocal(rel) || strings.HasPrefix(filepath.ToSlash(rel), ImageDir+"/") {
			return errors.NewFilesystemError("write_working_tree",
				fmt.Sprintf("refusing to write %q outside the template tree", p), nil)
		}

		target := filepath.Join(o.workingDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.NewFilesystemError("write_working_tree", "failed to create directory", err)
		}
		if err := os.WriteFile(target, content, 0644); err != nil {
			return errors.NewFilesystemError("write_working_tree",
				fmt.Sprintf("failed to write %s", p), err)
		}
	}
	return nil
}

// ClearImageLayerFolder removes .image/layers. Missing folders are fine.
func (o *OverlayFileSystem) ClearImageLayerFolder() error {
	return removeAll(o.imageLayersDir())
}

// ClearBaseLayerFolder removes .image/base. Missing folders are fine.
func (o *OverlayFileSystem) ClearBaseLayerFolder() error {
	return removeAll(o.baseLayerDir())
}

// ClearWorkingFolder removes the template tree but keeps .image.
func (o *OverlayFileSystem) ClearWorkingFolder() error {
	entries, err := os.ReadDir(o.workingDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.NewFilesystemError("clear_working_tree", "failed to list working directory", err)
	}
	for _, entry := range entries {
		if entry.Name() == ImageDir {
			continue
		}
		if err := removeAll(filepath.Join(o.workingDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func removeAll(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.NewFilesystemError("clear", fmt.Sprintf("failed to remove %s", dir), err)
	}
	return nil
}

func readBlobDir(ctx context.Context, dir string) ([]ArtifactBlob, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewFilesystemError("read_layers", fmt.Sprintf("failed to list %s", dir), err)
	}

	blobs := make([]ArtifactBlob, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		content, err := readFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.NewFilesystemError("read_layers",
				fmt.Sprintf("failed to read layer %s", entry.Name()), err)
		}
		blobs = append(blobs, NewArtifactBlob(entry.Name(), content))
	}
	return blobs, nil
}

func writeBlobDir(ctx context.Context, dir string, blobs []ArtifactBlob) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewFilesystemError("write_layers", fmt.Sprintf("failed to create %s", dir), err)
	}
	for i, blob := range blobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := fmt.Sprintf("layer%d%s", i+1, archiveExtension(blob))
		if err := os.WriteFile(filepath.Join(dir, name), blob.Content, 0644); err != nil {
			return errors.NewFilesystemError("write_layers", fmt.Sprintf("failed to write %s", name), err)
		}
	}
	return nil
}

func archiveExtension(blob ArtifactBlob) string {
	if compression, err := DetectCompression(blob.Content); err == nil {
		return compression.Extension()
	}
	return CompressionGzip.Extension()
}

func readFile(name string) ([]byte, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// ReadFSLayer flattens every regular file of fsys into a layer keyed by
// slash-separated relative path. Directories for which skipDir returns true
// are not descended into.
func ReadFSLayer(ctx context.Context, fsys fs.FS, skipDir func(path string) bool) (*OciFileLayer, error) {
	layer := NewOciFileLayer()
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != "." && skipDir != nil && skipDir(p) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		content, err := readFSFile(fsys, p)
		if err != nil {
			return err
		}
		layer.FileContent[p] = content
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.NewFilesystemError("read_working_tree", "failed to read template tree", err)
	}
	return layer, nil
}

func readFSFile(fsys fs.FS, name string) ([]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
