// Package layers implements the layer algebra behind template images.
//
// A template image is a stack of gzip compressed tar layers. Each layer is
// extracted into an OciFileLayer, a map from relative path to file content,
// and layers are combined with overlay semantics: a file in a later layer
// replaces the file at the same path in an earlier one.
//
// # Layer Algebra
//
// OverlayOperator works purely in memory:
//
//	op := NewOverlayOperator(OverlayConfig{})
//
//	layers, err := op.ExtractAll(blobs)
//	sorted, err := op.Sort(layers, manifest)
//	merged := op.Merge(sorted)
//	diff := op.GenerateDiffLayer(edited, merged)
//	blob, err := op.Archive(diff)
//
// Extract rejects anything that is not a valid compressed tar stream with
// an archive corruption error. Archive writes entries in path order with
// fixed metadata, so re-archiving identical content yields identical bytes.
//
// # Staging
//
// OverlayFileSystem keeps pulled layers under .image/layers and a baseline
// snapshot under .image/base of a working directory, next to the editable
// template tree:
//
//	ofs := NewOverlayFileSystem(dir)
//	current, err := ofs.ReadOciFileLayer(ctx)
//	base, err := ofs.ReadBaseLayer(ctx)
//
// # Digests
//
// ParseDigests extracts digests from registry tool output in emission order.
package layers
