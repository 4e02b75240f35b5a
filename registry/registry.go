// Package registry pulls and pushes template images.
//
// A template image is an ordinary OCI manifest whose layers are compressed
// tar archives of template files; layer 0 is the base and later layers
// override it. Pulls go through go-containerregistry, pushes through
// oras-go. Both report failures in the error taxonomy of internal/errors:
// rejected credentials become authentication errors, unknown repositories or
// tags become not-found errors and a pull crossing its size quota becomes an
// image-too-large error.
//
// Example usage:
//
//	ref, err := registry.ParseImageReference("myacr.azurecr.io/hl7v2:v1")
//	if err != nil {
//		return err
//	}
//	auth, err := registry.ParseToken(token)
//	if err != nil {
//		return err
//	}
//	client := registry.NewClient(nil, logger)
//	m, blobs, err := client.Pull(ctx, ref, auth, 20<<20)
package registry
