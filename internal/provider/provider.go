// Package provider defines the backend-agnostic storage provider contract
// (put/get/head/delete/list/copy/upload_file/download_file) and the
// registry that resolves a configured backend type string to a
// constructor. Per-backend implementations live in sibling packages.
package provider

import (
	"context"
	"io"

	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// ListFunc is invoked once per entry during a List call, in lexicographic
// key order. Returning a non-nil error stops the listing early and that
// error is returned from List.
type ListFunc func(types.ObjectMetadata) error

// Provider is the contract every storage backend (file, s3, azure, gcs,
// oci, ais, swiftstack, ftp) implements. All operations are atomic at
// object granularity except where noted.
type Provider interface {
	// Put stores body under key, atomically. Providers MUST switch to a
	// multipart upload internally once size crosses MultipartThreshold.
	// size may be -1 if unknown (the provider buffers as needed).
	// Returns the etag of the new object.
	Put(ctx context.Context, key string, body io.Reader, size int64, opts types.PutOptions) (etag string, err error)

	// Get returns a reader over key, or over the given byte range when
	// rng is non-nil. Honors half-open range semantics; a short read is
	// only valid at EOF.
	Get(ctx context.Context, key string, rng *types.Range) (io.ReadCloser, error)

	// Head returns metadata for key without fetching its body. Returns a
	// pkg/errors NotFound error if key is absent.
	Head(ctx context.Context, key string) (types.ObjectMetadata, error)

	// Delete removes key. Idempotent: deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error

	// List invokes fn once per entry under prefix, in lexicographic key
	// order, honoring opts.StartAfter/opts.EndAt/opts.Limit as filters
	// applied after any server-side pagination. When
	// opts.IncludeDirectories is true and the backend has no native
	// directory concept, synthetic directory entries are synthesized
	// once per common prefix.
	List(ctx context.Context, prefix string, opts types.ListOptions, fn ListFunc) error

	// Copy duplicates src to dest, server-side where the backend
	// supports it, falling back to a streamed get+put otherwise.
	Copy(ctx context.Context, src, dest string) error

	// UploadFile streams localPath to key, using multipart upload once
	// the file crosses MultipartThreshold.
	UploadFile(ctx context.Context, key, localPath string) error

	// DownloadFile fetches key to localPath, atomically: it writes to
	// a sibling temp file and renames into place on success.
	DownloadFile(ctx context.Context, key, localPath string) error

	// ConditionalWriteSupport reports which conditional-write forms this
	// backend honors and how a failed condition is signaled.
	ConditionalWriteSupport() types.ConditionalWriteSupport

	// Name identifies the backend type (e.g. "s3", "azure").
	Name() string
}

// MultipartThreshold is the default size above which Put/UploadFile use a
// multipart upload. Per-backend constructors may override it via options.
const MultipartThreshold = 32 * 1024 * 1024

// MinMultipartPartSize is the minimum size of any part but the last in a
// multipart upload.
const MinMultipartPartSize = 5 * 1024 * 1024

// Factory constructs a Provider from a profile's storage_provider options
// map, as loaded from YAML config.
type Factory func(ctx context.Context, options map[string]interface{}) (Provider, error)

// Registry maps a backend type string to its constructor. Dynamic dispatch is by
// this table, never by reflecting on type names at runtime.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a backend type.
func (r *Registry) Register(backendType string, factory Factory) {
	r.factories[backendType] = factory
}

// Build constructs a Provider for backendType using the given options.
func (r *Registry) Build(ctx context.Context, backendType string, options map[string]interface{}) (Provider, error) {
	factory, ok := r.factories[backendType]
	if !ok {
		return nil, errUnsupportedBackend(backendType)
	}
	return factory(ctx, options)
}

// Known reports whether backendType has a registered factory.
func (r *Registry) Known(backendType string) bool {
	_, ok := r.factories[backendType]
	return ok
}

func errUnsupportedBackend(backendType string) error {
	return errors.NewInvalidArgument("unrecognized storage backend type %q", backendType).WithComponent("provider")
}
