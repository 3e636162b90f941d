// Package gcs implements the Google Cloud Storage provider. GCS has no
// etag-based precondition API; object generations fill that role, so this
// provider surfaces an object's generation number (formatted as a string)
// as its ETag and translates if_match/if_none_match against it via
// storage.Conditions. if_none_match=<etag> on a *match* surfaces as
// NotModified rather than PreconditionFailed.
package gcs

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/objectfs/objectfs/internal/provider"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// Config configures the GCS provider.
type Config struct {
	Bucket             string `yaml:"bucket"`
	ProjectID          string `yaml:"project_id"`
	MultipartThreshold int64  `yaml:"multipart_threshold"`
	ChunkSize          int    `yaml:"chunk_size"`
}

func (c *Config) applyDefaults() {
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = provider.MultipartThreshold
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 16 * 1024 * 1024
	}
}

// Provider implements provider.Provider against Google Cloud Storage.
type Provider struct {
	client *storage.Client
	bucket string
	config Config
}

// New constructs a GCS Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, objerrors.NewInvalidArgument("gcs provider requires a bucket").WithComponent("gcs")
	}
	cfg.applyDefaults()

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, objerrors.NewInternal("construct gcs client: %v", err).WithComponent("gcs")
	}
	return &Provider{client: client, bucket: cfg.Bucket, config: cfg}, nil
}

// Factory adapts New to provider.Factory.
func Factory(ctx context.Context, options map[string]interface{}) (provider.Provider, error) {
	cfg := Config{}
	if v, ok := options["bucket"].(string); ok {
		cfg.Bucket = v
	}
	if v, ok := options["project_id"].(string); ok {
		cfg.ProjectID = v
	}
	return New(ctx, cfg)
}

func (p *Provider) Name() string { return "gcs" }

func (p *Provider) object(key string) *storage.ObjectHandle {
	return p.client.Bucket(p.bucket).Object(key)
}

func (p *Provider) Put(ctx context.Context, key string, body io.Reader, size int64, opts types.PutOptions) (string, error) {
	obj, isNoneMatch, err := p.conditionedForWrite(key, opts)
	if err != nil {
		return "", err
	}

	w := obj.NewWriter(ctx)
	w.ChunkSize = p.config.ChunkSize
	if size >= 0 {
		_, err = io.CopyN(w, body, size)
	} else {
		_, err = io.Copy(w, body)
	}
	if err != nil {
		_ = w.Close()
		return "", p.translateWriteError(err, key, isNoneMatch)
	}
	if err := w.Close(); err != nil {
		return "", p.translateWriteError(err, key, isNoneMatch)
	}
	return strconv.FormatInt(w.Attrs().Generation, 10), nil
}

// conditionedForWrite applies if_match/if_none_match to an ObjectHandle.
// if_none_match="*" is unsupported (GCS has no "object must not exist"
// precondition independent of generation 0);
// if_none_match=<etag> maps to GenerationNotMatch, whose failure (the
// generation currently matches) this provider reports as NotModified
// rather than PreconditionFailed; if_match=<etag> maps to GenerationMatch
// and fails as an ordinary PreconditionFailed. isNoneMatch tells the
// caller which translation a 412 response should receive.
func (p *Provider) conditionedForWrite(key string, opts types.PutOptions) (obj *storage.ObjectHandle, isNoneMatch bool, err error) {
	obj = p.object(key)
	if opts.IfNoneMatch == "" && opts.IfMatch == "" {
		return obj, false, nil
	}
	if opts.IfNoneMatch == "*" {
		return nil, false, objerrors.NewUnsupported("gcs does not support if_none_match=\"*\"").WithComponent("gcs").WithOperation("put")
	}
	if opts.IfNoneMatch != "" {
		gen, convErr := strconv.ParseInt(opts.IfNoneMatch, 10, 64)
		if convErr != nil {
			return nil, false, objerrors.NewInvalidArgument("if_none_match %q is not a valid gcs generation", opts.IfNoneMatch).WithComponent("gcs")
		}
		return obj.If(storage.Conditions{GenerationNotMatch: gen}), true, nil
	}
	gen, convErr := strconv.ParseInt(opts.IfMatch, 10, 64)
	if convErr != nil {
		return nil, false, objerrors.NewInvalidArgument("if_match %q is not a valid gcs generation", opts.IfMatch).WithComponent("gcs")
	}
	return obj.If(storage.Conditions{GenerationMatch: gen}), false, nil
}

// translateWriteError is translateError, except a 412 is reported as
// NotModified instead of PreconditionFailed when the active condition was
// if_none_match.
func (p *Provider) translateWriteError(err error, key string, isNoneMatch bool) error {
	if isNoneMatch {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 412 {
			return objerrors.NewNotModified("object %q already has the given etag", key).WithComponent("gcs").WithOperation("put")
		}
	}
	return p.translateError(err, "put", key)
}

func (p *Provider) Get(ctx context.Context, key string, rng *types.Range) (io.ReadCloser, error) {
	obj := p.object(key)
	var r *storage.Reader
	var err error
	if rng != nil {
		r, err = obj.NewRangeReader(ctx, rng.Offset, rng.Size)
	} else {
		r, err = obj.NewReader(ctx)
	}
	if err != nil {
		return nil, p.translateError(err, "get", key)
	}
	return r, nil
}

func (p *Provider) Head(ctx context.Context, key string) (types.ObjectMetadata, error) {
	attrs, err := p.object(key).Attrs(ctx)
	if err != nil {
		return types.ObjectMetadata{}, p.translateError(err, "head", key)
	}
	return attrsToMetadata(attrs), nil
}

func attrsToMetadata(attrs *storage.ObjectAttrs) types.ObjectMetadata {
	return types.ObjectMetadata{
		Key:           attrs.Name,
		ContentLength: attrs.Size,
		LastModified:  attrs.Updated,
		ETag:          strconv.FormatInt(attrs.Generation, 10),
		Type:          types.ObjectTypeFile,
		StorageClass:  attrs.StorageClass,
	}
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	if err := p.object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return p.translateError(err, "delete", key)
	}
	return nil
}

func (p *Provider) List(ctx context.Context, prefix string, opts types.ListOptions, fn provider.ListFunc) error {
	it := p.client.Bucket(p.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var entries []types.ObjectMetadata
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return p.translateError(err, "list", prefix)
		}
		entries = append(entries, attrsToMetadata(attrs))
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	count := 0
	for _, e := range entries {
		if opts.StartAfter != "" && e.Key <= opts.StartAfter {
			continue
		}
		if opts.EndAt != "" && e.Key > opts.EndAt {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
		count++
		if opts.Limit > 0 && count >= opts.Limit {
			return nil
		}
	}
	return nil
}

func (p *Provider) Copy(ctx context.Context, src, dest string) error {
	_, err := p.object(dest).CopierFrom(p.object(src)).Run(ctx)
	if err != nil {
		return p.translateError(err, "copy", src)
	}
	return nil
}

func (p *Provider) UploadFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return objerrors.NewInternal("open local file %q: %v", localPath, err).WithComponent("gcs")
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return objerrors.NewInternal("stat local file %q: %v", localPath, err).WithComponent("gcs")
	}

	_, err = p.Put(ctx, key, f, info.Size(), types.PutOptions{})
	return err
}

func (p *Provider) DownloadFile(ctx context.Context, key, localPath string) error {
	r, err := p.Get(ctx, key, nil)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	tmp := localPath + ".tmp." + strconv.FormatInt(int64(os.Getpid()), 10)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return objerrors.NewInternal("create temp destination %q: %v", tmp, err).WithComponent("gcs")
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return objerrors.NewRetryable("download %q: %v", key, err).WithComponent("gcs").WithOperation("download_file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return objerrors.NewInternal("close temp destination %q: %v", tmp, err).WithComponent("gcs")
	}
	return os.Rename(tmp, localPath)
}

func (p *Provider) ConditionalWriteSupport() types.ConditionalWriteSupport {
	return types.ConditionalWriteSupport{
		IfNoneMatchStar: types.CapabilityUnsupported,
		IfNoneMatchETag: types.CapabilityNotModified,
		IfMatchETag:     types.CapabilityPreconditionFailed,
	}
}

func (p *Provider) translateError(err error, operation, key string) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return objerrors.NewNotFound("object %q not found", key).WithComponent("gcs").WithOperation(operation)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 304:
			return objerrors.NewNotModified("object %q not modified", key).WithComponent("gcs").WithOperation(operation)
		case 412:
			return objerrors.NewPreconditionFailed("condition failed for %q", key).WithComponent("gcs").WithOperation(operation)
		case 403, 401:
			return objerrors.NewPermission("access denied for %q", key).WithComponent("gcs").WithOperation(operation)
		case 404:
			return objerrors.NewNotFound("object %q not found", key).WithComponent("gcs").WithOperation(operation)
		case 429, 500, 502, 503, 504:
			return objerrors.NewRetryable("%s failed for %q: %v", operation, key, err).WithComponent("gcs").WithOperation(operation).WithCause(err)
		}
	}
	return objerrors.NewInternal("%s failed for %q: %v", operation, key, err).WithComponent("gcs").WithOperation(operation).WithCause(err)
}

var _ provider.Provider = (*Provider)(nil)
