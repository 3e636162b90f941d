// Package oci implements the Oracle Cloud Infrastructure Object Storage
// provider. OCI's if-none-match header only ever accepts the literal "*"
// (create-if-absent); a specific-etag if_none_match has no OCI equivalent
// and is rejected as unsupported.
package oci

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/objectstorage"

	"github.com/objectfs/objectfs/internal/provider"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// Config configures the OCI Object Storage provider.
type Config struct {
	Bucket             string `yaml:"bucket"`
	Namespace          string `yaml:"namespace"`
	CompartmentID      string `yaml:"compartment_id"`
	Region             string `yaml:"region"`
	MultipartThreshold int64  `yaml:"multipart_threshold"`
}

func (c *Config) applyDefaults() {
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = provider.MultipartThreshold
	}
}

// Provider implements provider.Provider against OCI Object Storage.
type Provider struct {
	client    objectstorage.ObjectStorageClient
	bucket    string
	namespace string
	config    Config
}

// New constructs an OCI Provider using the default OCI config file
// provider (~/.oci/config), matching the SDK's usual CLI/SDK auth flow.
func New(cfg Config) (*Provider, error) {
	if cfg.Bucket == "" || cfg.Namespace == "" {
		return nil, objerrors.NewInvalidArgument("oci provider requires bucket and namespace").WithComponent("oci")
	}
	cfg.applyDefaults()

	configProvider := common.DefaultConfigProvider()
	client, err := objectstorage.NewObjectStorageClientWithConfigurationProvider(configProvider)
	if err != nil {
		return nil, objerrors.NewInternal("construct oci client: %v", err).WithComponent("oci")
	}
	if cfg.Region != "" {
		client.SetRegion(cfg.Region)
	}
	return &Provider{client: client, bucket: cfg.Bucket, namespace: cfg.Namespace, config: cfg}, nil
}

// Factory adapts New to provider.Factory.
func Factory(_ context.Context, options map[string]interface{}) (provider.Provider, error) {
	cfg := Config{}
	if v, ok := options["bucket"].(string); ok {
		cfg.Bucket = v
	}
	if v, ok := options["namespace"].(string); ok {
		cfg.Namespace = v
	}
	if v, ok := options["compartment_id"].(string); ok {
		cfg.CompartmentID = v
	}
	if v, ok := options["region"].(string); ok {
		cfg.Region = v
	}
	return New(cfg)
}

func (p *Provider) Name() string { return "oci" }

func (p *Provider) Put(ctx context.Context, key string, body io.Reader, size int64, opts types.PutOptions) (string, error) {
	if size < 0 || size > p.config.MultipartThreshold {
		data, err := io.ReadAll(body)
		if err != nil {
			return "", objerrors.NewRetryable("buffer put body for %q: %v", key, err).WithComponent("oci")
		}
		body, size = bytes.NewReader(data), int64(len(data))
	}

	req := objectstorage.PutObjectRequest{
		NamespaceName: common.String(p.namespace),
		BucketName:    common.String(p.bucket),
		ObjectName:    common.String(key),
		ContentLength: common.Int64(size),
		PutObjectBody: io.NopCloser(body),
	}
	if opts.IfNoneMatch != "" {
		if opts.IfNoneMatch != "*" {
			return "", objerrors.NewUnsupported("oci does not support if_none_match=<etag>, only \"*\"").WithComponent("oci").WithOperation("put")
		}
		req.IfNoneMatch = common.String("*")
	}
	if opts.IfMatch != "" {
		req.IfMatch = common.String(opts.IfMatch)
	}

	resp, err := p.client.PutObject(ctx, req)
	if err != nil {
		return "", p.translateError(err, "put", key)
	}
	return derefStr(resp.ETag), nil
}

func (p *Provider) Get(ctx context.Context, key string, rng *types.Range) (io.ReadCloser, error) {
	req := objectstorage.GetObjectRequest{
		NamespaceName: common.String(p.namespace),
		BucketName:    common.String(p.bucket),
		ObjectName:    common.String(key),
	}
	if rng != nil {
		req.Range = common.String("bytes=" + strconv.FormatInt(rng.Offset, 10) + "-" + strconv.FormatInt(rng.End()-1, 10))
	}
	resp, err := p.client.GetObject(ctx, req)
	if err != nil {
		return nil, p.translateError(err, "get", key)
	}
	return resp.Content, nil
}

func (p *Provider) Head(ctx context.Context, key string) (types.ObjectMetadata, error) {
	resp, err := p.client.HeadObject(ctx, objectstorage.HeadObjectRequest{
		NamespaceName: common.String(p.namespace),
		BucketName:    common.String(p.bucket),
		ObjectName:    common.String(key),
	})
	if err != nil {
		return types.ObjectMetadata{}, p.translateError(err, "head", key)
	}
	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	var lastModified time.Time
	if resp.LastModified != nil {
		lastModified = resp.LastModified.Time
	}
	return types.ObjectMetadata{
		Key:           key,
		ContentLength: size,
		LastModified:  lastModified,
		ETag:          derefStr(resp.ETag),
		Type:          types.ObjectTypeFile,
	}, nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, objectstorage.DeleteObjectRequest{
		NamespaceName: common.String(p.namespace),
		BucketName:    common.String(p.bucket),
		ObjectName:    common.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return p.translateError(err, "delete", key)
	}
	return nil
}

func (p *Provider) List(ctx context.Context, prefix string, opts types.ListOptions, fn provider.ListFunc) error {
	var entries []types.ObjectMetadata
	var start *string
	for {
		resp, err := p.client.ListObjects(ctx, objectstorage.ListObjectsRequest{
			NamespaceName: common.String(p.namespace),
			BucketName:    common.String(p.bucket),
			Prefix:        common.String(prefix),
			Start:         start,
			Fields:        common.String("name,size,timeModified,etag"),
		})
		if err != nil {
			return p.translateError(err, "list", prefix)
		}
		for _, obj := range resp.Objects {
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			var lastModified time.Time
			if obj.TimeModified != nil {
				lastModified = obj.TimeModified.Time
			}
			entries = append(entries, types.ObjectMetadata{
				Key:           derefStr(obj.Name),
				ContentLength: size,
				LastModified:  lastModified,
				ETag:          derefStr(obj.Etag),
				Type:          types.ObjectTypeFile,
			})
		}
		if resp.NextStartWith == nil || *resp.NextStartWith == "" {
			break
		}
		start = resp.NextStartWith
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
	_, err := p.client.CopyObject(ctx, objectstorage.CopyObjectRequest{
		NamespaceName: common.String(p.namespace),
		BucketName:    common.String(p.bucket),
		CopyObjectDetails: objectstorage.CopyObjectDetails{
			SourceObjectName:      common.String(src),
			DestinationObjectName: common.String(dest),
			DestinationBucket:     common.String(p.bucket),
			DestinationNamespace:  common.String(p.namespace),
			DestinationRegion:     common.String(p.config.Region),
		},
	})
	if err != nil {
		return p.translateError(err, "copy", src)
	}
	return nil
}

func (p *Provider) UploadFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return objerrors.NewInternal("open local file %q: %v", localPath, err).WithComponent("oci")
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return objerrors.NewInternal("stat local file %q: %v", localPath, err).WithComponent("oci")
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
		return objerrors.NewInternal("create temp destination %q: %v", tmp, err).WithComponent("oci")
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return objerrors.NewRetryable("download %q: %v", key, err).WithComponent("oci").WithOperation("download_file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return objerrors.NewInternal("close temp destination %q: %v", tmp, err).WithComponent("oci")
	}
	return os.Rename(tmp, localPath)
}

func (p *Provider) ConditionalWriteSupport() types.ConditionalWriteSupport {
	return types.ConditionalWriteSupport{
		IfNoneMatchStar: types.CapabilityPreconditionFailed,
		IfNoneMatchETag: types.CapabilityUnsupported,
		IfMatchETag:     types.CapabilityPreconditionFailed,
	}
}

func isNotFound(err error) bool {
	var svcErr common.ServiceError
	return errors.As(err, &svcErr) && svcErr.GetHTTPStatusCode() == 404
}

func (p *Provider) translateError(err error, operation, key string) error {
	var svcErr common.ServiceError
	if errors.As(err, &svcErr) {
		switch svcErr.GetHTTPStatusCode() {
		case 404:
			return objerrors.NewNotFound("object %q not found", key).WithComponent("oci").WithOperation(operation)
		case 412:
			return objerrors.NewPreconditionFailed("condition failed for %q", key).WithComponent("oci").WithOperation(operation)
		case 401, 403:
			return objerrors.NewPermission("access denied for %q", key).WithComponent("oci").WithOperation(operation)
		case 429, 500, 502, 503, 504:
			return objerrors.NewRetryable("%s failed for %q: %v", operation, key, err).WithComponent("oci").WithOperation(operation).WithCause(err)
		}
	}
	return objerrors.NewInternal("%s failed for %q: %v", operation, key, err).WithComponent("oci").WithOperation(operation).WithCause(err)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ provider.Provider = (*Provider)(nil)
