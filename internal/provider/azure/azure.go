// Package azure implements the Azure Blob Storage provider. Conditional
// writes use azblob's access-condition headers; the capability matrix
// differs from S3's: if_none_match="*" is unsupported (Azure
// has no wildcard precondition), while if_none_match=<etag> and
// if_match=<etag> both surface as a precondition failure.
package azure

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/objectfs/objectfs/internal/provider"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// Config configures the Azure Blob provider.
type Config struct {
	AccountName string `yaml:"account_name"`
	AccountKey  string `yaml:"account_key"`
	Container   string `yaml:"container"`
	Endpoint    string `yaml:"endpoint"` // full service URL override, e.g. for Azurite

	MultipartThreshold   int64 `yaml:"multipart_threshold"`
	MultipartConcurrency int   `yaml:"multipart_concurrency"`
}

func (c *Config) applyDefaults() {
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = provider.MultipartThreshold
	}
	if c.MultipartConcurrency <= 0 {
		c.MultipartConcurrency = 4
	}
}

func (c *Config) serviceURL() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return "https://" + c.AccountName + ".blob.core.windows.net"
}

// Provider implements provider.Provider against Azure Blob Storage.
type Provider struct {
	client    *azblob.Client
	container string
	config    Config
}

// New constructs an Azure Blob Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Container == "" {
		return nil, objerrors.NewInvalidArgument("azure provider requires a container").WithComponent("azure")
	}
	if cfg.AccountName == "" || cfg.AccountKey == "" {
		return nil, objerrors.NewInvalidArgument("azure provider requires account_name and account_key").WithComponent("azure")
	}
	cfg.applyDefaults()

	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, objerrors.NewInvalidArgument("build azure shared key credential: %v", err).WithComponent("azure")
	}
	client, err := azblob.NewClientWithSharedKeyCredential(cfg.serviceURL(), cred, nil)
	if err != nil {
		return nil, objerrors.NewInternal("construct azure client: %v", err).WithComponent("azure")
	}
	return &Provider{client: client, container: cfg.Container, config: cfg}, nil
}

// Factory adapts New to provider.Factory.
func Factory(_ context.Context, options map[string]interface{}) (provider.Provider, error) {
	cfg := Config{}
	if v, ok := options["account_name"].(string); ok {
		cfg.AccountName = v
	}
	if v, ok := options["account_key"].(string); ok {
		cfg.AccountKey = v
	}
	if v, ok := options["container"].(string); ok {
		cfg.Container = v
	}
	if v, ok := options["endpoint"].(string); ok {
		cfg.Endpoint = v
	}
	return New(cfg)
}

func (p *Provider) Name() string { return "azure" }

func (p *Provider) Put(ctx context.Context, key string, body io.Reader, size int64, opts types.PutOptions) (string, error) {
	if size < 0 || size > p.config.MultipartThreshold {
		data, err := io.ReadAll(body)
		if err != nil {
			return "", objerrors.NewRetryable("buffer put body for %q: %v", key, err).WithComponent("azure")
		}
		body, size = bytes.NewReader(data), int64(len(data))
	}

	access, err := accessConditions(opts)
	if err != nil {
		return "", err
	}

	uploadOpts := &azblob.UploadStreamOptions{AccessConditions: access}
	if size > 4*1024*1024 {
		uploadOpts.Concurrency = p.config.MultipartConcurrency
	}

	resp, err := p.client.UploadStream(ctx, p.container, key, body, uploadOpts)
	if err != nil {
		return "", p.translateError(err, "put", key)
	}
	return etagString(resp.ETag), nil
}

// accessConditions translates conditional-write put options into azblob's access
// conditions. if_none_match="*" has no Azure equivalent (blob creation has
// no wildcard precondition header), so it's rejected up front rather than
// silently dropped.
func accessConditions(opts types.PutOptions) (*blob.AccessConditions, error) {
	if opts.IfNoneMatch == "*" {
		return nil, objerrors.NewUnsupported("azure does not support if_none_match=\"*\"").WithComponent("azure").WithOperation("put")
	}
	if opts.IfMatch == "" && opts.IfNoneMatch == "" {
		return nil, nil
	}
	mac := &blob.ModifiedAccessConditions{}
	if opts.IfMatch != "" {
		mac.IfMatch = to.Ptr(azcore.ETag(opts.IfMatch))
	}
	if opts.IfNoneMatch != "" {
		mac.IfNoneMatch = to.Ptr(azcore.ETag(opts.IfNoneMatch))
	}
	return &blob.AccessConditions{ModifiedAccessConditions: mac}, nil
}

func (p *Provider) Get(ctx context.Context, key string, rng *types.Range) (io.ReadCloser, error) {
	downloadOpts := &azblob.DownloadStreamOptions{}
	if rng != nil {
		downloadOpts.Range = blob.HTTPRange{Offset: rng.Offset, Count: rng.Size}
	}
	resp, err := p.client.DownloadStream(ctx, p.container, key, downloadOpts)
	if err != nil {
		return nil, p.translateError(err, "get", key)
	}
	return resp.Body, nil
}

func (p *Provider) Head(ctx context.Context, key string) (types.ObjectMetadata, error) {
	client := p.client.ServiceClient().NewContainerClient(p.container).NewBlobClient(key)
	resp, err := client.GetProperties(ctx, nil)
	if err != nil {
		return types.ObjectMetadata{}, p.translateError(err, "head", key)
	}
	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return types.ObjectMetadata{
		Key:           key,
		ContentLength: size,
		LastModified:  derefTime(resp.LastModified),
		ETag:          etagString(resp.ETag),
		Type:          types.ObjectTypeFile,
	}, nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteBlob(ctx, p.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return p.translateError(err, "delete", key)
	}
	return nil
}

func (p *Provider) List(ctx context.Context, prefix string, opts types.ListOptions, fn provider.ListFunc) error {
	containerClient := p.client.ServiceClient().NewContainerClient(p.container)
	pager := containerClient.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})

	var entries []types.ObjectMetadata
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return p.translateError(err, "list", prefix)
		}
		for _, item := range page.Segment.BlobItems {
			var size int64
			if item.Properties != nil && item.Properties.ContentLength != nil {
				size = *item.Properties.ContentLength
			}
			var etag *azcore.ETag
			if item.Properties != nil {
				etag = item.Properties.ETag
			}
			var lastModified *time.Time
			if item.Properties != nil {
				lastModified = item.Properties.LastModified
			}
			entries = append(entries, types.ObjectMetadata{
				Key:           *item.Name,
				ContentLength: size,
				LastModified:  derefTime(lastModified),
				ETag:          etagString(etag),
				Type:          types.ObjectTypeFile,
			})
		}
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
	srcClient := p.client.ServiceClient().NewContainerClient(p.container).NewBlobClient(src)
	destClient := p.client.ServiceClient().NewContainerClient(p.container).NewBlobClient(dest)
	_, err := destClient.StartCopyFromURL(ctx, srcClient.URL(), nil)
	if err != nil {
		return p.translateError(err, "copy", src)
	}
	return nil
}

func (p *Provider) UploadFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return objerrors.NewInternal("open local file %q: %v", localPath, err).WithComponent("azure")
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return objerrors.NewInternal("stat local file %q: %v", localPath, err).WithComponent("azure")
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
		return objerrors.NewInternal("create temp destination %q: %v", tmp, err).WithComponent("azure")
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return objerrors.NewRetryable("download %q: %v", key, err).WithComponent("azure").WithOperation("download_file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return objerrors.NewInternal("close temp destination %q: %v", tmp, err).WithComponent("azure")
	}
	return os.Rename(tmp, localPath)
}

func (p *Provider) ConditionalWriteSupport() types.ConditionalWriteSupport {
	return types.ConditionalWriteSupport{
		IfNoneMatchStar: types.CapabilityUnsupported,
		IfNoneMatchETag: types.CapabilityPreconditionFailed,
		IfMatchETag:     types.CapabilityPreconditionFailed,
	}
}

func (p *Provider) translateError(err error, operation, key string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch bloberror.Code(respErr.ErrorCode) {
		case bloberror.BlobNotFound, bloberror.ContainerNotFound:
			return objerrors.NewNotFound("object %q not found", key).WithComponent("azure").WithOperation(operation)
		case bloberror.ConditionNotMet, bloberror.BlobAlreadyExists:
			return objerrors.NewPreconditionFailed("condition failed for %q", key).WithComponent("azure").WithOperation(operation)
		case bloberror.AuthorizationFailure, bloberror.InsufficientAccountPermissions:
			return objerrors.NewPermission("access denied for %q", key).WithComponent("azure").WithOperation(operation)
		case bloberror.ServerBusy, bloberror.OperationTimedOut, bloberror.InternalError:
			return objerrors.NewRetryable("%s failed for %q: %v", operation, key, err).WithComponent("azure").WithOperation(operation).WithCause(err)
		}
	}
	return objerrors.NewInternal("%s failed for %q: %v", operation, key, err).WithComponent("azure").WithOperation(operation).WithCause(err)
}

func etagString(e *azcore.ETag) string {
	if e == nil {
		return ""
	}
	return string(*e)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var _ provider.Provider = (*Provider)(nil)
