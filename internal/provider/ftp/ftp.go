// Package ftp implements the FTP storage provider over
// github.com/jlaffaye/ftp. FTP has no etag or precondition headers, so
// if_none_match="*" is emulated with a non-atomic stat-then-store
// (best-effort only: a concurrent writer can still race between the check
// and the store); if_match and if_none_match=<etag> are rejected as
// unsupported.
package ftp

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/jlaffaye/ftp"

	"github.com/objectfs/objectfs/internal/provider"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// Config configures the FTP provider.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	BasePath string `yaml:"base_path"`
}

func (c *Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 21
	}
	return c.Host + ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Provider implements provider.Provider over an FTP server. Each operation
// dials a fresh connection: *ftp.ServerConn is not safe for concurrent use,
// and FTP's control-connection model makes pooling brittle across
// firewalls/NATs, so a dedicated connection per call is the simplest
// correct option.
type Provider struct {
	config Config
}

// New constructs an FTP Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, objerrors.NewInvalidArgument("ftp provider requires a host").WithComponent("ftp")
	}
	return &Provider{config: cfg}, nil
}

// Factory adapts New to provider.Factory.
func Factory(_ context.Context, options map[string]interface{}) (provider.Provider, error) {
	cfg := Config{}
	if v, ok := options["host"].(string); ok {
		cfg.Host = v
	}
	if v, ok := options["port"].(int); ok {
		cfg.Port = v
	}
	if v, ok := options["user"].(string); ok {
		cfg.User = v
	}
	if v, ok := options["password"].(string); ok {
		cfg.Password = v
	}
	if v, ok := options["base_path"].(string); ok {
		cfg.BasePath = v
	}
	return New(cfg)
}

func (p *Provider) Name() string { return "ftp" }

func (p *Provider) dial(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(p.config.addr(), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, objerrors.NewRetryable("dial ftp server %q: %v", p.config.addr(), err).WithComponent("ftp")
	}
	if p.config.User != "" {
		if err := conn.Login(p.config.User, p.config.Password); err != nil {
			_ = conn.Quit()
			return nil, objerrors.NewPermission("ftp login failed: %v", err).WithComponent("ftp")
		}
	}
	return conn, nil
}

func (p *Provider) resolve(key string) string {
	if p.config.BasePath == "" {
		return key
	}
	return strings.TrimSuffix(p.config.BasePath, "/") + "/" + strings.TrimPrefix(key, "/")
}

func (p *Provider) Put(ctx context.Context, key string, body io.Reader, size int64, opts types.PutOptions) (string, error) {
	if opts.IfMatch != "" || (opts.IfNoneMatch != "" && opts.IfNoneMatch != "*") {
		return "", objerrors.NewUnsupported("ftp supports only if_none_match=\"*\"").WithComponent("ftp").WithOperation("put")
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Quit() }()

	full := p.resolve(key)

	if opts.IfNoneMatch == "*" {
		if _, statErr := conn.FileSize(full); statErr == nil {
			return "", objerrors.NewPreconditionFailed("object %q already exists", key).WithComponent("ftp").WithOperation("put")
		}
	}

	if err := conn.Stor(full, body); err != nil {
		return "", objerrors.NewRetryable("store %q: %v", key, err).WithComponent("ftp").WithOperation("put")
	}

	size, sizeErr := conn.FileSize(full)
	if sizeErr != nil {
		return etagFor(key, 0), nil
	}
	return etagFor(key, size), nil
}

func etagFor(key string, size int64) string {
	return key + ":" + itoa64(size)
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (p *Provider) Get(ctx context.Context, key string, rng *types.Range) (io.ReadCloser, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	full := p.resolve(key)
	var resp *ftp.Response
	if rng != nil {
		resp, err = conn.RetrFrom(full, uint64(rng.Offset))
	} else {
		resp, err = conn.Retr(full)
	}
	if err != nil {
		_ = conn.Quit()
		if isNotFound(err) {
			return nil, objerrors.NewNotFound("object %q not found", key).WithComponent("ftp").WithOperation("get")
		}
		return nil, objerrors.NewInternal("retrieve %q: %v", key, err).WithComponent("ftp")
	}

	var r io.ReadCloser = resp
	if rng != nil {
		r = &limitedConnReadCloser{r: io.LimitReader(resp, rng.Size), inner: resp, conn: conn}
	} else {
		r = &connReadCloser{inner: resp, conn: conn}
	}
	return r, nil
}

type connReadCloser struct {
	inner *ftp.Response
	conn  *ftp.ServerConn
}

func (c *connReadCloser) Read(p []byte) (int, error) { return c.inner.Read(p) }
func (c *connReadCloser) Close() error {
	err := c.inner.Close()
	_ = c.conn.Quit()
	return err
}

type limitedConnReadCloser struct {
	r     io.Reader
	inner *ftp.Response
	conn  *ftp.ServerConn
}

func (c *limitedConnReadCloser) Read(p []byte) (int, error) { return c.r.Read(p) }
func (c *limitedConnReadCloser) Close() error {
	err := c.inner.Close()
	_ = c.conn.Quit()
	return err
}

func (p *Provider) Head(ctx context.Context, key string) (types.ObjectMetadata, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return types.ObjectMetadata{}, err
	}
	defer func() { _ = conn.Quit() }()

	full := p.resolve(key)
	size, err := conn.FileSize(full)
	if err != nil {
		if isNotFound(err) {
			return types.ObjectMetadata{}, objerrors.NewNotFound("object %q not found", key).WithComponent("ftp").WithOperation("head")
		}
		return types.ObjectMetadata{}, objerrors.NewInternal("stat %q: %v", key, err).WithComponent("ftp")
	}

	mtime, _ := conn.GetTime(full)
	return types.ObjectMetadata{
		Key:           key,
		ContentLength: size,
		LastModified:  mtime,
		ETag:          etagFor(key, size),
		Type:          types.ObjectTypeFile,
	}, nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Quit() }()

	if err := conn.Delete(p.resolve(key)); err != nil {
		if isNotFound(err) {
			return nil
		}
		return objerrors.NewInternal("delete %q: %v", key, err).WithComponent("ftp")
	}
	return nil
}

func (p *Provider) List(ctx context.Context, prefix string, opts types.ListOptions, fn provider.ListFunc) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Quit() }()

	full := p.resolve(prefix)
	items, err := conn.List(full)
	if err != nil {
		return objerrors.NewInternal("list %q: %v", prefix, err).WithComponent("ftp")
	}

	var entries []types.ObjectMetadata
	for _, item := range items {
		if item.Type == ftp.EntryTypeFolder {
			if !opts.IncludeDirectories {
				continue
			}
		}
		objType := types.ObjectTypeFile
		size := int64(item.Size)
		if item.Type == ftp.EntryTypeFolder {
			objType = types.ObjectTypeDirectory
			size = 0
		}
		entries = append(entries, types.ObjectMetadata{
			Key:           strings.TrimPrefix(prefix, "/") + item.Name,
			ContentLength: size,
			LastModified:  item.Time,
			Type:          objType,
		})
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
	r, err := p.Get(ctx, src, nil)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	_, err = p.Put(ctx, dest, r, -1, types.PutOptions{})
	return err
}

func (p *Provider) UploadFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return objerrors.NewInternal("open local file %q: %v", localPath, err).WithComponent("ftp")
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return objerrors.NewInternal("stat local file %q: %v", localPath, err).WithComponent("ftp")
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

	tmp := localPath + ".tmp.ftp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return objerrors.NewInternal("create temp destination %q: %v", tmp, err).WithComponent("ftp")
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return objerrors.NewRetryable("download %q: %v", key, err).WithComponent("ftp").WithOperation("download_file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return objerrors.NewInternal("close temp destination %q: %v", tmp, err).WithComponent("ftp")
	}
	return os.Rename(tmp, localPath)
}

// ConditionalWriteSupport reports if_none_match="*" emulated via a
// non-atomic stat-then-store; if_match/if_none_match=<etag> are
// unsupported (FTP has no content-addressed precondition mechanism).
func (p *Provider) ConditionalWriteSupport() types.ConditionalWriteSupport {
	return types.ConditionalWriteSupport{
		IfNoneMatchStar: types.CapabilityPreconditionFailed,
		IfNoneMatchETag: types.CapabilityUnsupported,
		IfMatchETag:     types.CapabilityUnsupported,
	}
}

// isNotFound recognizes the FTP 550 "file unavailable" response, which
// jlaffaye/ftp surfaces as a plain *textproto.Error wrapped in its own
// error text rather than a typed sentinel.
func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "550") || strings.Contains(msg, "No such file") || strings.Contains(msg, "not found")
}

var _ provider.Provider = (*Provider)(nil)
