// Package file implements the POSIX filesystem storage provider: keys are
// paths relative to a configured base_path, reads/writes go straight to
// the local (or network-mounted) filesystem, and puts are made atomic via
// write-to-temp-then-rename.
package file

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
	"github.com/objectfs/objectfs/pkg/utils"
)

// Provider implements provider.Provider over a local directory tree.
type Provider struct {
	basePath string
}

// Config configures the file provider.
type Config struct {
	BasePath string `yaml:"base_path"`
}

// New constructs a file Provider rooted at cfg.BasePath.
func New(cfg Config) (*Provider, error) {
	if cfg.BasePath == "" {
		return nil, errors.NewInvalidArgument("file provider requires a non-empty base_path").WithComponent("file")
	}
	abs, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, errors.NewInvalidArgument("resolve base_path %q: %v", cfg.BasePath, err).WithComponent("file")
	}
	return &Provider{basePath: abs}, nil
}

// Factory adapts New to provider.Factory for registry registration.
func Factory(_ context.Context, options map[string]interface{}) (provider.Provider, error) {
	cfg := Config{}
	if v, ok := options["base_path"].(string); ok {
		cfg.BasePath = v
	}
	return New(cfg)
}

func (p *Provider) Name() string { return "file" }

// LocalFile opens key's backing path directly, letting a read handle
// expose a real file descriptor via Fileno for mmap-using callers. The
// caller owns the returned *os.File and must close it.
func (p *Provider) LocalFile(key string) (*os.File, error) {
	full, err := p.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, errors.NewNotFound("no such key %q", key).WithComponent("file")
	}
	if err != nil {
		return nil, errors.NewInternal("open %q: %v", full, err).WithComponent("file")
	}
	return f, nil
}

func (p *Provider) resolve(key string) (string, error) {
	full, err := utils.SecureJoin(p.basePath, key)
	if err != nil {
		return "", errors.NewInvalidArgument("key %q escapes base_path", key).WithComponent("file")
	}
	return full, nil
}

func (p *Provider) Put(_ context.Context, key string, body io.Reader, size int64, opts types.PutOptions) (string, error) {
	full, err := p.resolve(key)
	if err != nil {
		return "", err
	}

	if opts.IfNoneMatch != "" && opts.IfNoneMatch != "*" {
		return "", errors.NewUnsupported("file provider does not support if_none_match=<etag>, only \"*\"").WithComponent("file").WithOperation("put")
	}
	if opts.IfNoneMatch == "*" {
		if _, err := os.Stat(full); err == nil {
			return "", errors.NewPreconditionFailed("object %q already exists", key).WithComponent("file").WithOperation("put")
		}
	}
	if opts.IfMatch != "" {
		cur, err := p.Head(context.Background(), key)
		if err != nil {
			return "", err
		}
		if cur.ETag != opts.IfMatch {
			return "", errors.NewPreconditionFailed("etag mismatch for %q", key).WithComponent("file").WithOperation("put")
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", errors.NewInternal("create parent directories for %q: %v", key, err).WithComponent("file")
	}

	tmp := full + ".tmp." + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", errors.NewInternal("open temp file for %q: %v", key, err).WithComponent("file")
	}
	if size >= 0 {
		_, err = io.CopyN(f, body, size)
	} else {
		_, err = io.Copy(f, body)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", errors.NewRetryable("write %q: %v", key, err).WithComponent("file").WithOperation("put")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", errors.NewInternal("close temp file for %q: %v", key, err).WithComponent("file")
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", errors.NewInternal("rename into place for %q: %v", key, err).WithComponent("file")
	}

	meta, err := p.Head(context.Background(), key)
	if err != nil {
		return "", err
	}
	return meta.ETag, nil
}

func (p *Provider) Get(_ context.Context, key string, rng *types.Range) (io.ReadCloser, error) {
	full, err := p.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("object %q not found", key).WithComponent("file").WithOperation("get")
		}
		return nil, errors.NewInternal("open %q: %v", key, err).WithComponent("file")
	}
	if rng == nil {
		return f, nil
	}
	if _, err := f.Seek(rng.Offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, errors.NewInvalidArgument("seek to offset %d in %q: %v", rng.Offset, key, err).WithComponent("file")
	}
	return &limitedReadCloser{r: io.LimitReader(f, rng.Size), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }

func (p *Provider) Head(_ context.Context, key string) (types.ObjectMetadata, error) {
	full, err := p.resolve(key)
	if err != nil {
		return types.ObjectMetadata{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ObjectMetadata{}, errors.NewNotFound("object %q not found", key).WithComponent("file").WithOperation("head")
		}
		return types.ObjectMetadata{}, errors.NewInternal("stat %q: %v", key, err).WithComponent("file")
	}

	objType := types.ObjectTypeFile
	size := info.Size()
	if info.IsDir() {
		objType = types.ObjectTypeDirectory
		size = 0
	}

	return types.ObjectMetadata{
		Key:           key,
		ContentLength: size,
		LastModified:  info.ModTime(),
		ETag:          fileETag(info),
		Type:          objType,
	}, nil
}

// fileETag derives a weak etag from mtime+size, since POSIX files have no
// native content hash available without reading the whole object.
func fileETag(info fs.FileInfo) string {
	return info.ModTime().UTC().Format("20060102T150405.000000000") + "-" + itoa(info.Size())
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (p *Provider) Delete(_ context.Context, key string) error {
	full, err := p.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewInternal("delete %q: %v", key, err).WithComponent("file")
	}
	return nil
}

func (p *Provider) List(_ context.Context, prefix string, opts types.ListOptions, fn provider.ListFunc) error {
	root, err := p.resolve(prefix)
	if err != nil {
		return err
	}

	var entries []types.ObjectMetadata
	walkRoot := root
	if info, statErr := os.Stat(root); statErr != nil || !info.IsDir() {
		walkRoot = filepath.Dir(root)
	}

	err = filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		rel, relErr := filepath.Rel(p.basePath, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, strings.TrimPrefix(prefix, "/")) {
			return nil
		}
		if d.IsDir() {
			if !opts.IncludeDirectories || path == walkRoot {
				return nil
			}
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		objType := types.ObjectTypeFile
		size := info.Size()
		if d.IsDir() {
			objType = types.ObjectTypeDirectory
			size = 0
		}
		entries = append(entries, types.ObjectMetadata{
			Key:           key,
			ContentLength: size,
			LastModified:  info.ModTime(),
			ETag:          fileETag(info),
			Type:          objType,
		})
		return nil
	})
	if err != nil {
		return errors.NewInternal("list prefix %q: %v", prefix, err).WithComponent("file")
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
			break
		}
	}
	return nil
}

func (p *Provider) Copy(ctx context.Context, src, dest string) error {
	srcFull, err := p.resolve(src)
	if err != nil {
		return err
	}
	r, err := os.Open(srcFull)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFound("object %q not found", src).WithComponent("file").WithOperation("copy")
		}
		return errors.NewInternal("open %q: %v", src, err).WithComponent("file")
	}
	defer func() { _ = r.Close() }()

	_, err = p.Put(ctx, dest, r, -1, types.PutOptions{})
	return err
}

func (p *Provider) UploadFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.NewInternal("open local file %q: %v", localPath, err).WithComponent("file")
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return errors.NewInternal("stat local file %q: %v", localPath, err).WithComponent("file")
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

	tmp := localPath + ".tmp." + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.NewInternal("create temp destination %q: %v", tmp, err).WithComponent("file")
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.NewRetryable("download %q: %v", key, err).WithComponent("file").WithOperation("download_file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.NewInternal("close temp destination %q: %v", tmp, err).WithComponent("file")
	}
	if err := os.Rename(tmp, localPath); err != nil {
		_ = os.Remove(tmp)
		return errors.NewInternal("rename into place %q: %v", localPath, err).WithComponent("file")
	}
	return nil
}

// ConditionalWriteSupport reports the conditions Put emulates with a
// stat/etag check before the rename: if_none_match="*" and
// if_match=<etag>. if_none_match=<etag> is unsupported and Put rejects it.
func (p *Provider) ConditionalWriteSupport() types.ConditionalWriteSupport {
	return types.ConditionalWriteSupport{
		IfNoneMatchStar: types.CapabilityPreconditionFailed,
		IfNoneMatchETag: types.CapabilityUnsupported,
		IfMatchETag:     types.CapabilityPreconditionFailed,
	}
}

var _ provider.Provider = (*Provider)(nil)
