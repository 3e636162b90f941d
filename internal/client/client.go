// Package client implements the StorageClient facade: the user-visible
// read/write/info/list/glob/delete/copy/sync operations, layered over a
// storage provider with an optional manifest metadata provider for path
// indirection and an optional shared cache for payload reuse.
package client

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/objectfs/objectfs/internal/cache"
	"github.com/objectfs/objectfs/internal/circuitbreaker"
	"github.com/objectfs/objectfs/internal/hint"
	"github.com/objectfs/objectfs/internal/manifest"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/logging"
	"github.com/objectfs/objectfs/pkg/retry"
	"github.com/objectfs/objectfs/pkg/types"
)

// DefaultMemoryLoadLimit bounds how much of a write handle's body is
// spooled in memory before spilling to a temp file.
const DefaultMemoryLoadLimit = 16 * 1024 * 1024

// DefaultReadAheadChunk is the chunk size used for read-ahead on ranged
// reads through an open handle.
const DefaultReadAheadChunk = 4 * 1024 * 1024

// Config constructs a StorageClient for one profile.
type Config struct {
	Profile         string
	Provider        provider.Provider
	Metadata        *manifest.Provider // nil: no path indirection
	Cache           *cache.Cache       // nil: no payload cache
	CacheHint       *hint.Hint         // nil: cache refresh runs unconditionally
	Retryer         *retry.Retryer     // nil: retry.DefaultConfig()
	Breaker         *circuitbreaker.CircuitBreaker
	MemoryLoadLimit int64
	Logger          *logging.Logger // nil: logging.Nop()
}

// StorageClient is the facade every resolved msc:// URI or bare path
// ultimately routes through. Safe for concurrent use.
type StorageClient struct {
	profile   string
	storage   provider.Provider
	metadata  *manifest.Provider
	cache     *cache.Cache
	cacheHint *hint.Hint
	retryer   *retry.Retryer
	breaker   *circuitbreaker.CircuitBreaker
	memLimit  int64
	log       *logging.Logger
}

// New constructs a StorageClient from cfg.
func New(cfg Config) *StorageClient {
	memLimit := cfg.MemoryLoadLimit
	if memLimit <= 0 {
		memLimit = DefaultMemoryLoadLimit
	}
	retryer := cfg.Retryer
	if retryer == nil {
		retryer = retry.New(retry.DefaultConfig())
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	log = log.WithComponent("client").With(logging.F("profile", cfg.Profile))
	return &StorageClient{
		profile:   cfg.Profile,
		storage:   cfg.Provider,
		metadata:  cfg.Metadata,
		cache:     cfg.Cache,
		cacheHint: cfg.CacheHint,
		retryer:   retryer,
		breaker:   cfg.Breaker,
		memLimit:  memLimit,
		log:       log,
	}
}

// Profile returns the profile name this client was built for.
func (c *StorageClient) Profile() string { return c.profile }

// exec runs fn under the circuit breaker (if configured) wrapping the
// retryer, so a single backend call gets both failure isolation and
// retry-with-backoff.
func (c *StorageClient) exec(ctx context.Context, fn func(context.Context) error) error {
	if c.breaker != nil {
		return c.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
			return c.retryer.DoWithContext(ctx, fn)
		})
	}
	return c.retryer.DoWithContext(ctx, fn)
}

// resolveForRead maps a logical path to its physical key for a read-style
// operation. With no metadata provider, the logical path IS the physical
// key. With one, an absent logical entry is a FileNotFoundError: reads
// never mint a new physical key.
func (c *StorageClient) resolveForRead(logicalPath string) (string, error) {
	if c.metadata == nil {
		return logicalPath, nil
	}
	m, err := c.metadata.Info(logicalPath)
	if err != nil {
		return "", err
	}
	return m.PhysicalKey, nil
}

// resolveForWrite maps a logical path to the physical key a new write
// should target: the existing key if the path is already tracked, or a
// freshly minted one otherwise.
func (c *StorageClient) resolveForWrite(logicalPath string) string {
	if c.metadata == nil {
		return logicalPath
	}
	phys, _ := c.metadata.Realpath(logicalPath)
	return phys
}

// publishWrite records a completed physical write against logicalPath in
// the metadata provider, staging it as a pending add. With no metadata
// provider the physical PUT already made the write visible, so there is
// nothing further to stage.
func (c *StorageClient) publishWrite(logicalPath, physicalKey string, size int64, etag string) error {
	if c.metadata == nil {
		return nil
	}
	return c.metadata.AddFile(logicalPath, types.ObjectMetadata{
		PhysicalKey:   physicalKey,
		ContentLength: size,
		LastModified:  time.Now(),
		ETag:          etag,
		Type:          types.ObjectTypeFile,
	})
}

// Read fetches the full contents of path, consulting the cache first when
// one is configured.
func (c *StorageClient) Read(ctx context.Context, logicalPath string) ([]byte, error) {
	phys, err := c.resolveForRead(logicalPath)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		etag := ""
		if c.cache.UseETag() {
			if m, err := c.headPhysical(ctx, phys); err == nil {
				etag = m.ETag
			}
		}
		key := c.cache.KeyFor(logicalPath, etag)
		if data, hit, err := c.cache.Get(ctx, key); err != nil {
			return nil, err
		} else if hit {
			return data, nil
		}
		data, err := c.getPhysical(ctx, phys)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(ctx, key, data); err != nil {
			return nil, err
		}
		return data, nil
	}

	return c.getPhysical(ctx, phys)
}

func (c *StorageClient) getPhysical(ctx context.Context, phys string) ([]byte, error) {
	var data []byte
	err := c.exec(ctx, func(ctx context.Context) error {
		rc, err := c.storage.Get(ctx, phys, nil)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		return err
	})
	return data, err
}

func (c *StorageClient) headPhysical(ctx context.Context, phys string) (types.ObjectMetadata, error) {
	var m types.ObjectMetadata
	err := c.exec(ctx, func(ctx context.Context) error {
		var err error
		m, err = c.storage.Head(ctx, phys)
		return err
	})
	return m, err
}

// Write stores body under path, either directly (no metadata provider) or
// via the manifest's two-phase stage-then-commit protocol.
func (c *StorageClient) Write(ctx context.Context, logicalPath string, body []byte) error {
	phys := c.resolveForWrite(logicalPath)
	var etag string
	err := c.exec(ctx, func(ctx context.Context) error {
		var err error
		etag, err = c.storage.Put(ctx, phys, bytes.NewReader(body), int64(len(body)), types.PutOptions{})
		return err
	})
	if err != nil {
		c.log.Error("write failed", logging.F("path", logicalPath), logging.F("physical_key", phys), logging.F("err", err))
		return err
	}
	c.log.Debug("write complete", logging.F("path", logicalPath), logging.F("bytes", len(body)))
	return c.publishWrite(logicalPath, phys, int64(len(body)), etag)
}

// Info returns metadata for path.
func (c *StorageClient) Info(ctx context.Context, logicalPath string) (types.ObjectMetadata, error) {
	if c.metadata != nil {
		return c.metadata.Info(logicalPath)
	}
	return c.headPhysical(ctx, logicalPath)
}

// IsFile reports whether path names an existing object.
func (c *StorageClient) IsFile(ctx context.Context, logicalPath string) (bool, error) {
	_, err := c.Info(ctx, logicalPath)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsEmpty reports whether no object exists under prefix.
func (c *StorageClient) IsEmpty(ctx context.Context, prefix string) (bool, error) {
	empty := true
	err := c.List(ctx, prefix, types.ListOptions{Limit: 1}, func(types.ObjectMetadata) error {
		empty = false
		return nil
	})
	return empty, err
}

// List streams entries under prefix in lexicographic order.
func (c *StorageClient) List(ctx context.Context, prefix string, opts types.ListOptions, fn func(types.ObjectMetadata) error) error {
	if c.metadata != nil {
		return c.metadata.List(prefix, opts, provider.ListFunc(fn))
	}
	return c.exec(ctx, func(ctx context.Context) error {
		return c.storage.List(ctx, prefix, opts, provider.ListFunc(fn))
	})
}

// Delete removes path. With a metadata provider this stages a pending
// remove; physical garbage collection happens at the next commit.
func (c *StorageClient) Delete(ctx context.Context, logicalPath string) error {
	if c.metadata != nil {
		return c.metadata.RemoveFile(logicalPath)
	}
	return c.exec(ctx, func(ctx context.Context) error {
		return c.storage.Delete(ctx, logicalPath)
	})
}

// Copy duplicates src to dst within this client's backend.
func (c *StorageClient) Copy(ctx context.Context, src, dst string) error {
	if c.metadata == nil {
		return c.exec(ctx, func(ctx context.Context) error {
			return c.storage.Copy(ctx, src, dst)
		})
	}
	m, err := c.metadata.Info(src)
	if err != nil {
		return err
	}
	destPhys := c.resolveForWrite(dst)
	if err := c.exec(ctx, func(ctx context.Context) error {
		return c.storage.Copy(ctx, m.PhysicalKey, destPhys)
	}); err != nil {
		return err
	}
	return c.publishWrite(dst, destPhys, m.ContentLength, m.ETag)
}

// UploadFile streams localPath to path.
func (c *StorageClient) UploadFile(ctx context.Context, logicalPath, localPath string) error {
	phys := c.resolveForWrite(logicalPath)
	if err := c.exec(ctx, func(ctx context.Context) error {
		return c.storage.UploadFile(ctx, phys, localPath)
	}); err != nil {
		return err
	}
	m, err := c.headPhysical(ctx, phys)
	if err != nil {
		return err
	}
	return c.publishWrite(logicalPath, phys, m.ContentLength, m.ETag)
}

// DownloadFile fetches path to localPath.
func (c *StorageClient) DownloadFile(ctx context.Context, logicalPath, localPath string) error {
	phys, err := c.resolveForRead(logicalPath)
	if err != nil {
		return err
	}
	return c.exec(ctx, func(ctx context.Context) error {
		return c.storage.DownloadFile(ctx, phys, localPath)
	})
}

// MaintainCache runs a cache eviction sweep if this client's cache is over
// budget, but only while holding cacheHint (when one is configured), so
// that across a fleet of processes sharing the same cache directory only
// one of them runs eviction at a time.
func (c *StorageClient) MaintainCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	if c.cacheHint == nil {
		_, err := c.cache.RefreshCache(ctx)
		return err
	}
	acquired, err := c.cacheHint.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		c.log.Debug("cache maintenance skipped: hint held elsewhere")
		return nil
	}
	defer c.cacheHint.Release(ctx)
	c.log.Debug("cache maintenance: acquired hint, running sweep")
	_, err = c.cache.RefreshCache(ctx)
	if err != nil {
		c.log.Warn("cache sweep failed", logging.F("err", err))
	}
	return err
}

// CommitUpdates publishes pending manifest adds/removes, if a metadata
// provider is configured; it is a no-op otherwise, since writes without
// one are already visible as soon as the backend PUT returns.
func (c *StorageClient) CommitUpdates(ctx context.Context) error {
	if c.metadata == nil {
		return nil
	}
	return c.metadata.CommitUpdates(ctx)
}
