// Package cache implements the shared object cache: a
// payload cache with pluggable eviction, optional etag validation, and
// cross-process coordination via a sidecar index guarded by an advisory
// file lock. Cached payloads live either on the local filesystem or, when
// configured, on a (typically faster) storage provider profile.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/logging"
	"github.com/objectfs/objectfs/pkg/types"
)

// Config configures a Cache.
type Config struct {
	SizeLimitBytes         int64
	UseETag                bool
	EvictionPolicy         types.EvictionPolicyKind
	RefreshIntervalSeconds int
	CachePath              string
	// StorageProviderProfile names a profile whose provider backs this
	// cache's payloads instead of a local directory (two-tier caching,
	// e.g. S3 Express fronting a cold bucket).
	StorageProviderProfile string
	// Logger, if set, receives eviction/refresh diagnostics. Defaults to
	// logging.Nop().
	Logger *logging.Logger
}

// HeadFunc fetches current remote metadata for a logical key, used for
// etag validation on lookup. Supplied by the owning StorageClient.
type HeadFunc func(ctx context.Context, logicalKey string) (types.ObjectMetadata, error)

// Cache is the shared, optionally cross-process, payload cache.
type Cache struct {
	cfg     Config
	profile string
	backend provider.Provider // nil => local directory backing
	head    HeadFunc

	index *sidecarIndex
	log   *logging.Logger

	mu sync.Mutex // process-local: guards nothing backend state needs, only in-process bookkeeping
}

// New constructs a Cache. backend is nil for a local-directory-backed
// cache, or a storage provider when cfg.StorageProviderProfile names a
// second-tier backend.
func New(cfg Config, profile string, backend provider.Provider, head HeadFunc) (*Cache, error) {
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = types.EvictionLRU
	}
	switch cfg.EvictionPolicy {
	case types.EvictionFIFO, types.EvictionLRU, types.EvictionRandom, types.EvictionNoEviction:
	default:
		return nil, errors.NewInvalidArgument("unknown eviction policy %q", cfg.EvictionPolicy).WithComponent("cache")
	}
	if cfg.CachePath == "" {
		return nil, errors.NewInvalidArgument("cache requires a non-empty cache_path").WithComponent("cache")
	}
	if backend == nil {
		if err := os.MkdirAll(cfg.CachePath, 0o755); err != nil {
			return nil, errors.NewInternal("create cache directory %q: %v", cfg.CachePath, err).WithComponent("cache")
		}
	}
	idx, err := newSidecarIndex(filepath.Join(cfg.CachePath, "index.json"), backend)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	log = log.WithComponent("cache").With(logging.F("profile", profile))
	return &Cache{cfg: cfg, profile: profile, backend: backend, head: head, index: idx, log: log}, nil
}

// UseETag reports whether this cache's keys should be bound to the
// object's current etag, requiring callers to Head the backend before a
// lookup.
func (c *Cache) UseETag() bool { return c.cfg.UseETag }

// KeyFor derives the cache key for a logical name, optionally binding it
// to a specific etag.
func (c *Cache) KeyFor(logicalName, etag string) string {
	raw := c.profile + "/" + logicalName
	if etag != "" {
		raw += "@" + etag
	}
	sum := sha256.Sum256([]byte(raw))
	hexSum := hex.EncodeToString(sum[:])
	return filepath.Join(hexSum[:2], hexSum[2:4], hexSum)
}

func (c *Cache) payloadPath(key string) string { return filepath.Join(c.cfg.CachePath, key) }

// Contains reports whether key is present in the cache, without
// validating etag freshness.
func (c *Cache) Contains(key string) bool {
	return c.index.has(key)
}

// Get returns the cached payload for key, or (nil, false, nil) on a MISS.
// When cfg.UseETag is set, the caller is responsible for having derived
// key with the current remote etag via KeyFor; a mismatch naturally
// misses since the key itself differs.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !c.index.has(key) {
		return nil, false, nil
	}
	b, err := c.readPayload(ctx, key)
	if err != nil {
		if errors.IsNotFound(err) {
			// Tolerate a concurrent renamer: retry once after a short
			// delay before declaring MISS.
			time.Sleep(5 * time.Millisecond)
			b, err = c.readPayload(ctx, key)
			if errors.IsNotFound(err) {
				c.index.remove(key)
				return nil, false, nil
			}
		}
		if err != nil {
			return nil, false, err
		}
	}
	if err := c.index.touch(key); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Open returns a reader over the cached payload for key. On a MISS it
// returns a nil reader, false and a nil error, the same as Get.
func (c *Cache) Open(ctx context.Context, key string) (io.ReadCloser, bool, error) {
	b, ok, err := c.Get(ctx, key)
	if !ok || err != nil {
		return nil, ok, err
	}
	return io.NopCloser(bytes.NewReader(b)), true, nil
}

func (c *Cache) readPayload(ctx context.Context, key string) ([]byte, error) {
	if c.backend == nil {
		b, err := os.ReadFile(c.payloadPath(key))
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("cache entry %q absent", key).WithComponent("cache")
		}
		if err != nil {
			return nil, errors.NewInternal("read cache entry %q: %v", key, err).WithComponent("cache")
		}
		return b, nil
	}
	rc, err := c.backend.Get(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Set stores data under key, atomically: write to a sibling ".tmp.<uuid>"
// path (or object) then rename/replace into place. Under EvictionNoEviction, Set silently drops the write once
// the cache is at its size limit.
func (c *Cache) Set(ctx context.Context, key string, data []byte) error {
	if c.cfg.EvictionPolicy == types.EvictionNoEviction && c.index.totalSize()+int64(len(data)) > c.cfg.SizeLimitBytes {
		return nil
	}
	if err := c.writePayload(ctx, key, data); err != nil {
		return err
	}
	return c.index.put(key, int64(len(data)))
}

func (c *Cache) writePayload(ctx context.Context, key string, data []byte) error {
	if c.backend == nil {
		full := c.payloadPath(key)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return errors.NewInternal("create cache shard directory: %v", err).WithComponent("cache")
		}
		tmp := full + ".tmp." + uuid.NewString()
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return errors.NewInternal("write cache temp file: %v", err).WithComponent("cache")
		}
		if err := os.Rename(tmp, full); err != nil {
			os.Remove(tmp)
			return errors.NewInternal("rename cache entry into place: %v", err).WithComponent("cache")
		}
		return nil
	}
	tmpKey := key + ".tmp." + uuid.NewString()
	if _, err := c.backend.Put(ctx, tmpKey, bytes.NewReader(data), int64(len(data)), types.PutOptions{}); err != nil {
		return err
	}
	if err := c.backend.Copy(ctx, tmpKey, key); err != nil {
		c.backend.Delete(ctx, tmpKey)
		return err
	}
	return c.backend.Delete(ctx, tmpKey)
}

// Size returns the cache's current accumulated payload size in bytes, per
// the sidecar index (not a filesystem walk).
func (c *Cache) Size() int64 { return c.index.totalSize() }

// RefreshCache evicts entries down to SizeLimitBytes if the cache is over
// budget. It returns true whenever the call completes its maintenance,
// including when nothing needed evicting (within budget, or no_eviction);
// callers typically gate this behind a distributed hint so only one caller
// across processes runs maintenance at a time.
func (c *Cache) RefreshCache(ctx context.Context) (bool, error) {
	entries := c.index.snapshot()
	total := int64(0)
	for _, e := range entries {
		total += e.Size
	}
	if total <= c.cfg.SizeLimitBytes || c.cfg.EvictionPolicy == types.EvictionNoEviction {
		return true, nil
	}

	victims := selectVictims(entries, c.cfg.EvictionPolicy, total-c.cfg.SizeLimitBytes)
	c.log.Debug("cache over budget, evicting",
		logging.F("total_bytes", total), logging.F("limit_bytes", c.cfg.SizeLimitBytes),
		logging.F("policy", string(c.cfg.EvictionPolicy)), logging.F("victims", len(victims)))
	for _, v := range victims {
		if err := c.evict(ctx, v.Key); err != nil {
			c.log.Warn("eviction failed", logging.F("key", v.Key), logging.F("err", err))
			return true, err
		}
	}
	return true, nil
}

func (c *Cache) evict(ctx context.Context, key string) error {
	if err := c.index.remove(key); err != nil {
		return err
	}
	if c.backend == nil {
		return os.Remove(c.payloadPath(key))
	}
	return c.backend.Delete(ctx, key)
}

// selectVictims picks entries to evict until at least needBytes has been
// freed, ordered per policy.
func selectVictims(entries []indexEntry, policy types.EvictionPolicyKind, needBytes int64) []indexEntry {
	ordered := make([]indexEntry, len(entries))
	copy(ordered, entries)

	switch policy {
	case types.EvictionFIFO:
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })
	case types.EvictionLRU:
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].AccessedAt.Before(ordered[j].AccessedAt) })
	case types.EvictionRandom:
		rand.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	}

	var victims []indexEntry
	var freed int64
	for _, e := range ordered {
		if freed >= needBytes {
			break
		}
		victims = append(victims, e)
		freed += e.Size
	}
	return victims
}
