// Package manifest implements the virtual-path manifest metadata provider:
// a read-indirection that maps logical paths to physically stored, often
// UUID-randomized, object keys. A manifest is a versioned, immutable
// directory snapshot under a configured base path; readers always see
// either the prior or the newly committed version because main.json is
// written last.
package manifest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// Manifest layout constants.
const (
	DefaultManifestBaseDir = "msc_manifests"
	ManifestIndexFilename  = "main.json"
	ManifestPartsChildDir  = "parts"
	ManifestPartPrefix     = "part_"
	ManifestPartSuffix     = ".jsonl"
	SequencePadding        = 10

	// ObjectsDir is where realpath mints new physical keys for paths that
	// don't exist yet; physical keys are UUID-based and path-independent
	// so logical renames are pure metadata operations.
	ObjectsDir = "objects"

	// defaultEntriesPerPart and defaultBytesPerPart bound part size during
	// commit partitioning: a part is flushed at N entries or M bytes,
	// whichever comes first.
	defaultEntriesPerPart = 100_000
	defaultBytesPerPart   = 64 * 1024 * 1024
)

type mainIndex struct {
	Parts     []string `json:"parts"`
	Version   int      `json:"version"`
	CreatedAt string   `json:"created_at"`
}

type partRecord struct {
	Key           string `json:"key"`
	PhysicalKey   string `json:"physical_key"`
	ContentLength int64  `json:"content_length"`
	LastModified  string `json:"last_modified"`
	ETag          string `json:"etag,omitempty"`
	Type          string `json:"type"`
}

// Config configures a manifest Provider.
type Config struct {
	// ManifestBaseDir is the relative directory under which manifest
	// versions are written, e.g. "msc_manifests".
	ManifestBaseDir string
	// Writable controls whether add_file/remove_file/commit_updates are
	// permitted. A read-only manifest used for writes is a configuration
	// error, not a silent no-op.
	Writable bool
	// EntriesPerPart and BytesPerPart override the commit partitioning
	// thresholds; zero uses the package defaults.
	EntriesPerPart int
	BytesPerPart   int64
}

// Provider implements the manifest metadata provider: logical path ->
// physical key + ObjectMetadata, with batched, crash-safe commits.
type Provider struct {
	storage provider.Provider
	baseDir string
	version int

	cfg Config

	mu      sync.RWMutex
	entries map[string]types.ObjectMetadata // logical key -> metadata (PhysicalKey set)

	pendingMu      sync.Mutex
	pendingAdds    map[string]types.ObjectMetadata
	pendingRemoves map[string]bool
}

// New constructs a manifest Provider backed by storage, loading the latest
// readable manifest version if one exists. An empty manifest (no prior
// version) is not an error; it simply starts with zero entries.
func New(ctx context.Context, storage provider.Provider, cfg Config) (*Provider, error) {
	if cfg.ManifestBaseDir == "" {
		cfg.ManifestBaseDir = DefaultManifestBaseDir
	}
	if cfg.EntriesPerPart <= 0 {
		cfg.EntriesPerPart = defaultEntriesPerPart
	}
	if cfg.BytesPerPart <= 0 {
		cfg.BytesPerPart = defaultBytesPerPart
	}
	p := &Provider{
		storage:        storage,
		baseDir:        strings.Trim(cfg.ManifestBaseDir, "/"),
		cfg:            cfg,
		entries:        make(map[string]types.ObjectMetadata),
		pendingAdds:    make(map[string]types.ObjectMetadata),
		pendingRemoves: make(map[string]bool),
	}
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// IsWritable reports whether this provider accepts add_file/remove_file/
// commit_updates.
func (p *Provider) IsWritable() bool { return p.cfg.Writable }

// load lists manifest timestamps under baseDir, picks the lexicographically
// (== chronologically, ISO-8601) greatest one with a readable main.json,
// and streams its part files into the in-memory index. Part lines are
// parsed one at a time so large manifests don't blow a memory budget.
func (p *Provider) load(ctx context.Context) error {
	prefix := p.baseDir + "/"
	var timestamps []string
	err := p.storage.List(ctx, prefix, types.ListOptions{IncludeDirectories: true}, func(m types.ObjectMetadata) error {
		if !m.IsDir() {
			return nil
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(m.Key, prefix), "/")
		if ts != "" && !strings.Contains(ts, "/") {
			timestamps = append(timestamps, ts)
		}
		return nil
	})
	if err != nil && !errors.IsNotFound(err) {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(timestamps)))

	for _, ts := range timestamps {
		idx, ok, err := p.readIndex(ctx, ts)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		entries, err := p.readParts(ctx, ts, idx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.entries = entries
		p.version = idx.Version
		p.mu.Unlock()
		return nil
	}
	// No readable manifest exists yet; start empty.
	return nil
}

func (p *Provider) readIndex(ctx context.Context, ts string) (mainIndex, bool, error) {
	key := path.Join(p.baseDir, ts, ManifestIndexFilename)
	rc, err := p.storage.Get(ctx, key, nil)
	if errors.IsNotFound(err) {
		return mainIndex{}, false, nil
	}
	if err != nil {
		return mainIndex{}, false, err
	}
	defer rc.Close()
	var idx mainIndex
	if err := json.NewDecoder(rc).Decode(&idx); err != nil {
		return mainIndex{}, false, errors.NewInternal("decode manifest index %q: %v", key, err).WithComponent("manifest")
	}
	return idx, true, nil
}

func (p *Provider) readParts(ctx context.Context, ts string, idx mainIndex) (map[string]types.ObjectMetadata, error) {
	entries := make(map[string]types.ObjectMetadata, len(idx.Parts)*1024)
	for _, partPath := range idx.Parts {
		key := path.Join(p.baseDir, ts, partPath)
		rc, err := p.storage.Get(ctx, key, nil)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var rec partRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				rc.Close()
				return nil, errors.NewInternal("decode manifest part %q: %v", key, err).WithComponent("manifest")
			}
			lm, _ := time.Parse(time.RFC3339, rec.LastModified)
			entries[rec.Key] = types.ObjectMetadata{
				Key:           rec.Key,
				PhysicalKey:   rec.PhysicalKey,
				ContentLength: rec.ContentLength,
				LastModified:  lm,
				ETag:          rec.ETag,
				Type:          types.ObjectType(rec.Type),
			}
		}
		err = scanner.Err()
		rc.Close()
		if err != nil {
			return nil, errors.NewInternal("scan manifest part %q: %v", key, err).WithComponent("manifest")
		}
	}
	return entries, nil
}

// effective returns a merged view of the committed entry set overlaid with
// this provider instance's own pending adds/removes, so a client reading
// back through the same manifest instance it just wrote through sees its
// own uncommitted write without requiring a commit. A separate provider
// instance (a different process, or a fresh load()) never sees pending
// state — only commit_updates publishes it.
func (p *Provider) effective() map[string]types.ObjectMetadata {
	p.mu.RLock()
	base := p.entries
	p.mu.RUnlock()

	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if len(p.pendingAdds) == 0 && len(p.pendingRemoves) == 0 {
		return base
	}
	out := make(map[string]types.ObjectMetadata, len(base)+len(p.pendingAdds))
	for k, v := range base {
		if !p.pendingRemoves[k] {
			out[k] = v
		}
	}
	for k, v := range p.pendingAdds {
		out[k] = v
	}
	return out
}

// Info returns the logical entry's metadata, or FileNotFoundError.
func (p *Provider) Info(path string) (types.ObjectMetadata, error) {
	m, ok := p.effective()[path]
	if !ok {
		return types.ObjectMetadata{}, errors.NewNotFound("path %q not present in manifest", path).WithComponent("manifest").WithOperation("info")
	}
	return m, nil
}

// List streams logical entries under prefix in lexicographic key order,
// honoring StartAfter/EndAt as post-listing filters and synthesizing
// directory entries when IncludeDirectories is set (using "/" as the
// directory separator).
func (p *Provider) List(prefix string, opts types.ListOptions, fn provider.ListFunc) error {
	snapshot := p.effective()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	dirsEmitted := make(map[string]bool)
	n := 0
	for _, k := range keys {
		if opts.StartAfter != "" && k <= opts.StartAfter {
			continue
		}
		if opts.EndAt != "" && k > opts.EndAt {
			continue
		}
		if opts.IncludeDirectories {
			rel := strings.TrimPrefix(k, prefix)
			if idx := strings.Index(rel, "/"); idx >= 0 {
				dir := prefix + rel[:idx+1]
				if !dirsEmitted[dir] {
					dirsEmitted[dir] = true
					if err := fn(types.ObjectMetadata{Key: strings.TrimSuffix(dir, "/"), Type: types.ObjectTypeDirectory}); err != nil {
						return err
					}
				}
				continue
			}
		}
		if err := fn(snapshot[k]); err != nil {
			return err
		}
		n++
		if opts.Limit > 0 && n >= opts.Limit {
			return nil
		}
	}
	return nil
}

// Glob returns logical paths matching pattern (fnmatch-with-`**` via
// doublestar). It is O(N) in live entries; callers wanting prefix pruning
// should call the glob-prefix-extraction helper before invoking Glob (see
// internal/client).
func (p *Provider) Glob(pattern string) ([]string, error) {
	var out []string
	for k := range p.effective() {
		ok, err := doublestar.Match(pattern, k)
		if err != nil {
			return nil, errors.NewInvalidArgument("invalid glob pattern %q: %v", pattern, err).WithComponent("manifest")
		}
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Realpath maps a logical path to its physical key. For an existing path
// it returns the stored physical key and exists=true. For a path with no
// manifest entry, it mints a fresh UUID-based physical key (path
// independent, so renames are pure metadata ops) and returns exists=false;
// callers use the minted key to place a new object before add_file/commit.
func (p *Provider) Realpath(logicalPath string) (physicalKey string, exists bool) {
	if m, ok := p.effective()[logicalPath]; ok {
		return m.PhysicalKey, true
	}
	return path.Join(ObjectsDir, uuid.NewString()), false
}

// AddFile stages a pending add of a logical path (with its already-written
// physical key in Meta.PhysicalKey). Reads through this provider instance
// see it at once; other instances see it only after CommitUpdates.
func (p *Provider) AddFile(logicalPath string, meta types.ObjectMetadata) error {
	if !p.cfg.Writable {
		return errors.NewInvalidArgument("manifest at %q is not writable", p.baseDir).WithComponent("manifest").WithOperation("add_file")
	}
	meta.Key = logicalPath
	p.pendingMu.Lock()
	delete(p.pendingRemoves, logicalPath)
	p.pendingAdds[logicalPath] = meta
	p.pendingMu.Unlock()
	return nil
}

// RemoveFile stages a pending removal of a logical path.
func (p *Provider) RemoveFile(logicalPath string) error {
	if !p.cfg.Writable {
		return errors.NewInvalidArgument("manifest at %q is not writable", p.baseDir).WithComponent("manifest").WithOperation("remove_file")
	}
	p.pendingMu.Lock()
	delete(p.pendingAdds, logicalPath)
	p.pendingRemoves[logicalPath] = true
	p.pendingMu.Unlock()
	return nil
}

// CommitUpdates atomically publishes a new manifest version containing the
// current entries plus pending adds, minus pending removes. Physical
// objects whose reference count drops to zero are deleted from the
// backend storage provider.
func (p *Provider) CommitUpdates(ctx context.Context) error {
	if !p.cfg.Writable {
		return errors.NewInvalidArgument("manifest at %q is not writable", p.baseDir).WithComponent("manifest").WithOperation("commit_updates")
	}

	p.pendingMu.Lock()
	adds := p.pendingAdds
	removes := p.pendingRemoves
	p.pendingAdds = make(map[string]types.ObjectMetadata)
	p.pendingRemoves = make(map[string]bool)
	p.pendingMu.Unlock()

	if len(adds) == 0 && len(removes) == 0 {
		return nil
	}

	p.mu.Lock()
	oldEntries := p.entries
	next := make(map[string]types.ObjectMetadata, len(oldEntries)+len(adds))
	for k, v := range oldEntries {
		next[k] = v
	}
	for k := range removes {
		delete(next, k)
	}
	for k, v := range adds {
		next[k] = v
	}

	ts, err := p.newTimestamp(ctx)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	if err := p.writeVersion(ctx, ts, next); err != nil {
		p.mu.Unlock()
		return err
	}

	p.entries = next
	p.version++
	p.mu.Unlock()

	return p.collectUnreferenced(ctx, oldEntries, next)
}

// newTimestamp computes an ISO-8601 second-precision UTC timestamp for a
// new manifest version, bumping by one second on collision with an
// existing manifest directory.
func (p *Provider) newTimestamp(ctx context.Context) (string, error) {
	t := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 120; i++ {
		ts := t.Format("2006-01-02T15:04:05+00:00")
		key := path.Join(p.baseDir, ts, ManifestIndexFilename)
		_, err := p.storage.Head(ctx, key)
		if errors.IsNotFound(err) {
			return ts, nil
		}
		if err != nil {
			return "", err
		}
		t = t.Add(time.Second)
	}
	return "", errors.NewInternal("could not find a free manifest timestamp after 120 attempts").WithComponent("manifest")
}

// writeVersion partitions entries into parts and writes them, then writes
// main.json last so its presence defines commit completion.
func (p *Provider) writeVersion(ctx context.Context, ts string, entries map[string]types.ObjectMetadata) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	var buf bytes.Buffer
	count := 0
	seq := 0

	flush := func() error {
		if count == 0 {
			return nil
		}
		partRel := path.Join(ManifestPartsChildDir, fmt.Sprintf("%s%0*d%s", ManifestPartPrefix, SequencePadding, seq, ManifestPartSuffix))
		key := path.Join(p.baseDir, ts, partRel)
		if _, err := p.storage.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), types.PutOptions{}); err != nil {
			return err
		}
		parts = append(parts, partRel)
		seq++
		count = 0
		buf.Reset()
		return nil
	}

	for _, k := range keys {
		m := entries[k]
		rec := partRecord{
			Key:           m.Key,
			PhysicalKey:   m.PhysicalKey,
			ContentLength: m.ContentLength,
			LastModified:  m.LastModified.UTC().Format(time.RFC3339),
			ETag:          m.ETag,
			Type:          string(m.Type),
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return errors.NewInternal("encode manifest record for %q: %v", k, err).WithComponent("manifest")
		}
		buf.Write(line)
		buf.WriteByte('\n')
		count++
		if count >= p.cfg.EntriesPerPart || int64(buf.Len()) >= p.cfg.BytesPerPart {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if len(parts) == 0 {
		// Always write at least one empty part so readers have a
		// well-defined (empty) sequence.
		partRel := path.Join(ManifestPartsChildDir, fmt.Sprintf("%s%0*d%s", ManifestPartPrefix, SequencePadding, 0, ManifestPartSuffix))
		key := path.Join(p.baseDir, ts, partRel)
		if _, err := p.storage.Put(ctx, key, bytes.NewReader(nil), 0, types.PutOptions{}); err != nil {
			return err
		}
		parts = append(parts, partRel)
	}

	idx := mainIndex{Parts: parts, Version: p.version + 1, CreatedAt: ts}
	body, err := json.Marshal(idx)
	if err != nil {
		return errors.NewInternal("encode manifest index: %v", err).WithComponent("manifest")
	}
	key := path.Join(p.baseDir, ts, ManifestIndexFilename)
	_, err = p.storage.Put(ctx, key, bytes.NewReader(body), int64(len(body)), types.PutOptions{})
	return err
}

// collectUnreferenced deletes physical objects whose reference count in
// the new entry set has dropped to zero: a physical key is deleted at
// commit time iff no logical entry in the new manifest still references it.
func (p *Provider) collectUnreferenced(ctx context.Context, oldEntries, newEntries map[string]types.ObjectMetadata) error {
	refs := make(map[string]int, len(newEntries))
	for _, m := range newEntries {
		if m.PhysicalKey != "" {
			refs[m.PhysicalKey]++
		}
	}
	var firstErr error
	for k, m := range oldEntries {
		if _, stillLogical := newEntries[k]; stillLogical {
			continue
		}
		if m.PhysicalKey == "" || refs[m.PhysicalKey] > 0 {
			continue
		}
		if err := p.storage.Delete(ctx, m.PhysicalKey); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
