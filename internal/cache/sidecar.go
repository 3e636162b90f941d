package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// indexEntry is a single sidecar index row.
type indexEntry struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
	ETag       string    `json:"etag,omitempty"`
}

type indexFile struct {
	Entries map[string]indexEntry `json:"entries"`
}

// sidecarIndex is the single JSON file tracking entry sizes and
// timestamps for a Cache. All mutations take an advisory file lock
// so
// concurrent processes sharing a cache directory don't corrupt it; an
// in-process mutex serializes goroutines within this process so they
// don't interleave lock/unlock cycles against each other.
type sidecarIndex struct {
	path    string
	lock    *flock.Flock
	backend provider.Provider // when set, the index itself also lives on the storage provider

	mu   sync.Mutex
	data indexFile // in-memory mirror, refreshed under lock on each mutation
}

func newSidecarIndex(path string, backend provider.Provider) (*sidecarIndex, error) {
	idx := &sidecarIndex{
		path:    path,
		lock:    flock.New(path + ".lock"),
		backend: backend,
		data:    indexFile{Entries: make(map[string]indexEntry)},
	}
	if err := idx.reload(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *sidecarIndex) withLock(fn func() error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.lock.Lock(); err != nil {
		return errors.NewInternal("acquire cache index lock: %v", err).WithComponent("cache")
	}
	defer i.lock.Unlock()
	if err := i.reloadLocked(); err != nil {
		return err
	}
	return fn()
}

func (i *sidecarIndex) reload() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.lock.Lock(); err != nil {
		return errors.NewInternal("acquire cache index lock: %v", err).WithComponent("cache")
	}
	defer i.lock.Unlock()
	return i.reloadLocked()
}

func (i *sidecarIndex) reloadLocked() error {
	var raw []byte
	var err error
	if i.backend == nil {
		raw, err = os.ReadFile(i.path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return errors.NewInternal("read cache index: %v", err).WithComponent("cache")
		}
	} else {
		rc, gerr := i.backend.Get(context.Background(), i.path, nil)
		if errors.IsNotFound(gerr) {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		defer rc.Close()
		raw, err = io.ReadAll(rc)
		if err != nil {
			return errors.NewInternal("read cache index: %v", err).WithComponent("cache")
		}
	}
	if len(raw) == 0 {
		return nil
	}
	var data indexFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return errors.NewInternal("decode cache index: %v", err).WithComponent("cache")
	}
	if data.Entries == nil {
		data.Entries = make(map[string]indexEntry)
	}
	i.data = data
	return nil
}

func (i *sidecarIndex) persistLocked() error {
	raw, err := json.Marshal(i.data)
	if err != nil {
		return errors.NewInternal("encode cache index: %v", err).WithComponent("cache")
	}
	if i.backend == nil {
		tmp := i.path + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o644); err != nil {
			return errors.NewInternal("write cache index: %v", err).WithComponent("cache")
		}
		return os.Rename(tmp, i.path)
	}
	_, err = i.backend.Put(context.Background(), i.path, bytes.NewReader(raw), int64(len(raw)), types.PutOptions{})
	return err
}

func (i *sidecarIndex) has(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.data.Entries[key]
	return ok
}

func (i *sidecarIndex) put(key string, size int64) error {
	now := time.Now().UTC()
	return i.withLock(func() error {
		e, exists := i.data.Entries[key]
		if !exists {
			e.CreatedAt = now
		}
		e.Key = key
		e.Size = size
		e.AccessedAt = now
		i.data.Entries[key] = e
		return i.persistLocked()
	})
}

func (i *sidecarIndex) touch(key string) error {
	return i.withLock(func() error {
		e, ok := i.data.Entries[key]
		if !ok {
			return nil
		}
		e.AccessedAt = time.Now().UTC()
		i.data.Entries[key] = e
		return i.persistLocked()
	})
}

func (i *sidecarIndex) remove(key string) error {
	return i.withLock(func() error {
		delete(i.data.Entries, key)
		return i.persistLocked()
	})
}

func (i *sidecarIndex) snapshot() []indexEntry {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]indexEntry, 0, len(i.data.Entries))
	for _, e := range i.data.Entries {
		out = append(out, e)
	}
	return out
}

func (i *sidecarIndex) totalSize() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	var total int64
	for _, e := range i.data.Entries {
		total += e.Size
	}
	return total
}
