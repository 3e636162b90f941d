package client

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/objectfs/objectfs/internal/manifest"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// fakeProvider is a minimal in-memory provider.Provider used to exercise
// the StorageClient facade without a real backend.
type fakeProvider struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func newFakeProvider() *fakeProvider { return &fakeProvider{objs: make(map[string][]byte)} }

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ConditionalWriteSupport() types.ConditionalWriteSupport {
	return types.ConditionalWriteSupport{
		IfNoneMatchStar: types.CapabilityPreconditionFailed,
		IfNoneMatchETag: types.CapabilityPreconditionFailed,
		IfMatchETag:     types.CapabilityPreconditionFailed,
	}
}

func (f *fakeProvider) Put(_ context.Context, key string, body io.Reader, _ int64, opts types.PutOptions) (string, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, exists := f.objs[key]
	if opts.IfNoneMatch == "*" && exists {
		return "", errors.NewPreconditionFailed("exists").WithComponent("fake")
	}
	f.objs[key] = b
	return "etag", nil
}

func (f *fakeProvider) Get(_ context.Context, key string, rng *types.Range) (io.ReadCloser, error) {
	f.mu.Lock()
	b, ok := f.objs[key]
	f.mu.Unlock()
	if !ok {
		return nil, errors.NewNotFound("no such key %q", key).WithComponent("fake")
	}
	if rng != nil {
		end := rng.End()
		if end > int64(len(b)) {
			end = int64(len(b))
		}
		b = b[rng.Offset:end]
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeProvider) Head(_ context.Context, key string) (types.ObjectMetadata, error) {
	f.mu.Lock()
	b, ok := f.objs[key]
	f.mu.Unlock()
	if !ok {
		return types.ObjectMetadata{}, errors.NewNotFound("no such key %q", key).WithComponent("fake")
	}
	return types.ObjectMetadata{Key: key, ContentLength: int64(len(b)), Type: types.ObjectTypeFile, ETag: "etag"}, nil
}

func (f *fakeProvider) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	delete(f.objs, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) List(_ context.Context, prefix string, opts types.ListOptions, fn provider.ListFunc) error {
	f.mu.Lock()
	var keys []string
	for k := range f.objs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)
	n := 0
	for _, k := range keys {
		f.mu.Lock()
		b := f.objs[k]
		f.mu.Unlock()
		if err := fn(types.ObjectMetadata{Key: k, ContentLength: int64(len(b)), Type: types.ObjectTypeFile, ETag: "etag"}); err != nil {
			return err
		}
		n++
		if opts.Limit > 0 && n >= opts.Limit {
			return nil
		}
	}
	return nil
}

func (f *fakeProvider) Copy(ctx context.Context, src, dest string) error {
	f.mu.Lock()
	b, ok := f.objs[src]
	f.mu.Unlock()
	if !ok {
		return errors.NewNotFound("no such key %q", src).WithComponent("fake")
	}
	f.mu.Lock()
	f.objs[dest] = b
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) UploadFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	f.objs[key] = []byte("uploaded")
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) DownloadFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	_, ok := f.objs[key]
	f.mu.Unlock()
	if !ok {
		return errors.NewNotFound("no such key %q", key).WithComponent("fake")
	}
	return nil
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	c := New(Config{Profile: "default", Provider: newFakeProvider()})
	ctx := context.Background()

	if err := c.Write(ctx, "a.txt", []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := c.Read(ctx, "a.txt")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read() = %q, want %q", got, "hello")
	}
}

func TestWriteThenReadRoundTripsWithManifest(t *testing.T) {
	ctx := context.Background()
	storage := newFakeProvider()
	m, err := manifest.New(ctx, storage, manifest.Config{ManifestBaseDir: "manifests", Writable: true})
	if err != nil {
		t.Fatalf("manifest.New() error = %v", err)
	}
	c := New(Config{Profile: "default", Provider: storage, Metadata: m})

	if err := c.Write(ctx, "a.txt", []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	// Read-your-own-write before commit, through the same client.
	got, err := c.Read(ctx, "a.txt")
	if err != nil {
		t.Fatalf("Read() before commit error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read() before commit = %q, want %q", got, "hello")
	}

	if err := c.CommitUpdates(ctx); err != nil {
		t.Fatalf("CommitUpdates() error = %v", err)
	}

	// A fresh manifest instance over the same storage only sees committed state.
	m2, err := manifest.New(ctx, storage, manifest.Config{ManifestBaseDir: "manifests", Writable: true})
	if err != nil {
		t.Fatalf("manifest.New() (reload) error = %v", err)
	}
	if _, err := m2.Info("a.txt"); err != nil {
		t.Fatalf("Info() on reloaded manifest error = %v", err)
	}
}

func TestInfoOnMissingPathIsNotFound(t *testing.T) {
	c := New(Config{Profile: "default", Provider: newFakeProvider()})
	_, err := c.Info(context.Background(), "missing.txt")
	if !errors.IsNotFound(err) {
		t.Fatalf("Info() on a missing path error = %v, want NotFound", err)
	}
}

func TestGlobMatchesAcrossDirectories(t *testing.T) {
	ctx := context.Background()
	storage := newFakeProvider()
	c := New(Config{Profile: "default", Provider: storage})
	for _, k := range []string{"a/1.txt", "a/2.txt", "b/3.txt"} {
		if err := c.Write(ctx, k, []byte("x")); err != nil {
			t.Fatalf("Write(%q) error = %v", k, err)
		}
	}
	matches, err := c.Glob(ctx, "a/*.txt")
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Glob() = %v, want 2 matches", matches)
	}
}

func TestSyncCopiesMissingAndDeletesUnmatched(t *testing.T) {
	ctx := context.Background()
	srcStorage := newFakeProvider()
	dstStorage := newFakeProvider()
	src := New(Config{Profile: "src", Provider: srcStorage})
	dst := New(Config{Profile: "dst", Provider: dstStorage})

	if err := src.Write(ctx, "src/keep.txt", []byte("keep")); err != nil {
		t.Fatal(err)
	}
	if err := dst.Write(ctx, "dst/stale.txt", []byte("stale")); err != nil {
		t.Fatal(err)
	}

	if err := Sync(ctx, src, "src/", dst, "dst/", SyncOptions{DeleteUnmatched: true}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if _, err := dst.Info(ctx, "dst/keep.txt"); err != nil {
		t.Fatalf("expected synced entry to exist, Info() error = %v", err)
	}
	if _, err := dst.Info(ctx, "dst/stale.txt"); !errors.IsNotFound(err) {
		t.Fatalf("expected stale entry to be deleted, Info() error = %v", err)
	}
}

func TestSyncRejectsOverlappingSameProfilePrefixes(t *testing.T) {
	ctx := context.Background()
	storage := newFakeProvider()
	c := New(Config{Profile: "same", Provider: storage})

	err := Sync(ctx, c, "a/", c, "a/sub/", SyncOptions{})
	if err == nil {
		t.Fatal("Sync() did not reject overlapping source/target prefixes within the same profile")
	}
}
