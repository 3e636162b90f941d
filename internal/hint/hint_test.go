package hint

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// fakeBackend is a minimal in-memory provider.Provider that honors
// conditional writes, enough to exercise the lease state machine.
type fakeBackend struct {
	mu    sync.Mutex
	objs  map[string][]byte
	etags map[string]string
	seq   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objs: make(map[string][]byte), etags: make(map[string]string)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) ConditionalWriteSupport() types.ConditionalWriteSupport {
	return types.ConditionalWriteSupport{
		IfNoneMatchStar: types.CapabilityPreconditionFailed,
		IfMatchETag:     types.CapabilityPreconditionFailed,
	}
}

func (f *fakeBackend) Put(_ context.Context, key string, body io.Reader, _ int64, opts types.PutOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, exists := f.objs[key]
	if opts.IfNoneMatch == "*" && exists {
		return "", errors.NewPreconditionFailed("exists")
	}
	if opts.IfMatch != "" && f.etags[key] != opts.IfMatch {
		return "", errors.NewPreconditionFailed("etag mismatch")
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.seq++
	etag := string(rune('a' + f.seq))
	f.objs[key] = b
	f.etags[key] = etag
	return etag, nil
}

func (f *fakeBackend) Get(_ context.Context, key string, _ *types.Range) (io.ReadCloser, error) {
	f.mu.Lock()
	b, ok := f.objs[key]
	f.mu.Unlock()
	if !ok {
		return nil, errors.NewNotFound("no such key")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeBackend) Head(_ context.Context, key string) (types.ObjectMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objs[key]
	if !ok {
		return types.ObjectMetadata{}, errors.NewNotFound("no such key")
	}
	return types.ObjectMetadata{Key: key, ContentLength: int64(len(b)), ETag: f.etags[key]}, nil
}

func (f *fakeBackend) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	delete(f.objs, key)
	delete(f.etags, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) List(context.Context, string, types.ListOptions, provider.ListFunc) error { return nil }
func (f *fakeBackend) Copy(context.Context, string, string) error                               { return nil }
func (f *fakeBackend) UploadFile(context.Context, string, string) error                         { return nil }
func (f *fakeBackend) DownloadFile(context.Context, string, string) error                       { return nil }

type unsupportedBackend struct{ fakeBackend }

func (unsupportedBackend) ConditionalWriteSupport() types.ConditionalWriteSupport {
	return types.ConditionalWriteSupport{}
}

func TestNewRejectsBackendWithoutConditionalWrites(t *testing.T) {
	if _, err := New(&unsupportedBackend{fakeBackend: *newFakeBackend()}, Config{HintPrefix: "x"}); err == nil {
		t.Fatal("New() with an unsupported backend did not error")
	}
}

func TestAcquireFirstHolderSucceeds(t *testing.T) {
	backend := newFakeBackend()
	h, err := New(backend, Config{HintPrefix: "locks/cache"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ok, err := h.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !ok {
		t.Fatal("Acquire() = false, want true for first holder")
	}
	h.Release(context.Background())
}

func TestAcquireFailsWhileLeaseLive(t *testing.T) {
	backend := newFakeBackend()
	h1, _ := New(backend, Config{HintPrefix: "locks/cache", LeaseDuration: time.Hour})
	h2, _ := New(backend, Config{HintPrefix: "locks/cache", LeaseDuration: time.Hour})

	ok1, err := h1.Acquire(context.Background())
	if err != nil || !ok1 {
		t.Fatalf("h1.Acquire() = %v, %v", ok1, err)
	}
	ok2, err := h2.Acquire(context.Background())
	if err != nil {
		t.Fatalf("h2.Acquire() error = %v", err)
	}
	if ok2 {
		t.Fatal("h2.Acquire() = true while h1 holds a live lease")
	}
	h1.Release(context.Background())
}

func TestAcquireSucceedsAfterExpiry(t *testing.T) {
	backend := newFakeBackend()
	h1, _ := New(backend, Config{
		HintPrefix:        "locks/cache",
		LeaseDuration:     50 * time.Millisecond,
		Buffer:            10 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	ok1, err := h1.Acquire(context.Background())
	if err != nil || !ok1 {
		t.Fatalf("h1.Acquire() = %v, %v", ok1, err)
	}
	// Stop h1's heartbeats without releasing, simulating a crashed holder.
	h1.mu.Lock()
	close(h1.stopCh)
	h1.held = false
	h1.mu.Unlock()
	h1.wg.Wait()

	time.Sleep(100 * time.Millisecond)

	h2, _ := New(backend, Config{
		HintPrefix:        "locks/cache",
		LeaseDuration:     50 * time.Millisecond,
		Buffer:            10 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	ok2, err := h2.Acquire(context.Background())
	if err != nil {
		t.Fatalf("h2.Acquire() error = %v", err)
	}
	if !ok2 {
		t.Fatal("h2.Acquire() = false after h1's lease expired")
	}
	h2.Release(context.Background())
}

func TestReleaseClearsLease(t *testing.T) {
	backend := newFakeBackend()
	h, _ := New(backend, Config{HintPrefix: "locks/cache"})
	h.Acquire(context.Background())
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := backend.Head(context.Background(), h.leaseKey()); !errors.IsNotFound(err) {
		t.Fatalf("lease object still present after Release(): %v", err)
	}
}
