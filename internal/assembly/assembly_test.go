package assembly

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/objectfs/objectfs/internal/config"
)

func TestBuildClientPlainFileProfile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Profiles: map[string]config.ProfileConfig{
		"p": {StorageProvider: config.ComponentConfig{Type: "file", Options: map[string]interface{}{"base_path": dir}}},
	}}
	b := NewBuilder(cfg, nil)
	reg := b.NewRegistry()

	c, path, err := reg.Resolve(context.Background(), "msc://p/a/b.txt")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if path != "a/b.txt" {
		t.Fatalf("path = %q, want a/b.txt", path)
	}

	ctx := context.Background()
	if err := c.Write(ctx, path, []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := c.Read(ctx, path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read() = %q, want %q", got, "hello")
	}
}

func TestBuildClientWithManifestAndCache(t *testing.T) {
	storeDir := t.TempDir()
	cacheDir := t.TempDir()
	cfg := &config.Config{
		Profiles: map[string]config.ProfileConfig{
			"p": {
				StorageProvider: config.ComponentConfig{Type: "file", Options: map[string]interface{}{"base_path": storeDir}},
				MetadataProvider: &config.ComponentConfig{
					Type:    "manifest",
					Options: map[string]interface{}{"manifest_path": "msc_manifests"},
				},
			},
		},
		Cache: &config.CacheConfig{
			Size:    "1M",
			UseETag: false,
			EvictionPolicy: config.EvictionPolicyConfig{
				Policy:          "LRU",
				RefreshInterval: 60,
			},
			CacheBackend: config.CacheBackendConfig{CachePath: filepath.Join(cacheDir, "p")},
		},
	}
	b := NewBuilder(cfg, nil)
	reg := b.NewRegistry()

	ctx := context.Background()
	c, _, err := reg.Resolve(ctx, "msc://p/dir/file.txt")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if err := c.Write(ctx, "dir/file.txt", []byte("payload")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := c.CommitUpdates(ctx); err != nil {
		t.Fatalf("CommitUpdates() error = %v", err)
	}

	got, err := c.Read(ctx, "dir/file.txt")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("Read() = %q, want %q", got, "payload")
	}

	if err := c.MaintainCache(ctx); err != nil {
		t.Fatalf("MaintainCache() error = %v", err)
	}
}

func TestBuildClientRejectsUnknownBackend(t *testing.T) {
	cfg := &config.Config{Profiles: map[string]config.ProfileConfig{
		"p": {StorageProvider: config.ComponentConfig{Type: "not-a-backend"}},
	}}
	b := NewBuilder(cfg, nil)
	reg := b.NewRegistry()
	if _, _, err := reg.Resolve(context.Background(), "msc://p/x"); err == nil {
		t.Fatal("Resolve() did not reject an unregistered backend type")
	}
}
