// Package resolver implements URI resolution and the process-wide
// StorageClient registry: resolve_storage_client(uri) returns the client
// owning a profile plus the backend-relative path within it, constructing
// that client on first use and handing back the same instance to every
// later caller for the same profile.
package resolver

import (
	"context"
	"strings"
	"sync"

	"github.com/objectfs/objectfs/internal/client"
	"github.com/objectfs/objectfs/internal/config"
	"github.com/objectfs/objectfs/pkg/errors"
)

// DefaultProfile is the implicit profile backing bare absolute paths and
// file:// URIs.
const DefaultProfile = "default"

// ClientFactory builds a StorageClient for profileName from its
// configuration. Supplied by the caller so the registry stays decoupled
// from how a profile's provider/metadata/cache components get wired.
type ClientFactory func(ctx context.Context, profileName string, profile config.ProfileConfig, cache *config.CacheConfig) (*client.StorageClient, error)

// Registry maps profile_name -> *client.StorageClient, threadsafe and
// serialized by a single lock so concurrent first-use callers for the
// same profile receive the identical instance rather than racing
// duplicate constructions.
type Registry struct {
	mu      sync.Mutex
	cfg     *config.Config
	build   ClientFactory
	clients map[string]*client.StorageClient
}

// NewRegistry constructs a Registry over cfg, using build to construct a
// StorageClient the first time a profile is referenced.
func NewRegistry(cfg *config.Config, build ClientFactory) *Registry {
	return &Registry{cfg: cfg, build: build, clients: make(map[string]*client.StorageClient)}
}

// Resolve parses uriOrPath and returns the StorageClient owning its
// profile plus the path within that profile's backend.
func (r *Registry) Resolve(ctx context.Context, uriOrPath string) (*client.StorageClient, string, error) {
	profileName, backendPath, err := ParseURI(uriOrPath)
	if err != nil {
		return nil, "", err
	}
	c, err := r.clientFor(ctx, profileName)
	if err != nil {
		return nil, "", err
	}
	return c, backendPath, nil
}

func (r *Registry) clientFor(ctx context.Context, profileName string) (*client.StorageClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[profileName]; ok {
		return c, nil
	}

	profileCfg, ok := r.cfg.Profiles[profileName]
	if !ok {
		if profileName != DefaultProfile {
			return nil, errors.NewInvalidArgument("unknown profile %q", profileName).WithComponent("resolver")
		}
		// The implicit default profile needs no configuration entry: it
		// roots bare absolute paths at "/" on the local filesystem.
		profileCfg = config.ProfileConfig{
			StorageProvider: config.ComponentConfig{Type: "file", Options: map[string]interface{}{"base_path": "/"}},
		}
	}

	c, err := r.build(ctx, profileName, profileCfg, r.cfg.Cache)
	if err != nil {
		return nil, err
	}
	r.clients[profileName] = c
	return c, nil
}

// ParseURI resolves a caller-supplied URI or path into a profile name and
// a backend-relative path:
//
//   - "msc://<profile>/<path>" resolves to that profile and path.
//   - "file:///absolute/path" and "/absolute/path" resolve to the implicit
//     default profile rooted at "/".
//   - Any other scheme, or a relative path, is a hard error.
func ParseURI(uri string) (profileName, backendPath string, err error) {
	switch {
	case strings.HasPrefix(uri, "msc://"):
		rest := strings.TrimPrefix(uri, "msc://")
		if rest == "" {
			return "", "", errors.NewInvalidArgument("msc:// URI %q names no profile", uri).WithComponent("resolver")
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return rest[:idx], rest[idx+1:], nil
		}
		return rest, "", nil
	case strings.HasPrefix(uri, "file://"):
		return DefaultProfile, strings.TrimPrefix(strings.TrimPrefix(uri, "file://"), "/"), nil
	case strings.HasPrefix(uri, "/"):
		return DefaultProfile, strings.TrimPrefix(uri, "/"), nil
	case strings.Contains(uri, "://"):
		return "", "", errors.NewInvalidArgument("unsupported URI scheme in %q", uri).WithComponent("resolver")
	default:
		return "", "", errors.NewInvalidArgument("relative path %q is not resolvable without a profile URI", uri).WithComponent("resolver")
	}
}
