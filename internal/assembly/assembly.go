// Package assembly wires a loaded config.Config into live StorageClients:
// it registers every backend factory with a provider.Registry and exposes
// a resolver.ClientFactory that builds a profile's provider, optional
// manifest metadata provider, and optional shared cache (with its
// distributed-hint-coordinated refresher) from that profile's
// configuration. This is the "profile assembly" the registry delegates to
// rather than owning itself, keeping backend wiring decoupled from URI
// resolution.
package assembly

import (
	"context"
	"time"

	"github.com/objectfs/objectfs/internal/cache"
	"github.com/objectfs/objectfs/internal/circuitbreaker"
	"github.com/objectfs/objectfs/internal/client"
	"github.com/objectfs/objectfs/internal/config"
	"github.com/objectfs/objectfs/internal/hint"
	"github.com/objectfs/objectfs/internal/manifest"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/internal/provider/ais"
	"github.com/objectfs/objectfs/internal/provider/azure"
	"github.com/objectfs/objectfs/internal/provider/file"
	"github.com/objectfs/objectfs/internal/provider/ftp"
	"github.com/objectfs/objectfs/internal/provider/gcs"
	"github.com/objectfs/objectfs/internal/provider/oci"
	"github.com/objectfs/objectfs/internal/provider/s3"
	"github.com/objectfs/objectfs/internal/provider/swiftstack"
	"github.com/objectfs/objectfs/internal/resolver"
	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/logging"
	"github.com/objectfs/objectfs/pkg/types"
)

// NewProviderRegistry returns a provider.Registry with every backend this
// module supports registered under its config "type" string.
func NewProviderRegistry() *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register("file", file.Factory)
	reg.Register("s3", s3.Factory)
	reg.Register("azure", azure.Factory)
	reg.Register("gcs", gcs.Factory)
	reg.Register("oci", oci.Factory)
	reg.Register("ais", ais.Factory)
	reg.Register("swiftstack", swiftstack.Factory)
	reg.Register("ftp", ftp.Factory)
	return reg
}

// HintPrefix is the well-known path, relative to a cache's backing
// storage, where its distributed refresh coordination lease lives.
const HintPrefix = ".msc_cache_hint"

// Builder assembles StorageClients for the profiles of one loaded Config.
type Builder struct {
	Providers *provider.Registry
	Config    *config.Config
	Logger    *logging.Logger

	// Breakers hands out one circuit breaker per profile, built from that
	// profile's circuit_breaker config (or the package defaults) the
	// first time the profile is assembled.
	Breakers *circuitbreaker.Manager
}

// NewBuilder constructs a Builder over cfg using the default provider
// registry. A nil logger defaults to logging.Nop().
func NewBuilder(cfg *config.Config, logger *logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Builder{Providers: NewProviderRegistry(), Config: cfg, Logger: logger, Breakers: circuitbreaker.NewManager(logger)}
}

// NewRegistry builds the resolver.Registry that ties this Builder's
// ClientFactory to cfg.
func (b *Builder) NewRegistry() *resolver.Registry {
	return resolver.NewRegistry(b.Config, b.BuildClient)
}

// BuildClient implements resolver.ClientFactory: it constructs the
// provider, optional manifest metadata provider, and optional cache for
// one named profile.
func (b *Builder) BuildClient(ctx context.Context, profileName string, profileCfg config.ProfileConfig, cacheCfg *config.CacheConfig) (*client.StorageClient, error) {
	storageProvider, err := b.buildProvider(ctx, profileCfg.StorageProvider)
	if err != nil {
		return nil, err
	}

	var metaProvider *manifest.Provider
	if profileCfg.MetadataProvider != nil {
		metaProvider, err = b.buildMetadataProvider(ctx, storageProvider, *profileCfg.MetadataProvider)
		if err != nil {
			return nil, err
		}
	}

	var cacheInst *cache.Cache
	var cacheHint *hint.Hint
	if cacheCfg != nil {
		cacheInst, cacheHint, err = b.buildCache(ctx, profileName, *cacheCfg)
		if err != nil {
			return nil, err
		}
	}

	breaker := b.Breakers.GetOrCreate(profileName, circuitbreaker.ForProviderConfig(breakerConfig(profileCfg.CircuitBreaker)))

	log := b.Logger.WithComponent("assembly").With(logging.F("profile", profileName))
	log.Info("assembled storage client",
		logging.F("backend", profileCfg.StorageProvider.Type),
		logging.F("manifest", metaProvider != nil),
		logging.F("cache", cacheInst != nil))

	return client.New(client.Config{
		Profile:   profileName,
		Provider:  storageProvider,
		Metadata:  metaProvider,
		Cache:     cacheInst,
		CacheHint: cacheHint,
		Breaker:   breaker,
		Logger:    b.Logger,
	}), nil
}

// breakerConfig translates a profile's optional circuit_breaker section
// into a circuitbreaker.Config, falling back to the package defaults for
// an unset section or any zero-valued field within it.
func breakerConfig(cc *config.CircuitBreakerConfig) circuitbreaker.Config {
	if cc == nil {
		return circuitbreaker.Config{}
	}
	cfg := circuitbreaker.Config{MaxRequests: cc.MaxRequests}
	if cc.IntervalSeconds > 0 {
		cfg.Interval = time.Duration(cc.IntervalSeconds) * time.Second
	}
	if cc.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(cc.TimeoutSeconds) * time.Second
	}
	return cfg
}

func (b *Builder) buildProvider(ctx context.Context, cc config.ComponentConfig) (provider.Provider, error) {
	if cc.Type == "" {
		return nil, errors.NewInvalidArgument("profile has no storage_provider type configured").WithComponent("assembly")
	}
	return b.Providers.Build(ctx, cc.Type, cc.Options)
}

func (b *Builder) buildMetadataProvider(ctx context.Context, storage provider.Provider, cc config.ComponentConfig) (*manifest.Provider, error) {
	if cc.Type != "manifest" {
		return nil, errors.NewInvalidArgument("unrecognized metadata_provider type %q", cc.Type).WithComponent("assembly")
	}
	mcfg := manifest.Config{Writable: true}
	if v, ok := cc.Options["manifest_path"].(string); ok && v != "" {
		mcfg.ManifestBaseDir = v
	}
	if v, ok := cc.Options["writable"].(bool); ok {
		mcfg.Writable = v
	}
	if v, ok := cc.Options["entries_per_part"].(int); ok {
		mcfg.EntriesPerPart = v
	}
	return manifest.New(ctx, storage, mcfg)
}

// buildCache constructs a profile's shared cache and, when the cache's
// backing storage supports the conditional writes a distributed hint
// requires, the lease used to coordinate its refresher across processes.
func (b *Builder) buildCache(ctx context.Context, profileName string, cc config.CacheConfig) (*cache.Cache, *hint.Hint, error) {
	sizeLimit, err := config.ParseSize(cc.Size)
	if err != nil {
		return nil, nil, err
	}

	var backend provider.Provider
	if cc.CacheBackend.StorageProviderProfile != "" {
		otherCfg, ok := b.Config.Profiles[cc.CacheBackend.StorageProviderProfile]
		if !ok {
			return nil, nil, errors.NewInvalidArgument(
				"cache_backend storage_provider_profile %q is not a configured profile", cc.CacheBackend.StorageProviderProfile,
			).WithComponent("assembly")
		}
		backend, err = b.buildProvider(ctx, otherCfg.StorageProvider)
		if err != nil {
			return nil, nil, err
		}
	}

	cachePath := cc.CacheBackend.CachePath
	if cachePath == "" {
		cachePath = "msc_cache/" + profileName
	}

	c, err := cache.New(cache.Config{
		SizeLimitBytes:         sizeLimit,
		UseETag:                cc.UseETag,
		EvictionPolicy:         cc.EvictionPolicy.Policy,
		RefreshIntervalSeconds: cc.EvictionPolicy.RefreshInterval,
		CachePath:              cachePath,
		StorageProviderProfile: cc.CacheBackend.StorageProviderProfile,
		Logger:                 b.Logger,
	}, profileName, backend, nil)
	if err != nil {
		return nil, nil, err
	}

	// The hint coordinating refresh must be held over the cache root
	// itself, not the profile's own storage: a two-tier cache's backend
	// already IS the cache root, but a local-directory cache has no
	// provider of its own, so mint a file provider rooted at it.
	hintStorage := backend
	if hintStorage == nil {
		hintStorage, err = file.New(file.Config{BasePath: cachePath})
		if err != nil {
			return c, nil, nil
		}
	}
	caps := hintStorage.ConditionalWriteSupport()
	if caps.IfNoneMatchStar == types.CapabilityUnsupported || caps.IfMatchETag == types.CapabilityUnsupported {
		// This backend can't host the lease; refresh runs uncoordinated
		// (every caller sweeps independently, which is still correct,
		// only less efficient across a fleet).
		return c, nil, nil
	}
	hintPrefix := HintPrefix
	if backend != nil {
		hintPrefix = cachePath + "/" + HintPrefix
	}
	h, err := hint.New(hintStorage, hint.Config{HintPrefix: hintPrefix, Logger: b.Logger})
	if err != nil {
		return c, nil, nil
	}
	return c, h, nil
}
