// Package config loads and validates the YAML configuration that
// describes profiles (storage/credentials/metadata providers), the
// shared cache, and (as an opaque passthrough) opentelemetry settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
	"github.com/objectfs/objectfs/pkg/utils"
)

// ComponentConfig names a pluggable component's type and its
// backend-specific options.
type ComponentConfig struct {
	Type    string                 `yaml:"type"`
	Options map[string]interface{} `yaml:"options"`
}

// ProfileConfig is one named configuration bundle.
type ProfileConfig struct {
	StorageProvider     ComponentConfig       `yaml:"storage_provider"`
	ProviderBundle      *ComponentConfig      `yaml:"provider_bundle"`
	CredentialsProvider *ComponentConfig      `yaml:"credentials_provider"`
	MetadataProvider    *ComponentConfig      `yaml:"metadata_provider"`
	CircuitBreaker      *CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the circuit breaker guarding this profile's
// backend calls. Not spec-mandated (spec.md is silent on backend health
// isolation) but carried as ambient resilience infrastructure the way the
// teacher pairs a circuit breaker with its retry wrapper; omitted fields
// fall back to the package defaults.
type CircuitBreakerConfig struct {
	MaxRequests     uint32 `yaml:"max_requests"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// EvictionPolicyConfig configures the cache's eviction strategy.
type EvictionPolicyConfig struct {
	Policy          types.EvictionPolicyKind `yaml:"policy"`
	RefreshInterval int                      `yaml:"refresh_interval"`
}

// CacheBackendConfig optionally routes cached payloads to a storage
// provider profile instead of a local directory.
type CacheBackendConfig struct {
	CachePath              string `yaml:"cache_path"`
	StorageProviderProfile string `yaml:"storage_provider_profile"`
}

// CacheConfig is the top-level `cache:` section.
type CacheConfig struct {
	Size           string               `yaml:"size"`
	UseETag        bool                 `yaml:"use_etag"`
	EvictionPolicy EvictionPolicyConfig `yaml:"eviction_policy"`
	CacheBackend   CacheBackendConfig   `yaml:"cache_backend"`
}

// Config is the root of a loaded YAML/JSON configuration document.
type Config struct {
	Profiles      map[string]ProfileConfig `yaml:"profiles"`
	Cache         *CacheConfig             `yaml:"cache"`
	OpenTelemetry map[string]interface{}   `yaml:"opentelemetry"`
}

// Load reads, expands environment variables in, and validates the
// configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewInvalidArgument("read config file %q: %v", path, err).WithComponent("config")
	}
	return Parse(raw)
}

// Parse decodes raw YAML (or JSON, which is a YAML subset) bytes into a
// validated Config, expanding ${VAR}/$VAR references first.
func Parse(raw []byte) (*Config, error) {
	var node map[string]interface{}
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, errors.NewInvalidArgument("parse config: %v", err).WithComponent("config")
	}

	expanded, err := ExpandEnvVars(node)
	if err != nil {
		return nil, err
	}

	reencoded, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, errors.NewInternal("re-encode expanded config: %v", err).WithComponent("config")
	}

	var cfg Config
	if err := yaml.Unmarshal(reencoded, &cfg); err != nil {
		return nil, errors.NewInvalidArgument("decode config: %v", err).WithComponent("config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadMerged reads and merges one or more YAML/JSON configuration files, in
// order, into a single validated Config. Later files may add new profiles
// or cache settings but may not redefine a key a earlier file already set;
// any such collision is reported as an error naming every conflicting key
// path, rather than silently letting the last file win. This lets a
// deployment split a shared base configuration (common profiles, cache
// settings) from a host-local file (credentials, paths) without one
// accidentally shadowing the other.
func LoadMerged(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, errors.NewInvalidArgument("LoadMerged requires at least one path").WithComponent("config")
	}
	merged := map[string]interface{}{}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.NewInvalidArgument("read config file %q: %v", path, err).WithComponent("config")
		}
		var node map[string]interface{}
		if err := yaml.Unmarshal(raw, &node); err != nil {
			return nil, errors.NewInvalidArgument("parse config file %q: %v", path, err).WithComponent("config")
		}
		var conflicts []utils.MergeConflict
		merged, conflicts = utils.MergeDictionariesNoOverwrite(merged, node)
		if len(conflicts) > 0 {
			return nil, errors.NewInvalidArgument(
				"config file %q redefines key(s) already set by an earlier file: %v", path, conflicts,
			).WithComponent("config")
		}
	}
	reencoded, err := yaml.Marshal(merged)
	if err != nil {
		return nil, errors.NewInternal("re-encode merged config: %v", err).WithComponent("config")
	}
	return Parse(reencoded)
}

// Validate enforces the configuration's normative rejections.
func (c *Config) Validate() error {
	if len(c.Profiles) == 0 {
		return errors.NewInvalidArgument("config must declare at least one profile under \"profiles\"").WithComponent("config")
	}
	for name, p := range c.Profiles {
		hasProvider := p.StorageProvider.Type != ""
		if hasProvider && p.ProviderBundle != nil {
			return errors.NewInvalidArgument(
				"profile %q sets both storage_provider and provider_bundle; these are mutually exclusive", name,
			).WithComponent("config")
		}
		if !hasProvider && p.ProviderBundle == nil {
			return errors.NewInvalidArgument("profile %q declares neither storage_provider nor provider_bundle", name).WithComponent("config")
		}
	}
	if c.Cache != nil {
		switch c.Cache.EvictionPolicy.Policy {
		case "", types.EvictionFIFO, types.EvictionLRU, types.EvictionRandom, types.EvictionNoEviction:
		default:
			return errors.NewInvalidArgument("unknown eviction policy type %q", c.Cache.EvictionPolicy.Policy).WithComponent("config")
		}
	}
	return nil
}

// UnmarshalYAML rejects the eviction_policy being given as a bare string
// scalar instead of a mapping.
func (e *EvictionPolicyConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var probe interface{}
	if err := unmarshal(&probe); err != nil {
		return err
	}
	if _, isString := probe.(string); isString {
		return fmt.Errorf("eviction_policy must be a mapping with a \"policy\" field, not a bare string")
	}
	type plain EvictionPolicyConfig
	var p plain
	reencoded, err := yaml.Marshal(probe)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(reencoded, &p); err != nil {
		return err
	}
	*e = EvictionPolicyConfig(p)
	return nil
}

// ParseSize parses a human-readable size like "50M", "2GB", or a bare
// byte count into bytes.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	var num float64
	var suffix string
	n, err := fmt.Sscanf(s, "%f%s", &num, &suffix)
	if n == 0 || err != nil && n < 1 {
		return 0, errors.NewInvalidArgument("invalid size %q", s).WithComponent("config")
	}
	mult := int64(1)
	switch suffix {
	case "", "B":
		mult = 1
	case "K", "KB":
		mult = 1 << 10
	case "M", "MB":
		mult = 1 << 20
	case "G", "GB":
		mult = 1 << 30
	case "T", "TB":
		mult = 1 << 40
	default:
		return 0, errors.NewInvalidArgument("unrecognized size suffix %q in %q", suffix, s).WithComponent("config")
	}
	return int64(num * float64(mult)), nil
}
