// Package swiftstack implements the SwiftStack backend. SwiftStack speaks
// the S3 API through its own gateway, so this provider is a thin
// configuration wrapper around the S3 provider rather than a second
// implementation of the same wire protocol.
package swiftstack

import (
	"context"

	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/internal/provider/s3"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
)

// Config configures the SwiftStack backend: a bucket/container behind a
// SwiftStack S3-compatible gateway endpoint.
type Config struct {
	Bucket   string `yaml:"bucket"`
	Endpoint string `yaml:"endpoint"`
}

// New constructs a Provider backed by SwiftStack's S3-compatible gateway.
func New(ctx context.Context, cfg Config) (provider.Provider, error) {
	if cfg.Endpoint == "" {
		return nil, objerrors.NewInvalidArgument("swiftstack provider requires an endpoint").WithComponent("swiftstack")
	}
	return s3.NewNamed(ctx, s3.Config{
		Bucket:         cfg.Bucket,
		Endpoint:       cfg.Endpoint,
		ForcePathStyle: true,
	}, "swiftstack")
}

// Factory adapts New to provider.Factory.
func Factory(ctx context.Context, options map[string]interface{}) (provider.Provider, error) {
	cfg := Config{}
	if v, ok := options["bucket"].(string); ok {
		cfg.Bucket = v
	}
	if v, ok := options["endpoint"].(string); ok {
		cfg.Endpoint = v
	}
	return New(ctx, cfg)
}
