// Package ais implements the AIStore backend. AIStore exposes an S3-
// compatible API gateway (ais/backend/aws.go and its S3 proxy), so this
// provider is a thin configuration wrapper around the S3 provider rather
// than a second implementation of the same wire protocol.
package ais

import (
	"context"

	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/internal/provider/s3"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
)

// Config configures the AIStore backend: a bucket behind an AIStore S3
// gateway endpoint.
type Config struct {
	Bucket   string `yaml:"bucket"`
	Endpoint string `yaml:"endpoint"`
}

// New constructs a Provider backed by AIStore's S3-compatible gateway.
func New(ctx context.Context, cfg Config) (provider.Provider, error) {
	if cfg.Endpoint == "" {
		return nil, objerrors.NewInvalidArgument("ais provider requires an endpoint").WithComponent("ais")
	}
	return s3.NewNamed(ctx, s3.Config{
		Bucket:         cfg.Bucket,
		Endpoint:       cfg.Endpoint,
		ForcePathStyle: true,
	}, "ais")
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
