package client

import (
	"context"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/objectfs/objectfs/pkg/types"
	"github.com/objectfs/objectfs/pkg/utils"
)

// Glob returns logical paths matching pattern. It extracts the pattern's
// literal prefix to minimize the underlying listing, then filters full
// keys with doublestar so `**` matches zero or more path segments, `*`
// matches any run not containing `/`, and `?` matches one non-`/`
// character.
func (c *StorageClient) Glob(ctx context.Context, pattern string) ([]string, error) {
	if c.metadata != nil {
		all, err := c.metadata.Glob(pattern)
		if err != nil {
			return nil, err
		}
		return all, nil
	}

	prefix := utils.ExtractPrefixFromGlob(pattern)
	var matches []string
	err := c.List(ctx, prefix, types.ListOptions{}, func(m types.ObjectMetadata) error {
		ok, err := doublestar.Match(pattern, m.Key)
		if err != nil {
			return err
		}
		if ok {
			matches = append(matches, m.Key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}
