package client

import (
	"context"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
	"github.com/objectfs/objectfs/pkg/utils"
)

// SyncOptions configures Sync.
type SyncOptions struct {
	// DeleteUnmatched additionally removes target entries not present
	// under the source prefix.
	DeleteUnmatched bool
	// ContinueOnError keeps syncing remaining entries after a per-entry
	// failure instead of stopping immediately; all failures are still
	// aggregated and returned at the end.
	ContinueOnError bool
}

// Sync copies every entry under srcPrefix on src to the corresponding key
// under dstPrefix on dst, skipping entries whose target already matches by
// size (and etag, where both sides expose one). With DeleteUnmatched it
// additionally removes target entries absent from the source listing,
// applied last so a failed copy never loses data a delete would have
// otherwise also removed.
func Sync(ctx context.Context, src *StorageClient, srcPrefix string, dst *StorageClient, dstPrefix string, opts SyncOptions) error {
	if err := validateNoOverlap(src, srcPrefix, dst, dstPrefix); err != nil {
		return err
	}

	sourceEntries := make(map[string]types.ObjectMetadata)
	if err := src.List(ctx, srcPrefix, types.ListOptions{}, func(m types.ObjectMetadata) error {
		if m.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(m.Key, srcPrefix)
		sourceEntries[rel] = m
		return nil
	}); err != nil {
		return err
	}

	var errs *multierror.Error

	for rel, srcMeta := range sourceEntries {
		dstKey := utils.JoinPaths(dstPrefix, rel)
		needsCopy := true
		if dstMeta, err := dst.Info(ctx, dstKey); err == nil {
			sameSize := dstMeta.ContentLength == srcMeta.ContentLength
			sameETag := srcMeta.ETag == "" || dstMeta.ETag == "" || srcMeta.ETag == dstMeta.ETag
			needsCopy = !(sameSize && sameETag)
		} else if !errors.IsNotFound(err) {
			errs = multierror.Append(errs, err)
			if !opts.ContinueOnError {
				return errs.ErrorOrNil()
			}
			continue
		}
		if !needsCopy {
			continue
		}
		body, err := src.Read(ctx, utils.JoinPaths(srcPrefix, rel))
		if err != nil {
			errs = multierror.Append(errs, err)
			if !opts.ContinueOnError {
				return errs.ErrorOrNil()
			}
			continue
		}
		if err := dst.Write(ctx, dstKey, body); err != nil {
			errs = multierror.Append(errs, err)
			if !opts.ContinueOnError {
				return errs.ErrorOrNil()
			}
		}
	}

	if opts.DeleteUnmatched {
		var toDelete []string
		err := dst.List(ctx, dstPrefix, types.ListOptions{}, func(m types.ObjectMetadata) error {
			if m.IsDir() {
				return nil
			}
			rel := strings.TrimPrefix(m.Key, dstPrefix)
			if _, ok := sourceEntries[rel]; !ok {
				toDelete = append(toDelete, m.Key)
			}
			return nil
		})
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, key := range toDelete {
			if err := dst.Delete(ctx, key); err != nil {
				errs = multierror.Append(errs, err)
				if !opts.ContinueOnError {
					return errs.ErrorOrNil()
				}
			}
		}
	}

	return errs.ErrorOrNil()
}

// validateNoOverlap rejects a sync whose source and target name the same
// or overlapping ranges within the same profile, since copy-then-delete
// against overlapping ranges could destroy data still being read.
func validateNoOverlap(src *StorageClient, srcPrefix string, dst *StorageClient, dstPrefix string) error {
	if src.Profile() != dst.Profile() {
		return nil
	}
	if srcPrefix == dstPrefix || strings.HasPrefix(srcPrefix, dstPrefix) || strings.HasPrefix(dstPrefix, srcPrefix) {
		return errors.NewInvalidArgument(
			"sync source %q and target %q overlap within profile %q", srcPrefix, dstPrefix, src.Profile(),
		).WithComponent("client").WithOperation("sync")
	}
	return nil
}
