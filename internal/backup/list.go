// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"context"
	"sort"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/mongorole/internal/blobstore"
)

// BlobLister lists blobs.
type BlobLister interface {
	List(ctx context.Context, container, prefix string) ([]blobstore.BlobInfo, error)
}

// ListBackups returns the archives in the backup container, newest
// first. A missing container means there are no backups yet.
func ListBackups(ctx context.Context, store BlobLister, container string) ([]blobstore.BlobInfo, error) {
	blobs, err := store.List(ctx, container, "")
	if errors.Is(err, errors.NotFound) {
		return []blobstore.BlobInfo{}, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	backups := []blobstore.BlobInfo{}
	for _, blob := range blobs {
		if strings.HasSuffix(blob.Name, ArchiveSuffix) {
			backups = append(backups, blob)
		}
	}
	sort.SliceStable(backups, func(i, j int) bool {
		return backups[i].LastModified.After(backups[j].LastModified)
	})
	return backups, nil
}
