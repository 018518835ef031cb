// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/storage"
)

// SnapshotProvider takes, lists and deletes drive snapshots.
type SnapshotProvider interface {
	EnsureDrive(ctx context.Context, name string, sizeMB int) (storage.Drive, error)
	Snapshot(ctx context.Context, drive storage.Drive) (storage.Snapshot, error)
	Snapshots(ctx context.Context) ([]storage.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// SnapshotMember snapshots the data drive of the given replica set
// member, normally the primary.
func SnapshotMember(ctx context.Context, provider SnapshotProvider, replicaSet string, memberID, sizeMB int) (storage.Snapshot, error) {
	name := roleenv.DataDriveName(replicaSet, memberID)
	drive, err := provider.EnsureDrive(ctx, name, sizeMB)
	if err != nil {
		return storage.Snapshot{}, errors.Annotatef(err, "finding drive %q", name)
	}
	snap, err := provider.Snapshot(ctx, drive)
	if err != nil {
		return storage.Snapshot{}, errors.Annotatef(err, "snapshotting drive %q", name)
	}
	return snap, nil
}

// ListSnapshots returns the snapshots of the replica set's data drives.
func ListSnapshots(ctx context.Context, provider SnapshotProvider, replicaSet string) ([]storage.Snapshot, error) {
	all, err := provider.Snapshots(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	snapshots := []storage.Snapshot{}
	for _, snap := range all {
		if _, ok := roleenv.ParseDataDriveName(replicaSet, snap.DriveName); ok {
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots, nil
}

// DeleteSnapshot removes one of the replica set's snapshots.
func DeleteSnapshot(ctx context.Context, provider SnapshotProvider, replicaSet, id string) error {
	snapshots, err := ListSnapshots(ctx, provider, replicaSet)
	if err != nil {
		return errors.Trace(err)
	}
	for _, snap := range snapshots {
		if snap.ID == id {
			return errors.Trace(provider.DeleteSnapshot(ctx, id))
		}
	}
	return errors.NotFoundf("snapshot %q", id)
}
