// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package storage defines the durable drives mongod keeps its data on,
// and the snapshots taken of them for backups.
package storage

import (
	"context"
	"time"

	"github.com/juju/errors"
)

// ErrDriveInUse is returned when a drive is mounted elsewhere.
const ErrDriveInUse = errors.ConstError("drive in use")

// Drive is a durable block device, or directory, holding one member's
// data.
type Drive struct {
	// Name identifies the drive within the deployment.
	Name string

	// ID is the provider's identifier for the drive.
	ID string

	SizeMB int
}

// Snapshot is a point in time copy of a drive.
type Snapshot struct {
	// ID is the provider's identifier for the snapshot, used to mount
	// or delete it.
	ID string

	// Name is the snapshot's own name.
	Name string

	// DriveName is the name of the drive the snapshot was taken from.
	DriveName string

	Created time.Time
	SizeMB  int
}

// Provider manages data drives and their snapshots.
type Provider interface {
	// EnsureDrive returns the named drive, creating it with the given
	// size if it doesn't exist.
	EnsureDrive(ctx context.Context, name string, sizeMB int) (Drive, error)

	// Mount makes the drive available under mountPoint and returns the
	// path its contents are found at.
	Mount(ctx context.Context, drive Drive, mountPoint string) (string, error)

	// Unmount releases a drive mounted by Mount.
	Unmount(ctx context.Context, drive Drive, mountPoint string) error

	// Snapshot takes a snapshot of the drive.
	Snapshot(ctx context.Context, drive Drive) (Snapshot, error)

	// Snapshots lists every snapshot, newest first.
	Snapshots(ctx context.Context) ([]Snapshot, error)

	// DeleteSnapshot removes a snapshot.
	DeleteSnapshot(ctx context.Context, id string) error

	// MountSnapshot makes a read-only copy of the snapshot available
	// under mountPoint. The returned release function undoes the mount.
	MountSnapshot(ctx context.Context, id, mountPoint string) (string, func(context.Context) error, error)
}
