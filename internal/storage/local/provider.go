// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package local implements data drives as directories on the host, for
// emulated deployments where every member shares a machine.
package local

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4/fs"

	"github.com/juju/mongorole/internal/storage"
)

var logger = loggo.GetLogger("mongorole.storage.local")

const (
	drivesDir    = "drives"
	snapshotsDir = "snapshots"

	// snapshotSep separates the drive name from the timestamp in a
	// snapshot id.
	snapshotSep = "@"

	stampFormat = "20060102T150405.000000000Z"
)

// Provider keeps drives and snapshots under a root directory.
type Provider struct {
	root  string
	clock clock.Clock
}

// NewProvider returns a Provider rooted at root.
func NewProvider(root string, clk clock.Clock) *Provider {
	return &Provider{root: root, clock: clk}
}

var _ storage.Provider = (*Provider)(nil)

func (p *Provider) drivePath(name string) string {
	return filepath.Join(p.root, drivesDir, name)
}

func (p *Provider) snapshotPath(id string) string {
	return filepath.Join(p.root, snapshotsDir, id)
}

// EnsureDrive is part of the storage.Provider interface.
func (p *Provider) EnsureDrive(_ context.Context, name string, sizeMB int) (storage.Drive, error) {
	if name == "" || strings.ContainsAny(name, snapshotSep+string(filepath.Separator)) {
		return storage.Drive{}, errors.NotValidf("drive name %q", name)
	}
	path := p.drivePath(name)
	if err := os.MkdirAll(path, 0700); err != nil {
		return storage.Drive{}, errors.Annotatef(err, "creating drive %q", name)
	}
	return storage.Drive{Name: name, ID: path, SizeMB: sizeMB}, nil
}

// Mount is part of the storage.Provider interface. Directory drives
// need no mounting; the drive's own path is returned.
func (p *Provider) Mount(_ context.Context, drive storage.Drive, _ string) (string, error) {
	path := p.drivePath(drive.Name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", errors.NotFoundf("drive %q", drive.Name)
		}
		return "", errors.Trace(err)
	}
	return path, nil
}

// Unmount is part of the storage.Provider interface.
func (p *Provider) Unmount(context.Context, storage.Drive, string) error {
	return nil
}

// Snapshot is part of the storage.Provider interface.
func (p *Provider) Snapshot(_ context.Context, drive storage.Drive) (storage.Snapshot, error) {
	now := p.clock.Now().UTC()
	id := drive.Name + snapshotSep + now.Format(stampFormat)
	if err := os.MkdirAll(filepath.Join(p.root, snapshotsDir), 0700); err != nil {
		return storage.Snapshot{}, errors.Trace(err)
	}
	if err := fs.Copy(p.drivePath(drive.Name), p.snapshotPath(id)); err != nil {
		return storage.Snapshot{}, errors.Annotatef(err, "copying drive %q", drive.Name)
	}
	logger.Infof("snapshot %s taken", id)
	return storage.Snapshot{
		ID:        id,
		Name:      id,
		DriveName: drive.Name,
		Created:   now,
		SizeMB:    drive.SizeMB,
	}, nil
}

// Snapshots is part of the storage.Provider interface.
func (p *Provider) Snapshots(context.Context) ([]storage.Snapshot, error) {
	entries, err := os.ReadDir(filepath.Join(p.root, snapshotsDir))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var snapshots []storage.Snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snap, ok := parseSnapshotID(entry.Name())
		if !ok {
			logger.Debugf("ignoring %q in snapshot directory", entry.Name())
			continue
		}
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Created.After(snapshots[j].Created)
	})
	return snapshots, nil
}

func parseSnapshotID(id string) (storage.Snapshot, bool) {
	idx := strings.LastIndex(id, snapshotSep)
	if idx <= 0 {
		return storage.Snapshot{}, false
	}
	created, err := time.Parse(stampFormat, id[idx+1:])
	if err != nil {
		return storage.Snapshot{}, false
	}
	return storage.Snapshot{
		ID:        id,
		Name:      id,
		DriveName: id[:idx],
		Created:   created,
	}, true
}

// DeleteSnapshot is part of the storage.Provider interface.
func (p *Provider) DeleteSnapshot(_ context.Context, id string) error {
	if _, ok := parseSnapshotID(id); !ok {
		return errors.NotValidf("snapshot id %q", id)
	}
	path := p.snapshotPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return errors.NotFoundf("snapshot %q", id)
	}
	return errors.Trace(os.RemoveAll(path))
}

// MountSnapshot is part of the storage.Provider interface. The
// snapshot directory is used in place; releasing it does nothing.
func (p *Provider) MountSnapshot(_ context.Context, id, _ string) (string, func(context.Context) error, error) {
	if _, ok := parseSnapshotID(id); !ok {
		return "", nil, errors.NotValidf("snapshot id %q", id)
	}
	path := p.snapshotPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil, errors.NotFoundf("snapshot %q", id)
	}
	release := func(context.Context) error { return nil }
	return path, release, nil
}
