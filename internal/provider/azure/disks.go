// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package azure keeps data drives on Azure managed disks and finds the
// role's instances in a virtual machine scale set.
package azure

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/juju/mongorole/internal/storage"
)

var logger = loggo.GetLogger("mongorole.provider.azure")

const (
	// driveTag records the drive a disk or snapshot belongs to.
	driveTag = "mongorole-drive"

	// temporaryTag marks disks created to read a snapshot.
	temporaryTag = "mongorole-snapshot"

	lunDevicePath = "/dev/disk/azure/scsi1/lun%d"
	maxLUN        = 63

	snapshotStampFormat = "20060102t150405"

	deviceWaitDelay    = time.Second
	deviceWaitAttempts = 60
)

// Mounter mounts block devices.
type Mounter interface {
	Mount(device, path string, readOnly bool) error
	Unmount(path string) error
}

// ProviderConfig holds what a DiskProvider needs.
type ProviderConfig struct {
	Compute  ComputeAPI
	Mounter  Mounter
	Clock    clock.Clock
	Location string

	// SKU is the storage type of new disks, Premium_LRS by default.
	SKU armcompute.DiskStorageAccountTypes

	// DeviceExists reports whether a device node has appeared. It
	// defaults to checking the filesystem.
	DeviceExists func(path string) bool
}

// Validate checks the configuration is complete.
func (c ProviderConfig) Validate() error {
	if c.Compute == nil {
		return errors.NotValidf("nil Compute")
	}
	if c.Mounter == nil {
		return errors.NotValidf("nil Mounter")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Location == "" {
		return errors.NotValidf("empty Location")
	}
	return nil
}

// DiskProvider implements storage.Provider with managed disks attached
// to the instance's virtual machine.
type DiskProvider struct {
	cfg ProviderConfig

	// mu serialises changes to the virtual machine's data disks.
	mu sync.Mutex
}

var _ storage.Provider = (*DiskProvider)(nil)

// NewDiskProvider returns a DiskProvider.
func NewDiskProvider(cfg ProviderConfig) (*DiskProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.SKU == "" {
		cfg.SKU = armcompute.DiskStorageAccountTypesPremiumLRS
	}
	if cfg.DeviceExists == nil {
		cfg.DeviceExists = func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
	}
	return &DiskProvider{cfg: cfg}, nil
}

// EnsureDrive is part of storage.Provider.
func (p *DiskProvider) EnsureDrive(ctx context.Context, name string, sizeMB int) (storage.Drive, error) {
	disk, err := p.cfg.Compute.GetDisk(ctx, name)
	if err == nil {
		return toDrive(name, disk), nil
	}
	if !errors.Is(err, errors.NotFound) {
		return storage.Drive{}, errors.Trace(err)
	}

	logger.Infof("creating disk %q of %d MB", name, sizeMB)
	disk, err = p.cfg.Compute.CreateDisk(ctx, name, armcompute.Disk{
		Location: to.Ptr(p.cfg.Location),
		Tags:     map[string]*string{driveTag: to.Ptr(name)},
		SKU:      &armcompute.DiskSKU{Name: to.Ptr(p.cfg.SKU)},
		Properties: &armcompute.DiskProperties{
			CreationData: &armcompute.CreationData{
				CreateOption: to.Ptr(armcompute.DiskCreateOptionEmpty),
			},
			DiskSizeGB: to.Ptr(sizeGB(sizeMB)),
		},
	})
	if err != nil {
		return storage.Drive{}, errors.Trace(err)
	}
	return toDrive(name, disk), nil
}

// Mount is part of storage.Provider. The disk is attached to the virtual
// machine if it isn't already, and its filesystem is created on first
// use.
func (p *DiskProvider) Mount(ctx context.Context, drive storage.Drive, mountPoint string) (string, error) {
	device, err := p.attach(ctx, drive.Name)
	if err != nil {
		return "", errors.Trace(err)
	}
	if err := p.cfg.Mounter.Mount(device, mountPoint, false); err != nil {
		return "", errors.Annotatef(err, "mounting disk %q", drive.Name)
	}
	return mountPoint, nil
}

// Unmount is part of storage.Provider.
func (p *DiskProvider) Unmount(ctx context.Context, drive storage.Drive, mountPoint string) error {
	if err := p.cfg.Mounter.Unmount(mountPoint); err != nil {
		return errors.Annotatef(err, "unmounting disk %q", drive.Name)
	}
	return errors.Trace(p.detach(ctx, drive.Name))
}

// Snapshot is part of storage.Provider. Snapshots are incremental.
func (p *DiskProvider) Snapshot(ctx context.Context, drive storage.Drive) (storage.Snapshot, error) {
	if drive.ID == "" {
		return storage.Snapshot{}, errors.NotValidf("drive %q without id", drive.Name)
	}
	name := snapshotName(drive.Name, p.cfg.Clock.Now())
	logger.Infof("snapshotting disk %q as %q", drive.Name, name)
	snap, err := p.cfg.Compute.CreateSnapshot(ctx, name, armcompute.Snapshot{
		Location: to.Ptr(p.cfg.Location),
		Tags:     map[string]*string{driveTag: to.Ptr(drive.Name)},
		Properties: &armcompute.SnapshotProperties{
			CreationData: &armcompute.CreationData{
				CreateOption:     to.Ptr(armcompute.DiskCreateOptionCopy),
				SourceResourceID: to.Ptr(drive.ID),
			},
			Incremental: to.Ptr(true),
		},
	})
	if err != nil {
		return storage.Snapshot{}, errors.Trace(err)
	}
	return toSnapshot(snap), nil
}

// snapshotName names a snapshot of drive taken at t. The random suffix
// keeps snapshots taken within the same second apart.
func snapshotName(drive string, t time.Time) string {
	return drive + "-" + t.UTC().Format(snapshotStampFormat) + "-" + uuid.NewString()[:8]
}

// Snapshots is part of storage.Provider. Only snapshots of drives are
// listed.
func (p *DiskProvider) Snapshots(ctx context.Context) ([]storage.Snapshot, error) {
	all, err := p.cfg.Compute.ListSnapshots(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	snapshots := []storage.Snapshot{}
	for _, snap := range all {
		if snap == nil || toValue(snap.Tags[driveTag]) == "" {
			continue
		}
		snapshots = append(snapshots, toSnapshot(snap))
	}
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].Created.After(snapshots[j].Created)
	})
	return snapshots, nil
}

// DeleteSnapshot is part of storage.Provider.
func (p *DiskProvider) DeleteSnapshot(ctx context.Context, id string) error {
	logger.Infof("deleting snapshot %q", id)
	return errors.Trace(p.cfg.Compute.DeleteSnapshot(ctx, id))
}

// MountSnapshot is part of storage.Provider. A temporary disk is made
// from the snapshot and mounted read-only; release removes it.
func (p *DiskProvider) MountSnapshot(ctx context.Context, id, mountPoint string) (_ string, _ func(context.Context) error, err error) {
	snap, err := p.cfg.Compute.GetSnapshot(ctx, id)
	if err != nil {
		return "", nil, errors.Trace(err)
	}

	name := "snapmount-" + uuid.NewString()
	logger.Debugf("creating disk %q from snapshot %q", name, id)
	_, err = p.cfg.Compute.CreateDisk(ctx, name, armcompute.Disk{
		Location: to.Ptr(p.cfg.Location),
		Tags:     map[string]*string{temporaryTag: to.Ptr(id)},
		SKU:      &armcompute.DiskSKU{Name: to.Ptr(p.cfg.SKU)},
		Properties: &armcompute.DiskProperties{
			CreationData: &armcompute.CreationData{
				CreateOption:     to.Ptr(armcompute.DiskCreateOptionCopy),
				SourceResourceID: snap.ID,
			},
		},
	})
	if err != nil {
		return "", nil, errors.Trace(err)
	}

	mounted := false
	release := func(ctx context.Context) error {
		var firstErr error
		if mounted {
			if err := p.cfg.Mounter.Unmount(mountPoint); err != nil {
				firstErr = errors.Annotatef(err, "unmounting snapshot %q", id)
			}
		}
		if err := p.detach(ctx, name); err != nil && firstErr == nil {
			firstErr = errors.Trace(err)
		}
		if err := p.cfg.Compute.DeleteDisk(ctx, name); err != nil && !errors.Is(err, errors.NotFound) && firstErr == nil {
			firstErr = errors.Trace(err)
		}
		return firstErr
	}
	defer func() {
		if err != nil {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				logger.Warningf("cleaning up disk %q: %v", name, rerr)
			}
		}
	}()

	device, err := p.attach(ctx, name)
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	if err := p.cfg.Mounter.Mount(device, mountPoint, true); err != nil {
		return "", nil, errors.Annotatef(err, "mounting snapshot %q", id)
	}
	mounted = true
	return mountPoint, release, nil
}

// attach attaches the named disk to the virtual machine and returns its
// device path once the device has appeared.
func (p *DiskProvider) attach(ctx context.Context, name string) (string, error) {
	lun, err := p.attachLUN(ctx, name)
	if err != nil {
		return "", errors.Trace(err)
	}
	device := fmt.Sprintf(lunDevicePath, lun)
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			if !p.cfg.DeviceExists(device) {
				return errors.NotFoundf("device %s", device)
			}
			return nil
		},
		Attempts: deviceWaitAttempts,
		Delay:    deviceWaitDelay,
		Clock:    p.cfg.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return "", errors.Annotatef(retry.LastError(err), "waiting for disk %q", name)
	}
	return device, nil
}

func (p *DiskProvider) attachLUN(ctx context.Context, name string) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	disk, err := p.cfg.Compute.GetDisk(ctx, name)
	if err != nil {
		return 0, errors.Trace(err)
	}
	vm, err := p.cfg.Compute.GetVirtualMachine(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if owner := toValue(disk.ManagedBy); owner != "" && !strings.EqualFold(owner, toValue(vm.ID)) {
		return 0, errors.Annotatef(storage.ErrDriveInUse, "disk %q attached to %s", name, owner)
	}

	attached := dataDisks(vm)
	for _, d := range attached {
		if strings.EqualFold(toValue(d.Name), name) {
			return toValue(d.Lun), nil
		}
	}
	lun, err := freeLUN(attached)
	if err != nil {
		return 0, errors.Trace(err)
	}
	logger.Infof("attaching disk %q at LUN %d", name, lun)
	attached = append(attached, &armcompute.DataDisk{
		Lun:          to.Ptr(lun),
		Name:         to.Ptr(name),
		CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesAttach),
		Caching:      to.Ptr(armcompute.CachingTypesNone),
		ManagedDisk:  &armcompute.ManagedDiskParameters{ID: disk.ID},
	})
	if err := p.cfg.Compute.SetDataDisks(ctx, attached); err != nil {
		return 0, errors.Trace(err)
	}
	return lun, nil
}

func (p *DiskProvider) detach(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	vm, err := p.cfg.Compute.GetVirtualMachine(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	attached := dataDisks(vm)
	remaining := make([]*armcompute.DataDisk, 0, len(attached))
	for _, d := range attached {
		if !strings.EqualFold(toValue(d.Name), name) {
			remaining = append(remaining, d)
		}
	}
	if len(remaining) == len(attached) {
		return nil
	}
	logger.Infof("detaching disk %q", name)
	return errors.Trace(p.cfg.Compute.SetDataDisks(ctx, remaining))
}

func dataDisks(vm *armcompute.VirtualMachine) []*armcompute.DataDisk {
	if vm.Properties == nil || vm.Properties.StorageProfile == nil {
		return nil
	}
	return vm.Properties.StorageProfile.DataDisks
}

func freeLUN(attached []*armcompute.DataDisk) (int32, error) {
	used := make(map[int32]bool)
	for _, d := range attached {
		used[toValue(d.Lun)] = true
	}
	for lun := int32(0); lun <= maxLUN; lun++ {
		if !used[lun] {
			return lun, nil
		}
	}
	return 0, errors.New("no free LUN")
}

func sizeGB(sizeMB int) int32 {
	return int32((sizeMB + 1023) / 1024)
}

func toDrive(name string, disk *armcompute.Disk) storage.Drive {
	drive := storage.Drive{
		Name: name,
		ID:   toValue(disk.ID),
	}
	if disk.Properties != nil {
		drive.SizeMB = int(toValue(disk.Properties.DiskSizeGB)) * 1024
	}
	return drive
}

func toSnapshot(snap *armcompute.Snapshot) storage.Snapshot {
	s := storage.Snapshot{
		ID:        toValue(snap.Name),
		Name:      toValue(snap.Name),
		DriveName: toValue(snap.Tags[driveTag]),
	}
	if snap.Properties != nil {
		s.Created = toValue(snap.Properties.TimeCreated)
		s.SizeMB = int(toValue(snap.Properties.DiskSizeGB)) * 1024
	}
	return s
}
