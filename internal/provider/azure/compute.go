// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/juju/errors"

	"github.com/juju/mongorole/internal/roleenv"
)

// ComputeAPI is the subset of the compute API the disk provider uses,
// scoped to one resource group and virtual machine. Missing resources
// give errors satisfying errors.NotFound.
type ComputeAPI interface {
	GetDisk(ctx context.Context, name string) (*armcompute.Disk, error)
	CreateDisk(ctx context.Context, name string, disk armcompute.Disk) (*armcompute.Disk, error)
	DeleteDisk(ctx context.Context, name string) error

	GetSnapshot(ctx context.Context, name string) (*armcompute.Snapshot, error)
	CreateSnapshot(ctx context.Context, name string, snapshot armcompute.Snapshot) (*armcompute.Snapshot, error)
	ListSnapshots(ctx context.Context) ([]*armcompute.Snapshot, error)
	DeleteSnapshot(ctx context.Context, name string) error

	GetVirtualMachine(ctx context.Context) (*armcompute.VirtualMachine, error)
	SetDataDisks(ctx context.Context, disks []*armcompute.DataDisk) error
}

// ComputeClient implements ComputeAPI with the Azure SDK.
type ComputeClient struct {
	resourceGroup string
	vmName        string

	disks     *armcompute.DisksClient
	snapshots *armcompute.SnapshotsClient
	vms       *armcompute.VirtualMachinesClient
}

// NewComputeClient returns a client for the resource group and virtual
// machine named in cfg.
func NewComputeClient(cfg roleenv.AzureConfig, cred azcore.TokenCredential, opts *arm.ClientOptions) (*ComputeClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	disks, err := armcompute.NewDisksClient(cfg.SubscriptionID, cred, opts)
	if err != nil {
		return nil, errors.Annotate(err, "creating disks client")
	}
	snapshots, err := armcompute.NewSnapshotsClient(cfg.SubscriptionID, cred, opts)
	if err != nil {
		return nil, errors.Annotate(err, "creating snapshots client")
	}
	vms, err := armcompute.NewVirtualMachinesClient(cfg.SubscriptionID, cred, opts)
	if err != nil {
		return nil, errors.Annotate(err, "creating virtual machines client")
	}
	return &ComputeClient{
		resourceGroup: cfg.ResourceGroup,
		vmName:        cfg.VMName,
		disks:         disks,
		snapshots:     snapshots,
		vms:           vms,
	}, nil
}

// GetDisk is part of ComputeAPI.
func (c *ComputeClient) GetDisk(ctx context.Context, name string) (*armcompute.Disk, error) {
	resp, err := c.disks.Get(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return nil, annotate(err, "disk %q", name)
	}
	return &resp.Disk, nil
}

// CreateDisk is part of ComputeAPI.
func (c *ComputeClient) CreateDisk(ctx context.Context, name string, disk armcompute.Disk) (*armcompute.Disk, error) {
	poller, err := c.disks.BeginCreateOrUpdate(ctx, c.resourceGroup, name, disk, nil)
	var result armcompute.DisksClientCreateOrUpdateResponse
	if err == nil {
		result, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "creating disk %q", name)
	}
	return &result.Disk, nil
}

// DeleteDisk is part of ComputeAPI.
func (c *ComputeClient) DeleteDisk(ctx context.Context, name string) error {
	poller, err := c.disks.BeginDelete(ctx, c.resourceGroup, name, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	return annotate(err, "disk %q", name)
}

// GetSnapshot is part of ComputeAPI.
func (c *ComputeClient) GetSnapshot(ctx context.Context, name string) (*armcompute.Snapshot, error) {
	resp, err := c.snapshots.Get(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return nil, annotate(err, "snapshot %q", name)
	}
	return &resp.Snapshot, nil
}

// CreateSnapshot is part of ComputeAPI.
func (c *ComputeClient) CreateSnapshot(ctx context.Context, name string, snapshot armcompute.Snapshot) (*armcompute.Snapshot, error) {
	poller, err := c.snapshots.BeginCreateOrUpdate(ctx, c.resourceGroup, name, snapshot, nil)
	var result armcompute.SnapshotsClientCreateOrUpdateResponse
	if err == nil {
		result, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "creating snapshot %q", name)
	}
	return &result.Snapshot, nil
}

// ListSnapshots is part of ComputeAPI.
func (c *ComputeClient) ListSnapshots(ctx context.Context) ([]*armcompute.Snapshot, error) {
	var snapshots []*armcompute.Snapshot
	pager := c.snapshots.NewListByResourceGroupPager(c.resourceGroup, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotate(err, "listing snapshots")
		}
		snapshots = append(snapshots, page.Value...)
	}
	return snapshots, nil
}

// DeleteSnapshot is part of ComputeAPI.
func (c *ComputeClient) DeleteSnapshot(ctx context.Context, name string) error {
	poller, err := c.snapshots.BeginDelete(ctx, c.resourceGroup, name, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	return annotate(err, "snapshot %q", name)
}

// GetVirtualMachine is part of ComputeAPI.
func (c *ComputeClient) GetVirtualMachine(ctx context.Context) (*armcompute.VirtualMachine, error) {
	resp, err := c.vms.Get(ctx, c.resourceGroup, c.vmName, nil)
	if err != nil {
		return nil, annotate(err, "virtual machine %q", c.vmName)
	}
	return &resp.VirtualMachine, nil
}

// SetDataDisks is part of ComputeAPI. The given disks replace the data
// disks attached to the virtual machine.
func (c *ComputeClient) SetDataDisks(ctx context.Context, disks []*armcompute.DataDisk) error {
	if disks == nil {
		disks = []*armcompute.DataDisk{}
	}
	update := armcompute.VirtualMachineUpdate{
		Properties: &armcompute.VirtualMachineProperties{
			StorageProfile: &armcompute.StorageProfile{
				DataDisks: disks,
			},
		},
	}
	poller, err := c.vms.BeginUpdate(ctx, c.resourceGroup, c.vmName, update, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return errors.Annotatef(err, "updating data disks of %q", c.vmName)
	}
	return nil
}
