// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/juju/errors"

	"github.com/juju/mongorole/internal/roleenv"
)

// ScaleSetInstance is a virtual machine of a scale set.
type ScaleSetInstance struct {
	InstanceID     string
	PrivateAddress string
}

// ScaleSetAPI lists the instances of a scale set.
type ScaleSetAPI interface {
	ListInstances(ctx context.Context) ([]ScaleSetInstance, error)
}

// ScaleSetClient implements ScaleSetAPI with the Azure SDK.
type ScaleSetClient struct {
	resourceGroup string
	scaleSet      string

	vms  *armcompute.VirtualMachineScaleSetVMsClient
	nics *armnetwork.InterfacesClient
}

// NewScaleSetClient returns a client for the scale set named in cfg.
func NewScaleSetClient(cfg roleenv.AzureConfig, cred azcore.TokenCredential, opts *arm.ClientOptions) (*ScaleSetClient, error) {
	if cfg.ScaleSet == "" {
		return nil, errors.NotValidf("empty scale-set")
	}
	vms, err := armcompute.NewVirtualMachineScaleSetVMsClient(cfg.SubscriptionID, cred, opts)
	if err != nil {
		return nil, errors.Annotate(err, "creating scale set client")
	}
	nics, err := armnetwork.NewInterfacesClient(cfg.SubscriptionID, cred, opts)
	if err != nil {
		return nil, errors.Annotate(err, "creating network interfaces client")
	}
	return &ScaleSetClient{
		resourceGroup: cfg.ResourceGroup,
		scaleSet:      cfg.ScaleSet,
		vms:           vms,
		nics:          nics,
	}, nil
}

// ListInstances is part of ScaleSetAPI.
func (c *ScaleSetClient) ListInstances(ctx context.Context) ([]ScaleSetInstance, error) {
	var instances []ScaleSetInstance
	pager := c.vms.NewListPager(c.resourceGroup, c.scaleSet, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, annotate(err, "scale set %q", c.scaleSet)
		}
		for _, vm := range page.Value {
			id := toValue(vm.InstanceID)
			addr, err := c.privateAddress(ctx, id)
			if err != nil {
				return nil, errors.Trace(err)
			}
			instances = append(instances, ScaleSetInstance{
				InstanceID:     id,
				PrivateAddress: addr,
			})
		}
	}
	return instances, nil
}

func (c *ScaleSetClient) privateAddress(ctx context.Context, instanceID string) (string, error) {
	pager := c.nics.NewListVirtualMachineScaleSetVMNetworkInterfacesPager(c.resourceGroup, c.scaleSet, instanceID, nil)
	var fallback string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return "", annotate(err, "network interfaces of instance %s", instanceID)
		}
		for _, nic := range page.Value {
			if nic.Properties == nil {
				continue
			}
			for _, ipConfig := range nic.Properties.IPConfigurations {
				if ipConfig.Properties == nil {
					continue
				}
				addr := toValue(ipConfig.Properties.PrivateIPAddress)
				if addr == "" {
					continue
				}
				if toValue(nic.Properties.Primary) && toValue(ipConfig.Properties.Primary) {
					return addr, nil
				}
				if fallback == "" {
					fallback = addr
				}
			}
		}
	}
	return fallback, nil
}

// ScaleSetTopology lists the role's instances from a scale set. Each
// scale set instance n becomes role instance {role}_IN_{n}.
type ScaleSetTopology struct {
	api  ScaleSetAPI
	role string
	port int
}

var _ roleenv.TopologySource = (*ScaleSetTopology)(nil)

// NewScaleSetTopology returns a topology source for the role whose
// members all listen for mongod on port.
func NewScaleSetTopology(api ScaleSetAPI, role string, port int) *ScaleSetTopology {
	return &ScaleSetTopology{api: api, role: role, port: port}
}

// Instances is part of roleenv.TopologySource.
func (t *ScaleSetTopology) Instances(ctx context.Context) ([]roleenv.Instance, error) {
	vms, err := t.api.ListInstances(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	instances := make([]roleenv.Instance, 0, len(vms))
	for _, vm := range vms {
		if vm.PrivateAddress == "" {
			logger.Warningf("scale set instance %s has no address yet", vm.InstanceID)
			continue
		}
		instances = append(instances, roleenv.Instance{
			ID: fmt.Sprintf("%s_IN_%s", t.role, vm.InstanceID),
			Endpoints: map[string]string{
				roleenv.MongodPortEndpoint: net.JoinHostPort(vm.PrivateAddress, strconv.Itoa(t.port)),
			},
		})
	}
	roleenv.SortInstances(instances)
	return instances, nil
}
