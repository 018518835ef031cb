// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package roleenv describes the worker-role environment an agent runs in:
// the deployment, the role's instances and their endpoints, the role
// settings and the local resources reserved for the instance.
package roleenv

import (
	"context"
	"net"
	"strconv"

	"github.com/juju/errors"
)

// MongodPortEndpoint is the name of the instance endpoint mongod listens on.
const MongodPortEndpoint = "MongodPort"

// Instance is a single instance of the role.
type Instance struct {
	// ID is the platform instance id, for example "MongoDBRole_IN_2".
	ID string

	// Endpoints maps endpoint names to host:port addresses.
	Endpoints map[string]string
}

// Endpoint returns the host and port of the named endpoint.
func (i Instance) Endpoint(name string) (string, int, error) {
	addr, ok := i.Endpoints[name]
	if !ok {
		return "", 0, errors.NotFoundf("endpoint %q on instance %q", name, i.ID)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.NotValidf("endpoint %q address %q", name, addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", 0, errors.NotValidf("endpoint %q port %q", name, port)
	}
	return host, p, nil
}

// LocalResource is a directory on the instance's local disk.
type LocalResource struct {
	Name   string
	Path   string
	SizeMB int
}

// TopologySource lists the instances of the role.
type TopologySource interface {
	Instances(ctx context.Context) ([]Instance, error)
}

// Environment is the view an agent has of its role environment.
type Environment interface {
	TopologySource

	// DeploymentID returns the id of the running deployment.
	DeploymentID() string

	// RoleName returns the name of the role this instance belongs to.
	RoleName() string

	// IsEmulated reports whether the role runs in a local emulator,
	// where every instance shares a host.
	IsEmulated() bool

	// CurrentInstance returns the instance the agent runs on.
	CurrentInstance() Instance

	// Settings returns the raw role settings.
	Settings() map[string]any

	// LocalResource returns the named local resource.
	LocalResource(name string) (LocalResource, error)

	// Azure returns the cloud coordinates of the deployment, or nil
	// when it isn't running in Azure.
	Azure() *AzureConfig
}

// AzureConfig holds the cloud coordinates used to manage disks and
// discover scale set instances.
type AzureConfig struct {
	SubscriptionID string `yaml:"subscription-id"`
	ResourceGroup  string `yaml:"resource-group"`
	Location       string `yaml:"location"`
	VMName         string `yaml:"vm-name"`
	ScaleSet       string `yaml:"scale-set,omitempty"`
	TenantID       string `yaml:"tenant-id,omitempty"`
	ClientID       string `yaml:"client-id,omitempty"`
	ClientSecret   string `yaml:"client-secret,omitempty"`
}

// Validate checks the mandatory coordinates are present.
func (c AzureConfig) Validate() error {
	if c.SubscriptionID == "" {
		return errors.NotValidf("empty subscription-id")
	}
	if c.ResourceGroup == "" {
		return errors.NotValidf("empty resource-group")
	}
	if c.Location == "" {
		return errors.NotValidf("empty location")
	}
	if c.VMName == "" {
		return errors.NotValidf("empty vm-name")
	}
	return nil
}
