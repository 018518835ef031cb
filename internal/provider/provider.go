// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provider picks the drive provider and topology source a role
// environment runs on, and where its backups go.
package provider

import (
	"path/filepath"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/mongorole/internal/blobstore"
	"github.com/juju/mongorole/internal/provider/azure"
	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/storage"
	"github.com/juju/mongorole/internal/storage/local"
	"github.com/juju/mongorole/internal/storage/mount"
)

var logger = loggo.GetLogger("mongorole.provider")

// NewStorageProvider returns managed disks when the environment runs in
// Azure, and directories on the local data resource otherwise.
func NewStorageProvider(env roleenv.Environment, clk clock.Clock) (storage.Provider, error) {
	cfg := env.Azure()
	if cfg == nil || env.IsEmulated() {
		res, err := env.LocalResource(roleenv.LocalDataDirResource)
		if err != nil {
			return nil, errors.Annotate(err, "finding local drive root")
		}
		logger.Debugf("using directory drives under %s", res.Path)
		return local.NewProvider(res.Path, clk), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "azure configuration")
	}
	cred, err := azure.NewCredential(*cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	compute, err := azure.NewComputeClient(*cfg, cred, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p, err := azure.NewDiskProvider(azure.ProviderConfig{
		Compute:  compute,
		Mounter:  mount.NewMounter(),
		Clock:    clk,
		Location: cfg.Location,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("using managed disks in %s/%s", cfg.SubscriptionID, cfg.ResourceGroup)
	return p, nil
}

// NewTopologySource returns the scale set the role's instances are
// listed from. It returns nil when the environment file lists the
// instances itself.
func NewTopologySource(env roleenv.Environment) (roleenv.TopologySource, error) {
	cfg := env.Azure()
	if cfg == nil || cfg.ScaleSet == "" {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "azure configuration")
	}
	_, port, err := env.CurrentInstance().Endpoint(roleenv.MongodPortEndpoint)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cred, err := azure.NewCredential(*cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	api, err := azure.NewScaleSetClient(*cfg, cred, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return azure.NewScaleSetTopology(api, env.RoleName(), port), nil
}

// BackupConnectionString returns where backups are written: the data
// drive storage account, or a directory on the local data resource for
// emulated roles that have none.
func BackupConnectionString(env roleenv.Environment, settings roleenv.RoleSettings) string {
	if settings.DataDirConnectionString != "" || !env.IsEmulated() {
		return settings.DataDirConnectionString
	}
	res, err := env.LocalResource(roleenv.LocalDataDirResource)
	if err != nil {
		return blobstore.DevelopmentStorage
	}
	return "file://" + filepath.Join(res.Path, "blobs")
}
