// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	mongorolecmd "github.com/juju/mongorole/cmd"
	"github.com/juju/mongorole/internal/blobstore"
	"github.com/juju/mongorole/internal/provider"
	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/storage"
)

var logger = loggo.GetLogger("mongorole.cmd.blobbackup")

const defaultEnvironmentPath = "/etc/mongorole/environment.yaml"

const blobBackupDoc = `
blobbackup snapshots the data drives of the replica set and archives
snapshots into blob storage.

"blobbackup run" does both for the first member: it snapshots its data
drive and writes every file of the snapshot into a tar blob in the
backup container.
`

// NewBlobBackupCommand returns the blobbackup super command.
func NewBlobBackupCommand() cmd.Command {
	super := mongorolecmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "blobbackup",
		Purpose: "back up replica set data drives to blob storage",
		Doc:     blobBackupDoc,
	})
	super.Register(newRunCommand())
	super.Register(newSnapshotCommand())
	super.Register(newBackupCommand())
	super.Register(newListSnapshotsCommand())
	super.Register(newListBackupsCommand())
	super.Register(newDeleteSnapshotCommand())
	return super
}

// roleCommand is embedded by every subcommand. It opens the role
// environment and the storage the backups work on.
type roleCommand struct {
	cmd.CommandBase

	environmentPath string
	clock           clock.Clock
}

func newRoleCommand() roleCommand {
	return roleCommand{clock: clock.WallClock}
}

// SetFlags implements cmd.Command.
func (c *roleCommand) SetFlags(f *gnuflag.FlagSet) {
	c.CommandBase.SetFlags(f)
	f.StringVar(&c.environmentPath, "environment", defaultEnvironmentPath, "path of the role environment file")
}

// roleStorage is what a subcommand works on.
type roleStorage struct {
	env      roleenv.Environment
	settings roleenv.RoleSettings
	drives   storage.Provider
	backups  blobstore.Store
}

func (c *roleCommand) open() (*roleStorage, error) {
	env, err := roleenv.NewFileEnvironment(c.environmentPath)
	if err != nil {
		return nil, errors.Annotate(err, "verifying role environment")
	}
	settings, err := roleenv.ParseRoleSettings(env.Settings(), env.IsEmulated())
	if err != nil {
		return nil, errors.Trace(err)
	}
	drives, err := provider.NewStorageProvider(env, c.clock)
	if err != nil {
		return nil, errors.Annotate(err, "opening data drive storage")
	}
	backups, err := blobstore.NewStore(provider.BackupConnectionString(env, settings))
	if err != nil {
		return nil, errors.Annotate(err, "opening backup storage")
	}
	logger.Debugf("replica set %q, emulated %t", settings.ReplicaSetName, env.IsEmulated())
	return &roleStorage{
		env:      env,
		settings: settings,
		drives:   drives,
		backups:  backups,
	}, nil
}

// mountPoint is where a snapshot is mounted while it is archived.
func (s *roleStorage) mountPoint() string {
	if res, err := s.env.LocalResource(roleenv.BackupDriveCacheResource); err == nil {
		return filepath.Join(res.Path, "blobbackup")
	}
	return filepath.Join(os.TempDir(), "blobbackup")
}

// interruptible returns a context cancelled when the command is
// interrupted.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
