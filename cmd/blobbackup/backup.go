// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/mongorole/internal/backup"
	"github.com/juju/mongorole/internal/blobstore"
)

const backupDoc = `
backup writes every file of a data drive snapshot into a tar blob in the
backup container. Progress is printed as the files are written.
`

type backupCommand struct {
	roleCommand
	snapshotID string
}

func newBackupCommand() *backupCommand {
	return &backupCommand{roleCommand: newRoleCommand()}
}

// Info implements cmd.Command.
func (c *backupCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "backup",
		Args:    "<snapshot-id>",
		Purpose: "archive a snapshot into blob storage",
		Doc:     backupDoc,
	}
}

// Init implements cmd.Command.
func (c *backupCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no snapshot id specified")
	}
	c.snapshotID, args = args[0], args[1:]
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *backupCommand) Run(ctx *cmd.Context) error {
	rs, err := c.open()
	if err != nil {
		return errors.Trace(err)
	}
	stdCtx, cancel := interruptible()
	defer cancel()
	return errors.Trace(c.runJob(stdCtx, ctx.Stdout, rs, c.snapshotID))
}

func (c *roleCommand) runJob(ctx context.Context, console io.Writer, rs *roleStorage, source string) error {
	job, err := backup.NewJob(backup.JobConfig{
		ID:         1,
		Source:     source,
		Container:  backup.DefaultContainer,
		MountPoint: rs.mountPoint(),
		Mounter:    rs.drives,
		Store:      rs.backups,
		Clock:      c.clock,
		Console:    console,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := job.Run(ctx); err != nil {
		return errors.Annotatef(err, "backing up %s", source)
	}
	return nil
}

const runDoc = `
run snapshots a member's data drive and archives the snapshot into blob
storage. The snapshot is kept afterwards.
`

type runCommand struct {
	roleCommand
	member int
}

func newRunCommand() *runCommand {
	return &runCommand{roleCommand: newRoleCommand()}
}

// Info implements cmd.Command.
func (c *runCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "run",
		Purpose: "snapshot a member's data drive and back it up",
		Doc:     runDoc,
	}
}

// SetFlags implements cmd.Command.
func (c *runCommand) SetFlags(f *gnuflag.FlagSet) {
	c.roleCommand.SetFlags(f)
	f.IntVar(&c.member, "member", 0, "replica set member whose drive is backed up")
}

// Init implements cmd.Command.
func (c *runCommand) Init(args []string) error {
	if c.member < 0 {
		return errors.NotValidf("member %d", c.member)
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *runCommand) Run(ctx *cmd.Context) error {
	fmt.Fprintln(ctx.Stdout, "BlobBackup starting...")
	rs, err := c.open()
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintf(ctx.Stdout, "Replica set: %s\n", rs.settings.ReplicaSetName)

	stdCtx, cancel := interruptible()
	defer cancel()
	snap, err := backup.SnapshotMember(stdCtx, rs.drives, rs.settings.ReplicaSetName, c.member, rs.settings.DataDirSizeMB)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.runJob(stdCtx, ctx.Stdout, rs, snap.ID))
}

const listBackupsDoc = `
list-backups shows the archives in the backup container, newest first.
`

type listBackupsCommand struct {
	roleCommand
	out cmd.Output
}

func newListBackupsCommand() *listBackupsCommand {
	return &listBackupsCommand{roleCommand: newRoleCommand()}
}

// Info implements cmd.Command.
func (c *listBackupsCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "list-backups",
		Purpose: "list backup archives",
		Doc:     listBackupsDoc,
	}
}

// SetFlags implements cmd.Command.
func (c *listBackupsCommand) SetFlags(f *gnuflag.FlagSet) {
	c.roleCommand.SetFlags(f)
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"tabular": formatBackupsTabular,
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
	})
}

// Init implements cmd.Command.
func (c *listBackupsCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// BackupInfo is how a backup archive is shown.
type BackupInfo struct {
	Name     string    `yaml:"name" json:"name"`
	Size     int64     `yaml:"size" json:"size"`
	Modified time.Time `yaml:"modified" json:"modified"`
}

// Run implements cmd.Command.
func (c *listBackupsCommand) Run(ctx *cmd.Context) error {
	rs, err := c.open()
	if err != nil {
		return errors.Trace(err)
	}
	stdCtx, cancel := interruptible()
	defer cancel()
	blobs, err := backup.ListBackups(stdCtx, rs.backups, backup.DefaultContainer)
	if err != nil {
		return errors.Trace(err)
	}
	if len(blobs) == 0 && c.out.Name() == "tabular" {
		ctx.Infof("No backups to display.")
		return nil
	}
	return errors.Trace(c.out.Write(ctx, toBackupInfos(blobs)))
}

func toBackupInfos(blobs []blobstore.BlobInfo) []BackupInfo {
	infos := make([]BackupInfo, len(blobs))
	for i, blob := range blobs {
		infos[i] = BackupInfo{
			Name:     blob.Name,
			Size:     blob.Size,
			Modified: blob.LastModified.UTC(),
		}
	}
	return infos
}

func formatBackupsTabular(writer io.Writer, value interface{}) error {
	backups, ok := value.([]BackupInfo)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", backups, value)
	}
	tw := tabWriter(writer)
	print := func(values ...string) {
		fmt.Fprintln(tw, strings.Join(values, "\t"))
	}
	print("NAME", "SIZE", "MODIFIED")
	for _, b := range backups {
		print(b.Name, backup.FormatFileSize(b.Size), b.Modified.Format(time.RFC3339))
	}
	return errors.Trace(tw.Flush())
}
