// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juju/ansiterm"
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/mongorole/internal/backup"
	"github.com/juju/mongorole/internal/storage"
)

const snapshotDoc = `
snapshot takes a snapshot of a replica set member's data drive and
prints its id. The id can be given to "blobbackup backup".
`

type snapshotCommand struct {
	roleCommand
	member int
}

func newSnapshotCommand() *snapshotCommand {
	return &snapshotCommand{roleCommand: newRoleCommand()}
}

// Info implements cmd.Command.
func (c *snapshotCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "snapshot",
		Purpose: "snapshot a member's data drive",
		Doc:     snapshotDoc,
	}
}

// SetFlags implements cmd.Command.
func (c *snapshotCommand) SetFlags(f *gnuflag.FlagSet) {
	c.roleCommand.SetFlags(f)
	f.IntVar(&c.member, "member", 0, "replica set member whose drive is snapshotted")
}

// Init implements cmd.Command.
func (c *snapshotCommand) Init(args []string) error {
	if c.member < 0 {
		return errors.NotValidf("member %d", c.member)
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *snapshotCommand) Run(ctx *cmd.Context) error {
	rs, err := c.open()
	if err != nil {
		return errors.Trace(err)
	}
	stdCtx, cancel := interruptible()
	defer cancel()
	snap, err := backup.SnapshotMember(stdCtx, rs.drives, rs.settings.ReplicaSetName, c.member, rs.settings.DataDirSizeMB)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintln(ctx.Stdout, snap.ID)
	return nil
}

const listSnapshotsDoc = `
list-snapshots shows the snapshots of the replica set's data drives,
newest first.
`

type listSnapshotsCommand struct {
	roleCommand
	out cmd.Output
}

func newListSnapshotsCommand() *listSnapshotsCommand {
	return &listSnapshotsCommand{roleCommand: newRoleCommand()}
}

// Info implements cmd.Command.
func (c *listSnapshotsCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "list-snapshots",
		Purpose: "list data drive snapshots",
		Doc:     listSnapshotsDoc,
	}
}

// SetFlags implements cmd.Command.
func (c *listSnapshotsCommand) SetFlags(f *gnuflag.FlagSet) {
	c.roleCommand.SetFlags(f)
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"tabular": formatSnapshotsTabular,
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
	})
}

// Init implements cmd.Command.
func (c *listSnapshotsCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// SnapshotInfo is how a snapshot is shown.
type SnapshotInfo struct {
	ID      string    `yaml:"id" json:"id"`
	Drive   string    `yaml:"drive" json:"drive"`
	Created time.Time `yaml:"created" json:"created"`
}

// Run implements cmd.Command.
func (c *listSnapshotsCommand) Run(ctx *cmd.Context) error {
	rs, err := c.open()
	if err != nil {
		return errors.Trace(err)
	}
	stdCtx, cancel := interruptible()
	defer cancel()
	snapshots, err := backup.ListSnapshots(stdCtx, rs.drives, rs.settings.ReplicaSetName)
	if err != nil {
		return errors.Trace(err)
	}
	if len(snapshots) == 0 && c.out.Name() == "tabular" {
		ctx.Infof("No snapshots to display.")
		return nil
	}
	return errors.Trace(c.out.Write(ctx, toSnapshotInfos(snapshots)))
}

func toSnapshotInfos(snapshots []storage.Snapshot) []SnapshotInfo {
	infos := make([]SnapshotInfo, len(snapshots))
	for i, snap := range snapshots {
		infos[i] = SnapshotInfo{
			ID:      snap.ID,
			Drive:   snap.DriveName,
			Created: snap.Created.UTC(),
		}
	}
	return infos
}

func formatSnapshotsTabular(writer io.Writer, value interface{}) error {
	snapshots, ok := value.([]SnapshotInfo)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", snapshots, value)
	}
	tw := tabWriter(writer)
	print := func(values ...string) {
		fmt.Fprintln(tw, strings.Join(values, "\t"))
	}
	print("ID", "DRIVE", "CREATED")
	for _, snap := range snapshots {
		print(snap.ID, snap.Drive, snap.Created.Format(time.RFC3339))
	}
	return errors.Trace(tw.Flush())
}

func tabWriter(writer io.Writer) *ansiterm.TabWriter {
	return ansiterm.NewTabWriter(writer, 0, 1, 1, ' ', 0)
}

const deleteSnapshotDoc = `
delete-snapshot removes a data drive snapshot. Only snapshots of the
replica set's own drives can be removed.
`

type deleteSnapshotCommand struct {
	roleCommand
	id string
}

func newDeleteSnapshotCommand() *deleteSnapshotCommand {
	return &deleteSnapshotCommand{roleCommand: newRoleCommand()}
}

// Info implements cmd.Command.
func (c *deleteSnapshotCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "delete-snapshot",
		Args:    "<snapshot-id>",
		Purpose: "delete a data drive snapshot",
		Doc:     deleteSnapshotDoc,
	}
}

// Init implements cmd.Command.
func (c *deleteSnapshotCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no snapshot id specified")
	}
	c.id, args = args[0], args[1:]
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *deleteSnapshotCommand) Run(ctx *cmd.Context) error {
	rs, err := c.open()
	if err != nil {
		return errors.Trace(err)
	}
	stdCtx, cancel := interruptible()
	defer cancel()
	if err := backup.DeleteSnapshot(stdCtx, rs.drives, rs.settings.ReplicaSetName, c.id); err != nil {
		return errors.Trace(err)
	}
	ctx.Infof("Deleted snapshot %s.", c.id)
	return nil
}
