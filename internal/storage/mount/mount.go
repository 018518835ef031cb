// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mount formats and mounts block devices.
package mount

import (
	"fmt"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4/exec"
	"github.com/kballard/go-shellquote"
	"github.com/moby/sys/mountinfo"
)

var logger = loggo.GetLogger("mongorole.storage.mount")

// CommandRunner runs shell commands on the host.
type CommandRunner interface {
	RunCommands(run exec.RunParams) (*exec.ExecResponse, error)
}

type defaultRunner struct{}

func (defaultRunner) RunCommands(run exec.RunParams) (*exec.ExecResponse, error) {
	return exec.RunCommands(run)
}

// Mounter mounts and formats devices.
type Mounter struct {
	runner    CommandRunner
	isMounted func(string) (bool, error)
}

// NewMounter returns a Mounter that runs commands on the host.
func NewMounter() *Mounter {
	return NewMounterWithRunner(defaultRunner{}, mountinfo.Mounted)
}

// NewMounterWithRunner returns a Mounter using the given runner and
// mount check.
func NewMounterWithRunner(runner CommandRunner, isMounted func(string) (bool, error)) *Mounter {
	return &Mounter{
		runner:    runner,
		isMounted: isMounted,
	}
}

// IsMounted reports whether something is mounted at path.
func (m *Mounter) IsMounted(path string) (bool, error) {
	mounted, err := m.isMounted(path)
	if os.IsNotExist(errors.Cause(err)) {
		return false, nil
	}
	return mounted, errors.Trace(err)
}

// Mount mounts device at path. A writable device without a filesystem
// is formatted first.
func (m *Mounter) Mount(device, path string, readOnly bool) error {
	mounted, err := m.IsMounted(path)
	if err != nil {
		return errors.Trace(err)
	}
	if mounted {
		logger.Debugf("%s already mounted", path)
		return nil
	}
	if !readOnly {
		if err := m.ensureFilesystem(device); err != nil {
			return errors.Trace(err)
		}
	}
	opts := "defaults,noatime"
	if readOnly {
		opts = "ro,noatime,noload"
	}
	cmd := fmt.Sprintf("mkdir -p %s\nmount -o %s %s %s", quote(path), opts, quote(device), quote(path))
	if err := m.run(cmd); err != nil {
		return errors.Annotatef(err, "mounting %s at %s", device, path)
	}
	logger.Infof("mounted %s at %s", device, path)
	return nil
}

// Unmount unmounts path if it is mounted.
func (m *Mounter) Unmount(path string) error {
	mounted, err := m.IsMounted(path)
	if err != nil {
		return errors.Trace(err)
	}
	if !mounted {
		return nil
	}
	if err := m.run("umount " + quote(path)); err != nil {
		return errors.Annotatef(err, "unmounting %s", path)
	}
	logger.Infof("unmounted %s", path)
	return nil
}

// blkidNoFilesystem is blkid's exit code when the device carries no
// recognisable signature. Any other failure leaves the device alone.
const blkidNoFilesystem = 2

func (m *Mounter) ensureFilesystem(device string) error {
	result, err := m.runner.RunCommands(exec.RunParams{
		Commands: "blkid -o value -s TYPE " + quote(device),
	})
	if err != nil {
		return errors.Trace(err)
	}
	switch result.Code {
	case 0:
		logger.Debugf("%s has filesystem %q", device, strings.TrimSpace(string(result.Stdout)))
		return nil
	case blkidNoFilesystem:
	default:
		return errors.Errorf("checking %s for a filesystem: blkid exited %d: %s",
			device, result.Code, strings.TrimSpace(string(result.Stderr)))
	}
	logger.Infof("formatting %s", device)
	return errors.Annotatef(m.run("mkfs.ext4 -F -q "+quote(device)), "formatting %s", device)
}

func (m *Mounter) run(cmd string) error {
	logger.Tracef("running %q", cmd)
	result, err := m.runner.RunCommands(exec.RunParams{Commands: cmd})
	if err != nil {
		return errors.Trace(err)
	}
	if result.Code != 0 {
		return errors.Errorf("%s", strings.TrimSpace(string(result.Stderr)))
	}
	return nil
}

func quote(s string) string {
	return shellquote.Join(s)
}
