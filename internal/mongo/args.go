// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"path/filepath"
	"strconv"

	"github.com/juju/errors"
)

const (
	// DataDirName is the directory on the data drive holding the
	// database files.
	DataDirName = "data"

	// LogFileName is the name of mongod's log file.
	LogFileName = "mongod.log"

	emulatedOplogSizeMB = 100
)

// MongodConfig holds the settings mongod is started with.
type MongodConfig struct {
	// Binary is the path of the mongod executable.
	Binary string

	Port       int
	DBPath     string
	LogPath    string
	ReplicaSet string

	// Emulated keeps the oplog small, as every member shares a disk.
	Emulated bool

	// BindAll makes mongod listen on every interface rather than
	// only localhost.
	BindAll bool

	// Verbosity is empty or a flag of the form -v...
	Verbosity string

	ExtraArgs []string
}

// Validate checks the configuration is complete.
func (c MongodConfig) Validate() error {
	if c.Binary == "" {
		return errors.NotValidf("empty Binary")
	}
	if c.Port <= 0 {
		return errors.NotValidf("port %d", c.Port)
	}
	if c.DBPath == "" {
		return errors.NotValidf("empty DBPath")
	}
	if c.LogPath == "" {
		return errors.NotValidf("empty LogPath")
	}
	if c.ReplicaSet == "" {
		return errors.NotValidf("empty ReplicaSet")
	}
	return nil
}

// Args returns mongod's command line arguments.
func (c MongodConfig) Args() []string {
	args := []string{
		"--port", strconv.Itoa(c.Port),
		"--dbpath", c.DBPath,
		"--logpath", c.LogPath,
		"--logappend",
		"--replSet", c.ReplicaSet,
	}
	if c.Emulated {
		args = append(args, "--oplogSize", strconv.Itoa(emulatedOplogSizeMB))
	}
	if c.BindAll {
		args = append(args, "--bind_ip_all")
	}
	if c.Verbosity != "" {
		args = append(args, c.Verbosity)
	}
	return append(args, c.ExtraArgs...)
}

// DBPath returns the database directory on a mounted data drive.
func DBPath(mountPath string) string {
	return filepath.Join(mountPath, DataDirName)
}

// LogPath returns mongod's log file in the log directory.
func LogPath(logDir string) string {
	return filepath.Join(logDir, LogFileName)
}
