// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cmd holds what the mongorole programs share on the command
// line.
package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/juju/cmd/v3"
	"github.com/juju/loggo/v2"
)

// Version is the release of the mongorole programs.
const Version = "1.0.0"

// LoggingConfigEnvKey names the environment variable holding the default
// logging configuration of the command line tools.
const LoggingConfigEnvKey = "MONGOROLE_LOGGING_CONFIG"

var logger = loggo.GetLogger("mongorole.cmd")

func init() {
	// An empty config leaves the loggers alone.
	if err := loggo.ConfigureLoggers(os.Getenv(LoggingConfigEnvKey)); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR parsing %s: %s\n\n", LoggingConfigEnvKey, err)
	}
}

// NewSuperCommand is like cmd.NewSuperCommand, but the default logging
// configuration comes from the environment, the version is set, and
// every run is logged.
func NewSuperCommand(p cmd.SuperCommandParams) *cmd.SuperCommand {
	p.Log = &cmd.Log{
		DefaultConfig: os.Getenv(LoggingConfigEnvKey),
	}
	p.Version = Version
	p.NotifyRun = runNotifier
	return cmd.NewSuperCommand(p)
}

func runNotifier(name string) {
	logger.Infof("running %s [%s %s %s]", name, Version, runtime.Compiler, runtime.Version())
}
