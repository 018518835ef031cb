// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/juju/clock"
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/juju/mongorole/internal/logging"
	"github.com/juju/mongorole/internal/provider"
	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/storage"
	"github.com/juju/mongorole/internal/worker/hostsupdater"
	"github.com/juju/mongorole/internal/worker/mongod"
	"github.com/juju/mongorole/internal/worker/settingswatcher"
)

var logger = loggo.GetLogger("mongorole.cmd.mongodrole")

const (
	defaultEnvironmentPath = "/etc/mongorole/environment.yaml"
	defaultMongodBinary    = "/usr/bin/mongod"

	// driveMountDir is where the data drive is mounted, under the
	// local data resource.
	driveMountDir = "drive"
)

const agentDoc = `
mongodrole runs one member of a MongoDB replica set on a role instance.

It mounts the instance's data drive, runs mongod on it and, on the
first instance, creates the replica set. While it runs it keeps the
replica set members and host aliases in line with the role's instances,
ships the mongod log to diagnostics storage and applies setting changes.

The agent exits with an error when mongod exits or a setting changes
that needs a restart; the service manager is expected to restart it.
`

// agentCommand runs the role agent.
type agentCommand struct {
	cmd.CommandBase

	environmentPath string
	mongodBinary    string
	hostsFile       string
	logFile         string
	loggingConfig   string

	newStorage  func(roleenv.Environment, clock.Clock) (storage.Provider, error)
	newTopology func(roleenv.Environment) (roleenv.TopologySource, error)
	notifyReady func() error
	manifolds   func(ManifoldsConfig) dependency.Manifolds
}

// NewAgentCommand returns the command that runs the role agent.
func NewAgentCommand() cmd.Command {
	return &agentCommand{
		newStorage:  provider.NewStorageProvider,
		newTopology: provider.NewTopologySource,
		notifyReady: notifyReady,
		manifolds:   Manifolds,
	}
}

// Info implements cmd.Command.
func (c *agentCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "mongodrole",
		Purpose: "run a replica set member on a role instance",
		Doc:     agentDoc,
	}
}

// SetFlags implements cmd.Command.
func (c *agentCommand) SetFlags(f *gnuflag.FlagSet) {
	c.CommandBase.SetFlags(f)
	f.StringVar(&c.environmentPath, "environment", defaultEnvironmentPath, "path of the role environment file")
	f.StringVar(&c.mongodBinary, "mongod-binary", defaultMongodBinary, "path of the mongod executable")
	f.StringVar(&c.hostsFile, "hosts-file", hostsupdater.DefaultHostsFile, "hosts file holding the replica set aliases")
	f.StringVar(&c.logFile, "log-file", "", "also log to this file, rotated by size")
	f.StringVar(&c.loggingConfig, "logging-config", logging.DefaultConfig, "logging configuration")
}

// Init implements cmd.Command.
func (c *agentCommand) Init(args []string) error {
	if c.environmentPath == "" {
		return errors.New("--environment must be set")
	}
	if c.mongodBinary == "" {
		return errors.New("--mongod-binary must be set")
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *agentCommand) Run(ctx *cmd.Context) error {
	closer, err := logging.Setup(logging.Config{
		LoggingConfig: c.loggingConfig,
		LogFile:       c.logFile,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer closer.Close()

	env, err := roleenv.NewFileEnvironment(c.environmentPath)
	if err != nil {
		return errors.Annotate(err, "reading role environment")
	}
	current := env.CurrentInstance()
	logger.Infof("starting %s of deployment %s", current.ID, env.DeploymentID())

	topology, err := c.newTopology(env)
	if err != nil {
		return errors.Annotate(err, "opening role topology")
	}
	if topology != nil {
		env.SetTopologySource(topology)
	}
	drives, err := c.newStorage(env, clock.WallClock)
	if err != nil {
		return errors.Annotate(err, "opening data drive storage")
	}
	localData, err := env.LocalResource(roleenv.LocalDataDirResource)
	if err != nil {
		return errors.Trace(err)
	}
	logDir, err := env.LocalResource(roleenv.LogDirResource)
	if err != nil {
		return errors.Trace(err)
	}

	engine, err := dependency.NewEngine(engineConfig())
	if err != nil {
		return errors.Trace(err)
	}
	manifolds := c.manifolds(ManifoldsConfig{
		Environment: env,
		Storage:     drives,
		Binary:      c.mongodBinary,
		MountPoint:  filepath.Join(localData.Path, driveMountDir),
		LogDir:      logDir.Path,
		HostsFile:   c.hostsFile,
		Clock:       clock.WallClock,
		NotifyReady: c.notifyReady,
	})
	if err := dependency.Install(engine, manifolds); err != nil {
		_ = worker.Stop(engine)
		return errors.Trace(err)
	}
	return errors.Trace(c.wait(engine))
}

// wait runs the engine until it fails or the agent is told to stop.
func (c *agentCommand) wait(engine worker.Worker) error {
	sigctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigctx.Done()
		engine.Kill()
	}()
	err := engine.Wait()
	if sigctx.Err() != nil {
		logger.Infof("agent stopped")
		return nil
	}
	if isFatal(err) {
		logger.Infof("recycling: %v", err)
	}
	return err
}

func notifyReady() error {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		return errors.Annotate(err, "notifying systemd")
	}
	if !sent {
		logger.Debugf("not running under systemd, readiness not sent")
	}
	return nil
}

func isFatal(err error) bool {
	return errors.Is(err, mongod.ErrMongodExited) || errors.Is(err, settingswatcher.ErrRecycleRequired)
}

func worstError(err0, err1 error) error {
	if isFatal(err0) {
		return err0
	}
	return err1
}
