// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/mongorole/internal/backup"
	"github.com/juju/mongorole/internal/blobstore"
	"github.com/juju/mongorole/internal/logging"
	"github.com/juju/mongorole/internal/manager"
	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/provider"
	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/storage"
	"github.com/juju/mongorole/internal/storage/local"
)

var logger = loggo.GetLogger("mongorole.cmd.mongodmanager")

const (
	defaultEnvironmentPath = "/etc/mongorole/environment.yaml"
	defaultListenAddress   = ":8080"
	logPollInterval        = 5 * time.Second
	shutdownTimeout        = 10 * time.Second
)

const managerDoc = `
mongodmanager serves the replica set dashboard API.

It polls the replica set for its status and lets an operator step down
the primary, rotate and read member logs, take and delete snapshots of
the primary's data drive, and back snapshots up to blob storage.

Without a role environment file the dashboard serves made up data, with
drives and backups kept under --offline-dir.
`

// managerCommand runs the dashboard.
type managerCommand struct {
	cmd.CommandBase

	environmentPath string
	listenAddress   string
	offlineDir      string
	logFile         string
	loggingConfig   string

	newStorage  func(roleenv.Environment, clock.Clock) (storage.Provider, error)
	newTopology func(roleenv.Environment) (roleenv.TopologySource, error)
	newStore    func(connectionString string) (blobstore.Store, error)
	listen      func(network, address string) (net.Listener, error)
	newContext  func() (context.Context, context.CancelFunc)
}

// NewManagerCommand returns the command that runs the dashboard.
func NewManagerCommand() cmd.Command {
	return &managerCommand{
		newStorage:  provider.NewStorageProvider,
		newTopology: provider.NewTopologySource,
		newStore:    blobstore.NewStore,
		listen:      net.Listen,
		newContext: func() (context.Context, context.CancelFunc) {
			return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		},
	}
}

// Info implements cmd.Command.
func (c *managerCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "mongodmanager",
		Purpose: "serve the replica set dashboard",
		Doc:     managerDoc,
	}
}

// SetFlags implements cmd.Command.
func (c *managerCommand) SetFlags(f *gnuflag.FlagSet) {
	c.CommandBase.SetFlags(f)
	f.StringVar(&c.environmentPath, "environment", defaultEnvironmentPath, "path of the role environment file")
	f.StringVar(&c.listenAddress, "listen", defaultListenAddress, "address the API listens on")
	f.StringVar(&c.offlineDir, "offline-dir", filepath.Join(os.TempDir(), "mongodmanager"), "where drives and backups are kept without a role environment")
	f.StringVar(&c.logFile, "log-file", "", "also log to this file, rotated by size")
	f.StringVar(&c.loggingConfig, "logging-config", logging.DefaultConfig, "logging configuration")
}

// Init implements cmd.Command.
func (c *managerCommand) Init(args []string) error {
	if c.listenAddress == "" {
		return errors.New("--listen must be set")
	}
	return cmd.CheckEmpty(args)
}

// dashboard is everything the API is built from, and the workers that
// must be stopped with it.
type dashboard struct {
	config  manager.APIConfig
	workers []worker.Worker
}

func (d *dashboard) stop() {
	for _, w := range d.workers {
		if err := worker.Stop(w); err != nil {
			logger.Errorf("stopping dashboard worker: %v", err)
		}
	}
}

// Run implements cmd.Command.
func (c *managerCommand) Run(ctx *cmd.Context) error {
	closer, err := logging.Setup(logging.Config{
		LoggingConfig: c.loggingConfig,
		LogFile:       c.logFile,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer closer.Close()

	var d *dashboard
	env, err := roleenv.NewFileEnvironment(c.environmentPath)
	switch {
	case os.IsNotExist(errors.Cause(err)):
		logger.Warningf("no role environment at %s, serving offline data", c.environmentPath)
		d, err = c.offlineDashboard()
	case err != nil:
		return errors.Annotate(err, "reading role environment")
	default:
		d, err = c.roleDashboard(env)
	}
	if err != nil {
		return errors.Trace(err)
	}
	defer d.stop()

	registry := prometheus.NewRegistry()
	if err := registry.Register(prometheus.NewGoCollector()); err != nil {
		return errors.Trace(err)
	}
	if err := registry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return errors.Trace(err)
	}
	if err := registry.Register(manager.NewCollector(d.config.Status, d.config.Backups)); err != nil {
		return errors.Trace(err)
	}
	d.config.Gatherer = registry

	api, err := manager.NewAPI(d.config)
	if err != nil {
		return errors.Trace(err)
	}
	listener, err := c.listen("tcp", c.listenAddress)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", c.listenAddress)
	}
	return errors.Trace(c.serve(listener, api))
}

func (c *managerCommand) serve(listener net.Listener, handler http.Handler) error {
	stopCtx, stop := c.newContext()
	defer stop()

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(listener)
	}()
	logger.Infof("dashboard listening on %s", listener.Addr())

	select {
	case err := <-served:
		return errors.Annotate(err, "serving dashboard")
	case <-stopCtx.Done():
	}
	logger.Infof("stopping dashboard")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Annotate(err, "stopping dashboard")
	}
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Trace(err)
	}
	return nil
}

func (c *managerCommand) offlineDashboard() (*dashboard, error) {
	clk := clock.WallClock
	store := blobstore.NewFileStore(filepath.Join(c.offlineDir, "blobs"))
	drives := local.NewProvider(c.offlineDir, clk)
	backups, err := backup.NewManager(backup.ManagerConfig{
		Mounter:   drives,
		Store:     store,
		Clock:     clk,
		MountRoot: filepath.Join(c.offlineDir, "mounts"),
		Container: backup.DefaultContainer,
		Retention: backup.DefaultRetention,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &dashboard{
		config: manager.APIConfig{
			Status:          manager.StaticStatus(manager.DummyStatus(clk.Now())),
			DialServer:      dialServer,
			Snapshots:       drives,
			Backups:         backups,
			BackupStore:     store,
			BackupContainer: backup.DefaultContainer,
			LogStore:        store,
			ReplicaSetName:  "rs-offline-dummy-data",
			DataDirSizeMB:   roleenv.DefaultEmulatedDataDirSizeMB,
			DeploymentID:    "offline",
			RoleName:        "MongoDBRole",
			Clock:           clk,
			LogPollInterval: logPollInterval,
		},
		workers: []worker.Worker{backups},
	}, nil
}

func (c *managerCommand) roleDashboard(env *roleenv.FileEnvironment) (_ *dashboard, err error) {
	clk := clock.WallClock
	settings, err := roleenv.ParseRoleSettings(env.Settings(), env.IsEmulated())
	if err != nil {
		return nil, errors.Trace(err)
	}
	topology, err := c.newTopology(env)
	if err != nil {
		return nil, errors.Annotate(err, "opening role topology")
	}
	if topology != nil {
		env.SetTopologySource(topology)
	}
	drives, err := c.newStorage(env, clk)
	if err != nil {
		return nil, errors.Annotate(err, "opening data drive storage")
	}
	backupStore, err := c.newStore(provider.BackupConnectionString(env, settings))
	if err != nil {
		return nil, errors.Annotate(err, "opening backup storage")
	}
	var logStore blobstore.Store
	if settings.DiagnosticsConnectionString != "" {
		if logStore, err = c.newStore(settings.DiagnosticsConnectionString); err != nil {
			return nil, errors.Annotate(err, "opening diagnostics storage")
		}
	}

	d := &dashboard{}
	defer func() {
		if err != nil {
			d.stop()
		}
	}()
	backups, err := backup.NewManager(backup.ManagerConfig{
		Mounter:   drives,
		Store:     backupStore,
		Clock:     clk,
		MountRoot: backupMountRoot(env),
		Container: backup.DefaultContainer,
		Retention: backup.DefaultRetention,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.workers = append(d.workers, backups)
	poller, err := manager.NewPoller(manager.PollerConfig{
		Fetch:    manager.NewFetcher(env, settings.ReplicaSetName),
		Clock:    clk,
		Interval: manager.DefaultPollInterval,
		Logger:   loggo.GetLogger("mongorole.manager.poller"),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.workers = append(d.workers, poller)

	d.config = manager.APIConfig{
		Status:          poller,
		DialServer:      dialServer,
		Snapshots:       drives,
		Backups:         backups,
		BackupStore:     backupStore,
		BackupContainer: backup.DefaultContainer,
		LogStore:        logStore,
		ReplicaSetName:  settings.ReplicaSetName,
		DataDirSizeMB:   settings.DataDirSizeMB,
		DeploymentID:    env.DeploymentID(),
		RoleName:        env.RoleName(),
		Clock:           clk,
		LogPollInterval: logPollInterval,
	}
	return d, nil
}

func backupMountRoot(env roleenv.Environment) string {
	if res, err := env.LocalResource(roleenv.BackupDriveCacheResource); err == nil {
		return filepath.Join(res.Path, "mounts")
	}
	return filepath.Join(os.TempDir(), "mongodmanager-mounts")
}

func dialServer(addr string, timeout time.Duration) (manager.Admin, error) {
	session, err := mongo.DialAdmin(addr, timeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return session, nil
}
