// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/juju/mongorole/internal/blobstore"
	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/peergrouper"
	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/storage"
	"github.com/juju/mongorole/internal/worker/hostsupdater"
	"github.com/juju/mongorole/internal/worker/logrelay"
	"github.com/juju/mongorole/internal/worker/logshipper"
	"github.com/juju/mongorole/internal/worker/mongod"
	"github.com/juju/mongorole/internal/worker/settingswatcher"
)

const (
	mongodName          = "mongod"
	peergrouperName     = "peergrouper"
	settingsWatcherName = "settings-watcher"
	hostsUpdaterName    = "hosts-updater"
	logShipperName      = "log-shipper"
	logRelayName        = "log-relay"
)

// ManifoldsConfig holds what the agent's workers share.
type ManifoldsConfig struct {
	Environment *roleenv.FileEnvironment
	Storage     storage.Provider
	Binary      string
	MountPoint  string
	LogDir      string
	HostsFile   string
	Clock       clock.Clock

	// NotifyReady tells the service manager mongod is up.
	NotifyReady func() error
}

// Manifolds returns the workers run by the role agent. Everything that
// talks to mongod depends on the mongod manifold, so a recycle of mongod
// restarts them.
func Manifolds(config ManifoldsConfig) dependency.Manifolds {
	return dependency.Manifolds{
		mongodName: mongod.Manifold(mongod.ManifoldConfig{
			Environment: config.Environment,
			Storage:     config.Storage,
			Binary:      config.Binary,
			MountPoint:  config.MountPoint,
			LogDir:      config.LogDir,
			Clock:       config.Clock,
			Logger:      loggo.GetLogger("mongorole.worker.mongod"),
			Bootstrap: func(ctx context.Context, admin mongo.Runner, settings roleenv.RoleSettings) error {
				return peergrouper.Bootstrap(ctx, peergrouper.BootstrapConfig{
					Environment:    config.Environment,
					ReplicaSetName: settings.ReplicaSetName,
					Clock:          config.Clock,
					Runner:         admin,
				})
			},
			NotifyReady: config.NotifyReady,
			NewWorker:   mongod.NewWorkerShim,
		}),

		peergrouperName: peergrouper.Manifold(peergrouper.ManifoldConfig{
			MongodName:  mongodName,
			Environment: config.Environment,
			Clock:       config.Clock,
			Interval:    peergrouper.DefaultInterval,
			Logger:      loggo.GetLogger("mongorole.peergrouper"),
			NewSession:  peergrouper.NewServerSession,
			NewWorker:   peergrouper.NewWorkerShim,
		}),

		settingsWatcherName: settingswatcher.Manifold(settingswatcher.ManifoldConfig{
			MongodName:  mongodName,
			Environment: config.Environment,
			Logger:      loggo.GetLogger("mongorole.worker.settingswatcher"),
			NewWatcher:  settingswatcher.NewFileWatcher,
			NewWorker:   settingswatcher.NewWorkerShim,
		}),

		hostsUpdaterName: hostsupdater.Manifold(hostsupdater.ManifoldConfig{
			Environment: config.Environment,
			HostsFile:   config.HostsFile,
			Clock:       config.Clock,
			Interval:    hostsupdater.DefaultInterval,
			Logger:      loggo.GetLogger("mongorole.worker.hostsupdater"),
			WriteFile:   utils.AtomicWriteFile,
			NewWorker:   hostsupdater.NewWorkerShim,
		}),

		logShipperName: logshipper.Manifold(logshipper.ManifoldConfig{
			Environment: config.Environment,
			LogDir:      config.LogDir,
			Clock:       config.Clock,
			Interval:    logshipper.DefaultInterval,
			Logger:      loggo.GetLogger("mongorole.worker.logshipper"),
			NewStore:    blobstore.NewStore,
			NewWorker:   logshipper.NewWorkerShim,
		}),

		logRelayName: logrelay.Manifold(logrelay.ManifoldConfig{
			MongodName: mongodName,
			LogDir:     config.LogDir,
			Logger:     loggo.GetLogger("mongorole.mongod"),
			NewWorker:  logrelay.NewWorkerShim,
		}),
	}
}

func engineConfig() dependency.EngineConfig {
	return dependency.EngineConfig{
		IsFatal:          isFatal,
		WorstError:       worstError,
		ErrorDelay:       3 * time.Second,
		BounceDelay:      10 * time.Millisecond,
		BackoffFactor:    1.2,
		BackoffResetTime: time.Minute,
		MaxDelay:         2 * time.Minute,
		Clock:            clock.WallClock,
		Metrics:          dependency.DefaultMetrics(),
		Logger:           loggo.GetLogger("mongorole.worker.dependency"),
	}
}
