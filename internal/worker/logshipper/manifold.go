// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logshipper

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/juju/mongorole/internal/blobstore"
	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/roleenv"
)

// ManifoldConfig holds the information needed to run the log shipper in
// a dependency.Engine.
type ManifoldConfig struct {
	Environment roleenv.Environment
	LogDir      string
	Clock       clock.Clock
	Interval    time.Duration
	Logger      Logger
	NewStore    func(connectionString string) (blobstore.Store, error)
	NewWorker   func(Config) (worker.Worker, error)
}

// Validate validates the manifold configuration.
func (config ManifoldConfig) Validate() error {
	if config.Environment == nil {
		return errors.NotValidf("nil Environment")
	}
	if config.LogDir == "" {
		return errors.NotValidf("empty LogDir")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.NewStore == nil {
		return errors.NotValidf("nil NewStore")
	}
	if config.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency.Manifold that ships the mongod log to
// the diagnostics store. Without a diagnostics connection string the
// manifold uninstalls itself.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Start: config.start,
	}
}

func (config ManifoldConfig) start(_ context.Context, _ dependency.Getter) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	env := config.Environment
	settings, err := roleenv.ParseRoleSettings(env.Settings(), env.IsEmulated())
	if err != nil {
		return nil, errors.Trace(err)
	}
	if settings.DiagnosticsConnectionString == "" {
		config.Logger.Debugf("no diagnostics storage configured, not shipping logs")
		return nil, dependency.ErrUninstall
	}
	store, err := config.NewStore(settings.DiagnosticsConnectionString)
	if err != nil {
		return nil, errors.Annotate(err, "opening diagnostics storage")
	}
	w, err := config.NewWorker(Config{
		Store:    store,
		BlobName: BlobName(env.DeploymentID(), env.RoleName(), env.CurrentInstance().ID),
		LogPath:  mongo.LogPath(config.LogDir),
		Clock:    config.Clock,
		Interval: config.Interval,
		Logger:   config.Logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// NewWorkerShim adapts NewWorker for use in ManifoldConfig.
func NewWorkerShim(config Config) (worker.Worker, error) {
	return NewWorker(config)
}
