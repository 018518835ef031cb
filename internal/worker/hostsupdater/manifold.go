// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hostsupdater

import (
	"context"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/juju/mongorole/internal/roleenv"
)

// ManifoldConfig holds the information needed to run the hosts updater
// in a dependency.Engine.
type ManifoldConfig struct {
	Environment roleenv.Environment
	HostsFile   string
	Clock       clock.Clock
	Interval    time.Duration
	Logger      Logger
	WriteFile   func(path string, data []byte, perm os.FileMode) error
	NewWorker   func(Config) (worker.Worker, error)
}

// Validate validates the manifold configuration.
func (config ManifoldConfig) Validate() error {
	if config.Environment == nil {
		return errors.NotValidf("nil Environment")
	}
	if config.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency.Manifold that runs the hosts updater.
// Emulated instances share the local host, so the manifold uninstalls
// itself there.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Start: config.start,
	}
}

func (config ManifoldConfig) start(_ context.Context, _ dependency.Getter) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Environment.IsEmulated() {
		return nil, dependency.ErrUninstall
	}
	settings, err := roleenv.ParseRoleSettings(config.Environment.Settings(), false)
	if err != nil {
		return nil, errors.Trace(err)
	}
	w, err := config.NewWorker(Config{
		Environment:    config.Environment,
		ReplicaSetName: settings.ReplicaSetName,
		HostsFile:      config.HostsFile,
		Clock:          config.Clock,
		Interval:       config.Interval,
		Logger:         config.Logger,
		WriteFile:      config.WriteFile,
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
