// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package settingswatcher

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/worker/mongod"
)

// ManifoldConfig holds the information needed to run the settings
// watcher in a dependency.Engine.
type ManifoldConfig struct {
	MongodName  string
	Environment Environment
	Logger      Logger
	NewWatcher  func(path string) (FileWatcher, error)
	NewWorker   func(Config) (worker.Worker, error)
}

// Validate validates the manifold configuration.
func (config ManifoldConfig) Validate() error {
	if config.MongodName == "" {
		return errors.NotValidf("empty MongodName")
	}
	if config.Environment == nil {
		return errors.NotValidf("nil Environment")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.NewWatcher == nil {
		return errors.NotValidf("nil NewWatcher")
	}
	if config.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency.Manifold that runs the settings watcher
// against the local mongod.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{config.MongodName},
		Start:  config.start,
	}
}

func (config ManifoldConfig) start(_ context.Context, getter dependency.Getter) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	var server mongod.Server
	if err := getter.Get(config.MongodName, &server); err != nil {
		return nil, errors.Trace(err)
	}
	w, err := config.NewWorker(Config{
		Environment: config.Environment,
		NewWatcher:  config.NewWatcher,
		SetLogLevel: func(level int) error {
			session, err := server.Dial(mongo.DefaultDialTimeout)
			if err != nil {
				return errors.Trace(err)
			}
			defer session.Close()
			return errors.Trace(mongo.SetLogLevel(session, level))
		},
		SetRecycleOnExit: server.SetRecycleOnExit,
		Logger:           config.Logger,
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
