// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logrelay

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/juju/mongorole/internal/mongo"
)

// ManifoldConfig holds the information needed to run the log relay in a
// dependency.Engine.
type ManifoldConfig struct {
	// MongodName makes the relay start once mongod is running and its
	// log file exists.
	MongodName string
	LogDir     string
	Logger     Logger
	NewWorker  func(Config) (worker.Worker, error)
}

// Validate validates the manifold configuration.
func (config ManifoldConfig) Validate() error {
	if config.MongodName == "" {
		return errors.NotValidf("empty MongodName")
	}
	if config.LogDir == "" {
		return errors.NotValidf("empty LogDir")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency.Manifold that relays the mongod log.
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
	if err := getter.Get(config.MongodName, nil); err != nil {
		return nil, errors.Trace(err)
	}
	w, err := config.NewWorker(Config{
		LogPath: mongo.LogPath(config.LogDir),
		Logger:  config.Logger,
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
