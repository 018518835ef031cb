// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peergrouper

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/worker/mongod"
)

// ManifoldConfig holds the information needed to run the reconcile
// worker in a dependency.Engine.
type ManifoldConfig struct {
	MongodName  string
	Environment roleenv.Environment
	Clock       clock.Clock
	Interval    time.Duration
	Logger      Logger

	NewSession func(mongod.Server) (Session, error)
	NewWorker  func(Config) (worker.Worker, error)
}

// Validate validates the manifold configuration.
func (config ManifoldConfig) Validate() error {
	if config.MongodName == "" {
		return errors.NotValidf("empty MongodName")
	}
	if config.Environment == nil {
		return errors.NotValidf("nil Environment")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.NewSession == nil {
		return errors.NotValidf("nil NewSession")
	}
	if config.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency.Manifold that keeps the replica set
// members current once mongod is running.
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
	settings, err := roleenv.ParseRoleSettings(config.Environment.Settings(), config.Environment.IsEmulated())
	if err != nil {
		return nil, errors.Trace(err)
	}
	w, err := config.NewWorker(Config{
		Environment:    config.Environment,
		ReplicaSetName: settings.ReplicaSetName,
		Dial: func() (Session, error) {
			return config.NewSession(server)
		},
		Clock:    config.Clock,
		Interval: config.Interval,
		Logger:   config.Logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// NewServerSession opens a session on the server's mongod.
func NewServerSession(server mongod.Server) (Session, error) {
	session, err := server.Dial(mongo.DefaultDialTimeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewSession(session), nil
}

// NewWorkerShim adapts NewWorker for use in ManifoldConfig.
func NewWorkerShim(config Config) (worker.Worker, error) {
	return NewWorker(config)
}
