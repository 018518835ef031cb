// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongod

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/storage"
)

// ManifoldConfig holds what the mongod manifold needs.
type ManifoldConfig struct {
	Environment roleenv.Environment
	Storage     storage.Provider
	Binary      string
	MountPoint  string
	LogDir      string
	Clock       clock.Clock
	Logger      Logger

	Bootstrap   func(ctx context.Context, admin mongo.Runner, settings roleenv.RoleSettings) error
	NotifyReady func() error
	NewWorker   func(Config) (worker.Worker, error)
}

// Validate checks the configuration is complete.
func (config ManifoldConfig) Validate() error {
	if config.Environment == nil {
		return errors.NotValidf("nil Environment")
	}
	if config.Storage == nil {
		return errors.NotValidf("nil Storage")
	}
	if config.Binary == "" {
		return errors.NotValidf("empty Binary")
	}
	if config.MountPoint == "" {
		return errors.NotValidf("empty MountPoint")
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
	if config.Bootstrap == nil {
		return errors.NotValidf("nil Bootstrap")
	}
	if config.NotifyReady == nil {
		return errors.NotValidf("nil NotifyReady")
	}
	if config.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// Manifold returns a dependency.Manifold running mongod. Its output is
// a Server.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Start:  config.start,
		Output: outputFunc,
	}
}

func (config ManifoldConfig) start(_ context.Context, _ dependency.Getter) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	settings, err := roleenv.ParseRoleSettings(config.Environment.Settings(), config.Environment.IsEmulated())
	if err != nil {
		return nil, errors.Trace(err)
	}
	w, err := config.NewWorker(Config{
		Environment: config.Environment,
		Settings:    settings,
		Storage:     config.Storage,
		Binary:      config.Binary,
		MountPoint:  config.MountPoint,
		LogDir:      config.LogDir,
		Clock:       config.Clock,
		Logger:      config.Logger,
		StopTimeout: DefaultStopTimeout,
		StartProcess: func(cfg mongo.MongodConfig) (Process, error) {
			return mongo.StartProcess(cfg)
		},
		DialAdmin: func(addr string) (Admin, error) {
			return mongo.DialAdmin(addr, mongo.AdminSocketTimeout)
		},
		WaitListening: func(ctx context.Context, addr string) error {
			return mongo.WaitListening(ctx, config.Clock, addr, mongo.DialCheck)
		},
		Bootstrap: func(ctx context.Context, admin mongo.Runner) error {
			return config.Bootstrap(ctx, admin, settings)
		},
		NotifyReady: config.NotifyReady,
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

func outputFunc(in worker.Worker, out any) error {
	server, ok := in.(Server)
	if !ok {
		return errors.Errorf("expected Server, got %T", in)
	}
	switch outPtr := out.(type) {
	case *Server:
		*outPtr = server
	default:
		return errors.Errorf("expected *mongod.Server, got %T", out)
	}
	return nil
}

