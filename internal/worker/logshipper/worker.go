// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logshipper copies the mongod log into blob storage so that it
// can be read after the instance is gone.
package logshipper

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/mongorole/internal/blobstore"
)

const (
	// Container holds the shipped logs of every deployment.
	Container = "mongodlogs"

	// DefaultInterval is how often the log is shipped.
	DefaultInterval = time.Minute

	uploadAttempts = 3
	uploadDelay    = 5 * time.Second
)

// BlobName returns the name the given instance's mongod log is shipped
// under.
func BlobName(deploymentID, role, instanceID string) string {
	return path.Join(deploymentID, role, instanceID, "mongod.log")
}

// Logger is the logging interface used by the worker.
type Logger interface {
	Warningf(string, ...any)
	Debugf(string, ...any)
}

// Config holds the dependencies of the log shipper.
type Config struct {
	Store    blobstore.Store
	BlobName string
	LogPath  string
	Clock    clock.Clock
	Interval time.Duration
	Logger   Logger
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.BlobName == "" {
		return errors.NotValidf("empty BlobName")
	}
	if c.LogPath == "" {
		return errors.NotValidf("empty LogPath")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker uploads the log whenever it has changed since the last upload.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	ensured bool
	shipped os.FileInfo
}

// NewWorker returns a running log shipper.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	ctx := w.catacomb.Context(context.Background())
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.config.Clock.After(w.config.Interval):
			if err := w.ship(ctx); err != nil {
				w.config.Logger.Warningf("cannot ship %s: %v", w.config.LogPath, err)
			}
		}
	}
}

func (w *Worker) ship(ctx context.Context) error {
	info, err := os.Stat(w.config.LogPath)
	if os.IsNotExist(err) {
		w.config.Logger.Debugf("%s does not exist yet", w.config.LogPath)
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	if w.shipped != nil && info.Size() == w.shipped.Size() && info.ModTime().Equal(w.shipped.ModTime()) {
		return nil
	}

	err = retry.Call(retry.CallArgs{
		Func: func() error {
			return w.upload(ctx)
		},
		IsFatalError: func(err error) bool {
			return os.IsNotExist(errors.Cause(err))
		},
		Attempts: uploadAttempts,
		Delay:    uploadDelay,
		Clock:    w.config.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return errors.Trace(retry.LastError(err))
	}
	w.shipped = info
	w.config.Logger.Debugf("shipped %s (%d bytes)", w.config.LogPath, info.Size())
	return nil
}

func (w *Worker) upload(ctx context.Context) error {
	if !w.ensured {
		if err := w.config.Store.EnsureContainer(ctx, Container); err != nil {
			return errors.Trace(err)
		}
		w.ensured = true
	}
	f, err := os.Open(w.config.LogPath)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	return errors.Trace(w.config.Store.Upload(ctx, Container, w.config.BlobName, f, nil))
}
