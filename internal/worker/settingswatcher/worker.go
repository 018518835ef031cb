// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package settingswatcher applies role setting changes to the running
// mongod, and asks for a recycle when a change cannot be applied live.
package settingswatcher

import (
	"maps"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/mongorole/internal/roleenv"
)

// ErrRecycleRequired is returned when a setting changed that the
// running instance cannot pick up.
const ErrRecycleRequired = errors.ConstError("settings changed, recycle required")

// Logger is the logging interface used by the worker.
type Logger interface {
	Errorf(string, ...any)
	Warningf(string, ...any)
	Infof(string, ...any)
	Debugf(string, ...any)
}

// Environment is the reloadable role environment.
type Environment interface {
	Path() string
	Reload() error
	Settings() map[string]any
	IsEmulated() bool
}

// Config holds the dependencies of the settings watcher.
type Config struct {
	Environment Environment
	NewWatcher  func(path string) (FileWatcher, error)

	// SetLogLevel applies a new log level to mongod.
	SetLogLevel func(level int) error

	// SetRecycleOnExit updates whether a mongod exit recycles the
	// instance.
	SetRecycleOnExit func(bool)

	Logger Logger
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Environment == nil {
		return errors.NotValidf("nil Environment")
	}
	if c.NewWatcher == nil {
		return errors.NotValidf("nil NewWatcher")
	}
	if c.SetLogLevel == nil {
		return errors.NotValidf("nil SetLogLevel")
	}
	if c.SetRecycleOnExit == nil {
		return errors.NotValidf("nil SetRecycleOnExit")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker reloads the role environment whenever its file changes.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	watcher  FileWatcher
	current  map[string]any
}

// NewWorker returns a running settings watcher.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	watcher, err := config.NewWatcher(config.Environment.Path())
	if err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:  config,
		watcher: watcher,
		current: maps.Clone(config.Environment.Settings()),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: []worker.Worker{watcher},
	}); err != nil {
		_ = worker.Stop(watcher)
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
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.watcher.Changes():
			if err := w.handleChange(); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

func (w *Worker) handleChange() error {
	env := w.config.Environment
	if err := env.Reload(); err != nil {
		// The file may be part way through being written.
		w.config.Logger.Warningf("cannot reload role environment: %v", err)
		return nil
	}
	attrs := env.Settings()
	changed := roleenv.ChangedSettings(w.current, attrs)
	if len(changed) == 0 {
		return nil
	}
	w.config.Logger.Infof("role settings changed: %s", strings.Join(changed, ", "))
	if roleenv.RequiresRecycle(changed) {
		return errors.Annotatef(ErrRecycleRequired, "%s", strings.Join(changed, ", "))
	}

	settings, err := roleenv.ParseRoleSettings(attrs, env.IsEmulated())
	if err != nil {
		w.config.Logger.Errorf("ignoring invalid role settings: %v", err)
		return nil
	}
	for _, name := range changed {
		switch name {
		case roleenv.LogVerbositySetting:
			level := settings.LogLevel()
			if err := w.config.SetLogLevel(level); err != nil {
				w.config.Logger.Warningf("cannot set mongod log level: %v", err)
				continue
			}
			w.config.Logger.Infof("mongod log level set to %d", level)
		case roleenv.RecycleOnExitSetting:
			w.config.SetRecycleOnExit(settings.RecycleOnExit)
			w.config.Logger.Debugf("recycle on exit is now %v", settings.RecycleOnExit)
		}
	}
	w.current = maps.Clone(attrs)
	return nil
}
