// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package hostsupdater keeps the replica set member aliases resolvable
// through the hosts file.
package hostsupdater

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/mongorole/internal/roleenv"
)

const (
	// DefaultHostsFile is the system hosts file.
	DefaultHostsFile = "/etc/hosts"

	// DefaultInterval is how often the aliases are checked.
	DefaultInterval = 30 * time.Second
)

// Logger is the logging interface used by the worker.
type Logger interface {
	Warningf(string, ...any)
	Infof(string, ...any)
	Debugf(string, ...any)
}

// Config holds the dependencies of the hosts updater.
type Config struct {
	Environment    roleenv.Environment
	ReplicaSetName string
	HostsFile      string
	Clock          clock.Clock
	Interval       time.Duration
	Logger         Logger

	// WriteFile replaces the hosts file. It should do so atomically.
	WriteFile func(path string, data []byte, perm os.FileMode) error
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Environment == nil {
		return errors.NotValidf("nil Environment")
	}
	if c.ReplicaSetName == "" {
		return errors.NotValidf("empty ReplicaSetName")
	}
	if c.HostsFile == "" {
		return errors.NotValidf("empty HostsFile")
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
	if c.WriteFile == nil {
		return errors.NotValidf("nil WriteFile")
	}
	return nil
}

// Worker rewrites the managed block of the hosts file when the role's
// instances change.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker returns a running hosts updater.
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
	timer := w.config.Clock.After(0)
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer:
			if err := w.update(ctx); err != nil {
				w.config.Logger.Warningf("cannot update %s: %v", w.config.HostsFile, err)
			}
			timer = w.config.Clock.After(w.config.Interval)
		}
	}
}

func (w *Worker) update(ctx context.Context) error {
	want, err := w.entries(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	content, err := os.ReadFile(w.config.HostsFile)
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	have, err := parseBlock(content)
	if err != nil {
		return errors.Annotatef(err, "reading %s", w.config.HostsFile)
	}
	added, removed := diffEntries(have, want)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	if len(added) > 0 {
		w.config.Logger.Infof("adding host aliases: %s", strings.Join(added, ", "))
	}
	if len(removed) > 0 {
		w.config.Logger.Infof("removing host aliases: %s", strings.Join(removed, ", "))
	}
	perm := os.FileMode(0644)
	if info, err := os.Stat(w.config.HostsFile); err == nil {
		perm = info.Mode().Perm()
	}
	data, err := renderHosts(content, want)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(w.config.WriteFile(w.config.HostsFile, data, perm))
}

func (w *Worker) entries(ctx context.Context) ([]Entry, error) {
	instances, err := w.config.Environment.Instances(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	entries := make([]Entry, 0, len(instances))
	for _, inst := range instances {
		id, err := roleenv.ParseInstanceID(inst.ID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		ip, _, err := inst.Endpoint(roleenv.MongodPortEndpoint)
		if err != nil {
			w.config.Logger.Debugf("skipping %s: %v", inst.ID, err)
			continue
		}
		entries = append(entries, Entry{IP: ip, Alias: roleenv.NodeAlias(w.config.ReplicaSetName, id)})
	}
	return entries, nil
}
