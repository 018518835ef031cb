// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peergrouper

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/mongorole/internal/roleenv"
)

// DefaultInterval is how often membership is checked.
const DefaultInterval = time.Minute

// Logger is the logging interface used by the worker.
type Logger interface {
	Errorf(string, ...any)
	Warningf(string, ...any)
	Infof(string, ...any)
	Debugf(string, ...any)
	Tracef(string, ...any)
}

// Config holds the dependencies of the reconcile worker.
type Config struct {
	Environment    roleenv.Environment
	ReplicaSetName string

	// Dial connects to the local mongod.
	Dial func() (Session, error)

	Clock    clock.Clock
	Interval time.Duration
	Logger   Logger
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Environment == nil {
		return errors.NotValidf("nil Environment")
	}
	if c.ReplicaSetName == "" {
		return errors.NotValidf("empty ReplicaSetName")
	}
	if c.Dial == nil {
		return errors.NotValidf("nil Dial")
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

// Worker keeps the replica set members matching the role's instances.
// Only the primary changes the configuration; on other members the
// worker just waits.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker returns a running reconcile worker.
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
			if err := w.reconcile(ctx); err != nil {
				w.config.Logger.Warningf("cannot reconcile replica set members: %v", err)
			}
			timer = w.config.Clock.After(w.config.Interval)
		}
	}
}

func (w *Worker) reconcile(ctx context.Context) error {
	session, err := w.config.Dial()
	if err != nil {
		return errors.Trace(err)
	}
	defer session.Close()

	primary, err := session.IsPrimary()
	if err != nil {
		return errors.Trace(err)
	}
	if !primary {
		w.config.Logger.Tracef("not primary, leaving members alone")
		return nil
	}

	instances, err := roleenv.ReplicaSetMembers(ctx, w.config.Environment, w.config.ReplicaSetName)
	if err != nil {
		return errors.Trace(err)
	}
	if len(instances) == 0 {
		w.config.Logger.Warningf("no role instances found, leaving members alone")
		return nil
	}

	current, err := session.CurrentMembers()
	if err != nil {
		return errors.Trace(err)
	}
	desired, changed := desiredMembers(current, instances)
	if !changed {
		return nil
	}
	w.config.Logger.Infof("setting replica set members: %s", formatMembers(desired))
	return errors.Annotate(session.Set(desired), "setting members")
}
