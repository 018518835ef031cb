// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package manager

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/roleenv"
)

// DefaultPollInterval is how often the replica set status is refreshed.
const DefaultPollInterval = 10 * time.Second

// StatusSource gives the latest known replica set status.
type StatusSource interface {
	Status() ReplicaSetStatus
}

// StaticStatus is a StatusSource that never changes.
type StaticStatus ReplicaSetStatus

// Status is part of StatusSource.
func (s StaticStatus) Status() ReplicaSetStatus {
	return ReplicaSetStatus(s)
}

// FetchFunc asks the replica set for its status.
type FetchFunc func(ctx context.Context) (*mongo.ReplicaSetStatus, error)

// NewFetcher returns a FetchFunc that reaches the replica set through
// the role's instances, preferring a secondary.
func NewFetcher(env roleenv.Environment, replicaSet string) FetchFunc {
	return newFetcher(env, replicaSet, dialReplicaSet, dialMember)
}

func dialReplicaSet(addrs []string, name string) (Admin, error) {
	return mongo.DialReplicaSet(addrs, name, mongo.DefaultDialTimeout)
}

func dialMember(addr string) (Admin, error) {
	return mongo.DialDirect(addr, mongo.DefaultDialTimeout)
}

func newFetcher(
	env roleenv.Environment,
	replicaSet string,
	dialSet func(addrs []string, name string) (Admin, error),
	dialOne func(addr string) (Admin, error),
) FetchFunc {
	return func(ctx context.Context) (*mongo.ReplicaSetStatus, error) {
		members, err := roleenv.ReplicaSetMembers(ctx, env, replicaSet)
		if err != nil {
			return nil, errors.Trace(err)
		}
		addrs := make([]string, len(members))
		for i, m := range members {
			addrs[i] = m.Address
		}
		session, err := dialSet(addrs, replicaSet)
		if err != nil {
			// A set that is not initiated yet can't be dialled as a set.
			logger.Debugf("%v; trying members one at a time", err)
			if session, err = dialAny(addrs, dialOne); err != nil {
				return nil, errors.Trace(err)
			}
		}
		defer session.Close()
		return mongo.CurrentStatus(session)
	}
}

func dialAny(addrs []string, dial func(addr string) (Admin, error)) (Admin, error) {
	lastErr := errors.NotFoundf("replica set members")
	for _, addr := range addrs {
		session, err := dial(addr)
		if err == nil {
			return session, nil
		}
		lastErr = err
	}
	return nil, errors.Trace(lastErr)
}

// PollerConfig holds the dependencies of a Poller.
type PollerConfig struct {
	Fetch    FetchFunc
	Clock    clock.Clock
	Interval time.Duration
	Logger   Logger
}

// Validate checks the configuration is complete.
func (c PollerConfig) Validate() error {
	if c.Fetch == nil {
		return errors.NotValidf("nil Fetch")
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

// Poller is a worker that keeps the replica set status current.
type Poller struct {
	catacomb catacomb.Catacomb
	config   PollerConfig

	mu      sync.Mutex
	status  ReplicaSetStatus
	updated chan struct{}
}

var _ StatusSource = (*Poller)(nil)

// NewPoller returns a running Poller. Until the first poll completes
// the status is Initializing.
func NewPoller(config PollerConfig) (*Poller, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	p := &Poller{
		config:  config,
		status:  ReplicaSetStatus{Status: Initializing, Servers: []ServerStatus{}},
		updated: make(chan struct{}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &p.catacomb,
		Work: p.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// Kill is part of the worker.Worker interface.
func (p *Poller) Kill() {
	p.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Poller) Wait() error {
	return p.catacomb.Wait()
}

// Status is part of StatusSource.
func (p *Poller) Status() ReplicaSetStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Updated returns a channel closed at the next status update.
func (p *Poller) Updated() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updated
}

func (p *Poller) loop() error {
	ctx := p.catacomb.Context(context.Background())
	timer := p.config.Clock.After(0)
	for {
		select {
		case <-p.catacomb.Dying():
			return p.catacomb.ErrDying()
		case <-timer:
			status := NewStatus(p.config.Fetch(ctx))
			if status.Status == Error {
				p.config.Logger.Debugf("replica set status: %s", status.Error)
			}
			p.mu.Lock()
			p.status = status
			close(p.updated)
			p.updated = make(chan struct{})
			p.mu.Unlock()
			timer = p.config.Clock.After(p.config.Interval)
		}
	}
}
