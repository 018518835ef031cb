// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package peergrouper creates the replica set and keeps its membership in
// line with the role's instances.
package peergrouper

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"golang.org/x/sync/errgroup"

	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/roleenv"
)

var logger = loggo.GetLogger("mongorole.peergrouper")

// BootstrapConfig holds what Bootstrap needs.
type BootstrapConfig struct {
	Environment    roleenv.Environment
	ReplicaSetName string
	Clock          clock.Clock

	// Runner is connected directly to the local mongod.
	Runner mongo.Runner

	// Check reports whether a member accepts connections. It defaults to
	// mongo.DialCheck.
	Check mongo.ConnectCheck
}

// Validate checks the configuration is complete.
func (c BootstrapConfig) Validate() error {
	if c.Environment == nil {
		return errors.NotValidf("nil Environment")
	}
	if c.ReplicaSetName == "" {
		return errors.NotValidf("empty ReplicaSetName")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	return nil
}

// Bootstrap creates the replica set from the first instance of the role.
// Other instances, and a set that already exists, are left alone. Every
// member must be listening before the set is initiated.
func Bootstrap(ctx context.Context, cfg BootstrapConfig) error {
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}
	check := cfg.Check
	if check == nil {
		check = mongo.DialCheck
	}

	current := cfg.Environment.CurrentInstance()
	id, err := roleenv.ParseInstanceID(current.ID)
	if err != nil {
		return errors.Trace(err)
	}
	if id != 0 {
		logger.Debugf("instance %s does not bootstrap the replica set", current.ID)
		return nil
	}
	if mongo.IsInitialized(cfg.Runner) {
		logger.Infof("replica set %q already initialized", cfg.ReplicaSetName)
		return nil
	}

	members, err := roleenv.ReplicaSetMembers(ctx, cfg.Environment, cfg.ReplicaSetName)
	if err != nil {
		return errors.Trace(err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		addr := m.Address
		g.Go(func() error {
			return mongo.WaitListening(gctx, cfg.Clock, addr, check)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Annotate(err, "waiting for members")
	}

	initiate := make([]mongo.InitiateMember, len(members))
	for i, m := range members {
		initiate[i] = mongo.InitiateMember{ID: m.ID, Host: m.Address}
	}
	logger.Infof("initiating replica set %q with %d members", cfg.ReplicaSetName, len(initiate))
	return errors.Trace(mongo.Initiate(cfg.Runner, cfg.ReplicaSetName, initiate))
}
