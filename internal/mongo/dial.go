// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongo holds the helpers used to launch mongod and talk to it:
// dialing, the admin commands the role issues and the mongod process
// itself.
package mongo

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"
)

var logger = loggo.GetLogger("mongorole.mongo")

const (
	// DefaultDialTimeout is how long to wait when connecting to a
	// member that should be up.
	DefaultDialTimeout = 5 * time.Second

	// LogDialTimeout is the connect timeout used when fetching a
	// member's log for display.
	LogDialTimeout = 3 * time.Second

	// AdminSocketTimeout bounds commands that block server side.
	// replSetStepDown waits for a secondary to catch up and shutdown
	// waits for the step down, so it must outlast stepDownSeconds.
	AdminSocketTimeout = (stepDownSeconds + 30) * time.Second
)

// Runner runs admin commands. *mgo.Session satisfies it.
type Runner interface {
	Run(cmd any, result any) error
}

// DialInfo returns the dial settings for addrs. A direct dial talks to
// the first address only, whatever its state.
func DialInfo(addrs []string, timeout time.Duration, direct bool) *mgo.DialInfo {
	return &mgo.DialInfo{
		Addrs:    addrs,
		Direct:   direct,
		Timeout:  timeout,
		FailFast: true,
	}
}

// DialDirect connects to a single member, even if it isn't primary.
// Reads are allowed on secondaries.
func DialDirect(addr string, timeout time.Duration) (*mgo.Session, error) {
	return dialDirect(addr, timeout, timeout)
}

// DialAdmin connects to a single member for commands that may run for
// up to socketTimeout. The connect itself gives up sooner.
func DialAdmin(addr string, socketTimeout time.Duration) (*mgo.Session, error) {
	return dialDirect(addr, connectTimeout(socketTimeout), socketTimeout)
}

func connectTimeout(socketTimeout time.Duration) time.Duration {
	if socketTimeout < DefaultDialTimeout {
		return socketTimeout
	}
	return DefaultDialTimeout
}

func dialDirect(addr string, dialTimeout, socketTimeout time.Duration) (*mgo.Session, error) {
	session, err := mgo.DialWithInfo(DialInfo([]string{addr}, dialTimeout, true))
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", addr)
	}
	session.SetMode(mgo.Monotonic, true)
	session.SetSocketTimeout(socketTimeout)
	return session, nil
}

// DialReplicaSet connects to the replica set reachable through any of
// addrs.
func DialReplicaSet(addrs []string, name string, timeout time.Duration) (*mgo.Session, error) {
	if len(addrs) == 0 {
		return nil, errors.NotValidf("empty address list")
	}
	info := DialInfo(addrs, timeout, false)
	info.ReplicaSetName = name
	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing replica set %q", name)
	}
	session.SetMode(mgo.Monotonic, true)
	return session, nil
}
