// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

const (
	// ErrNotInitialized is returned when a member has not been made
	// part of a replica set yet.
	ErrNotInitialized = errors.ConstError("replica set not initialized")

	// notYetInitializedCode is the server error code for a
	// replSetGetStatus sent before replSetInitiate.
	notYetInitializedCode = 94

	// startupNoConfig is the startupStatus a member reports while it
	// waits for a configuration.
	startupNoConfig = 3

	stepDownSeconds = 60
)

// MemberStatus is a member's entry in replSetGetStatus.
type MemberStatus struct {
	ID            int       `bson:"_id"`
	Name          string    `bson:"name"`
	Health        float64   `bson:"health"`
	State         int       `bson:"state"`
	StateStr      string    `bson:"stateStr"`
	Uptime        int64     `bson:"uptime"`
	OptimeDate    time.Time `bson:"optimeDate"`
	LastHeartbeat time.Time `bson:"lastHeartbeat"`
	PingMs        int64     `bson:"pingMs"`
	Self          bool      `bson:"self"`
	ErrMsg        string    `bson:"errmsg,omitempty"`
}

// ReplicaSetStatus is the result of replSetGetStatus.
type ReplicaSetStatus struct {
	Name          string         `bson:"set"`
	MyState       int            `bson:"myState"`
	StartupStatus *int           `bson:"startupStatus,omitempty"`
	Members       []MemberStatus `bson:"members"`
}

// CurrentStatus returns the replica set status as seen by the member r
// is connected to. A member that has not been initiated yet gives an
// error satisfying errors.Is(err, ErrNotInitialized).
func CurrentStatus(r Runner) (*ReplicaSetStatus, error) {
	var status ReplicaSetStatus
	if err := r.Run(bson.D{{Name: "replSetGetStatus", Value: 1}}, &status); err != nil {
		if qerr, ok := errors.Cause(err).(*mgo.QueryError); ok && qerr.Code == notYetInitializedCode {
			return nil, errors.WithType(err, ErrNotInitialized)
		}
		return nil, errors.Annotate(err, "getting replica set status")
	}
	if status.StartupStatus != nil {
		return nil, errors.Annotatef(ErrNotInitialized, "startup status %d", *status.StartupStatus)
	}
	return &status, nil
}

// IsInitialized reports whether the member r is connected to already
// belongs to an initiated replica set.
func IsInitialized(r Runner) bool {
	var result struct {
		StartupStatus *int `bson:"startupStatus,omitempty"`
	}
	if err := r.Run(bson.D{{Name: "replSetGetStatus", Value: 1}}, &result); err != nil {
		logger.Debugf("replSetGetStatus: %v", err)
		return false
	}
	return result.StartupStatus == nil || *result.StartupStatus != startupNoConfig
}

// InitiateMember is a member of the configuration sent with
// replSetInitiate.
type InitiateMember struct {
	ID   int    `bson:"_id"`
	Host string `bson:"host"`
}

// Initiate creates the replica set with the given members.
func Initiate(r Runner, name string, members []InitiateMember) error {
	if len(members) == 0 {
		return errors.NotValidf("empty member list")
	}
	config := bson.D{
		{Name: "_id", Value: name},
		{Name: "members", Value: members},
	}
	var result bson.M
	if err := r.Run(bson.D{{Name: "replSetInitiate", Value: config}}, &result); err != nil {
		return errors.Annotatef(err, "initiating replica set %q", name)
	}
	logger.Debugf("replSetInitiate returned %v", result)
	return nil
}

// IsPrimary reports whether the member r is connected to is primary.
func IsPrimary(r Runner) (bool, error) {
	var result struct {
		IsMaster bool `bson:"ismaster"`
	}
	if err := r.Run(bson.D{{Name: "isMaster", Value: 1}}, &result); err != nil {
		return false, errors.Trace(err)
	}
	return result.IsMaster, nil
}

// StepDown asks the primary to step down. The primary drops its
// connections when it steps down, so a closed connection counts as
// success.
func StepDown(r Runner) error {
	err := r.Run(bson.D{{Name: "replSetStepDown", Value: stepDownSeconds}}, nil)
	if err == nil || isEOF(err) {
		return nil
	}
	return errors.Annotate(err, "stepping down")
}

// StepDownIfPrimary steps the member down if it is primary.
func StepDownIfPrimary(r Runner) error {
	primary, err := IsPrimary(r)
	if err != nil {
		return errors.Trace(err)
	}
	if !primary {
		return nil
	}
	logger.Infof("stepping down as primary")
	return errors.Trace(StepDown(r))
}

// Shutdown asks mongod to shut down. The server closes the connection
// as it exits.
func Shutdown(r Runner) error {
	err := r.Run(bson.D{{Name: "shutdown", Value: 1}}, nil)
	if err == nil || isEOF(err) {
		return nil
	}
	return errors.Annotate(err, "shutting down mongod")
}

// SetLogLevel changes mongod's log level without a restart.
func SetLogLevel(r Runner, level int) error {
	cmd := bson.D{
		{Name: "setParameter", Value: 1},
		{Name: "logLevel", Value: level},
	}
	if err := r.Run(cmd, nil); err != nil {
		return errors.Annotatef(err, "setting log level %d", level)
	}
	return nil
}

// LogRotate asks mongod to rotate its log file.
func LogRotate(r Runner) error {
	if err := r.Run(bson.D{{Name: "logRotate", Value: 1}}, nil); err != nil {
		return errors.Annotate(err, "rotating log")
	}
	return nil
}

// GetLog returns the recent lines of the named in-memory log, usually
// "global".
func GetLog(r Runner, name string) ([]string, error) {
	var result struct {
		Log []string `bson:"log"`
	}
	if err := r.Run(bson.D{{Name: "getLog", Value: name}}, &result); err != nil {
		return nil, errors.Annotatef(err, "getting %s log", name)
	}
	return result.Log, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Cause(err) == io.EOF || err.Error() == io.EOF.Error()
}
