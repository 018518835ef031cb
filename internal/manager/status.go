// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package manager

import (
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/juju/mongorole/internal/mongo"
)

// SetState is the overall condition of the replica set.
type SetState int

const (
	Initializing SetState = iota
	OK
	Error
)

var setStateNames = []string{"Initializing", "OK", "Error"}

func (s SetState) String() string {
	if int(s) < 0 || int(s) >= len(setStateNames) {
		return fmt.Sprintf("SetState(%d)", int(s))
	}
	return setStateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s SetState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Health reports whether a member is reachable.
type Health int

const (
	Down Health = 0
	Up   Health = 1
)

func (h Health) String() string {
	if h == Up {
		return "Up"
	}
	return "Down"
}

// MarshalText implements encoding.TextMarshaler.
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// MemberState is a member's replication state as numbered by mongod.
type MemberState int

const (
	StateStartup MemberState = iota
	StatePrimary
	StateSecondary
	StateRecovering
	StateFatal
	StateStartup2
	StateUnknown
	StateArbiter
	StateDown
	StateRollback
	StateRemoved
)

var memberStateNames = []string{
	"STARTUP",
	"PRIMARY",
	"SECONDARY",
	"RECOVERING",
	"FATAL",
	"STARTUP2",
	"UNKNOWN",
	"ARBITER",
	"DOWN",
	"ROLLBACK",
	"REMOVED",
}

func (s MemberState) String() string {
	if int(s) < 0 || int(s) >= len(memberStateNames) {
		return fmt.Sprintf("STATE(%d)", int(s))
	}
	return memberStateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s MemberState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ServerStatus is the state of one member.
type ServerStatus struct {
	ID     int         `json:"id"`
	Name   string      `json:"name"`
	Health Health      `json:"health"`
	State  MemberState `json:"state"`

	// LastHeartbeat is when the member reporting the status last heard
	// from this one. It is zero if it never has.
	LastHeartbeat time.Time `json:"lastHeartbeat"`

	// LastOperationTime is the time of the last operation applied.
	LastOperationTime time.Time `json:"lastOperationTime"`

	PingMs int64 `json:"pingMs"`
}

// ReplicaSetStatus is the state of the whole replica set.
type ReplicaSetStatus struct {
	Status SetState `json:"status"`

	// Name is set when Status is OK.
	Name string `json:"name,omitempty"`

	// Error is set when Status is Error.
	Error string `json:"error,omitempty"`

	Servers []ServerStatus `json:"servers"`
}

// Get returns the member with the given id.
func (s ReplicaSetStatus) Get(id int) (ServerStatus, error) {
	for _, server := range s.Servers {
		if server.ID == id {
			return server, nil
		}
	}
	return ServerStatus{}, errors.NotFoundf("server %d", id)
}

// Primary returns the current primary.
func (s ReplicaSetStatus) Primary() (ServerStatus, error) {
	for _, server := range s.Servers {
		if server.State == StatePrimary {
			return server, nil
		}
	}
	return ServerStatus{}, errors.NotFoundf("primary")
}

// NewStatus interprets the result of asking the replica set for its
// status.
func NewStatus(status *mongo.ReplicaSetStatus, err error) ReplicaSetStatus {
	switch {
	case errors.Is(err, mongo.ErrNotInitialized):
		return ReplicaSetStatus{Status: Initializing, Servers: []ServerStatus{}}
	case err != nil:
		return ReplicaSetStatus{Status: Error, Error: err.Error(), Servers: []ServerStatus{}}
	}
	result := ReplicaSetStatus{
		Status:  OK,
		Name:    status.Name,
		Servers: make([]ServerStatus, len(status.Members)),
	}
	for i, m := range status.Members {
		result.Servers[i] = ServerStatus{
			ID:                m.ID,
			Name:              m.Name,
			Health:            Health(m.Health),
			State:             MemberState(m.State),
			LastHeartbeat:     fromEpoch(m.LastHeartbeat),
			LastOperationTime: fromEpoch(m.OptimeDate),
			PingMs:            m.PingMs,
		}
	}
	return result
}

// mongod reports the Unix epoch for times it doesn't know.
func fromEpoch(t time.Time) time.Time {
	if t.IsZero() || t.Unix() == 0 {
		return time.Time{}
	}
	return t.UTC()
}

// DummyStatus returns a made up replica set, shown when the dashboard
// runs outside a role environment.
func DummyStatus(now time.Time) ReplicaSetStatus {
	return ReplicaSetStatus{
		Status: OK,
		Name:   "rs-offline-dummy-data",
		Servers: []ServerStatus{{
			ID:                0,
			Name:              "localhost:27018",
			Health:            Up,
			State:             StateSecondary,
			LastHeartbeat:     now.Add(-time.Second),
			LastOperationTime: now,
			PingMs:            20 + now.UnixNano()%580,
		}, {
			ID:                1,
			Name:              "localhost:27019",
			Health:            Up,
			State:             StatePrimary,
			LastOperationTime: now,
		}, {
			ID:     2,
			Name:   "localhost:27020",
			Health: Down,
			State:  StateDown,
		}},
	}
}
