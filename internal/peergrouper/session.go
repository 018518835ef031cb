// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peergrouper

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/replicaset/v3"
)

// Session is the view of the local mongod the reconciler needs.
type Session interface {
	IsPrimary() (bool, error)
	CurrentMembers() ([]replicaset.Member, error)
	Set(members []replicaset.Member) error
	Close()
}

// NewSession wraps a mongo session. Closing the returned Session closes
// the mongo session.
func NewSession(session *mgo.Session) Session {
	return mgoSession{session: session}
}

type mgoSession struct {
	session *mgo.Session
}

func (s mgoSession) IsPrimary() (bool, error) {
	result, err := replicaset.IsMaster(s.session)
	if err != nil {
		return false, errors.Trace(err)
	}
	return result.IsMaster, nil
}

func (s mgoSession) CurrentMembers() ([]replicaset.Member, error) {
	members, err := replicaset.CurrentMembers(s.session)
	return members, errors.Trace(err)
}

func (s mgoSession) Set(members []replicaset.Member) error {
	return errors.Trace(replicaset.Set(s.session, members))
}

func (s mgoSession) Close() {
	s.session.Close()
}
