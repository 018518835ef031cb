// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peergrouper_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"
	dt "github.com/juju/worker/v4/dependency/testing"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongorole/internal/peergrouper"
	"github.com/juju/mongorole/internal/worker/mongod"
)

type fakeServer struct {
	mongod.Server
	addr string
}

func (s fakeServer) Address() string { return s.addr }

func (s fakeServer) Dial(time.Duration) (*mgo.Session, error) {
	return nil, errors.New("no reachable servers")
}

type manifoldSuite struct {
	testing.IsolationSuite
	config peergrouper.ManifoldConfig
}

var _ = gc.Suite(&manifoldSuite{})

func (s *manifoldSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.config = peergrouper.ManifoldConfig{
		MongodName:  "mongod",
		Environment: parseEnviron(c, "MongoDBRole_IN_0"),
		Clock:       testclock.NewClock(time.Time{}),
		Interval:    peergrouper.DefaultInterval,
		Logger:      loggo.GetLogger("test"),
		NewSession:  peergrouper.NewServerSession,
		NewWorker: func(peergrouper.Config) (worker.Worker, error) {
			return nil, errors.New("not used")
		},
	}
}

func (s *manifoldSuite) TestValid(c *gc.C) {
	c.Check(s.config.Validate(), jc.ErrorIsNil)
}

func (s *manifoldSuite) TestMissingMongodName(c *gc.C) {
	s.config.MongodName = ""
	s.checkNotValid(c, "empty MongodName not valid")
}

func (s *manifoldSuite) TestMissingNewSession(c *gc.C) {
	s.config.NewSession = nil
	s.checkNotValid(c, "nil NewSession not valid")
}

func (s *manifoldSuite) TestNonPositiveInterval(c *gc.C) {
	s.config.Interval = -time.Second
	s.checkNotValid(c, "non-positive Interval not valid")
}

func (s *manifoldSuite) checkNotValid(c *gc.C, expect string) {
	err := s.config.Validate()
	c.Check(err, gc.ErrorMatches, expect)
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *manifoldSuite) TestInputs(c *gc.C) {
	c.Check(peergrouper.Manifold(s.config).Inputs, jc.DeepEquals, []string{"mongod"})
}

func (s *manifoldSuite) TestMissingMongod(c *gc.C) {
	getter := dt.StubGetter(map[string]any{
		"mongod": dependency.ErrMissing,
	})
	_, err := peergrouper.Manifold(s.config).Start(context.Background(), getter)
	c.Check(errors.Cause(err), gc.Equals, dependency.ErrMissing)
}

func (s *manifoldSuite) TestStart(c *gc.C) {
	var got peergrouper.Config
	s.config.NewWorker = func(config peergrouper.Config) (worker.Worker, error) {
		got = config
		return workertest.NewErrorWorker(nil), nil
	}
	getter := dt.StubGetter(map[string]any{
		"mongod": mongod.Server(fakeServer{addr: "localhost:27017"}),
	})
	w, err := peergrouper.Manifold(s.config).Start(context.Background(), getter)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	c.Check(got.ReplicaSetName, gc.Equals, "rs")
	c.Check(got.Interval, gc.Equals, peergrouper.DefaultInterval)
	c.Check(got.Validate(), jc.ErrorIsNil)

	_, err = got.Dial()
	c.Check(err, gc.ErrorMatches, "no reachable servers")
}
