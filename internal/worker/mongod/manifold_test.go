// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongod_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4"
	dt "github.com/juju/worker/v4/dependency/testing"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/storage/local"
	"github.com/juju/mongorole/internal/worker/mongod"
)

type manifoldSuite struct {
	testing.IsolationSuite
	config mongod.ManifoldConfig
}

var _ = gc.Suite(&manifoldSuite{})

func (s *manifoldSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	env, err := roleenv.ParseEnvironment([]byte(environYAML))
	c.Assert(err, jc.ErrorIsNil)
	clk := testclock.NewClock(time.Time{})
	s.config = mongod.ManifoldConfig{
		Environment: env,
		Storage:     local.NewProvider(c.MkDir(), clk),
		Binary:      "mongod",
		MountPoint:  "/mnt/data",
		LogDir:      "/var/log/mongod",
		Clock:       clk,
		Logger:      loggo.GetLogger("test"),
		Bootstrap: func(context.Context, mongo.Runner, roleenv.RoleSettings) error {
			return nil
		},
		NotifyReady: func() error { return nil },
		NewWorker: func(mongod.Config) (worker.Worker, error) {
			return nil, errors.New("not used")
		},
	}
}

func (s *manifoldSuite) TestValid(c *gc.C) {
	c.Check(s.config.Validate(), jc.ErrorIsNil)
}

func (s *manifoldSuite) TestMissingStorage(c *gc.C) {
	s.config.Storage = nil
	s.checkNotValid(c, "nil Storage not valid")
}

func (s *manifoldSuite) TestMissingBinary(c *gc.C) {
	s.config.Binary = ""
	s.checkNotValid(c, "empty Binary not valid")
}

func (s *manifoldSuite) TestMissingBootstrap(c *gc.C) {
	s.config.Bootstrap = nil
	s.checkNotValid(c, "nil Bootstrap not valid")
}

func (s *manifoldSuite) checkNotValid(c *gc.C, expect string) {
	err := s.config.Validate()
	c.Check(err, gc.ErrorMatches, expect)
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *manifoldSuite) TestStart(c *gc.C) {
	var got mongod.Config
	s.config.NewWorker = func(config mongod.Config) (worker.Worker, error) {
		got = config
		return workertest.NewErrorWorker(nil), nil
	}
	manifold := mongod.Manifold(s.config)
	c.Check(manifold.Inputs, gc.HasLen, 0)

	w, err := manifold.Start(context.Background(), dt.StubGetter(nil))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	c.Check(got.Settings.ReplicaSetName, gc.Equals, "rs")
	c.Check(got.Settings.DataDirSizeMB, gc.Equals, roleenv.DefaultEmulatedDataDirSizeMB)
	c.Check(got.StopTimeout, gc.Equals, mongod.DefaultStopTimeout)
	c.Check(got.Validate(), jc.ErrorIsNil)
}

func (s *manifoldSuite) TestStartInvalidSettings(c *gc.C) {
	env, err := roleenv.ParseEnvironment([]byte(environYAML + `
settings:
  MongoDBLogVerbosity: loud
`))
	c.Assert(err, jc.ErrorIsNil)
	s.config.Environment = env

	_, err = mongod.Manifold(s.config).Start(context.Background(), dt.StubGetter(nil))
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *manifoldSuite) TestOutputRejectsOtherWorkers(c *gc.C) {
	manifold := mongod.Manifold(s.config)
	var server mongod.Server
	err := manifold.Output(workertest.NewErrorWorker(nil), &server)
	c.Assert(err, gc.ErrorMatches, `expected Server, got .*`)
}
