// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"context"
	"path/filepath"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"
)

type managerSuite struct {
	testing.IsolationSuite

	mounter   *MockSnapshotMounter
	store     *MockBlobStore
	clock     *testclock.Clock
	mountRoot string
}

var _ = gc.Suite(&managerSuite{})

func (s *managerSuite) setupMocks(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.mounter = NewMockSnapshotMounter(ctrl)
	s.store = NewMockBlobStore(ctrl)
	s.clock = testclock.NewClock(jobStart)
	s.mountRoot = c.MkDir()
	return ctrl
}

func (s *managerSuite) config() ManagerConfig {
	return ManagerConfig{
		Mounter:   s.mounter,
		Store:     s.store,
		Clock:     s.clock,
		MountRoot: s.mountRoot,
		Container: DefaultContainer,
		Retention: DefaultRetention,
	}
}

func (s *managerSuite) newManager(c *gc.C) *Manager {
	m, err := NewManager(s.config())
	c.Assert(err, jc.ErrorIsNil)
	return m
}

func waitDone(c *gc.C, job *Job) {
	select {
	case <-job.Done():
	case <-time.After(testing.LongWait):
		c.Fatalf("backup job %d did not finish", job.ID())
	}
}

func (s *managerSuite) TestValidate(c *gc.C) {
	defer s.setupMocks(c).Finish()

	cfg := s.config()
	cfg.Retention = 0
	_, err := NewManager(cfg)
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(err, gc.ErrorMatches, "retention 0s not valid")

	cfg = s.config()
	cfg.MountRoot = ""
	_, err = NewManager(cfg)
	c.Check(err, gc.ErrorMatches, "empty MountRoot not valid")
}

func (s *managerSuite) TestStartAssignsIDs(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.mounter.EXPECT().MountSnapshot(gomock.Any(), "snap-a", filepath.Join(s.mountRoot, "job-1")).Return("", nil, errors.New("boom"))
	s.mounter.EXPECT().MountSnapshot(gomock.Any(), "snap-b", filepath.Join(s.mountRoot, "job-2")).Return("", nil, errors.New("boom"))

	m := s.newManager(c)
	defer workertest.CleanKill(c, m)

	first, err := m.Start("snap-a")
	c.Assert(err, jc.ErrorIsNil)
	second, err := m.Start("snap-b")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(first.ID(), gc.Equals, 1)
	c.Check(second.ID(), gc.Equals, 2)
	waitDone(c, first)
	waitDone(c, second)

	jobs := m.Jobs()
	c.Assert(jobs, gc.HasLen, 2)
	c.Check(jobs[0], gc.Equals, first)
	c.Check(jobs[1], gc.Equals, second)

	job, err := m.Job(2)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(job.Source(), gc.Equals, "snap-b")
	c.Check(job.Err(), gc.ErrorMatches, "mounting snapshot snap-b: boom")
}

func (s *managerSuite) TestJobNotFound(c *gc.C) {
	defer s.setupMocks(c).Finish()

	m := s.newManager(c)
	defer workertest.CleanKill(c, m)

	_, err := m.Job(42)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *managerSuite) TestFinishedJobsArePruned(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.mounter.EXPECT().MountSnapshot(gomock.Any(), "snap-a", gomock.Any()).Return("", nil, errors.New("boom"))

	m := s.newManager(c)
	defer workertest.CleanKill(c, m)

	job, err := m.Start("snap-a")
	c.Assert(err, jc.ErrorIsNil)
	waitDone(c, job)

	s.clock.Advance(DefaultRetention - time.Second)
	c.Assert(m.Jobs(), gc.HasLen, 1)

	s.clock.Advance(time.Second)
	c.Assert(m.Jobs(), gc.HasLen, 0)
	_, err = m.Job(job.ID())
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *managerSuite) TestRunningJobsAreKept(c *gc.C) {
	defer s.setupMocks(c).Finish()

	mounting := make(chan struct{})
	s.mounter.EXPECT().MountSnapshot(gomock.Any(), "snap-a", gomock.Any()).DoAndReturn(
		func(ctx context.Context, _, _ string) (string, func(context.Context) error, error) {
			close(mounting)
			<-ctx.Done()
			return "", nil, ctx.Err()
		},
	)

	m := s.newManager(c)
	job, err := m.Start("snap-a")
	c.Assert(err, jc.ErrorIsNil)

	select {
	case <-mounting:
	case <-time.After(testing.LongWait):
		c.Fatalf("snapshot never mounted")
	}
	s.clock.Advance(2 * DefaultRetention)
	c.Assert(m.Jobs(), gc.HasLen, 1)

	// Killing the manager cancels the job.
	workertest.CleanKill(c, m)
	waitDone(c, job)
	c.Check(job.Err(), jc.ErrorIs, context.Canceled)
}

func (s *managerSuite) TestStartAfterKill(c *gc.C) {
	defer s.setupMocks(c).Finish()

	m := s.newManager(c)
	workertest.CleanKill(c, m)

	_, err := m.Start("snap-a")
	c.Assert(err, jc.ErrorIs, ErrManagerStopped)
}
