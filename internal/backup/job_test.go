// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"
)

type jobSuite struct {
	testing.IsolationSuite

	mounter *MockSnapshotMounter
	store   *MockBlobStore
	clock   *testclock.Clock
	source  string
}

var _ = gc.Suite(&jobSuite{})

var jobStart = time.Date(2024, time.March, 5, 7, 9, 30, 0, time.UTC)

func (s *jobSuite) setupMocks(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.mounter = NewMockSnapshotMounter(ctrl)
	s.store = NewMockBlobStore(ctrl)
	s.clock = testclock.NewClock(jobStart)
	s.source = c.MkDir()
	writeTree(c, s.source, map[string]string{
		"data/local.0": "local data",
	})
	return ctrl
}

func (s *jobSuite) newJob(c *gc.C, console io.Writer) *Job {
	job, err := NewJob(JobConfig{
		ID:         1,
		Source:     "snap-1",
		Container:  DefaultContainer,
		MountPoint: "/mnt/job-1",
		Mounter:    s.mounter,
		Store:      s.store,
		Clock:      s.clock,
		Console:    console,
	})
	c.Assert(err, jc.ErrorIsNil)
	return job
}

func (s *jobSuite) TestValidate(c *gc.C) {
	defer s.setupMocks(c).Finish()

	valid := JobConfig{
		Source:    "snap-1",
		Container: DefaultContainer,
		Mounter:   s.mounter,
		Store:     s.store,
		Clock:     s.clock,
	}
	c.Assert(valid.Validate(), jc.ErrorIsNil)

	for i, test := range []struct {
		mutate func(*JobConfig)
		err    string
	}{
		{func(cfg *JobConfig) { cfg.Source = "" }, "empty Source not valid"},
		{func(cfg *JobConfig) { cfg.Container = "" }, "empty Container not valid"},
		{func(cfg *JobConfig) { cfg.Mounter = nil }, "nil Mounter not valid"},
		{func(cfg *JobConfig) { cfg.Store = nil }, "nil Store not valid"},
		{func(cfg *JobConfig) { cfg.Clock = nil }, "nil Clock not valid"},
	} {
		c.Logf("test %d", i)
		cfg := valid
		test.mutate(&cfg)
		err := cfg.Validate()
		c.Check(err, jc.ErrorIs, errors.NotValid)
		c.Check(err, gc.ErrorMatches, test.err)
	}
}

func (s *jobSuite) TestRun(c *gc.C) {
	defer s.setupMocks(c).Finish()

	released := false
	release := func(context.Context) error {
		released = true
		return nil
	}
	var uploaded bytes.Buffer
	s.mounter.EXPECT().MountSnapshot(gomock.Any(), "snap-1", "/mnt/job-1").Return(s.source, release, nil)
	s.store.EXPECT().EnsureContainer(gomock.Any(), DefaultContainer).Return(nil)
	s.store.EXPECT().Upload(gomock.Any(), DefaultContainer, "backup_2024-3-5_7-9.tar", gomock.Any(), map[string]string{
		"FileName":  "backup_2024-3-5_7-9.tar",
		"Submitter": "BlobBackup",
	}).DoAndReturn(func(_ context.Context, _, _ string, r io.Reader, _ map[string]string) error {
		_, err := io.Copy(&uploaded, r)
		return err
	})

	var console bytes.Buffer
	job := s.newJob(c, &console)
	err := job.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(released, jc.IsTrue)
	c.Check(job.Err(), jc.ErrorIsNil)
	c.Check(job.Archive(), gc.Equals, "backup_2024-3-5_7-9.tar")
	c.Check(job.Started(), gc.Equals, jobStart)
	finished, ok := job.Finished()
	c.Check(ok, jc.IsTrue)
	c.Check(finished, gc.Equals, jobStart)
	c.Check(job.LastLine(), gc.Equals, "Unmounting the drive...")

	history := job.LogHistory()
	c.Assert(len(history) > 8, jc.IsTrue)
	c.Check(history[:6], jc.DeepEquals, []string{
		"Backup started for snap-1...",
		"Mounting the snapshot...",
		"...snapshot mounted to " + s.source,
		"Opening (or creating) the backup container...",
		"Backing up:\n\tpath: " + s.source + "\n\tto blob: backup_2024-3-5_7-9.tar\n",
		"Writing to the blob/tar...",
	})
	c.Check(console.String(), jc.Contains, "Writing local.0... (10 bytes)\n")

	c.Assert(readArchive(c, uploaded.Bytes()), jc.DeepEquals, map[string]string{
		"data/local.0": "local data",
	})

	select {
	case <-job.Done():
	default:
		c.Fatalf("job not done")
	}
}

func (s *jobSuite) TestRunMountFails(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.mounter.EXPECT().MountSnapshot(gomock.Any(), "snap-1", "/mnt/job-1").Return("", nil, errors.New("disk busy"))

	job := s.newJob(c, nil)
	err := job.Run(context.Background())
	c.Assert(err, gc.ErrorMatches, "mounting snapshot snap-1: disk busy")
	c.Check(job.Err(), gc.Equals, err)

	c.Check(job.LogHistory(), jc.DeepEquals, []string{
		"Backup started for snap-1...",
		"Mounting the snapshot...",
		"=========================",
		"FAILURE: mounting snapshot snap-1: disk busy",
		"",
		"Terminating now.",
	})
	c.Check(job.Summary().Failed, jc.IsTrue)
}

func (s *jobSuite) TestRunUploadFailsReleasesSnapshot(c *gc.C) {
	defer s.setupMocks(c).Finish()

	released := false
	release := func(context.Context) error {
		released = true
		return nil
	}
	s.mounter.EXPECT().MountSnapshot(gomock.Any(), "snap-1", "/mnt/job-1").Return(s.source, release, nil)
	s.store.EXPECT().EnsureContainer(gomock.Any(), DefaultContainer).Return(nil)
	s.store.EXPECT().Upload(gomock.Any(), DefaultContainer, gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("quota exceeded"))

	job := s.newJob(c, nil)
	err := job.Run(context.Background())
	c.Assert(err, gc.ErrorMatches, "quota exceeded")
	c.Check(released, jc.IsTrue)
	c.Check(job.LastLine(), gc.Equals, "Terminating now.")
}

func (s *jobSuite) TestSummary(c *gc.C) {
	defer s.setupMocks(c).Finish()

	job := s.newJob(c, nil)
	summary := job.Summary()
	c.Check(summary, jc.DeepEquals, Summary{
		ID:     1,
		Source: "snap-1",
	})
}
