// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongorole/internal/storage"
)

type snapshotsSuite struct {
	testing.IsolationSuite

	provider *MockSnapshotProvider
}

var _ = gc.Suite(&snapshotsSuite{})

func (s *snapshotsSuite) setupMocks(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.provider = NewMockSnapshotProvider(ctrl)
	return ctrl
}

var allSnapshots = []storage.Snapshot{
	{ID: "s3", DriveName: "mongoddatadrivers-mongoddblob1", Created: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)},
	{ID: "s2", DriveName: "mongoddatadrivers-x-mongoddblob0"},
	{ID: "s1", DriveName: "mongoddatadrivers-mongoddblob0"},
	{ID: "s0", DriveName: "unrelated"},
}

func (s *snapshotsSuite) TestSnapshotMember(c *gc.C) {
	defer s.setupMocks(c).Finish()

	drive := storage.Drive{Name: "mongoddatadrivers-mongoddblob2", ID: "disk-2", SizeMB: 1024}
	snap := storage.Snapshot{ID: "s4", DriveName: drive.Name}
	s.provider.EXPECT().EnsureDrive(gomock.Any(), "mongoddatadrivers-mongoddblob2", 1024).Return(drive, nil)
	s.provider.EXPECT().Snapshot(gomock.Any(), drive).Return(snap, nil)

	result, err := SnapshotMember(context.Background(), s.provider, "rs", 2, 1024)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result, jc.DeepEquals, snap)
}

func (s *snapshotsSuite) TestSnapshotMemberError(c *gc.C) {
	defer s.setupMocks(c).Finish()

	drive := storage.Drive{Name: "mongoddatadrivers-mongoddblob0"}
	s.provider.EXPECT().EnsureDrive(gomock.Any(), drive.Name, 1024).Return(drive, nil)
	s.provider.EXPECT().Snapshot(gomock.Any(), drive).Return(storage.Snapshot{}, errors.New("throttled"))

	_, err := SnapshotMember(context.Background(), s.provider, "rs", 0, 1024)
	c.Assert(err, gc.ErrorMatches, `snapshotting drive "mongoddatadrivers-mongoddblob0": throttled`)
}

func (s *snapshotsSuite) TestListSnapshots(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.provider.EXPECT().Snapshots(gomock.Any()).Return(allSnapshots, nil)

	snapshots, err := ListSnapshots(context.Background(), s.provider, "rs")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(snapshots, jc.DeepEquals, []storage.Snapshot{allSnapshots[0], allSnapshots[2]})
}

func (s *snapshotsSuite) TestDeleteSnapshot(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.provider.EXPECT().Snapshots(gomock.Any()).Return(allSnapshots, nil)
	s.provider.EXPECT().DeleteSnapshot(gomock.Any(), "s1").Return(nil)

	err := DeleteSnapshot(context.Background(), s.provider, "rs", "s1")
	c.Assert(err, jc.ErrorIsNil)
}

func (s *snapshotsSuite) TestDeleteSnapshotOfOtherSet(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.provider.EXPECT().Snapshots(gomock.Any()).Return(allSnapshots, nil)

	err := DeleteSnapshot(context.Background(), s.provider, "rs", "s2")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}
