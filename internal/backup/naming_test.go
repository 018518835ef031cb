// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"time"

	"github.com/juju/testing"
	gc "gopkg.in/check.v1"
)

type namingSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&namingSuite{})

func (s *namingSuite) TestBackupName(c *gc.C) {
	t := time.Date(2024, time.March, 5, 7, 9, 30, 0, time.UTC)
	c.Assert(BackupName(t), gc.Equals, "backup_2024-3-5_7-9.tar")

	t = time.Date(2024, time.December, 25, 23, 59, 0, 0, time.UTC)
	c.Assert(BackupName(t), gc.Equals, "backup_2024-12-25_23-59.tar")
}

func (s *namingSuite) TestFormatFileSize(c *gc.C) {
	for i, test := range []struct {
		size     int64
		expected string
	}{
		{0, "0 bytes"},
		{1, "1 bytes"},
		{1023, "1023 bytes"},
		{1024, "1 KB"},
		{74496, "72.75 KB"},
		{1536, "1.5 KB"},
		{1024 * 1024, "1 MB"},
		{5 * 1024 * 1024 * 1024, "5 GB"},
		{1<<40 + 1<<39, "1.5 TB"},
	} {
		c.Logf("test %d: %d", i, test.size)
		c.Check(FormatFileSize(test.size), gc.Equals, test.expected)
	}
}
