// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package settingswatcher_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongorole/internal/worker/settingswatcher"
)

type fileWatcherSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&fileWatcherSuite{})

func (s *fileWatcherSuite) TestNotifiesOnWrite(c *gc.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "environment.yaml")
	c.Assert(os.WriteFile(path, []byte("role: a\n"), 0644), jc.ErrorIsNil)

	w, err := settingswatcher.NewFileWatcher(path)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	c.Assert(os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0644), jc.ErrorIsNil)
	select {
	case <-w.Changes():
		c.Fatalf("unexpected change for another file")
	case <-time.After(testing.ShortWait):
	}

	c.Assert(os.WriteFile(path, []byte("role: b\n"), 0644), jc.ErrorIsNil)
	select {
	case <-w.Changes():
	case <-time.After(testing.LongWait):
		c.Fatalf("no change notified")
	}
}

func (s *fileWatcherSuite) TestNotifiesOnReplace(c *gc.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "environment.yaml")
	c.Assert(os.WriteFile(path, []byte("role: a\n"), 0644), jc.ErrorIsNil)

	w, err := settingswatcher.NewFileWatcher(path)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	tmp := filepath.Join(dir, "environment.yaml.tmp")
	c.Assert(os.WriteFile(tmp, []byte("role: b\n"), 0644), jc.ErrorIsNil)
	c.Assert(os.Rename(tmp, path), jc.ErrorIsNil)
	select {
	case <-w.Changes():
	case <-time.After(testing.LongWait):
		c.Fatalf("no change notified")
	}
}

func (s *fileWatcherSuite) TestMissingDirectory(c *gc.C) {
	_, err := settingswatcher.NewFileWatcher(filepath.Join(c.MkDir(), "missing", "environment.yaml"))
	c.Assert(err, gc.ErrorMatches, `watching ".*missing": .*`)
}
