// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package settingswatcher

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
)

// FileWatcher notifies when a file may have changed.
type FileWatcher interface {
	worker.Worker
	Changes() <-chan struct{}
}

// fileWatcher watches the directory holding a file rather than the file
// itself, so that the file being replaced by a rename is still seen.
type fileWatcher struct {
	catacomb catacomb.Catacomb
	watcher  *fsnotify.Watcher
	path     string
	changes  chan struct{}
}

// NewFileWatcher returns a FileWatcher for path using fsnotify.
func NewFileWatcher(path string) (FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Trace(err)
	}
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, errors.Annotatef(err, "watching %q", filepath.Dir(path))
	}
	w := &fileWatcher{
		watcher: watcher,
		path:    path,
		changes: make(chan struct{}, 1),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		_ = watcher.Close()
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Changes is part of FileWatcher. Bursts of events are coalesced.
func (w *fileWatcher) Changes() <-chan struct{} {
	return w.changes
}

// Kill is part of the worker.Worker interface.
func (w *fileWatcher) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *fileWatcher) Wait() error {
	return w.catacomb.Wait()
}

func (w *fileWatcher) loop() error {
	defer w.watcher.Close()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			return errors.Annotate(err, "watching role environment")
		}
	}
}
