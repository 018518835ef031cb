// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logrelay follows the mongod log file and repeats each line
// through loggo, so the agent's own log holds mongod's output too.
package logrelay

import (
	"io"
	"os"

	"github.com/hpcloud/tail"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// Logger is the logging interface used by the worker.
type Logger interface {
	Debugf(string, ...any)
	Warningf(string, ...any)
}

// Config holds the dependencies of the log relay.
type Config struct {
	LogPath string

	// Logger receives mongod's lines at DEBUG.
	Logger Logger

	// Poll makes the tailer poll the file instead of using inotify.
	Poll bool
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.LogPath == "" {
		return errors.NotValidf("empty LogPath")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker relays lines appended to the log after it started.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	tail     *tail.Tail
}

// NewWorker starts following the log.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	// Only lines written from now on are relayed. A log that does not
	// exist yet is read from its start once it appears.
	var offset int64
	if info, err := os.Stat(config.LogPath); err == nil {
		offset = info.Size()
	}
	t, err := tail.TailFile(config.LogPath, tail.Config{
		Location: &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		ReOpen:   true,
		Follow:   true,
		Poll:     config.Poll,
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "following %s", config.LogPath)
	}
	w := &Worker{config: config, tail: t}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		_ = t.Stop()
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	defer func() {
		_ = w.tail.Stop()
	}()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case line, ok := <-w.tail.Lines:
			if !ok {
				return errors.Annotate(w.tail.Err(), "log tailer stopped")
			}
			if line.Err != nil {
				w.config.Logger.Warningf("reading %s: %v", w.config.LogPath, line.Err)
				continue
			}
			w.config.Logger.Debugf("%s", line.Text)
		}
	}
}
