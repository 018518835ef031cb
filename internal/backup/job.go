// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("mongorole.backup")

// SnapshotMounter mounts snapshots read-only.
type SnapshotMounter interface {
	MountSnapshot(ctx context.Context, id, mountPoint string) (string, func(context.Context) error, error)
}

// BlobStore is the part of the blob store backups are written to.
type BlobStore interface {
	EnsureContainer(ctx context.Context, container string) error
	Upload(ctx context.Context, container, name string, r io.Reader, metadata map[string]string) error
}

// JobConfig holds what a single backup job needs.
type JobConfig struct {
	ID         int
	Source     string
	Container  string
	MountPoint string

	Mounter SnapshotMounter
	Store   BlobStore
	Clock   clock.Clock

	// Console, if set, receives every log line as it is written.
	Console io.Writer
}

// Validate checks the configuration is complete.
func (c JobConfig) Validate() error {
	if c.Source == "" {
		return errors.NotValidf("empty Source")
	}
	if c.Container == "" {
		return errors.NotValidf("empty Container")
	}
	if c.Mounter == nil {
		return errors.NotValidf("nil Mounter")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Job copies the files of one snapshot into a tar archive blob.
type Job struct {
	cfg JobConfig

	mu       sync.Mutex
	log      []string
	started  time.Time
	finished time.Time
	archive  string
	err      error
	done     chan struct{}
}

// NewJob returns a job that has not started yet.
func NewJob(cfg JobConfig) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Job{
		cfg:  cfg,
		done: make(chan struct{}),
	}, nil
}

// ID returns the job id.
func (j *Job) ID() int {
	return j.cfg.ID
}

// Source returns the snapshot being backed up.
func (j *Job) Source() string {
	return j.cfg.Source
}

// LogHistory returns every line logged so far.
func (j *Job) LogHistory() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.log...)
}

// LastLine returns the most recent log line.
func (j *Job) LastLine() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.log) == 0 {
		return ""
	}
	return j.log[len(j.log)-1]
}

// Started returns when the job started, or the zero time.
func (j *Job) Started() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.started
}

// Finished returns when the job finished, and whether it has.
func (j *Job) Finished() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished, !j.finished.IsZero()
}

// Archive returns the name of the archive blob, once known.
func (j *Job) Archive() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.archive
}

// Err returns why the job failed, once finished.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	j.mu.Lock()
	j.log = append(j.log, line)
	j.mu.Unlock()
	logger.Debugf("job %d: %s", j.cfg.ID, line)
	if j.cfg.Console != nil {
		fmt.Fprintln(j.cfg.Console, line)
	}
}

// Run performs the backup. Progress and any failure are recorded in the
// job's log; the snapshot is always released.
func (j *Job) Run(ctx context.Context) (err error) {
	j.mu.Lock()
	j.started = j.cfg.Clock.Now()
	j.mu.Unlock()

	var release func(context.Context) error
	defer func() {
		if err != nil {
			j.logf("=========================")
			j.logf("FAILURE: %v", err)
			j.logf("")
			j.logf("Terminating now.")
		}
		if release != nil {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				logger.Warningf("job %d: releasing snapshot %s: %v", j.cfg.ID, j.cfg.Source, rerr)
			}
		}
		j.mu.Lock()
		j.finished = j.cfg.Clock.Now()
		j.err = err
		j.mu.Unlock()
		close(j.done)
	}()

	j.logf("Backup started for %s...", j.cfg.Source)
	j.logf("Mounting the snapshot...")
	var path string
	path, release, err = j.cfg.Mounter.MountSnapshot(ctx, j.cfg.Source, j.cfg.MountPoint)
	if err != nil {
		return errors.Annotatef(err, "mounting snapshot %s", j.cfg.Source)
	}
	j.logf("...snapshot mounted to %s", path)

	j.logf("Opening (or creating) the backup container...")
	if err := j.cfg.Store.EnsureContainer(ctx, j.cfg.Container); err != nil {
		return errors.Trace(err)
	}

	name := BackupName(j.cfg.Clock.Now())
	j.mu.Lock()
	j.archive = name
	j.mu.Unlock()
	j.logf("Backing up:\n\tpath: %s\n\tto blob: %s\n", path, name)

	j.logf("Writing to the blob/tar...")
	checksum, err := j.upload(ctx, path, name)
	if err != nil {
		return errors.Trace(err)
	}
	j.logf("Archive checksum (SHA-1): %s", checksum)
	j.logf("Unmounting the drive...")
	return nil
}

func (j *Job) upload(ctx context.Context, path, name string) (string, error) {
	pr, pw := io.Pipe()
	type result struct {
		sum string
		err error
	}
	archived := make(chan result, 1)
	go func() {
		sum, err := WriteArchive(pw, path, j.logf)
		_ = pw.CloseWithError(err)
		archived <- result{sum: sum, err: err}
	}()

	metadata := map[string]string{
		fileNameKey:  name,
		submitterKey: Submitter,
	}
	uploadErr := j.cfg.Store.Upload(ctx, j.cfg.Container, name, pr, metadata)
	// Unblock the archive writer if the upload gave up early.
	_ = pr.CloseWithError(errors.New("upload finished"))
	res := <-archived

	if uploadErr != nil {
		return "", errors.Trace(uploadErr)
	}
	if res.err != nil {
		return "", errors.Trace(res.err)
	}
	return res.sum, nil
}

// Summary is a snapshot of a job's state for display.
type Summary struct {
	ID       int        `json:"id"`
	Source   string     `json:"uri"`
	LastLine string     `json:"lastLine"`
	Archive  string     `json:"archive,omitempty"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
	Failed   bool       `json:"failed"`
}

// Summary returns the job's current state.
func (j *Job) Summary() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Summary{
		ID:      j.cfg.ID,
		Source:  j.cfg.Source,
		Archive: j.archive,
		Started: j.started,
		Failed:  j.err != nil,
	}
	if len(j.log) > 0 {
		s.LastLine = j.log[len(j.log)-1]
	}
	if !j.finished.IsZero() {
		finished := j.finished
		s.Finished = &finished
	}
	return s
}
