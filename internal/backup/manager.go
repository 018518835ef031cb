// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"
)

const (
	// ErrManagerStopped is returned when starting a job on a stopped
	// manager.
	ErrManagerStopped = errors.ConstError("backup manager stopped")

	// DefaultRetention is how long finished jobs stay listed.
	DefaultRetention = time.Hour
)

// ManagerConfig holds the dependencies of a Manager.
type ManagerConfig struct {
	Mounter SnapshotMounter
	Store   BlobStore
	Clock   clock.Clock

	// MountRoot is the directory under which each job mounts its
	// snapshot.
	MountRoot string

	Container string
	Retention time.Duration
}

// Validate checks the configuration is complete.
func (c ManagerConfig) Validate() error {
	if c.Mounter == nil {
		return errors.NotValidf("nil Mounter")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.MountRoot == "" {
		return errors.NotValidf("empty MountRoot")
	}
	if c.Container == "" {
		return errors.NotValidf("empty Container")
	}
	if c.Retention <= 0 {
		return errors.NotValidf("retention %v", c.Retention)
	}
	return nil
}

// Manager runs backup jobs in the background and remembers them until
// they have been finished for the retention period. It is a worker;
// killing it cancels running jobs.
type Manager struct {
	tomb tomb.Tomb
	cfg  ManagerConfig

	mu      sync.Mutex
	stopped bool
	lastID  int
	jobs    map[int]*Job
}

// NewManager returns a running Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	m := &Manager{
		cfg:  cfg,
		jobs: make(map[int]*Job),
	}
	m.tomb.Go(m.loop)
	return m, nil
}

func (m *Manager) loop() error {
	<-m.tomb.Dying()
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	return tomb.ErrDying
}

// Kill is part of the worker.Worker interface.
func (m *Manager) Kill() {
	m.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *Manager) Wait() error {
	return m.tomb.Wait()
}

// Start begins a backup of the given snapshot.
func (m *Manager) Start(source string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrManagerStopped
	}

	id := m.lastID + 1
	job, err := NewJob(JobConfig{
		ID:         id,
		Source:     source,
		Container:  m.cfg.Container,
		MountPoint: filepath.Join(m.cfg.MountRoot, "job-"+strconv.Itoa(id)),
		Mounter:    m.cfg.Mounter,
		Store:      m.cfg.Store,
		Clock:      m.cfg.Clock,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	m.lastID = id
	m.jobs[id] = job

	ctx := m.tomb.Context(context.Background())
	m.tomb.Go(func() error {
		if err := job.Run(ctx); err != nil {
			logger.Errorf("backup job %d failed: %v", id, err)
		} else {
			logger.Infof("backup job %d finished: %s", id, job.Archive())
		}
		// A failed job must not stop the manager.
		return nil
	})
	return job, nil
}

// Jobs returns the jobs that are running or finished recently, by id.
// Older jobs are forgotten.
func (m *Manager) Jobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].ID() < jobs[j].ID()
	})
	return jobs
}

// Job returns the job with the given id.
func (m *Manager) Job(id int) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errors.NotFoundf("backup job %d", id)
	}
	return job, nil
}

func (m *Manager) pruneLocked() {
	now := m.cfg.Clock.Now()
	for id, job := range m.jobs {
		finished, ok := job.Finished()
		if ok && now.Sub(finished) >= m.cfg.Retention {
			delete(m.jobs, id)
		}
	}
}
