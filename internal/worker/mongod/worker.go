// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongod runs the instance's mongod on its data drive, creates
// the replica set when this is the first instance, and shuts mongod down
// cleanly when the agent stops.
package mongod

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/storage"
)

const (
	// ErrMongodExited is returned when mongod exits on its own and the
	// instance should be recycled.
	ErrMongodExited = errors.ConstError("mongod exited")

	// DefaultStopTimeout is how long mongod gets to exit after being
	// asked to shut down.
	DefaultStopTimeout = 30 * time.Second
)

// Logger is the logging interface used by the worker.
type Logger interface {
	Errorf(string, ...any)
	Warningf(string, ...any)
	Infof(string, ...any)
	Debugf(string, ...any)
	Tracef(string, ...any)
}

// Process is a running mongod.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	Err() error
	Stop(clk clock.Clock, timeout time.Duration) error
}

// Admin runs commands against the local mongod.
type Admin interface {
	mongo.Runner
	Close()
}

// Server is the worker's output: a handle on the local mongod.
type Server interface {
	// Address is the address mongod listens on, reachable from this
	// host.
	Address() string

	// Dial opens a direct session to mongod.
	Dial(timeout time.Duration) (*mgo.Session, error)

	// RecycleOnExit reports whether the instance recycles when mongod
	// exits.
	RecycleOnExit() bool

	// SetRecycleOnExit changes the live recycle flag.
	SetRecycleOnExit(bool)
}

// Config holds the dependencies of the worker.
type Config struct {
	Environment roleenv.Environment
	Settings    roleenv.RoleSettings
	Storage     storage.Provider

	// Binary is the mongod executable.
	Binary string

	// MountPoint is where the data drive is mounted.
	MountPoint string

	// LogDir holds mongod's log file.
	LogDir string

	Clock       clock.Clock
	Logger      Logger
	StopTimeout time.Duration

	StartProcess  func(mongo.MongodConfig) (Process, error)
	DialAdmin     func(addr string) (Admin, error)
	WaitListening func(ctx context.Context, addr string) error

	// Bootstrap creates the replica set if needed. Its errors are
	// logged and ignored.
	Bootstrap func(ctx context.Context, admin mongo.Runner) error

	// NotifyReady tells the service manager the agent is up.
	NotifyReady func() error
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Environment == nil {
		return errors.NotValidf("nil Environment")
	}
	if c.Settings.ReplicaSetName == "" {
		return errors.NotValidf("empty Settings.ReplicaSetName")
	}
	if c.Storage == nil {
		return errors.NotValidf("nil Storage")
	}
	if c.Binary == "" {
		return errors.NotValidf("empty Binary")
	}
	if c.MountPoint == "" {
		return errors.NotValidf("empty MountPoint")
	}
	if c.LogDir == "" {
		return errors.NotValidf("empty LogDir")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.StopTimeout <= 0 {
		return errors.NotValidf("non-positive StopTimeout")
	}
	if c.StartProcess == nil {
		return errors.NotValidf("nil StartProcess")
	}
	if c.DialAdmin == nil {
		return errors.NotValidf("nil DialAdmin")
	}
	if c.WaitListening == nil {
		return errors.NotValidf("nil WaitListening")
	}
	if c.Bootstrap == nil {
		return errors.NotValidf("nil Bootstrap")
	}
	if c.NotifyReady == nil {
		return errors.NotValidf("nil NotifyReady")
	}
	return nil
}

// Worker supervises mongod.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	address  string
	emulated bool

	mu      sync.Mutex
	recycle bool
}

var _ Server = (*Worker)(nil)

// NewWorker starts mongod and returns the worker supervising it.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	emulated := config.Environment.IsEmulated()
	port, err := roleenv.LocalPort(emulated, config.Environment.CurrentInstance())
	if err != nil {
		return nil, errors.Annotate(err, "finding mongod port")
	}
	w := &Worker{
		config:   config,
		address:  net.JoinHostPort(roleenv.EmulatedHost, strconv.Itoa(port)),
		emulated: emulated,
		recycle:  config.Settings.RecycleOnExit,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
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

// Address is part of Server.
func (w *Worker) Address() string {
	return w.address
}

// Dial is part of Server.
func (w *Worker) Dial(timeout time.Duration) (*mgo.Session, error) {
	return mongo.DialDirect(w.address, timeout)
}

// RecycleOnExit is part of Server.
func (w *Worker) RecycleOnExit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recycle
}

// SetRecycleOnExit is part of Server.
func (w *Worker) SetRecycleOnExit(recycle bool) {
	w.mu.Lock()
	w.recycle = recycle
	w.mu.Unlock()
}

func (w *Worker) loop() error {
	ctx := w.catacomb.Context(context.Background())
	logger := w.config.Logger
	settings := w.config.Settings

	id, err := roleenv.ParseInstanceID(w.config.Environment.CurrentInstance().ID)
	if err != nil {
		return errors.Trace(err)
	}
	drive, err := w.config.Storage.EnsureDrive(ctx, roleenv.DataDriveName(settings.ReplicaSetName, id), settings.DataDirSizeMB)
	if err != nil {
		return errors.Annotate(err, "ensuring data drive")
	}
	mountPath, err := w.config.Storage.Mount(ctx, drive, w.config.MountPoint)
	if err != nil {
		return errors.Annotate(err, "mounting data drive")
	}
	logger.Infof("data drive %q mounted at %s", drive.Name, mountPath)
	defer func() {
		if err := w.config.Storage.Unmount(context.WithoutCancel(ctx), drive, w.config.MountPoint); err != nil {
			logger.Warningf("unmounting data drive %q: %v", drive.Name, err)
		}
	}()

	dbPath := mongo.DBPath(mountPath)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(w.config.LogDir, 0755); err != nil {
		return errors.Trace(err)
	}
	port, err := roleenv.LocalPort(w.emulated, w.config.Environment.CurrentInstance())
	if err != nil {
		return errors.Trace(err)
	}
	proc, err := w.config.StartProcess(mongo.MongodConfig{
		Binary:     w.config.Binary,
		Port:       port,
		DBPath:     dbPath,
		LogPath:    mongo.LogPath(w.config.LogDir),
		ReplicaSet: settings.ReplicaSetName,
		Emulated:   w.emulated,
		BindAll:    !w.emulated,
		Verbosity:  settings.LogVerbosity,
		ExtraArgs:  settings.ExtraMongodArgs,
	})
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("mongod started with pid %d", proc.Pid())
	defer w.stopMongod(proc)

	if err := w.waitListening(ctx, proc); err != nil {
		return errors.Trace(err)
	}
	w.bootstrap(ctx)
	if err := w.config.NotifyReady(); err != nil {
		logger.Warningf("notifying readiness: %v", err)
	}

	select {
	case <-w.catacomb.Dying():
		return w.catacomb.ErrDying()
	case <-proc.Done():
	}
	return w.exited(proc)
}

// waitListening waits for mongod to accept connections, giving up if it
// exits first.
func (w *Worker) waitListening(ctx context.Context, proc Process) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	err := w.config.WaitListening(ctx, w.address)
	select {
	case <-proc.Done():
		return w.exited(proc)
	default:
	}
	if err != nil {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		default:
		}
	}
	return errors.Trace(err)
}

func (w *Worker) exited(proc Process) error {
	if !w.RecycleOnExit() {
		w.config.Logger.Errorf("mongod exited (%v); not recycling", proc.Err())
		<-w.catacomb.Dying()
		return w.catacomb.ErrDying()
	}
	if err := proc.Err(); err != nil {
		return errors.Annotatef(ErrMongodExited, "%v", err)
	}
	return ErrMongodExited
}

func (w *Worker) bootstrap(ctx context.Context) {
	admin, err := w.config.DialAdmin(w.address)
	if err != nil {
		w.config.Logger.Errorf("connecting to mongod for bootstrap: %v", err)
		return
	}
	defer admin.Close()
	if err := w.config.Bootstrap(ctx, admin); err != nil {
		w.config.Logger.Errorf("bootstrapping replica set: %v", err)
	}
}

// stopMongod steps down and shuts mongod down, falling back to signals.
// Failures are logged.
func (w *Worker) stopMongod(proc Process) {
	logger := w.config.Logger
	select {
	case <-proc.Done():
		return
	default:
	}
	if admin, err := w.config.DialAdmin(w.address); err != nil {
		logger.Warningf("connecting to mongod for shutdown: %v", err)
	} else {
		if err := mongo.StepDownIfPrimary(admin); err != nil {
			logger.Warningf("stepping down: %v", err)
		}
		if err := mongo.Shutdown(admin); err != nil {
			logger.Warningf("shutting down mongod: %v", err)
		}
		admin.Close()
	}
	select {
	case <-proc.Done():
		logger.Infof("mongod stopped")
		return
	case <-w.config.Clock.After(w.config.StopTimeout):
	}
	if err := proc.Stop(w.config.Clock, w.config.StopTimeout); err != nil && !errors.Is(err, mongo.ErrNotRunning) {
		logger.Warningf("stopping mongod: %v", err)
	}
}
