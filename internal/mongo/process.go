// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// ErrNotRunning is returned when stopping a process that has exited.
const ErrNotRunning = errors.ConstError("mongod not running")

// Process is a running mongod.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// StartProcess launches mongod with the given configuration.
func StartProcess(cfg MongodConfig) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cmd := exec.Command(cfg.Binary, cfg.Args()...)
	// mongod writes to its own log file; anything on stdout or stderr
	// comes before the log is opened.
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	logger.Infof("starting %s %v", cfg.Binary, cmd.Args[1:])
	if err := cmd.Start(); err != nil {
		return nil, errors.Annotate(err, "starting mongod")
	}
	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop sends SIGTERM, then SIGKILL if the process is still running
// after timeout.
func (p *Process) Stop(clk clock.Clock, timeout time.Duration) error {
	select {
	case <-p.done:
		return ErrNotRunning
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debugf("sending SIGTERM to %d: %v", p.Pid(), err)
	}
	select {
	case <-p.done:
		return nil
	case <-clk.After(timeout):
	}
	logger.Warningf("mongod %d did not stop after %v, killing it", p.Pid(), timeout)
	if err := p.cmd.Process.Kill(); err != nil {
		return errors.Annotate(err, "killing mongod")
	}
	<-p.done
	return nil
}
