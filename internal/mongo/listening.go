// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// ListenRetryDelay is the pause between attempts to reach a member.
const ListenRetryDelay = 5 * time.Second

// ConnectCheck reports whether a member accepts connections.
type ConnectCheck func(addr string) error

// DialCheck connects to addr and disconnects again.
func DialCheck(addr string) error {
	session, err := DialDirect(addr, DefaultDialTimeout)
	if err != nil {
		return errors.Trace(err)
	}
	session.Close()
	return nil
}

// WaitListening blocks until the member at addr accepts connections, or
// until ctx is done.
func WaitListening(ctx context.Context, clk clock.Clock, addr string, check ConnectCheck) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return check(addr)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("%s not listening yet (attempt %d): %v", addr, attempt, err)
		},
		Attempts: retry.UnlimitedAttempts,
		Delay:    ListenRetryDelay,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	if retry.IsRetryStopped(err) {
		return errors.Annotatef(ctx.Err(), "waiting for %s", addr)
	}
	if err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("%s is listening", addr)
	return nil
}
