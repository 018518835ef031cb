// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongorole/internal/mongo"
)

type listeningSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&listeningSuite{})

func (s *listeningSuite) TestRetriesUntilListening(c *gc.C) {
	clk := testclock.NewClock(time.Now())
	var stub testing.Stub
	stub.SetErrors(errors.New("connection refused"), errors.New("connection refused"))
	check := func(addr string) error {
		stub.AddCall("check", addr)
		return stub.NextErr()
	}

	done := make(chan error, 1)
	go func() {
		done <- mongo.WaitListening(context.Background(), clk, "rs_1:27017", check)
	}()
	for i := 0; i < 2; i++ {
		err := clk.WaitAdvance(mongo.ListenRetryDelay, testing.LongWait, 1)
		c.Assert(err, jc.ErrorIsNil)
	}
	select {
	case err := <-done:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for member")
	}
	stub.CheckCallNames(c, "check", "check", "check")
}

func (s *listeningSuite) TestStopsWithContext(c *gc.C) {
	clk := testclock.NewClock(time.Now())
	check := func(string) error {
		return errors.New("connection refused")
	}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- mongo.WaitListening(ctx, clk, "rs_1:27017", check)
	}()
	c.Assert(clk.WaitAdvance(time.Second, testing.LongWait, 1), jc.ErrorIsNil)
	cancel()
	select {
	case err := <-done:
		c.Assert(err, gc.ErrorMatches, "waiting for rs_1:27017: context canceled")
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for cancellation")
	}
}
