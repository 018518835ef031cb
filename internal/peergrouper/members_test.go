// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peergrouper

import (
	"fmt"

	"github.com/juju/replicaset/v3"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongorole/internal/roleenv"
)

type membersSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&membersSuite{})

func instances(n int) []roleenv.Member {
	result := make([]roleenv.Member, n)
	for i := range result {
		result[n-1-i] = roleenv.Member{
			ID:      i,
			Address: fmt.Sprintf("rs_%d:27017", i),
		}
	}
	return result
}

func (s *membersSuite) TestNewSet(c *gc.C) {
	desired, changed := desiredMembers(nil, instances(2))
	c.Check(changed, jc.IsTrue)
	c.Check(desired, jc.DeepEquals, []replicaset.Member{
		{Id: 0, Address: "rs_0:27017"},
		{Id: 1, Address: "rs_1:27017"},
	})
}

func (s *membersSuite) TestUnchanged(c *gc.C) {
	current := []replicaset.Member{
		{Id: 1, Address: "rs_1:27017"},
		{Id: 0, Address: "rs_0:27017"},
	}
	_, changed := desiredMembers(current, instances(2))
	c.Check(changed, jc.IsFalse)
}

func (s *membersSuite) TestKeepsSettings(c *gc.C) {
	priority := 2.0
	current := []replicaset.Member{{
		Id:       0,
		Address:  "10.0.0.4:27017",
		Priority: &priority,
		Tags:     map[string]string{"dc": "east"},
	}}
	desired, changed := desiredMembers(current, instances(1))
	c.Check(changed, jc.IsTrue)
	c.Check(desired, jc.DeepEquals, []replicaset.Member{{
		Id:       0,
		Address:  "rs_0:27017",
		Priority: &priority,
		Tags:     map[string]string{"dc": "east"},
	}})
}

func (s *membersSuite) TestRemovesMissingInstances(c *gc.C) {
	current := []replicaset.Member{
		{Id: 0, Address: "rs_0:27017"},
		{Id: 1, Address: "rs_1:27017"},
		{Id: 2, Address: "rs_2:27017"},
	}
	desired, changed := desiredMembers(current, instances(2))
	c.Check(changed, jc.IsTrue)
	c.Check(desired, gc.HasLen, 2)
}

func (s *membersSuite) TestMembersPastMaxPeersDoNotVote(c *gc.C) {
	desired, changed := desiredMembers(nil, instances(replicaset.MaxPeers+2))
	c.Check(changed, jc.IsTrue)
	c.Assert(desired, gc.HasLen, replicaset.MaxPeers+2)
	for i, m := range desired {
		c.Check(m.Id, gc.Equals, i)
		c.Check(isNonVoting(m), gc.Equals, i >= replicaset.MaxPeers, gc.Commentf("member %d", i))
		if i >= replicaset.MaxPeers {
			c.Check(*m.Priority, gc.Equals, 0.0)
		}
	}
}

func (s *membersSuite) TestNonVotingMemberPromoted(c *gc.C) {
	zeroVotes, zeroPriority := 0, 0.0
	current := []replicaset.Member{
		{Id: 0, Address: "rs_0:27017"},
		{Id: 1, Address: "rs_1:27017", Votes: &zeroVotes, Priority: &zeroPriority},
	}
	desired, changed := desiredMembers(current, instances(2))
	c.Check(changed, jc.IsTrue)
	c.Check(desired[1], jc.DeepEquals, replicaset.Member{Id: 1, Address: "rs_1:27017"})
}

func (s *membersSuite) TestFormatMembers(c *gc.C) {
	zero := 0
	c.Check(formatMembers([]replicaset.Member{
		{Id: 0, Address: "rs_0:27017"},
		{Id: 7, Address: "rs_7:27017", Votes: &zero},
	}), gc.Equals, "0:rs_0:27017 7:rs_7:27017(non-voting)")
}
