// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package peergrouper

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/juju/replicaset/v3"

	"github.com/juju/mongorole/internal/roleenv"
)

// desiredMembers returns the member configuration the replica set should
// have for the given instances, and whether it differs from current.
// Settings of existing members are kept, except that members past
// replicaset.MaxPeers neither vote nor become primary.
func desiredMembers(current []replicaset.Member, instances []roleenv.Member) ([]replicaset.Member, bool) {
	byID := make(map[int]replicaset.Member, len(current))
	for _, m := range current {
		byID[m.Id] = m
	}

	wanted := append([]roleenv.Member(nil), instances...)
	sort.Slice(wanted, func(i, j int) bool {
		return wanted[i].ID < wanted[j].ID
	})

	desired := make([]replicaset.Member, 0, len(wanted))
	for i, inst := range wanted {
		m, ok := byID[inst.ID]
		if !ok {
			m = replicaset.Member{Id: inst.ID}
		}
		m.Address = inst.Address
		if i < replicaset.MaxPeers {
			if isNonVoting(m) {
				m.Votes = nil
				if m.Priority != nil && *m.Priority == 0 {
					m.Priority = nil
				}
			}
		} else {
			zeroVotes, zeroPriority := 0, 0.0
			m.Votes = &zeroVotes
			m.Priority = &zeroPriority
		}
		desired = append(desired, m)
	}

	existing := append([]replicaset.Member(nil), current...)
	sort.Slice(existing, func(i, j int) bool {
		return existing[i].Id < existing[j].Id
	})
	return desired, !reflect.DeepEqual(existing, desired)
}

func isNonVoting(m replicaset.Member) bool {
	return m.Votes != nil && *m.Votes == 0
}

func formatMembers(members []replicaset.Member) string {
	parts := make([]string, len(members))
	for i, m := range members {
		s := fmt.Sprintf("%d:%s", m.Id, m.Address)
		if isNonVoting(m) {
			s += "(non-voting)"
		}
		parts[i] = s
	}
	return strings.Join(parts, " ")
}
