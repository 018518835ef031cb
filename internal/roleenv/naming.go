// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package roleenv

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// EmulatedHost is the host every member listens on when emulated.
const EmulatedHost = "localhost"

// InstanceID returns the platform id of the role's instance with the
// given index.
func InstanceID(role string, id int) string {
	return fmt.Sprintf("%s_IN_%d", role, id)
}

// ParseInstanceID returns the numeric index of an instance, taken from
// the text after the last underscore of its id.
func ParseInstanceID(instanceID string) (int, error) {
	idx := strings.LastIndex(instanceID, "_")
	n, err := strconv.Atoi(instanceID[idx+1:])
	if err != nil || n < 0 {
		return 0, errors.NotValidf("instance id %q", instanceID)
	}
	return n, nil
}

// SortInstances orders instances by their numeric index. Instances whose
// ids don't parse sort last, by id.
func SortInstances(instances []Instance) {
	sort.SliceStable(instances, func(i, j int) bool {
		a, errA := ParseInstanceID(instances[i].ID)
		b, errB := ParseInstanceID(instances[j].ID)
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return instances[i].ID < instances[j].ID
	})
}

// NodeAlias returns the host name a member of the replica set is known by.
func NodeAlias(replicaSet string, id int) string {
	return fmt.Sprintf("%s_%d", replicaSet, id)
}

// DataContainerName returns the name grouping the data drives of a
// replica set.
func DataContainerName(replicaSet string) string {
	return "mongoddatadrive" + replicaSet
}

// DataDriveName returns the name of the data drive of a member.
func DataDriveName(replicaSet string, id int) string {
	return fmt.Sprintf("%s-mongoddblob%d", DataContainerName(replicaSet), id)
}

// LocalPort returns the port mongod on the given instance listens on.
// Emulated instances share a host, so each is offset by its index.
func LocalPort(emulated bool, inst Instance) (int, error) {
	_, port, err := inst.Endpoint(MongodPortEndpoint)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if !emulated {
		return port, nil
	}
	id, err := ParseInstanceID(inst.ID)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return port + id, nil
}

// ServerAddress returns the address other members use to reach the
// given instance.
func ServerAddress(emulated bool, replicaSet string, inst Instance) (string, error) {
	id, err := ParseInstanceID(inst.ID)
	if err != nil {
		return "", errors.Trace(err)
	}
	port, err := LocalPort(emulated, inst)
	if err != nil {
		return "", errors.Trace(err)
	}
	host := EmulatedHost
	if !emulated {
		host = NodeAlias(replicaSet, id)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Member is an instance's place in the replica set.
type Member struct {
	ID       int
	Address  string
	Instance Instance
}

// ReplicaSetMembers returns the members of the replica set formed by
// the role's instances, ordered by id.
func ReplicaSetMembers(ctx context.Context, env Environment, replicaSet string) ([]Member, error) {
	instances, err := env.Instances(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	emulated := env.IsEmulated()
	members := make([]Member, 0, len(instances))
	for _, inst := range instances {
		id, err := ParseInstanceID(inst.ID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		addr, err := ServerAddress(emulated, replicaSet, inst)
		if err != nil {
			return nil, errors.Trace(err)
		}
		members = append(members, Member{ID: id, Address: addr, Instance: inst})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ID < members[j].ID
	})
	return members, nil
}

// ParseDataDriveName returns the member id of one of the replica set's
// data drives, and whether name is such a drive.
func ParseDataDriveName(replicaSet, name string) (int, bool) {
	prefix := DataContainerName(replicaSet) + "-mongoddblob"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	id, err := strconv.Atoi(name[len(prefix):])
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}
