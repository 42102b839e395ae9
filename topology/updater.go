// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/description"
	"github.com/ikmak/mongo-go-topology/event"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// update is the outcome of applying one heartbeat reply to the membership.
type update struct {
	mutated bool
	state   State
	events  []event.Event
	// discover lists advertised hosts the caller should connect to if they
	// are unknown.
	discover []address.Address
	// displaced holds a previous primary replaced by a new one.
	displaced *Member
	err       error
}

// membershipUpdater decides how a replica set heartbeat reply changes the
// membership.
type membershipUpdater struct {
	topologyID    primitive.ObjectID
	setName       string
	secondaryOnly bool
	members       *membership
	maxElectionID primitive.ObjectID
}

func (u *membershipUpdater) apply(m Member, hb description.Heartbeat, state State) update {
	up := update{state: state}
	server := m.Server

	switch role := hb.Role(); {
	case role != description.RolePrimary && role != description.RoleSecondary &&
		role != description.RoleArbiter && role != description.RolePassive:
		if _, prev := u.members.Remove(m.Addr); prev != description.RoleUnknown {
			up.mutated = true
			if state == Connected {
				up.events = append(up.events, event.LeftEvent{TopologyID: u.topologyID, Role: prev, Server: server})
			}
		}
		return up

	case u.setName != "" && hb.SetName != u.setName:
		if _, prev := u.members.Remove(m.Addr); prev != description.RoleUnknown {
			up.mutated = true
			up.events = append(up.events, event.LeftEvent{TopologyID: u.topologyID, Role: prev, Server: server})
		}
		up.err = ConfigurationError{Message: msgSetNameMismatch + ": " + hb.SetName}
		up.events = append(up.events, event.ErrorEvent{TopologyID: u.topologyID, Err: up.err})
		return up

	case role == description.RolePrimary:
		if !hb.ElectionID.IsZero() {
			if description.CompareElectionID(hb.ElectionID, u.maxElectionID) < 0 {
				return up
			}
			u.maxElectionID = hb.ElectionID
		}

		previous, prevRole, changed := u.members.PromotePrimary(m)
		up.discover = hb.Members()
		if !changed {
			return up
		}
		up.mutated = true
		if prevRole != description.RoleUnknown {
			up.events = append(up.events, event.LeftEvent{TopologyID: u.topologyID, Role: prevRole, Server: server})
		}
		if previous != nil {
			up.displaced = previous
			up.events = append(up.events, event.LeftEvent{TopologyID: u.topologyID, Role: description.RolePrimary, Server: previous.Server})
		}
		up.events = append(up.events, event.JoinedEvent{TopologyID: u.topologyID, Role: description.RolePrimary, Server: server})
		if state == Connecting {
			up.state = Connected
			up.events = append(up.events, event.ConnectEvent{TopologyID: u.topologyID})
		} else {
			up.events = append(up.events, event.ReconnectEvent{TopologyID: u.topologyID, Server: server})
		}
		return up

	case role == description.RoleArbiter:
		return u.add(up, description.RoleArbiter, m, hb)

	case role == description.RolePassive:
		return u.add(up, description.RolePassive, m, hb)

	default:
		up = u.add(up, description.RoleSecondary, m, hb)
		if up.mutated && u.secondaryOnly && state == Connecting {
			up.state = Connected
			up.events = append(up.events, event.ConnectEvent{TopologyID: u.topologyID})
		}
		return up
	}
}

func (u *membershipUpdater) add(up update, role description.Role, m Member, hb description.Heartbeat) update {
	prev, added := u.members.Add(role, m)
	if u.members.Snapshot().Primary() == nil {
		up.discover = hb.Members()
	}
	if !added {
		return up
	}
	up.mutated = true
	if prev != description.RoleUnknown {
		up.events = append(up.events, event.LeftEvent{TopologyID: u.topologyID, Role: prev, Server: m.Server})
	}
	up.events = append(up.events, event.JoinedEvent{TopologyID: u.topologyID, Role: role, Server: m.Server})
	return up
}
