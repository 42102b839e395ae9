// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/description"
)

// ReplicaSet monitors a replica set. The primary is the only writable
// member; reads may be routed to secondaries by read preference.
type ReplicaSet struct {
	*deployment
}

// NewReplicaSet creates an unconnected replica set topology. The seed list
// must be non-empty and a set name must be configured.
func NewReplicaSet(seeds []address.Seed, opts ...Option) (*ReplicaSet, error) {
	d, err := newDeployment(KindReplicaSet, seeds, opts...)
	if err != nil {
		return nil, err
	}
	return &ReplicaSet{deployment: d}, nil
}

// SetName returns the configured replica set name.
func (rs *ReplicaSet) SetName() string {
	return rs.config().setName
}

// Primary returns the current primary, or nil.
func (rs *ReplicaSet) Primary() *Member {
	return rs.members.Snapshot().Primary()
}

// Secondaries returns the secondaries in join order.
func (rs *ReplicaSet) Secondaries() []*Member {
	return rs.members.Snapshot().Secondaries()
}

// Arbiters returns the arbiters in join order.
func (rs *ReplicaSet) Arbiters() []*Member {
	return rs.members.Snapshot().Arbiters()
}

// Passives returns the passive members in join order.
func (rs *ReplicaSet) Passives() []*Member {
	return rs.members.Snapshot().Passives()
}

// Disconnected returns the servers waiting to be reconnected.
func (rs *ReplicaSet) Disconnected() []description.Server {
	return rs.disconnectedServers()
}
