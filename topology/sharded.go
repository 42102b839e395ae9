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

// Sharded monitors a set of mongos proxies. Every proxy is equivalent and
// selection ignores the read preference mode.
type Sharded struct {
	*deployment
}

// NewSharded creates an unconnected sharded topology.
func NewSharded(seeds []address.Seed, opts ...Option) (*Sharded, error) {
	d, err := newDeployment(KindSharded, seeds, opts...)
	if err != nil {
		return nil, err
	}
	return &Sharded{deployment: d}, nil
}

// Proxies returns the connected proxies in join order.
func (s *Sharded) Proxies() []*Member {
	return s.members.Snapshot().Proxies()
}

// Disconnected returns the proxies waiting to be reconnected.
func (s *Sharded) Disconnected() []description.Server {
	return s.disconnectedServers()
}

func (d *deployment) disconnectedServers() []description.Server {
	var servers []description.Server
	d.exec.call(func() {
		servers = append(servers, d.ha.disconnected...)
	})
	return servers
}
