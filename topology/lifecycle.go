// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"

	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/auth"
	"github.com/ikmak/mongo-go-topology/description"
	"github.com/ikmak/mongo-go-topology/event"
	"github.com/ikmak/mongo-go-topology/internal/logger"
)

// origin records why an endpoint was created.
type origin uint8

const (
	originSeed origin = iota
	originDiscovery
	originReconnect
)

// tracked is an endpoint owned by the topology. At most one tracked endpoint
// exists per address.
type tracked struct {
	addr   address.Address
	ep     Endpoint
	origin origin

	unsubscribe   func()
	cancelConnect context.CancelFunc

	// applied holds the credentials the endpoint is authenticated with.
	applied []auth.Credential

	connected bool
	admitted  bool
	detached  bool
	resolved  bool
}

// connect creates and dials an endpoint for addr unless one is already
// tracked.
func (d *deployment) connect(addr address.Address, o origin) {
	if _, ok := d.endpoints[addr]; ok {
		return
	}

	ep := d.config().endpointFactory(addr)
	tr := &tracked{addr: addr, ep: ep, origin: o}
	d.endpoints[addr] = tr
	d.ha.connecting[addr] = struct{}{}

	tr.unsubscribe = ep.Subscribe(func(sig Signal) {
		d.exec.post(func() { d.onSignal(tr, sig) })
	})

	if o == originReconnect {
		d.logServer(logger.LevelDebug, logger.ComponentConnection, logger.ConnectionReconnectStarted, addr,
			logger.KeyRetriesLeft, d.ha.retriesLeft)
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.config().connectTimeout)
	tr.cancelConnect = cancel
	ep.Connect(ctx)
}

func (d *deployment) onSignal(tr *tracked, sig Signal) {
	if d.State() == Destroyed || tr.detached {
		return
	}

	if sig.Kind != SignalConnect {
		d.fail(tr, NetworkError{Address: tr.addr, Signal: sig.Kind, Wrapped: sig.Err})
		return
	}
	if tr.connected {
		return
	}

	tr.connected = true
	tr.cancelConnect()
	delete(d.ha.connecting, tr.addr)
	d.ha.retriesLeft = d.config().reconnectTries
	d.removeDisconnected(tr.addr)

	if d.authInFlight.Load() {
		d.parked = append(d.parked, tr)
		return
	}
	d.replay(tr)
}

// admit applies the handshake reply of a connected, authenticated endpoint
// to the membership. Endpoints that do not become members are closed.
func (d *deployment) admit(tr *tracked) {
	if tr.detached {
		return
	}
	tr.admitted = true

	desc, hb, err := description.NewServer(tr.addr).WithHeartbeat(tr.ep.LastHeartbeat(), description.UnsetRTT, d.clock.Now())
	if err != nil {
		d.log.Error(err, logger.ComponentTopology, logger.ServerHeartbeatFailed,
			logger.KeyTopologyID, d.id.Hex(), logger.KeyServerHost, tr.addr.String())
		d.discard(tr)
		d.resolveSeed(tr)
		return
	}
	desc.Connected = true

	m := Member{Addr: tr.addr, Server: desc, Endpoint: tr.ep}
	if d.kind == KindSharded {
		d.admitProxy(tr, m, hb)
	} else {
		d.applyUpdate(m, hb)
	}

	if !d.members.Snapshot().Contains(tr.addr) {
		d.discard(tr)
	}
	d.resolveSeed(tr)
	d.checkLatches()
	d.concludeInitial()
}

func (d *deployment) admitProxy(tr *tracked, m Member, hb description.Heartbeat) {
	if hb.Role() != description.RoleProxy {
		err := ConfigurationError{Message: "server " + tr.addr.String() + " is not a mongos"}
		d.emit(event.ErrorEvent{TopologyID: d.id, Err: err})
		return
	}

	_, added := d.members.Add(description.RoleProxy, m)
	if !added {
		return
	}
	d.emitMembership(event.JoinedEvent{TopologyID: d.id, Role: description.RoleProxy, Server: m.Server})

	switch d.State() {
	case Connecting:
		d.setState(Connected)
		d.emit(event.ConnectEvent{TopologyID: d.id})
	case Disconnected:
		d.setState(Connected)
		d.emit(event.ReconnectEvent{TopologyID: d.id, Server: m.Server})
	default:
		if tr.origin == originReconnect {
			d.emit(event.ReconnectEvent{TopologyID: d.id, Server: m.Server})
		}
	}
}

// applyUpdate runs the membership updater and carries out its decision.
func (d *deployment) applyUpdate(m Member, hb description.Heartbeat) {
	up := d.updater.apply(m, hb, d.State())
	if up.state != d.State() {
		d.setState(up.state)
	}
	d.emitMembership(up.events...)

	if up.displaced != nil {
		if tr, ok := d.endpoints[up.displaced.Addr]; ok {
			d.discard(tr)
		}
	}
	if up.err != nil {
		d.log.Error(up.err, logger.ComponentTopology, logger.TopologyMemberLeft,
			logger.KeyTopologyID, d.id.Hex(), logger.KeyServerHost, m.Addr.String())
	}

	if hb.Role() == description.RolePrimary && up.discover != nil {
		d.knownHosts = make(map[address.Address]struct{}, len(up.discover))
		for _, addr := range up.discover {
			d.knownHosts[addr] = struct{}{}
		}
	}
	d.discover(up.discover)
}

// emitMembership queues events and records joins and departures.
func (d *deployment) emitMembership(events ...event.Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case event.JoinedEvent:
			d.metrics.member("joined", e.Role.String())
			d.logServer(logger.LevelInfo, logger.ComponentTopology, logger.TopologyMemberJoined, e.Server.Addr,
				logger.KeyRole, e.Role.String())
		case event.LeftEvent:
			d.metrics.member("left", e.Role.String())
			d.logServer(logger.LevelInfo, logger.ComponentTopology, logger.TopologyMemberLeft, e.Server.Addr,
				logger.KeyRole, e.Role.String())
		}
	}
	d.emit(events...)
}

// discover connects to advertised hosts that are neither members nor
// already being connected.
func (d *deployment) discover(addrs []address.Address) {
	if len(addrs) == 0 {
		return
	}
	snap := d.members.Snapshot()
	for _, addr := range addrs {
		if snap.Contains(addr) {
			continue
		}
		if _, ok := d.ha.connecting[addr]; ok {
			continue
		}
		d.connect(addr, originDiscovery)
		if d.State() == Destroyed {
			return
		}
	}
}

// fail handles a transport failure: the endpoint is closed, removed from the
// membership and queued for reconnection.
func (d *deployment) fail(tr *tracked, err error) {
	if tr.detached {
		return
	}
	current := d.endpoints[tr.addr] == tr
	d.detach(tr)

	server := description.NewServerFromError(tr.addr, err)
	role := description.RoleUnknown
	if current {
		var removed Member
		removed, role = d.members.Remove(tr.addr)
		if role != description.RoleUnknown {
			server = removed.Server
			server.LastError = err
			server.Connected = false
		}
		d.enqueueDisconnected(server)
	}
	if role != description.RoleUnknown {
		d.emitMembership(event.LeftEvent{TopologyID: d.id, Role: role, Server: server})
	}
	tr.ep.Destroy()

	if d.kind == KindSharded && d.State() == Connected && len(d.members.Snapshot().Proxies()) == 0 {
		d.setState(Disconnected)
	}

	d.resolveSeed(tr)
	d.concludeInitial()
}

// discard closes an endpoint that did not become a member.
func (d *deployment) discard(tr *tracked) {
	if tr.detached {
		return
	}
	d.detach(tr)
	tr.ep.Destroy()
}

// detach stops listening to the endpoint and forgets it.
func (d *deployment) detach(tr *tracked) {
	tr.detached = true
	if tr.unsubscribe != nil {
		tr.unsubscribe()
	}
	if tr.cancelConnect != nil {
		tr.cancelConnect()
	}
	if cur, ok := d.endpoints[tr.addr]; ok && cur == tr {
		delete(d.endpoints, tr.addr)
		delete(d.ha.connecting, tr.addr)
	}
}

func (d *deployment) enqueueDisconnected(s description.Server) {
	for i, queued := range d.ha.disconnected {
		if queued.Addr == s.Addr {
			d.ha.disconnected[i] = s
			return
		}
	}
	d.ha.disconnected = append(d.ha.disconnected, s)
}

func (d *deployment) removeDisconnected(addr address.Address) {
	for i, queued := range d.ha.disconnected {
		if queued.Addr == addr {
			d.ha.disconnected = append(d.ha.disconnected[:i], d.ha.disconnected[i+1:]...)
			return
		}
	}
}

// resolveSeed counts down the seeds of the initial connect. The first
// monitoring tick starts once every seed has connected or failed.
func (d *deployment) resolveSeed(tr *tracked) {
	if tr.origin != originSeed || tr.resolved {
		return
	}
	tr.resolved = true
	d.ha.seedsPending--
	if d.ha.seedsPending == 0 && d.State() != Destroyed {
		d.ha.initialPending = true
		d.startTick(true)
	}
}

func (d *deployment) logServer(level logger.Level, component logger.Component, msg string, addr address.Address, kv ...interface{}) {
	if !d.log.LevelComponentEnabled(level, component) {
		return
	}
	kvs := logger.KeyValues{logger.KeyTopologyID, d.id.Hex()}
	kvs = logger.SerializeServer(kvs, addr.Host(), addr.Port())
	kvs = append(kvs, kv...)
	d.log.Print(level, component, msg, kvs...)
}
