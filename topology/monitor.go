// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/description"
	"github.com/ikmak/mongo-go-topology/event"
	"github.com/ikmak/mongo-go-topology/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// haContext is the state of the high availability loop.
type haContext struct {
	// token admits a single tick at a time.
	token       *semaphore.Weighted
	retriesLeft int
	connecting  map[address.Address]struct{}
	// disconnected is the queue of servers to reconnect, in failure order.
	disconnected []description.Server

	tickID        uint64
	current       *haTick
	timer         *clock.Timer
	lastTickStart time.Time
	immediate     bool

	started        bool
	seedsPending   int
	initialPending bool
	fullSetup      bool
	all            bool
}

type haTick struct {
	id          uint64
	initial     bool
	start       time.Time
	targets     int
	outstanding int
	failures    int
}

// startTick runs one pass of the high availability loop. Heartbeats complete
// asynchronously and the tick finishes in finishHeartbeats.
func (d *deployment) startTick(initial bool) {
	if d.State() == Destroyed || !d.ha.token.TryAcquire(1) {
		return
	}
	d.stopTimer()

	d.ha.tickID++
	tick := &haTick{id: d.ha.tickID, initial: initial, start: d.clock.Now()}
	d.ha.current = tick
	d.ha.lastTickStart = tick.start
	d.ha.connecting = make(map[address.Address]struct{})

	snap := d.members.Snapshot()
	d.emit(event.HAEvent{TopologyID: d.id, Phase: event.HAStart, Info: event.HAInfo{TickID: tick.id, Members: snap.Len()}})
	d.log.Print(logger.LevelDebug, logger.ComponentTopology, logger.TopologyHAStarted,
		logger.KeyTopologyID, d.id.Hex(), logger.KeyTickID, tick.id, logger.KeyMembers, snap.Len())

	if buf := d.config().buffer; buf != nil && buf.Len() > 0 && d.servable(snap) {
		go buf.Execute()
	}

	if !initial && d.reconnect(snap) {
		return
	}

	snap = d.sweep()

	var targets []*tracked
	for _, m := range snap.Members() {
		if tr, ok := d.endpoints[m.Addr]; ok && !tr.detached {
			targets = append(targets, tr)
		}
	}
	tick.targets = len(targets)
	tick.outstanding = len(targets)
	if len(targets) == 0 {
		d.finishHeartbeats(tick)
		return
	}
	for _, tr := range targets {
		d.heartbeat(tick, tr)
	}
}

// servable reports whether buffered operations can be flushed.
func (d *deployment) servable(snap Snapshot) bool {
	if d.kind == KindSharded {
		return len(connectedOnly(snap.Proxies())) > 0
	}
	return snap.IsPrimaryConnected() && snap.IsSecondaryConnected()
}

// reconnect dials every queued server that is not already being connected.
// It reports whether the topology was destroyed because the reconnect
// budget ran out.
func (d *deployment) reconnect(snap Snapshot) bool {
	if len(d.ha.disconnected) == 0 {
		return false
	}

	if snap.Len() == 0 {
		d.ha.retriesLeft--
		if d.ha.retriesLeft <= 0 && d.State() != Connected {
			d.fatal(fmt.Sprintf(msgFailedReconnect, d.config().reconnectTries))
			return true
		}
	}

	queued := append([]description.Server(nil), d.ha.disconnected...)
	for _, s := range queued {
		d.connect(s.Addr, originReconnect)
		if d.State() == Destroyed {
			return true
		}
	}
	return false
}

// sweep drops members whose endpoint lost its connection without
// signalling it, and returns the resulting snapshot.
func (d *deployment) sweep() Snapshot {
	for _, m := range d.members.Clean() {
		server := m.Server
		server.Connected = false
		d.enqueueDisconnected(server)
		d.emitMembership(event.LeftEvent{TopologyID: d.id, Role: m.Role, Server: server})
		if tr, ok := d.endpoints[m.Addr]; ok {
			d.discard(tr)
		}
	}
	snap := d.members.Snapshot()
	if d.kind == KindSharded && d.State() == Connected && len(snap.Proxies()) == 0 {
		d.setState(Disconnected)
	}
	return snap
}

func (d *deployment) heartbeat(tick *haTick, tr *tracked) {
	d.logServer(logger.LevelDebug, logger.ComponentTopology, logger.ServerHeartbeatStarted, tr.addr)

	ctx, cancel := context.WithTimeout(d.ctx, d.config().connectTimeout)
	go func() {
		defer cancel()
		start := d.clock.Now()
		reply, err := tr.ep.Command(ctx, "admin.$cmd", bson.D{{Key: "ismaster", Value: 1}})
		rtt := d.clock.Since(start)
		d.exec.post(func() { d.onHeartbeat(tick, tr, reply, rtt, err) })
	}()
}

func (d *deployment) onHeartbeat(tick *haTick, tr *tracked, reply bson.Raw, rtt time.Duration, err error) {
	if d.State() == Destroyed {
		return
	}
	tick.outstanding--

	if err == nil && !tr.detached {
		err = d.applyHeartbeat(tr, reply, rtt)
	}
	d.metrics.heartbeat(err, rtt)

	if err != nil {
		tick.failures++
		d.logServer(logger.LevelDebug, logger.ComponentTopology, logger.ServerHeartbeatFailed, tr.addr,
			logger.KeyFailure, err.Error())
		d.fail(tr, NetworkError{Address: tr.addr, Signal: SignalError, Wrapped: err})
	} else {
		d.logServer(logger.LevelDebug, logger.ComponentTopology, logger.ServerHeartbeatSucceeded, tr.addr,
			logger.KeyDurationMS, rtt.Milliseconds())
	}

	if tick.outstanding == 0 && d.State() != Destroyed {
		d.finishHeartbeats(tick)
	}
}

func (d *deployment) applyHeartbeat(tr *tracked, reply bson.Raw, rtt time.Duration) error {
	base := description.NewServer(tr.addr)
	if cur := d.members.Snapshot().Get(tr.addr); cur != nil {
		base = cur.Server
	}
	desc, hb, err := base.WithHeartbeat(reply, rtt, d.clock.Now())
	if err != nil {
		return err
	}
	desc.Connected = tr.ep.IsConnected()
	d.ha.retriesLeft = d.config().reconnectTries

	if d.kind == KindSharded {
		desc.Role = description.RoleProxy
		d.members.UpdateServer(desc)
		return nil
	}

	d.applyUpdate(Member{Addr: tr.addr, Server: desc, Endpoint: tr.ep}, hb)
	if !d.members.Snapshot().Contains(tr.addr) {
		d.discard(tr)
	}
	return nil
}

func (d *deployment) finishHeartbeats(tick *haTick) {
	if tick.targets > 0 && tick.failures == tick.targets && d.State() == Connecting {
		d.fatal(msgNoValidSeeds)
		return
	}

	strategies := d.selector.all()
	if len(strategies) == 0 {
		d.completeTick(tick, nil)
		return
	}

	snap := d.members.Snapshot()
	go func() {
		g, ctx := errgroup.WithContext(d.ctx)
		for _, s := range strategies {
			s := s
			g.Go(func() error { return s.HA(ctx, snap) })
		}
		err := g.Wait()
		d.exec.post(func() { d.completeTick(tick, err) })
	}()
}

func (d *deployment) completeTick(tick *haTick, err error) {
	if d.State() == Destroyed {
		return
	}
	if err != nil {
		d.log.Error(err, logger.ComponentTopology, logger.TopologyHAFinished,
			logger.KeyTopologyID, d.id.Hex(), logger.KeyTickID, tick.id)
	}

	d.checkLatches()

	dur := d.clock.Since(tick.start)
	d.emit(event.HAEvent{TopologyID: d.id, Phase: event.HAEnd, Info: event.HAInfo{
		TickID:   tick.id,
		Members:  d.members.Snapshot().Len(),
		Failures: tick.failures,
		Duration: dur,
	}})
	d.metrics.tick(tick.failures)
	d.log.Print(logger.LevelDebug, logger.ComponentTopology, logger.TopologyHAFinished,
		logger.KeyTopologyID, d.id.Hex(), logger.KeyTickID, tick.id,
		logger.KeyFailures, tick.failures, logger.KeyDurationMS, dur.Milliseconds())

	d.ha.current = nil
	d.ha.token.Release(1)

	d.concludeInitial()
	if d.State() == Destroyed {
		return
	}

	if d.ha.immediate {
		d.ha.immediate = false
		d.scheduleTick(d.config().minHeartbeatInterval)
		return
	}
	d.scheduleTick(d.config().haInterval)
}

func (d *deployment) scheduleTick(delay time.Duration) {
	d.stopTimer()
	d.ha.timer = d.clock.AfterFunc(delay, func() {
		d.exec.post(func() { d.startTick(false) })
	})
}

func (d *deployment) stopTimer() {
	if d.ha.timer != nil {
		d.ha.timer.Stop()
		d.ha.timer = nil
	}
}

// RequestImmediateCheck asks for a monitoring tick out of schedule. Checks
// are spaced at least the minimum heartbeat interval apart; a request made
// while a tick is running is served right after it.
func (d *deployment) RequestImmediateCheck() {
	d.exec.post(d.requestImmediateCheck)
}

func (d *deployment) requestImmediateCheck() {
	if d.State() == Destroyed || !d.ha.started || d.ha.seedsPending > 0 {
		return
	}
	if d.ha.current != nil {
		d.ha.immediate = true
		return
	}
	if wait := d.ha.lastTickStart.Add(d.config().minHeartbeatInterval).Sub(d.clock.Now()); wait > 0 {
		d.scheduleTick(wait)
		return
	}
	d.startTick(false)
}

// checkLatches publishes FullSetupEvent and AllEvent the first time their
// condition holds.
func (d *deployment) checkLatches() {
	if d.State() == Destroyed || (d.ha.fullSetup && d.ha.all) {
		return
	}
	snap := d.members.Snapshot()

	var fullSetup, all bool
	if d.kind == KindSharded {
		all = true
		for _, seed := range d.seeds {
			if m := snap.Get(seed.Address()); m == nil || m.Role != description.RoleProxy {
				all = false
				break
			}
		}
		fullSetup = all
	} else {
		all = len(d.knownHosts) > 0
		for addr := range d.knownHosts {
			if !snap.Contains(addr) {
				all = false
				break
			}
		}
		fullSetup = all || (snap.Primary() != nil && len(snap.Secondaries()) > 0)
	}

	if fullSetup && !d.ha.fullSetup {
		d.ha.fullSetup = true
		d.emit(event.FullSetupEvent{TopologyID: d.id})
	}
	if all && !d.ha.all {
		d.ha.all = true
		d.emit(event.AllEvent{TopologyID: d.id})
	}
}

// concludeInitial decides the outcome of the initial connect once the
// first tick has finished and no connect is outstanding.
func (d *deployment) concludeInitial() {
	if !d.ha.initialPending || d.ha.current != nil || d.State() == Destroyed {
		return
	}
	for _, tr := range d.endpoints {
		if !tr.admitted {
			return
		}
	}
	if len(d.parked) > 0 {
		return
	}

	d.ha.initialPending = false
	if d.State() != Connecting {
		return
	}
	snap := d.members.Snapshot()
	switch {
	case snap.Len() == 0:
		d.fatal(msgNoValidSeeds)
	case d.kind == KindReplicaSet && snap.Primary() == nil && !d.config().secondaryOnly:
		d.fatal(msgNoPrimaryFound)
	}
}

// fatal publishes a fatal error and destroys the topology.
func (d *deployment) fatal(msg string) {
	if d.State() == Destroyed {
		return
	}
	err := FatalTopologyError{Message: msg}
	d.log.Error(err, logger.ComponentTopology, logger.TopologyFatal, logger.KeyTopologyID, d.id.Hex())
	d.emit(event.ErrorEvent{TopologyID: d.id, Err: err, Fatal: true})
	d.destroy()
}
