// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/auth"
	"github.com/ikmak/mongo-go-topology/event"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.opentelemetry.io/otel/metric/noop"
)

var errRefused = errors.New("connection refused")

// fakeNetwork scripts the replies of every address a test topology dials.
type fakeNetwork struct {
	mu        sync.Mutex
	replies   map[address.Address]bson.D
	down      map[address.Address]bool
	authErr   map[address.Address]error
	authGates map[address.Address]*authGate
	cmdReply  map[address.Address]bson.D
	cmdErr    map[address.Address]error
	endpoints map[address.Address][]*fakeEndpoint
	dials     []address.Address
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		replies:   make(map[address.Address]bson.D),
		down:      make(map[address.Address]bool),
		authErr:   make(map[address.Address]error),
		authGates: make(map[address.Address]*authGate),
		cmdReply:  make(map[address.Address]bson.D),
		cmdErr:    make(map[address.Address]error),
		endpoints: make(map[address.Address][]*fakeEndpoint),
	}
}

func (n *fakeNetwork) factory(addr address.Address) Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep := &fakeEndpoint{addr: addr, net: n, subs: make(map[int]func(Signal))}
	n.endpoints[addr] = append(n.endpoints[addr], ep)
	return ep
}

// authGate holds Authenticate calls on one host until released.
type authGate struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

// holdAuth makes Authenticate on host block until the returned gate's
// release channel is closed.
func (n *fakeNetwork) holdAuth(host string) *authGate {
	n.mu.Lock()
	defer n.mu.Unlock()
	g := &authGate{entered: make(chan struct{}), release: make(chan struct{})}
	n.authGates[address.Address(host)] = g
	return g
}

func (n *fakeNetwork) setReply(host string, reply bson.D) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replies[address.Address(host)] = reply
	delete(n.down, address.Address(host))
}

func (n *fakeNetwork) setDown(host string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[address.Address(host)] = true
}

func (n *fakeNetwork) setUp(host string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, address.Address(host))
}

// kill marks host down and closes its live endpoints.
func (n *fakeNetwork) kill(host string) {
	n.setDown(host)
	for _, ep := range n.live(host) {
		ep.signal(Signal{Kind: SignalClose, Err: errRefused})
	}
}

func (n *fakeNetwork) live(host string) []*fakeEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakeEndpoint
	for _, ep := range n.endpoints[address.Address(host)] {
		if ep.IsConnected() {
			out = append(out, ep)
		}
	}
	return out
}

func (n *fakeNetwork) dialCount(host string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, addr := range n.dials {
		if addr == address.Address(host) {
			count++
		}
	}
	return count
}

func (n *fakeNetwork) reply(addr address.Address) (bson.D, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[addr] {
		return nil, false
	}
	reply, ok := n.replies[addr]
	return reply, ok
}

// fakeEndpoint connects synchronously: Connect delivers its signal before
// returning.
type fakeEndpoint struct {
	addr address.Address
	net  *fakeNetwork

	mu        sync.Mutex
	subs      map[int]func(Signal)
	nextSub   int
	connected bool
	destroyed bool
	creds     []auth.Credential
	commands  []bson.D
}

func (e *fakeEndpoint) Address() address.Address { return e.addr }

func (e *fakeEndpoint) Connect(context.Context) {
	e.net.mu.Lock()
	e.net.dials = append(e.net.dials, e.addr)
	e.net.mu.Unlock()

	if _, ok := e.net.reply(e.addr); !ok {
		e.signal(Signal{Kind: SignalError, Err: errRefused})
		return
	}
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	e.signal(Signal{Kind: SignalConnect})
}

func (e *fakeEndpoint) signal(sig Signal) {
	e.mu.Lock()
	if sig.Kind != SignalConnect {
		e.connected = false
	}
	subs := make([]func(Signal), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(sig)
	}
}

func (e *fakeEndpoint) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	e.destroyed = true
	e.subs = make(map[int]func(Signal))
}

func (e *fakeEndpoint) isDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *fakeEndpoint) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEndpoint) Command(_ context.Context, _ string, cmd bson.D) (bson.Raw, error) {
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.mu.Unlock()

	if len(cmd) > 0 && cmd[0].Key == "ismaster" {
		reply, ok := e.net.reply(e.addr)
		if !ok {
			return nil, errRefused
		}
		return bson.Marshal(reply)
	}

	e.net.mu.Lock()
	err := e.net.cmdErr[e.addr]
	reply, ok := e.net.cmdReply[e.addr]
	e.net.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		reply = bson.D{{Key: "ok", Value: 1}}
	}
	return bson.Marshal(reply)
}

func (e *fakeEndpoint) sent() []bson.D {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bson.D(nil), e.commands...)
}

func (e *fakeEndpoint) LastHeartbeat() bson.Raw {
	reply, ok := e.net.reply(e.addr)
	if !ok {
		return nil
	}
	raw, err := bson.Marshal(reply)
	if err != nil {
		return nil
	}
	return raw
}

func (e *fakeEndpoint) Authenticate(ctx context.Context, cred auth.Credential) error {
	e.net.mu.Lock()
	err := e.net.authErr[e.addr]
	gate := e.net.authGates[e.addr]
	e.net.mu.Unlock()
	if gate != nil {
		gate.once.Do(func() { close(gate.entered) })
		select {
		case <-gate.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.creds = append(e.creds, cred)
	e.mu.Unlock()
	return nil
}

func (e *fakeEndpoint) authenticated() []auth.Credential {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]auth.Credential(nil), e.creds...)
}

func (e *fakeEndpoint) Subscribe(fn func(Signal)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSub++
	id := e.nextSub
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func primaryReply(setName string, hosts ...string) bson.D {
	return bson.D{
		{Key: "ismaster", Value: true},
		{Key: "secondary", Value: false},
		{Key: "setName", Value: setName},
		{Key: "hosts", Value: hosts},
		{Key: "ok", Value: 1},
	}
}

func secondaryReply(setName string, hosts ...string) bson.D {
	return bson.D{
		{Key: "ismaster", Value: false},
		{Key: "secondary", Value: true},
		{Key: "setName", Value: setName},
		{Key: "hosts", Value: hosts},
		{Key: "ok", Value: 1},
	}
}

func arbiterReply(setName string, hosts ...string) bson.D {
	return bson.D{
		{Key: "ismaster", Value: false},
		{Key: "secondary", Value: false},
		{Key: "arbiterOnly", Value: true},
		{Key: "setName", Value: setName},
		{Key: "hosts", Value: hosts},
		{Key: "ok", Value: 1},
	}
}

func mongosReply() bson.D {
	return bson.D{
		{Key: "ismaster", Value: true},
		{Key: "msg", Value: "isdbgrid"},
		{Key: "ok", Value: 1},
	}
}

func withTags(reply bson.D, tags bson.D) bson.D {
	return append(append(bson.D(nil), reply...), bson.E{Key: "tags", Value: tags})
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) HandleEvent(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// kinds returns the kinds of recorded events, without HA events.
func (r *recorder) kinds() []event.Kind {
	var kinds []event.Kind
	for _, ev := range r.all() {
		if ev.Kind() != event.KindHA {
			kinds = append(kinds, ev.Kind())
		}
	}
	return kinds
}

func (r *recorder) count(kind event.Kind) int {
	count := 0
	for _, ev := range r.all() {
		if ev.Kind() == kind {
			count++
		}
	}
	return count
}

func (r *recorder) fatal() *event.ErrorEvent {
	for _, ev := range r.all() {
		if e, ok := ev.(event.ErrorEvent); ok && e.Fatal {
			return &e
		}
	}
	return nil
}

func seeds(t *testing.T, hosts ...string) []address.Seed {
	t.Helper()
	out := make([]address.Seed, 0, len(hosts))
	for _, h := range hosts {
		s, err := address.ParseSeed(h)
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func testOptions(net *fakeNetwork, clk clock.Clock, opts ...Option) []Option {
	return append([]Option{
		WithEndpointFactory(net.factory),
		WithClock(clk),
		WithMeterProvider(noop.NewMeterProvider()),
	}, opts...)
}

// waitTick advances the mock clock by d and waits for the resulting tick to
// finish.
func waitTick(t *testing.T, d *deployment, clk *clock.Mock, step time.Duration) {
	t.Helper()
	before := tickCount(d)
	clk.Add(step)
	require.Eventually(t, func() bool { return tickCount(d) > before && !tickRunning(d) },
		time.Second, 5*time.Millisecond)
}

func tickCount(d *deployment) uint64 {
	var id uint64
	d.exec.call(func() { id = d.ha.tickID })
	return id
}

func tickRunning(d *deployment) bool {
	var running bool
	d.exec.call(func() { running = d.ha.current != nil })
	return running
}

// waitIdle waits for the initial connect to be concluded and for no tick
// to be running.
func waitIdle(t *testing.T, d *deployment) {
	t.Helper()
	require.Eventually(t, func() bool {
		var settled bool
		d.exec.call(func() {
			settled = d.State() == Destroyed ||
				(d.ha.started && d.ha.seedsPending == 0 && !d.ha.initialPending && d.ha.current == nil)
		})
		return settled
	}, time.Second, 5*time.Millisecond)
}
