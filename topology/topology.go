// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology discovers the members of a deployment, keeps their
// roles current while they fail, recover and change role, and selects a
// member for every operation according to a read preference.
//
// Two deployment kinds share one design: a replica set (ReplicaSet) tracks
// a primary, secondaries, arbiters and passives; a sharded deployment
// (Sharded) tracks a flat list of mongos proxies.
package topology

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/auth"
	"github.com/ikmak/mongo-go-topology/description"
	"github.com/ikmak/mongo-go-topology/event"
	"github.com/ikmak/mongo-go-topology/internal/logger"
	"github.com/ikmak/mongo-go-topology/readpref"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/semaphore"
)

// Kind is the kind of deployment a topology monitors.
type Kind uint8

// Kind constants.
const (
	KindReplicaSet Kind = iota + 1
	KindSharded
)

func (k Kind) String() string {
	switch k {
	case KindReplicaSet:
		return "replicaSet"
	case KindSharded:
		return "sharded"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a topology.
type State int32

// State constants. Destroyed is final.
const (
	Disconnected State = iota
	Connecting
	Connected
	Destroyed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Topology is the surface shared by ReplicaSet and Sharded.
type Topology interface {
	Connect(ctx context.Context, opts ...Option) error
	Destroy()
	State() State
	Description() Description
	IsConnected(rp *readpref.ReadPref) bool
	SelectServer(rp *readpref.ReadPref) (*Member, error)
	Command(ctx context.Context, ns string, cmd bson.D, rp *readpref.ReadPref) (bson.Raw, error)
	Insert(ctx context.Context, ns string, docs []interface{}) (bson.Raw, error)
	Update(ctx context.Context, ns string, updates []bson.D) (bson.Raw, error)
	Remove(ctx context.Context, ns string, deletes []bson.D) (bson.Raw, error)
	Authenticate(ctx context.Context, cred auth.Credential) error
	Logout(ctx context.Context, db string) error
	Subscribe(h event.Handler) (unsubscribe func())
	AddReadPreferenceStrategy(mode readpref.Mode, s Strategy)
	RequestImmediateCheck()
}

var (
	_ Topology = (*ReplicaSet)(nil)
	_ Topology = (*Sharded)(nil)
)

// New creates a replica set topology when a set name is configured and a
// sharded topology otherwise.
func New(seeds []address.Seed, opts ...Option) (Topology, error) {
	probe, err := newConfig(KindReplicaSet, opts...)
	if err != nil {
		return nil, ConfigurationError{Wrapped: err}
	}
	if probe.setName != "" {
		return NewReplicaSet(seeds, opts...)
	}
	return NewSharded(seeds, opts...)
}

// Description is a point-in-time description of a topology.
type Description struct {
	ID      primitive.ObjectID
	Kind    Kind
	State   State
	SetName string
	// Servers lists members with Role set to the membership role.
	Servers []description.Server
}

// deployment is the machinery shared by both topology kinds. Membership,
// monitoring and lifecycle state is only touched by functions run on exec.
type deployment struct {
	kind    Kind
	id      primitive.ObjectID
	seeds   []address.Seed
	cfg     atomic.Pointer[config]
	clock   clock.Clock
	log     *logger.Logger
	metrics *metrics

	events   event.Emitter
	exec     executor
	members  *membership
	updater  *membershipUpdater
	selector *selector
	creds    auth.Store

	state        atomic.Int32
	authInFlight atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	ha         haContext
	endpoints  map[address.Address]*tracked
	parked     []*tracked
	knownHosts map[address.Address]struct{}
}

func newDeployment(kind Kind, seeds []address.Seed, opts ...Option) (*deployment, error) {
	cfg, err := newConfig(kind, opts...)
	if err != nil {
		return nil, ConfigurationError{Wrapped: err}
	}
	if len(seeds) == 0 {
		seeds = cfg.seeds
	}
	if err := address.ValidateSeedList(seeds); err != nil {
		return nil, ConfigurationError{Wrapped: err}
	}
	if kind == KindReplicaSet && cfg.setName == "" {
		return nil, ConfigurationError{Message: msgMissingSetName}
	}
	if cfg.endpointFactory == nil {
		return nil, ConfigurationError{Message: msgMissingEndpoints}
	}

	d := &deployment{
		kind:       kind,
		id:         primitive.NewObjectID(),
		seeds:      seeds,
		clock:      cfg.clock,
		log:        cfg.logger,
		metrics:    newMetrics(cfg.meterProvider, kind),
		members:    newMembership(),
		selector:   newSelector(kind, cfg.localThreshold, cfg.haInterval, cfg.strategies),
		endpoints:  make(map[address.Address]*tracked),
		knownHosts: make(map[address.Address]struct{}),
	}
	if d.log == nil {
		d.log = logger.New(nil, nil)
	}
	d.updater = &membershipUpdater{
		topologyID:    d.id,
		setName:       cfg.setName,
		secondaryOnly: cfg.secondaryOnly,
		members:       d.members,
	}
	d.ha = haContext{
		token:       semaphore.NewWeighted(1),
		retriesLeft: cfg.reconnectTries,
		connecting:  make(map[address.Address]struct{}),
	}
	d.cfg.Store(cfg)
	d.exec.idle = d.events.Flush
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for _, cred := range cfg.credentials {
		d.creds.Add(cred)
	}
	d.state.Store(int32(Disconnected))

	return d, nil
}

// config returns the options in effect. Connect may replace them once
// before monitoring starts, so callers off the executor read them here.
func (d *deployment) config() *config {
	return d.cfg.Load()
}

// ID returns the identifier of the topology used in events and logs.
func (d *deployment) ID() primitive.ObjectID {
	return d.id
}

// State returns the lifecycle state.
func (d *deployment) State() State {
	return State(d.state.Load())
}

func (d *deployment) setState(s State) {
	if d.State() == Destroyed {
		return
	}
	d.state.Store(int32(s))
}

// Subscribe registers h for topology events.
func (d *deployment) Subscribe(h event.Handler) func() {
	return d.events.Subscribe(h)
}

func (d *deployment) emit(events ...event.Event) {
	d.events.Enqueue(events...)
}

// Connect starts connecting to the seed list and starts monitoring. It
// returns once the seeds have been dialed; progress is reported through
// events. Options override the construction options and are only accepted
// before the first Connect. Calling Connect again has no effect.
func (d *deployment) Connect(_ context.Context, opts ...Option) error {
	var err error
	d.exec.call(func() {
		if d.State() == Destroyed {
			err = ErrTopologyDestroyed
			return
		}
		if d.ha.started {
			if len(opts) > 0 {
				err = ErrTopologyConnected
			}
			return
		}
		if len(opts) > 0 {
			cfg, cerr := d.config().reconfig(opts...)
			if cerr != nil {
				err = ConfigurationError{Wrapped: cerr}
				return
			}
			if cfg.setName != d.config().setName {
				err = ConfigurationError{Message: "setName cannot be changed"}
				return
			}
			d.cfg.Store(cfg)
			for mode, s := range cfg.strategies {
				d.selector.register(mode, s)
			}
			for _, cred := range cfg.credentials {
				d.creds.Add(cred)
			}
		}

		var addrs []address.Address
		seen := make(map[address.Address]struct{}, len(d.seeds))
		for _, seed := range d.seeds {
			addr := seed.Address()
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			addrs = append(addrs, addr)
		}

		d.ha.started = true
		d.ha.seedsPending = len(addrs)
		d.setState(Connecting)
		d.log.Print(logger.LevelInfo, logger.ComponentTopology, logger.TopologyOpening,
			logger.KeyTopologyID, d.id.Hex())

		for _, addr := range addrs {
			if d.State() == Destroyed {
				return
			}
			d.connect(addr, originSeed)
		}
	})
	return err
}

// Destroy closes every endpoint and stops monitoring. Every later
// operation fails with ErrTopologyDestroyed.
func (d *deployment) Destroy() {
	d.exec.call(d.destroy)
}

func (d *deployment) destroy() {
	if d.State() == Destroyed {
		return
	}
	d.state.Store(int32(Destroyed))
	d.stopTimer()
	d.cancel()

	for _, tr := range d.endpoints {
		d.detach(tr)
		tr.ep.Destroy()
	}
	for _, tr := range d.parked {
		if !tr.detached {
			d.detach(tr)
			tr.ep.Destroy()
		}
	}
	d.parked = nil
	d.endpoints = make(map[address.Address]*tracked)
	d.ha.disconnected = nil
	d.members.Clear()

	d.log.Print(logger.LevelInfo, logger.ComponentTopology, logger.TopologyClosed,
		logger.KeyTopologyID, d.id.Hex())
}

// Description returns a snapshot of the topology.
func (d *deployment) Description() Description {
	desc := Description{
		ID:      d.id,
		Kind:    d.kind,
		State:   d.State(),
		SetName: d.config().setName,
	}
	for _, m := range d.members.Snapshot().Members() {
		s := m.Server
		s.Role = m.Role
		desc.Servers = append(desc.Servers, s)
	}
	return desc
}

// AddReadPreferenceStrategy registers a selection strategy for mode. The
// strategy's HA hook runs at the end of every monitoring tick.
func (d *deployment) AddReadPreferenceStrategy(mode readpref.Mode, s Strategy) {
	d.selector.register(mode, s)
}

// IsConnected reports whether an operation with the read preference could
// currently be served.
func (d *deployment) IsConnected(rp *readpref.ReadPref) bool {
	if d.State() == Destroyed || d.authInFlight.Load() {
		return false
	}

	snap := d.members.Snapshot()
	if d.kind == KindSharded {
		return len(connectedOnly(snap.Proxies())) > 0
	}

	if rp == nil {
		return snap.IsPrimaryConnected()
	}
	switch rp.Mode() {
	case readpref.SecondaryMode:
		return snap.IsSecondaryConnected()
	case readpref.PrimaryPreferredMode, readpref.SecondaryPreferredMode, readpref.NearestMode:
		return snap.IsPrimaryConnected() || snap.IsSecondaryConnected()
	default:
		return snap.IsPrimaryConnected()
	}
}

// SelectServer selects a member for the read preference. With a nil read
// preference a replica set returns its primary, which may be nil.
func (d *deployment) SelectServer(rp *readpref.ReadPref) (*Member, error) {
	if d.State() == Destroyed {
		return nil, ErrTopologyDestroyed
	}

	m, err := d.selector.pick(d.members.Snapshot(), rp)

	mode := "unspecified"
	if rp != nil {
		mode = rp.Mode().String()
	}
	d.metrics.selection(mode, err)
	if err != nil {
		d.log.Print(logger.LevelDebug, logger.ComponentServerSelection, logger.ServerSelectionFailed,
			logger.KeyTopologyID, d.id.Hex(), logger.KeySelector, mode, logger.KeyFailure, err.Error())
		return nil, err
	}
	if m != nil && d.log.LevelComponentEnabled(logger.LevelDebug, logger.ComponentServerSelection) {
		kvs := logger.KeyValues{logger.KeyTopologyID, d.id.Hex(), logger.KeySelector, mode}
		kvs = logger.SerializeServer(kvs, m.Addr.Host(), m.Addr.Port())
		d.log.Print(logger.LevelDebug, logger.ComponentServerSelection, logger.ServerSelectionSucceeded, kvs...)
	}
	return m, nil
}

// Command runs cmd on the member selected for rp. A not-master or
// node-is-recovering answer triggers an immediate check and is returned as
// a NotPrimaryError along with the reply.
func (d *deployment) Command(ctx context.Context, ns string, cmd bson.D, rp *readpref.ReadPref) (bson.Raw, error) {
	return d.execute(ctx, "command", ns, rp, func(ctx context.Context, m *Member) (bson.Raw, error) {
		return m.Endpoint.Command(ctx, ns, cmd)
	})
}

// Insert inserts docs into the namespace "db.collection" on the primary.
func (d *deployment) Insert(ctx context.Context, ns string, docs []interface{}) (bson.Raw, error) {
	return d.write(ctx, "insert", ns, func(coll string) bson.D {
		return bson.D{{Key: "insert", Value: coll}, {Key: "documents", Value: docs}, {Key: "ordered", Value: true}}
	})
}

// Update applies update statements to the namespace on the primary.
func (d *deployment) Update(ctx context.Context, ns string, updates []bson.D) (bson.Raw, error) {
	return d.write(ctx, "update", ns, func(coll string) bson.D {
		return bson.D{{Key: "update", Value: coll}, {Key: "updates", Value: updates}, {Key: "ordered", Value: true}}
	})
}

// Remove applies delete statements to the namespace on the primary.
func (d *deployment) Remove(ctx context.Context, ns string, deletes []bson.D) (bson.Raw, error) {
	return d.write(ctx, "delete", ns, func(coll string) bson.D {
		return bson.D{{Key: "delete", Value: coll}, {Key: "deletes", Value: deletes}, {Key: "ordered", Value: true}}
	})
}

func (d *deployment) write(ctx context.Context, name, ns string, build func(coll string) bson.D) (bson.Raw, error) {
	db, coll, err := splitNamespace(ns)
	if err != nil {
		return nil, err
	}
	cmd := build(coll)
	cmdNS := db + ".$cmd"
	return d.execute(ctx, name, ns, readpref.Primary(), func(ctx context.Context, m *Member) (bson.Raw, error) {
		return m.Endpoint.Command(ctx, cmdNS, cmd)
	})
}

func splitNamespace(ns string) (string, string, error) {
	idx := strings.Index(ns, ".")
	if idx <= 0 || idx == len(ns)-1 {
		return "", "", errors.Errorf("invalid namespace %q", ns)
	}
	return ns[:idx], ns[idx+1:], nil
}

type runFunc func(ctx context.Context, m *Member) (bson.Raw, error)

func (d *deployment) execute(ctx context.Context, name, ns string, rp *readpref.ReadPref, run runFunc) (bson.Raw, error) {
	reply, err := d.executeOnce(ctx, rp, run)
	var selErr SelectionError
	buf := d.config().buffer
	if buf == nil || !errors.As(err, &selErr) {
		return reply, err
	}
	return d.park(ctx, buf, name, ns, rp, run)
}

func (d *deployment) executeOnce(ctx context.Context, rp *readpref.ReadPref, run runFunc) (bson.Raw, error) {
	m, err := d.SelectServer(rp)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, SelectionError{Mode: readpref.PrimaryMode, Wrapped: ErrNoServerForReadPreference}
	}

	reply, err := run(ctx, m)
	if npe, ok := notPrimary(m.Addr, reply, err); ok {
		d.RequestImmediateCheck()
		return reply, npe
	}
	return reply, err
}

type bufferedResult struct {
	reply bson.Raw
	err   error
}

// park waits in the operation buffer until the monitoring loop flushes it
// or ctx is done.
func (d *deployment) park(ctx context.Context, buf OperationBuffer, name, ns string, rp *readpref.ReadPref, run runFunc) (bson.Raw, error) {
	done := make(chan bufferedResult, 1)
	op := BufferedOperation{
		Name: name,
		NS:   ns,
		Run: func() {
			if err := ctx.Err(); err != nil {
				done <- bufferedResult{err: err}
				return
			}
			reply, err := d.executeOnce(ctx, rp, run)
			done <- bufferedResult{reply: reply, err: err}
		},
	}
	if err := buf.Add(op); err != nil {
		return nil, err
	}
	d.log.Print(logger.LevelDebug, logger.ComponentConnection, logger.ConnectionOperationBuffered,
		logger.KeyTopologyID, d.id.Hex(), logger.KeyOperation, name)

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
