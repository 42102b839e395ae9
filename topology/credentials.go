// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"

	"github.com/ikmak/mongo-go-topology/auth"
	"github.com/ikmak/mongo-go-topology/description"
	"github.com/ikmak/mongo-go-topology/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

// Authenticate authenticates cred on every connected member except
// arbiters. On success the credential is remembered and replayed on every
// endpoint that connects later. Endpoints that connect while authentication
// is running wait for it to finish.
func (d *deployment) Authenticate(ctx context.Context, cred auth.Credential) error {
	cred, err := cred.Validate()
	if err != nil {
		return err
	}
	if d.State() == Destroyed {
		return ErrTopologyDestroyed
	}
	targets, err := d.beginAuth()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range targets {
		m := m
		g.Go(func() error {
			if err := m.Endpoint.Authenticate(gctx, cred); err != nil {
				return AuthError{Address: m.Addr, Mechanism: cred.Mechanism, Wrapped: err}
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		d.creds.Add(cred)
	}

	d.finishAuth()
	return err
}

// beginAuth marks authentication as in flight and returns the members it
// applies to. It runs on the executor so a replay that completes is either
// admitted before the targets are taken or parked until finishAuth.
func (d *deployment) beginAuth() ([]*Member, error) {
	var targets []*Member
	err := ErrAuthInProgress
	d.exec.call(func() {
		if !d.authInFlight.CompareAndSwap(false, true) {
			return
		}
		targets = authTargets(d.members.Snapshot())
		err = nil
	})
	return targets, err
}

// finishAuth clears the in-flight flag and replays credentials on the
// endpoints that connected meanwhile.
func (d *deployment) finishAuth() {
	d.exec.call(func() {
		d.authInFlight.Store(false)
		parked := d.parked
		d.parked = nil
		for _, tr := range parked {
			if !tr.detached {
				d.replay(tr)
			}
		}
	})
}

// Logout forgets the credential for db and logs out of every connected
// member except arbiters. It cannot run alongside Authenticate.
func (d *deployment) Logout(ctx context.Context, db string) error {
	if d.State() == Destroyed {
		return ErrTopologyDestroyed
	}
	targets, err := d.beginAuth()
	if err != nil {
		return err
	}
	defer d.finishAuth()
	d.creds.Remove(db)

	ns := db + ".$cmd"
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range targets {
		m := m
		g.Go(func() error {
			_, err := m.Endpoint.Command(gctx, ns, bson.D{{Key: "logout", Value: 1}})
			return err
		})
	}
	return g.Wait()
}

func authTargets(snap Snapshot) []*Member {
	var targets []*Member
	for _, m := range snap.Members() {
		if m.Role == description.RoleArbiter || !m.connected() {
			continue
		}
		targets = append(targets, m)
	}
	return targets
}

// replay brings a freshly connected endpoint up to date with the stored
// credentials before it is admitted. Credentials added or removed while the
// endpoint was authenticating are reconciled by replaying again.
func (d *deployment) replay(tr *tracked) {
	if isArbiterReply(tr.ep.LastHeartbeat()) {
		d.admit(tr)
		return
	}
	creds := d.creds.All()
	stale, missing := auth.Diff(tr.applied, creds)
	if len(stale) == 0 && len(missing) == 0 {
		d.admit(tr)
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.config().connectTimeout)
	go func() {
		defer cancel()
		err := reconcile(ctx, tr, stale, missing)
		d.exec.post(func() {
			if d.State() == Destroyed || tr.detached {
				return
			}
			if err != nil {
				d.log.Error(err, logger.ComponentConnection, logger.ConnectionAuthReplayFailed,
					logger.KeyTopologyID, d.id.Hex(), logger.KeyServerHost, tr.addr.String())
				d.fail(tr, err)
				return
			}
			tr.applied = creds
			if d.authInFlight.Load() {
				d.parked = append(d.parked, tr)
				return
			}
			d.replay(tr)
		})
	}()
}

// reconcile logs the endpoint out of stale credentials and authenticates the
// missing ones.
func reconcile(ctx context.Context, tr *tracked, stale, missing []auth.Credential) error {
	for _, cred := range stale {
		if _, err := tr.ep.Command(ctx, cred.Source+".$cmd", bson.D{{Key: "logout", Value: 1}}); err != nil {
			return AuthError{Address: tr.addr, Mechanism: cred.Mechanism, Wrapped: err}
		}
	}
	for _, cred := range missing {
		if err := tr.ep.Authenticate(ctx, cred); err != nil {
			return AuthError{Address: tr.addr, Mechanism: cred.Mechanism, Wrapped: err}
		}
	}
	return nil
}

func isArbiterReply(raw bson.Raw) bool {
	hb, err := description.ParseHeartbeat(raw)
	return err == nil && hb.ArbiterOnly
}
