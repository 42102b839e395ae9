// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func credential(db string) auth.Credential {
	return auth.Credential{Mechanism: auth.SCRAMSHA256, Source: db, Username: "user", Password: "pencil"}
}

func TestAuthenticate(t *testing.T) {
	t.Run("broadcasts to members except arbiters", func(t *testing.T) {
		net := newFakeNetwork()
		reply := append(primaryReply("rs", "a:1", "b:2"), bson.E{Key: "arbiters", Value: []string{"c:3"}})
		net.setReply("a:1", reply)
		net.setReply("b:2", secondaryReply("rs"))
		net.setReply("c:3", arbiterReply("rs"))
		rs, _, _ := newTestReplicaSet(t, net, []string{"a:1"})
		connectAndSettle(t, rs)
		require.Len(t, rs.Arbiters(), 1)

		require.NoError(t, rs.Authenticate(context.Background(), credential("admin")))

		assert.Len(t, net.live("a:1")[0].authenticated(), 1)
		assert.Len(t, net.live("b:2")[0].authenticated(), 1)
		assert.Empty(t, net.live("c:3")[0].authenticated())
		assert.Equal(t, 1, rs.creds.Len())
	})
	t.Run("one failing member fails the call", func(t *testing.T) {
		net := newFakeNetwork()
		net.setReply("a:1", primaryReply("rs", "a:1", "b:2"))
		net.setReply("b:2", secondaryReply("rs"))
		net.authErr["b:2"] = errors.New("bad password")
		rs, _, _ := newTestReplicaSet(t, net, []string{"a:1", "b:2"})
		connectAndSettle(t, rs)

		err := rs.Authenticate(context.Background(), credential("admin"))
		var aerr AuthError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, address.Address("b:2"), aerr.Address)
		assert.Zero(t, rs.creds.Len())
	})
	t.Run("invalid credential", func(t *testing.T) {
		net := newFakeNetwork()
		net.setReply("a:1", primaryReply("rs", "a:1"))
		rs, _, _ := newTestReplicaSet(t, net, []string{"a:1"})

		err := rs.Authenticate(context.Background(), auth.Credential{Mechanism: "BOGUS", Username: "u"})
		assert.Error(t, err)
	})
	t.Run("credentials are replayed on later members", func(t *testing.T) {
		net := newFakeNetwork()
		net.setReply("a:1", primaryReply("rs", "a:1", "b:2"))
		rs, clk, _ := newTestReplicaSet(t, net, []string{"a:1"})
		connectAndSettle(t, rs)

		require.NoError(t, rs.Authenticate(context.Background(), credential("admin")))
		require.NoError(t, rs.Authenticate(context.Background(), credential("reporting")))

		net.setReply("b:2", secondaryReply("rs"))
		net.kill("a:1")
		net.setReply("a:1", primaryReply("rs", "a:1", "b:2"))
		waitTick(t, rs.deployment, clk, defaultReplicaSetHAInterval)

		require.Eventually(t, func() bool { return len(rs.Secondaries()) == 1 && rs.Primary() != nil }, time.Second, 5*time.Millisecond)
		creds := net.live("b:2")[0].authenticated()
		require.Len(t, creds, 2)
		assert.Equal(t, "admin", creds[0].Source)
		assert.Equal(t, "reporting", creds[1].Source)
	})
	t.Run("failed replay keeps the member out", func(t *testing.T) {
		net := newFakeNetwork()
		net.setReply("a:1", primaryReply("rs", "a:1"))
		net.setReply("b:2", secondaryReply("rs"))
		net.authErr["b:2"] = errors.New("unauthorized")
		rs, _, _ := newTestReplicaSet(t, net, []string{"a:1", "b:2"}, WithCredential(credential("admin")))

		connectAndSettle(t, rs)

		assert.NotNil(t, rs.Primary())
		assert.Empty(t, rs.Secondaries())
		require.Len(t, rs.Disconnected(), 1)
		var aerr AuthError
		assert.ErrorAs(t, rs.Disconnected()[0].LastError, &aerr)
	})
	t.Run("concurrent authentication is rejected", func(t *testing.T) {
		net := newFakeNetwork()
		net.setReply("a:1", primaryReply("rs", "a:1"))
		rs, _, _ := newTestReplicaSet(t, net, []string{"a:1"})
		connectAndSettle(t, rs)

		rs.authInFlight.Store(true)
		assert.ErrorIs(t, rs.Authenticate(context.Background(), credential("admin")), ErrAuthInProgress)
		assert.ErrorIs(t, rs.Logout(context.Background(), "admin"), ErrAuthInProgress)
		assert.False(t, rs.IsConnected(nil))
		rs.authInFlight.Store(false)
		assert.True(t, rs.IsConnected(nil))
	})
	t.Run("connections made during authentication wait for it", func(t *testing.T) {
		net := newFakeNetwork()
		net.setReply("a:1", primaryReply("rs", "a:1", "b:2"))
		net.setReply("b:2", secondaryReply("rs"))
		rs, _, _ := newTestReplicaSet(t, net, []string{"a:1"})

		rs.authInFlight.Store(true)
		connectAndSettleNoWait(t, rs)
		assert.Nil(t, rs.Primary())

		rs.creds.Add(credential("admin"))
		rs.finishAuth()
		require.Eventually(t, func() bool { return rs.Primary() != nil && len(rs.Secondaries()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Len(t, net.live("a:1")[0].authenticated(), 1)
	})
	t.Run("credential added during a replay reaches the replaying member", func(t *testing.T) {
		net := newFakeNetwork()
		net.setReply("a:1", primaryReply("rs", "a:1", "b:2"))
		net.setReply("b:2", secondaryReply("rs"))
		gate := net.holdAuth("b:2")
		rs, _, _ := newTestReplicaSet(t, net, []string{"a:1", "b:2"}, WithCredential(credential("admin")))

		connectAndSettleNoWait(t, rs)
		<-gate.entered
		require.Eventually(t, func() bool { return rs.Primary() != nil }, time.Second, 5*time.Millisecond)

		require.NoError(t, rs.Authenticate(context.Background(), credential("reporting")))
		close(gate.release)
		waitIdle(t, rs.deployment)

		require.Eventually(t, func() bool { return len(rs.Secondaries()) == 1 }, time.Second, 5*time.Millisecond)
		var sources []string
		for _, cred := range net.live("b:2")[0].authenticated() {
			sources = append(sources, cred.Source)
		}
		assert.Equal(t, []string{"admin", "reporting"}, sources)
	})
}

func TestLogoutDuringReplay(t *testing.T) {
	net := newFakeNetwork()
	net.setReply("a:1", primaryReply("rs", "a:1", "b:2"))
	net.setReply("b:2", secondaryReply("rs"))
	gate := net.holdAuth("b:2")
	rs, _, _ := newTestReplicaSet(t, net, []string{"a:1", "b:2"},
		WithCredential(credential("admin")), WithCredential(credential("reporting")))

	connectAndSettleNoWait(t, rs)
	<-gate.entered
	require.Eventually(t, func() bool { return rs.Primary() != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, rs.Logout(context.Background(), "reporting"))
	close(gate.release)
	waitIdle(t, rs.deployment)

	require.Eventually(t, func() bool { return len(rs.Secondaries()) == 1 }, time.Second, 5*time.Millisecond)
	var logouts int
	for _, cmd := range net.live("b:2")[0].sent() {
		if cmd[0].Key == "logout" {
			logouts++
		}
	}
	assert.Equal(t, 1, logouts)
	assert.Equal(t, 1, rs.creds.Len())
}

func connectAndSettleNoWait(t *testing.T, rs *ReplicaSet) {
	t.Helper()
	require.NoError(t, rs.Connect(context.Background()))
}

func TestLogout(t *testing.T) {
	net := newFakeNetwork()
	net.setReply("a:1", primaryReply("rs", "a:1"))
	rs, _, _ := newTestReplicaSet(t, net, []string{"a:1"}, WithCredential(credential("admin")))
	connectAndSettle(t, rs)
	require.Equal(t, 1, rs.creds.Len())

	require.NoError(t, rs.Logout(context.Background(), "admin"))
	assert.Zero(t, rs.creds.Len())

	var logouts int
	for _, cmd := range net.live("a:1")[0].sent() {
		if cmd[0].Key == "logout" {
			logouts++
		}
	}
	assert.Equal(t, 1, logouts)
}
