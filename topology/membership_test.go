// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/description"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(host string, ep Endpoint) Member {
	addr := address.Address(host)
	return Member{Addr: addr, Server: description.NewServer(addr), Endpoint: ep}
}

func addrs(members []*Member) []address.Address {
	out := make([]address.Address, 0, len(members))
	for _, m := range members {
		out = append(out, m.Addr)
	}
	return out
}

func TestMembership(t *testing.T) {
	t.Run("an address holds one role", func(t *testing.T) {
		ms := newMembership()

		_, added := ms.Add(description.RoleSecondary, member("a:1", nil))
		require.True(t, added)
		prev, added := ms.Add(description.RoleArbiter, member("a:1", nil))
		require.True(t, added)
		assert.Equal(t, description.RoleSecondary, prev)

		snap := ms.Snapshot()
		assert.Empty(t, snap.Secondaries())
		assert.Equal(t, []address.Address{"a:1"}, addrs(snap.Arbiters()))
		assert.Equal(t, 1, snap.Len())
	})
	t.Run("add is idempotent", func(t *testing.T) {
		ms := newMembership()
		_, added := ms.Add(description.RoleSecondary, member("a:1", nil))
		require.True(t, added)
		_, added = ms.Add(description.RoleSecondary, member("a:1", nil))
		assert.False(t, added)
		assert.Len(t, ms.Snapshot().Secondaries(), 1)
	})
	t.Run("promote primary", func(t *testing.T) {
		ms := newMembership()
		ms.Add(description.RoleSecondary, member("b:2", nil))

		prev, prevRole, changed := ms.PromotePrimary(member("a:1", nil))
		require.True(t, changed)
		assert.Nil(t, prev)
		assert.Equal(t, description.RoleUnknown, prevRole)

		_, _, changed = ms.PromotePrimary(member("a:1", nil))
		assert.False(t, changed, "same primary re-reported")

		prev, prevRole, changed = ms.PromotePrimary(member("b:2", nil))
		require.True(t, changed)
		require.NotNil(t, prev)
		assert.Equal(t, address.Address("a:1"), prev.Addr)
		assert.Equal(t, description.RoleSecondary, prevRole)

		snap := ms.Snapshot()
		assert.Equal(t, address.Address("b:2"), snap.Primary().Addr)
		assert.Empty(t, snap.Secondaries())
		assert.False(t, snap.Contains("a:1"))
	})
	t.Run("remove returns the role", func(t *testing.T) {
		ms := newMembership()
		ms.Add(description.RolePassive, member("a:1", nil))

		m, role := ms.Remove("a:1")
		assert.Equal(t, description.RolePassive, role)
		assert.Equal(t, address.Address("a:1"), m.Addr)

		_, role = ms.Remove("a:1")
		assert.Equal(t, description.RoleUnknown, role)
	})
	t.Run("snapshots are immutable", func(t *testing.T) {
		ms := newMembership()
		ms.Add(description.RoleSecondary, member("a:1", nil))
		before := ms.Snapshot()

		ms.Add(description.RoleSecondary, member("b:2", nil))
		ms.Remove("a:1")

		assert.Equal(t, []address.Address{"a:1"}, addrs(before.Secondaries()))
		assert.Equal(t, []address.Address{"b:2"}, addrs(ms.Snapshot().Secondaries()))
	})
	t.Run("get all orders the primary first", func(t *testing.T) {
		ms := newMembership()
		ms.Add(description.RoleSecondary, member("c:3", nil))
		ms.Add(description.RoleSecondary, member("b:2", nil))
		ms.Add(description.RoleArbiter, member("d:4", nil))
		ms.PromotePrimary(member("a:1", nil))

		snap := ms.Snapshot()
		assert.Equal(t, []address.Address{"a:1", "c:3", "b:2"}, addrs(snap.GetAll()))
		assert.Equal(t, []address.Address{"c:3", "b:2", "d:4", "a:1"}, addrs(snap.Members()))
	})
	t.Run("update server keeps the role", func(t *testing.T) {
		ms := newMembership()
		ms.Add(description.RoleProxy, member("p:1", nil))

		desc := description.NewServer("p:1")
		desc.SetName = "changed"
		require.True(t, ms.UpdateServer(desc))
		assert.False(t, ms.UpdateServer(description.NewServer("q:2")))

		m := ms.Snapshot().Get("p:1")
		assert.Equal(t, description.RoleProxy, m.Role)
		assert.Equal(t, "changed", m.Server.SetName)
	})
	t.Run("clean drops disconnected members", func(t *testing.T) {
		net := newFakeNetwork()
		net.setReply("a:1", primaryReply("rs"))
		live := net.factory("a:1").(*fakeEndpoint)
		live.connected = true
		dead := net.factory("b:2")

		ms := newMembership()
		ms.PromotePrimary(member("a:1", live))
		ms.Add(description.RoleSecondary, member("b:2", dead))

		dropped := ms.Clean()
		require.Len(t, dropped, 1)
		assert.Equal(t, address.Address("b:2"), dropped[0].Addr)

		snap := ms.Snapshot()
		assert.True(t, snap.IsPrimaryConnected())
		assert.False(t, snap.IsSecondaryConnected())

		assert.Len(t, ms.Clear(), 1)
		assert.Zero(t, ms.Snapshot().Len())
	})
}
