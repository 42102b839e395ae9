// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ikmak/mongo-go-topology/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func marshal(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(doc)
	require.NoError(t, err)
	return b
}

func TestHeartbeat_Role(t *testing.T) {
	tests := []struct {
		name string
		doc  bson.D
		role Role
	}{
		{"primary", bson.D{{"ismaster", true}, {"setName", "rs"}}, RolePrimary},
		{"writable primary", bson.D{{"isWritablePrimary", true}}, RolePrimary},
		{"secondary", bson.D{{"secondary", true}}, RoleSecondary},
		{"passive", bson.D{{"secondary", true}, {"passive", true}}, RolePassive},
		{"arbiter", bson.D{{"arbiterOnly", true}}, RoleArbiter},
		{"mongos", bson.D{{"ismaster", true}, {"msg", "isdbgrid"}}, RoleProxy},
		{"other set without role", bson.D{{"setName", "other"}}, RoleUnknown},
		{"standalone", bson.D{{"ok", 1}}, RoleUnknown},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			hb, err := ParseHeartbeat(marshal(t, test.doc))
			require.NoError(t, err)
			assert.Equal(t, test.role, hb.Role())
		})
	}
}

func TestHeartbeat_Members(t *testing.T) {
	hb, err := ParseHeartbeat(marshal(t, bson.D{
		{"ismaster", true},
		{"hosts", bson.A{"A:1", "b:2"}},
		{"arbiters", bson.A{"c:3"}},
		{"passives", bson.A{"d:4", "a:1"}},
	}))
	require.NoError(t, err)

	want := []address.Address{"a:1", "b:2", "c:3", "d:4"}
	if diff := cmp.Diff(want, hb.Members()); diff != "" {
		t.Fatalf("members differ (-want +got):\n%s", diff)
	}
}

func TestServer_WithHeartbeat(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	oid := primitive.NewObjectID()

	s := NewServer("A:1")
	require.Equal(t, address.Address("a:1"), s.Addr)
	require.False(t, s.AverageRTTSet)

	s, hb, err := s.WithHeartbeat(marshal(t, bson.D{
		{"ismaster", true},
		{"setName", "rs"},
		{"electionId", oid},
		{"tags", bson.D{{"dc", "ny"}}},
		{"lastWrite", bson.D{{"lastWriteDate", now.Add(-time.Second)}}},
	}), 10*time.Millisecond, now)
	require.NoError(t, err)
	require.True(t, hb.Master())
	require.Equal(t, RolePrimary, s.Role)
	require.Equal(t, "rs", s.SetName)
	require.Equal(t, oid, s.ElectionID)
	require.Equal(t, map[string]string{"dc": "ny"}, s.Tags)
	require.Equal(t, 10*time.Millisecond, s.AverageRTT)
	require.Equal(t, now, s.LastUpdateTime)
	require.Equal(t, now.Add(-time.Second), s.LastWriteTime)

	s, _, err = s.WithHeartbeat(marshal(t, bson.D{{"secondary", true}}), 20*time.Millisecond, now)
	require.NoError(t, err)
	require.Equal(t, RoleSecondary, s.Role)
	require.InDelta(t, float64(12*time.Millisecond), float64(s.AverageRTT), float64(time.Microsecond))

	_, _, err = s.WithHeartbeat(nil, time.Millisecond, now)
	require.Error(t, err)
}

func TestCompareElectionID(t *testing.T) {
	older, err := primitive.ObjectIDFromHex("000000000000000000000001")
	require.NoError(t, err)
	newer, err := primitive.ObjectIDFromHex("000000000000000000000002")
	require.NoError(t, err)

	require.Equal(t, -1, CompareElectionID(older, newer))
	require.Equal(t, 1, CompareElectionID(newer, older))
	require.Equal(t, 0, CompareElectionID(newer, newer))
	require.Equal(t, -1, CompareElectionID(primitive.NilObjectID, older))
}
