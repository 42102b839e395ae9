// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	testCases := []struct {
		kind           Kind
		haInterval     time.Duration
		connectTimeout time.Duration
	}{
		{KindReplicaSet, 10 * time.Second, 30 * time.Second},
		{KindSharded, 5 * time.Second, time.Second},
	}
	for _, tc := range testCases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			cfg, err := newConfig(tc.kind)
			require.NoError(t, err)
			assert.Equal(t, tc.haInterval, cfg.haInterval)
			assert.Equal(t, tc.connectTimeout, cfg.connectTimeout)
			assert.Equal(t, 500*time.Millisecond, cfg.minHeartbeatInterval)
			assert.Equal(t, 15*time.Millisecond, cfg.localThreshold)
			assert.Equal(t, 30, cfg.reconnectTries)
			assert.NotNil(t, cfg.clock)
			assert.NotNil(t, cfg.meterProvider)
		})
	}
}

func TestWithConnString(t *testing.T) {
	uri := "mongodb://user:pencil@a:1,b:2/?replicaSet=rs&heartbeatFrequencyMS=2000&localThresholdMS=20&connectTimeoutMS=5000&authSource=admin&authMechanism=SCRAM-SHA-256"
	cfg, err := newConfig(KindReplicaSet, WithConnString(uri))
	require.NoError(t, err)

	wantSeeds := []address.Seed{{Host: "a", Port: 1}, {Host: "b", Port: 2}}
	if diff := cmp.Diff(wantSeeds, cfg.seeds); diff != "" {
		t.Errorf("seeds differ (-want +got):\n%s", diff)
	}
	assert.Equal(t, "rs", cfg.setName)
	assert.Equal(t, 2*time.Second, cfg.haInterval)
	assert.Equal(t, 20*time.Millisecond, cfg.localThreshold)
	assert.Equal(t, 5*time.Second, cfg.connectTimeout)

	require.Len(t, cfg.credentials, 1)
	assert.Equal(t, auth.SCRAMSHA256, cfg.credentials[0].Mechanism)
	assert.Equal(t, "admin", cfg.credentials[0].Source)
	assert.Equal(t, "user", cfg.credentials[0].Username)

	_, err = newConfig(KindReplicaSet, WithConnString("http://a:1"))
	assert.Error(t, err)
}

func TestConfigReconfig(t *testing.T) {
	cfg, err := newConfig(KindReplicaSet, WithSetName("rs"), WithCredential(credential("admin")))
	require.NoError(t, err)

	next, err := cfg.reconfig(WithHAInterval(time.Second), WithCredential(credential("other")))
	require.NoError(t, err)

	assert.Equal(t, time.Second, next.haInterval)
	assert.Equal(t, defaultReplicaSetHAInterval, cfg.haInterval)
	assert.Len(t, cfg.credentials, 1)
	assert.Len(t, next.credentials, 2)
	assert.Equal(t, "rs", next.setName)

	_, err = cfg.reconfig(WithReconnectTries(-1))
	assert.Error(t, err)
	_, err = cfg.reconfig(WithReadPreferenceStrategy(0, fixedStrategy{}))
	assert.Error(t, err)
}

func TestSeedListFallback(t *testing.T) {
	net := newFakeNetwork()
	rs, err := NewReplicaSet(nil, WithSetName("rs"), WithEndpointFactory(net.factory),
		WithSeedList(address.Seed{Host: "a", Port: 1}))
	require.NoError(t, err)
	assert.Equal(t, []address.Seed{{Host: "a", Port: 1}}, rs.seeds)
	assert.Equal(t, "rs", rs.SetName())
}
