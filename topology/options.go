// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/auth"
	"github.com/ikmak/mongo-go-topology/internal/logger"
	"github.com/ikmak/mongo-go-topology/readpref"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultReplicaSetHAInterval     = 10 * time.Second
	defaultShardedHAInterval        = 5 * time.Second
	defaultMinHeartbeatInterval     = 500 * time.Millisecond
	defaultLocalThreshold           = 15 * time.Millisecond
	defaultReplicaSetConnectTimeout = 30 * time.Second
	defaultShardedConnectTimeout    = time.Second
	defaultReconnectTries           = 30
)

// Option configures a topology.
type Option func(*config) error

type config struct {
	seeds                []address.Seed
	setName              string
	haInterval           time.Duration
	minHeartbeatInterval time.Duration
	localThreshold       time.Duration
	connectTimeout       time.Duration
	reconnectTries       int
	secondaryOnly        bool
	endpointFactory      EndpointFactory
	logger               *logger.Logger
	clock                clock.Clock
	meterProvider        metric.MeterProvider
	buffer               OperationBuffer
	strategies           map[readpref.Mode]Strategy
	credentials          []auth.Credential
}

func newConfig(kind Kind, opts ...Option) (*config, error) {
	cfg := &config{
		minHeartbeatInterval: defaultMinHeartbeatInterval,
		localThreshold:       defaultLocalThreshold,
		reconnectTries:       defaultReconnectTries,
		clock:                clock.New(),
		strategies:           make(map[readpref.Mode]Strategy),
	}

	if err := cfg.apply(opts...); err != nil {
		return nil, err
	}

	if cfg.haInterval <= 0 {
		cfg.haInterval = defaultReplicaSetHAInterval
		if kind == KindSharded {
			cfg.haInterval = defaultShardedHAInterval
		}
	}
	if cfg.connectTimeout <= 0 {
		cfg.connectTimeout = defaultReplicaSetConnectTimeout
		if kind == KindSharded {
			cfg.connectTimeout = defaultShardedConnectTimeout
		}
	}
	if cfg.meterProvider == nil {
		cfg.meterProvider = otel.GetMeterProvider()
	}

	return cfg, nil
}

func (c *config) reconfig(opts ...Option) (*config, error) {
	cfg := *c
	cfg.seeds = append([]address.Seed(nil), c.seeds...)
	cfg.credentials = append([]auth.Credential(nil), c.credentials...)
	cfg.strategies = make(map[readpref.Mode]Strategy, len(c.strategies))
	for mode, s := range c.strategies {
		cfg.strategies[mode] = s
	}

	if err := cfg.apply(opts...); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *config) apply(opts ...Option) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return err
		}
	}
	return nil
}

// WithSeedList configures the seeds used when the constructor is given none.
func WithSeedList(seeds ...address.Seed) Option {
	return func(c *config) error {
		c.seeds = seeds
		return nil
	}
}

// WithSetName configures the name of the replica set.
func WithSetName(name string) Option {
	return func(c *config) error {
		c.setName = name
		return nil
	}
}

// WithHAInterval configures the period of the high availability loop.
func WithHAInterval(d time.Duration) Option {
	return func(c *config) error {
		c.haInterval = d
		return nil
	}
}

// WithMinHeartbeatInterval configures how soon an out-of-band check may
// follow the previous check.
func WithMinHeartbeatInterval(d time.Duration) Option {
	return func(c *config) error {
		c.minHeartbeatInterval = d
		return nil
	}
}

// WithLocalThreshold configures the latency window used by nearest selection.
func WithLocalThreshold(d time.Duration) Option {
	return func(c *config) error {
		c.localThreshold = d
		return nil
	}
}

// WithConnectTimeout configures the connect and heartbeat timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.connectTimeout = d
		return nil
	}
}

// WithReconnectTries configures how many consecutive failed ticks are
// tolerated while the topology is not connected.
func WithReconnectTries(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errors.Errorf("reconnect tries must be positive, got %d", n)
		}
		c.reconnectTries = n
		return nil
	}
}

// WithSecondaryOnlyConnectionAllowed lets a replica set become connected
// through a secondary when no primary is known.
func WithSecondaryOnlyConnectionAllowed(allowed bool) Option {
	return func(c *config) error {
		c.secondaryOnly = allowed
		return nil
	}
}

// WithEndpointFactory configures how endpoints are created for addresses.
func WithEndpointFactory(fn EndpointFactory) Option {
	return func(c *config) error {
		c.endpointFactory = fn
		return nil
	}
}

// WithLogger configures the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *config) error {
		c.logger = l
		return nil
	}
}

// WithClock configures the clock driving the high availability loop.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		c.clock = clk
		return nil
	}
}

// WithMeterProvider configures where metrics are recorded.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) error {
		c.meterProvider = mp
		return nil
	}
}

// WithOperationBuffer configures where operations wait while no suitable
// server is connected.
func WithOperationBuffer(b OperationBuffer) Option {
	return func(c *config) error {
		c.buffer = b
		return nil
	}
}

// WithReadPreferenceStrategy registers a selection strategy for mode.
func WithReadPreferenceStrategy(mode readpref.Mode, s Strategy) Option {
	return func(c *config) error {
		if !mode.IsValid() {
			return errors.Errorf("invalid read preference mode %d", mode)
		}
		c.strategies[mode] = s
		return nil
	}
}

// WithCredential configures a credential authenticated on every member
// before it is handed out.
func WithCredential(cred auth.Credential) Option {
	return func(c *config) error {
		cred, err := cred.Validate()
		if err != nil {
			return err
		}
		c.credentials = append(c.credentials, cred)
		return nil
	}
}

// WithConnString configures the topology using a connection string.
func WithConnString(uri string) Option {
	return func(c *config) error {
		cs, err := connstring.ParseAndValidate(uri)
		if err != nil {
			return errors.Wrap(err, "error parsing connection string")
		}

		c.seeds = c.seeds[:0]
		for _, host := range cs.Hosts {
			seed, err := address.ParseSeed(host)
			if err != nil {
				return err
			}
			c.seeds = append(c.seeds, seed)
		}

		if cs.ReplicaSet != "" {
			c.setName = cs.ReplicaSet
		}
		if cs.HeartbeatInterval > 0 {
			c.haInterval = cs.HeartbeatInterval
		}
		if cs.LocalThreshold > 0 {
			c.localThreshold = cs.LocalThreshold
		}
		if cs.ConnectTimeout > 0 {
			c.connectTimeout = cs.ConnectTimeout
		}

		if cs.Username != "" || cs.AuthMechanism != "" {
			cred, err := auth.Credential{
				Mechanism: cs.AuthMechanism,
				Source:    cs.AuthSource,
				Username:  cs.Username,
				Password:  cs.Password,
				Props:     cs.AuthMechanismProperties,
			}.Validate()
			if err != nil {
				return err
			}
			c.credentials = append(c.credentials, cred)
		}

		return nil
	}
}
