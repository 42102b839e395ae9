// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/readpref"
	"github.com/montanaflynn/stats"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLatencyWindow   = 5
	defaultLatencyCapacity = 128
)

// LatencyStrategy selects among the primary and secondaries by measured
// ping latency. Members whose median ping is within the threshold of the
// fastest member are used round robin.
type LatencyStrategy struct {
	clock     clock.Clock
	threshold time.Duration
	window    int
	timeout   time.Duration

	mu      sync.Mutex
	samples *lru.Cache[address.Address, []time.Duration]
	index   int
}

var _ Strategy = (*LatencyStrategy)(nil)

// LatencyOption configures a LatencyStrategy.
type LatencyOption func(*LatencyStrategy)

// WithLatencyThreshold configures how much slower than the fastest member
// a member may be and still be selected.
func WithLatencyThreshold(d time.Duration) LatencyOption {
	return func(s *LatencyStrategy) { s.threshold = d }
}

// WithLatencyWindow configures how many ping samples are kept per member.
func WithLatencyWindow(n int) LatencyOption {
	return func(s *LatencyStrategy) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithPingTimeout bounds each ping.
func WithPingTimeout(d time.Duration) LatencyOption {
	return func(s *LatencyStrategy) { s.timeout = d }
}

// WithLatencyClock configures the clock used to time pings.
func WithLatencyClock(clk clock.Clock) LatencyOption {
	return func(s *LatencyStrategy) { s.clock = clk }
}

// NewLatencyStrategy creates a LatencyStrategy.
func NewLatencyStrategy(opts ...LatencyOption) (*LatencyStrategy, error) {
	s := &LatencyStrategy{
		clock:     clock.New(),
		threshold: defaultLocalThreshold,
		window:    defaultLatencyWindow,
	}
	for _, opt := range opts {
		opt(s)
	}

	cache, err := lru.New[address.Address, []time.Duration](defaultLatencyCapacity)
	if err != nil {
		return nil, err
	}
	s.samples = cache
	return s, nil
}

// HA pings the primary and every secondary and records the round trip
// times. A member that fails to answer loses its samples.
func (s *LatencyStrategy) HA(ctx context.Context, snap Snapshot) error {
	var g errgroup.Group
	for _, m := range s.candidates(snap) {
		m := m
		g.Go(func() error {
			pctx := ctx
			if s.timeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(ctx, s.timeout)
				defer cancel()
			}

			start := s.clock.Now()
			_, err := m.Endpoint.Command(pctx, "admin.$cmd", bson.D{{Key: "ping", Value: 1}})
			if err != nil {
				s.samples.Remove(m.Addr)
				return nil
			}
			s.record(m.Addr, s.clock.Since(start))
			return nil
		})
	}
	return g.Wait()
}

func (s *LatencyStrategy) record(addr address.Address, rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window, _ := s.samples.Get(addr)
	window = append(window, rtt)
	if len(window) > s.window {
		window = window[len(window)-s.window:]
	}
	s.samples.Add(addr, window)
}

// Latency returns the median ping time recorded for addr.
func (s *LatencyStrategy) Latency(addr address.Address) (time.Duration, bool) {
	window, ok := s.samples.Get(addr)
	if !ok || len(window) == 0 {
		return 0, false
	}
	floats := make([]float64, len(window))
	for i, d := range window {
		floats[i] = float64(d)
	}
	median, err := stats.Median(floats)
	if err != nil {
		return 0, false
	}
	return time.Duration(median), true
}

// PickServer selects a connected, tag matching member within the latency
// threshold of the fastest one. Members without samples are eligible.
func (s *LatencyStrategy) PickServer(snap Snapshot, rp *readpref.ReadPref) (*Member, error) {
	mode := readpref.NearestMode
	var tagSets []readpref.TagSet
	if rp != nil {
		mode = rp.Mode()
		tagSets = rp.TagSets()
	}

	candidates := filterByTags(connectedOnly(s.candidates(snap)), tagSets)

	fastest := time.Duration(-1)
	latencies := make(map[address.Address]time.Duration, len(candidates))
	for _, m := range candidates {
		if l, ok := s.Latency(m.Addr); ok {
			latencies[m.Addr] = l
			if fastest < 0 || l < fastest {
				fastest = l
			}
		}
	}

	var eligible []*Member
	for _, m := range candidates {
		l, ok := latencies[m.Addr]
		if !ok || l <= fastest+s.threshold {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return nil, SelectionError{Mode: mode, Wrapped: ErrNoServerForReadPreference}
	}

	s.mu.Lock()
	s.index %= len(eligible)
	picked := eligible[s.index]
	s.index++
	s.mu.Unlock()

	return picked, nil
}

func (s *LatencyStrategy) candidates(snap Snapshot) []*Member {
	var members []*Member
	if p := snap.Primary(); p != nil {
		members = append(members, p)
	}
	return append(members, snap.Secondaries()...)
}
