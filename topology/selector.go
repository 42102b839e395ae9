// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ikmak/mongo-go-topology/readpref"
	"github.com/pkg/errors"
)

const (
	minMaxStaleness = 90 * time.Second
	idleWritePeriod = 10 * time.Second
)

// Strategy is a pluggable selection policy registered for a read
// preference mode. When registered, it owns selection for that mode.
type Strategy interface {
	// PickServer selects a member from the snapshot.
	PickServer(snap Snapshot, rp *readpref.ReadPref) (*Member, error)

	// HA runs at the end of every monitoring tick, e.g. to probe latency.
	HA(ctx context.Context, snap Snapshot) error
}

// selector picks members for read preferences. The round robin counter is
// shared by the secondary and secondaryPreferred paths.
type selector struct {
	kind              Kind
	localThreshold    time.Duration
	heartbeatInterval time.Duration
	rr                atomic.Uint64

	mu         sync.RWMutex
	strategies map[readpref.Mode]Strategy
}

func newSelector(kind Kind, localThreshold, heartbeatInterval time.Duration, strategies map[readpref.Mode]Strategy) *selector {
	s := &selector{
		kind:              kind,
		localThreshold:    localThreshold,
		heartbeatInterval: heartbeatInterval,
		strategies:        make(map[readpref.Mode]Strategy, len(strategies)),
	}
	for mode, st := range strategies {
		s.strategies[mode] = st
	}
	return s
}

func (s *selector) register(mode readpref.Mode, st Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[mode] = st
}

func (s *selector) strategy(rp *readpref.ReadPref) Strategy {
	if rp == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategies[rp.Mode()]
}

func (s *selector) all() []Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, st)
	}
	return out
}

func (s *selector) next(n int) int {
	return int((s.rr.Add(1) - 1) % uint64(n))
}

// pick selects a member for rp. A nil read preference returns the primary,
// which may be nil.
func (s *selector) pick(snap Snapshot, rp *readpref.ReadPref) (*Member, error) {
	if st := s.strategy(rp); st != nil {
		return st.PickServer(snap, rp)
	}
	if s.kind == KindSharded {
		return s.pickProxy(snap, rp)
	}
	if rp == nil {
		return snap.Primary(), nil
	}

	mode := rp.Mode()
	if err := s.verifyMaxStaleness(rp); err != nil {
		return nil, SelectionError{Mode: mode, Wrapped: err}
	}

	switch mode {
	case readpref.PrimaryMode:
		if p := snap.Primary(); p != nil {
			return p, nil
		}
		return nil, SelectionError{Mode: mode, Wrapped: ErrNoPrimaryAvailable}

	case readpref.SecondaryMode:
		secondaries := filterByTags(s.fresh(snap, connectedOnly(snap.Secondaries()), rp), rp.TagSets())
		if len(secondaries) == 0 {
			return nil, SelectionError{Mode: mode, Wrapped: ErrNoSecondaryAvailable}
		}
		return secondaries[s.next(len(secondaries))], nil

	case readpref.SecondaryPreferredMode:
		secondaries := filterByTags(s.fresh(snap, connectedOnly(snap.Secondaries()), rp), rp.TagSets())
		if len(secondaries) > 0 {
			return secondaries[s.next(len(secondaries))], nil
		}
		if p := snap.Primary(); p != nil {
			return p, nil
		}
		return nil, SelectionError{Mode: mode, Wrapped: ErrNoServerForReadPreference}

	case readpref.PrimaryPreferredMode:
		if p := snap.Primary(); p != nil {
			return p, nil
		}
		secondaries := filterByTags(s.fresh(snap, connectedOnly(snap.Secondaries()), rp), rp.TagSets())
		if len(secondaries) > 0 {
			return secondaries[s.next(len(secondaries))], nil
		}
		return nil, SelectionError{Mode: mode, Wrapped: ErrNoServerForReadPreference}

	case readpref.NearestMode:
		var candidates []*Member
		if p := snap.Primary(); p.connected() {
			candidates = append(candidates, p)
		}
		candidates = append(candidates, s.fresh(snap, connectedOnly(snap.Secondaries()), rp)...)
		candidates = filterByTags(candidates, rp.TagSets())
		candidates = withinLatencyWindow(candidates, s.localThreshold)
		if len(candidates) == 0 {
			return nil, SelectionError{Mode: mode, Wrapped: ErrNoServerForReadPreference}
		}
		return candidates[s.next(len(candidates))], nil

	default:
		return snap.Primary(), nil
	}
}

// pickProxy returns the first connected proxy in join order.
func (s *selector) pickProxy(snap Snapshot, rp *readpref.ReadPref) (*Member, error) {
	for _, m := range snap.Proxies() {
		if m.connected() {
			return m, nil
		}
	}
	mode := readpref.PrimaryMode
	if rp != nil {
		mode = rp.Mode()
	}
	return nil, SelectionError{Mode: mode, Wrapped: ErrNoMongosAvailable}
}

func (s *selector) verifyMaxStaleness(rp *readpref.ReadPref) error {
	maxStaleness, set := rp.MaxStaleness()
	if !set {
		return nil
	}
	if maxStaleness < minMaxStaleness {
		return errors.Errorf("max staleness (%s) must be greater than or equal to %s", maxStaleness, minMaxStaleness)
	}
	if maxStaleness < s.heartbeatInterval+idleWritePeriod {
		return errors.Errorf(
			"max staleness (%s) must be greater than or equal to the heartbeat interval (%s) plus idle write period (%s)",
			maxStaleness, s.heartbeatInterval, idleWritePeriod)
	}
	return nil
}

// fresh drops secondaries estimated to lag further behind than the read
// preference's max staleness. Without a primary the most recent secondary
// write is the reference.
func (s *selector) fresh(snap Snapshot, secondaries []*Member, rp *readpref.ReadPref) []*Member {
	maxStaleness, set := rp.MaxStaleness()
	if !set || len(secondaries) == 0 {
		return secondaries
	}

	var selected []*Member
	if p := snap.Primary(); p != nil {
		primaryLag := p.Server.LastUpdateTime.Sub(p.Server.LastWriteTime)
		for _, m := range secondaries {
			staleness := m.Server.LastUpdateTime.Sub(m.Server.LastWriteTime) - primaryLag + s.heartbeatInterval
			if staleness <= maxStaleness {
				selected = append(selected, m)
			}
		}
		return selected
	}

	latest := secondaries[0].Server.LastWriteTime
	for _, m := range secondaries[1:] {
		if m.Server.LastWriteTime.After(latest) {
			latest = m.Server.LastWriteTime
		}
	}
	for _, m := range secondaries {
		if latest.Sub(m.Server.LastWriteTime)+s.heartbeatInterval <= maxStaleness {
			selected = append(selected, m)
		}
	}
	return selected
}

// filterByTags returns the members matching the first tag set that matches
// any member. With no tag sets every member matches.
func filterByTags(members []*Member, tagSets []readpref.TagSet) []*Member {
	if len(tagSets) == 0 {
		return members
	}
	for _, ts := range tagSets {
		var matched []*Member
		for _, m := range members {
			if ts.Matches(m.Server.Tags) {
				matched = append(matched, m)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

// withinLatencyWindow keeps members whose average round trip time is within
// threshold of the fastest. Members without a measurement are kept only if
// nothing has been measured.
func withinLatencyWindow(members []*Member, threshold time.Duration) []*Member {
	fastest := time.Duration(-1)
	for _, m := range members {
		if m.Server.AverageRTTSet && (fastest < 0 || m.Server.AverageRTT < fastest) {
			fastest = m.Server.AverageRTT
		}
	}
	if fastest < 0 {
		return members
	}
	var out []*Member
	for _, m := range members {
		if m.Server.AverageRTTSet && m.Server.AverageRTT <= fastest+threshold {
			out = append(out, m)
		}
	}
	return out
}
