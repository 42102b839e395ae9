// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the point-in-time descriptions of deployment
// members that the topology layer keeps and selects from.
package description

import (
	"fmt"
	"time"

	"github.com/ikmak/mongo-go-topology/address"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UnsetRTT is the unset value for a round trip time.
const UnsetRTT = -1 * time.Millisecond

const rttAlphaValue = 0.2

// Server is a description of a server. Values are replaced, never mutated
// in place, once they have been stored in a topology.
type Server struct {
	Addr address.Address

	AverageRTT     time.Duration
	AverageRTTSet  bool
	Connected      bool
	ElectionID     primitive.ObjectID
	LastError      error
	LastHeartbeat  bson.Raw
	LastUpdateTime time.Time
	LastWriteTime  time.Time
	Members        []address.Address
	Role           Role
	SetName        string
	SetVersion     int64
	Tags           map[string]string
}

// NewServer creates a description for an address that has not yet answered a heartbeat.
func NewServer(addr address.Address) Server {
	return Server{Addr: addr.Canonicalize(), AverageRTT: UnsetRTT}
}

// NewServerFromError creates a description recording a failure.
func NewServerFromError(addr address.Address, err error) Server {
	s := NewServer(addr)
	s.LastError = err
	return s
}

// WithHeartbeat returns a copy of s updated with a heartbeat reply that took
// rtt to arrive. The round trip time is folded into an exponentially
// weighted moving average.
func (s Server) WithHeartbeat(raw bson.Raw, rtt time.Duration, now time.Time) (Server, Heartbeat, error) {
	hb, err := ParseHeartbeat(raw)
	if err != nil {
		s.LastError = err
		return s, hb, err
	}

	s.LastHeartbeat = raw
	s.LastUpdateTime = now.UTC()
	s.LastError = nil
	s.Role = hb.Role()
	s.SetName = hb.SetName
	s.SetVersion = hb.SetVersion
	s.ElectionID = hb.ElectionID
	s.Tags = hb.Tags
	s.LastWriteTime = hb.LastWrite.LastWriteDate.UTC()
	s.Members = hb.Members()
	if rtt >= 0 {
		s.SetAverageRTT(averageRTT(s.AverageRTT, s.AverageRTTSet, rtt))
	}

	return s, hb, nil
}

// SetAverageRTT sets the average round trip time.
func (s *Server) SetAverageRTT(rtt time.Duration) {
	s.AverageRTT = rtt
	s.AverageRTTSet = rtt != UnsetRTT
}

func averageRTT(prev time.Duration, prevSet bool, sample time.Duration) time.Duration {
	if !prevSet {
		return sample
	}
	return time.Duration(rttAlphaValue*float64(sample) + (1-rttAlphaValue)*float64(prev))
}

func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Role: %s", s.Addr, s.Role)
	if s.SetName != "" {
		str += fmt.Sprintf(", SetName: %s", s.SetName)
	}
	if s.AverageRTTSet {
		str += fmt.Sprintf(", Average RTT: %d", s.AverageRTT)
	}
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}
