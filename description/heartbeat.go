// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"bytes"
	"time"

	"github.com/ikmak/mongo-go-topology/address"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Heartbeat is the decoded reply to an isMaster/hello handshake.
type Heartbeat struct {
	IsMaster          bool               `bson:"ismaster"`
	IsWritablePrimary bool               `bson:"isWritablePrimary"`
	Secondary         bool               `bson:"secondary"`
	ArbiterOnly       bool               `bson:"arbiterOnly"`
	Passive           bool               `bson:"passive"`
	Hidden            bool               `bson:"hidden"`
	SetName           string             `bson:"setName"`
	SetVersion        int64              `bson:"setVersion"`
	ElectionID        primitive.ObjectID `bson:"electionId"`
	Hosts             []string           `bson:"hosts"`
	Passives          []string           `bson:"passives"`
	Arbiters          []string           `bson:"arbiters"`
	Me                string             `bson:"me"`
	Primary           string             `bson:"primary"`
	Tags              map[string]string  `bson:"tags"`
	LastWrite         LastWrite          `bson:"lastWrite"`
	Msg               string             `bson:"msg"`
	OK                float64            `bson:"ok"`
}

// LastWrite is the replication progress a member reports.
type LastWrite struct {
	LastWriteDate time.Time `bson:"lastWriteDate"`
}

// ParseHeartbeat decodes a heartbeat reply document.
func ParseHeartbeat(raw bson.Raw) (Heartbeat, error) {
	var hb Heartbeat
	if len(raw) == 0 {
		return hb, errors.New("empty heartbeat reply")
	}
	if err := bson.Unmarshal(raw, &hb); err != nil {
		return hb, errors.Wrap(err, "unable to decode heartbeat reply")
	}
	return hb, nil
}

// Master reports whether the member claims to be the writable primary.
func (hb Heartbeat) Master() bool {
	return hb.IsMaster || hb.IsWritablePrimary
}

// Role classifies the reply. Order matters: a mongos also reports ismaster,
// and passives also report secondary.
func (hb Heartbeat) Role() Role {
	switch {
	case hb.Msg == "isdbgrid":
		return RoleProxy
	case hb.Master():
		return RolePrimary
	case hb.ArbiterOnly:
		return RoleArbiter
	case hb.Secondary && hb.Passive:
		return RolePassive
	case hb.Secondary:
		return RoleSecondary
	default:
		return RoleUnknown
	}
}

// Members returns the canonical union of hosts, arbiters and passives the
// member advertises.
func (hb Heartbeat) Members() []address.Address {
	seen := make(map[address.Address]struct{})
	var members []address.Address
	for _, list := range [][]string{hb.Hosts, hb.Arbiters, hb.Passives} {
		for _, host := range list {
			addr := address.Address(host).Canonicalize()
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			members = append(members, addr)
		}
	}
	return members
}

// CompareElectionID orders election ids. A zero id sorts before every other.
func CompareElectionID(a, b primitive.ObjectID) int {
	return bytes.Compare(a[:], b[:])
}
