// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"sort"

	"github.com/hashicorp/go-memdb"
	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/description"
)

const (
	tableMembers = "members"
	indexID      = "id"
	indexRole    = "role"
)

// Member is a deployment member as held by a topology. Members are never
// modified once stored; a change stores a new Member.
type Member struct {
	// Addr is the member's canonical address and its key.
	Addr address.Address
	// Role is the membership set holding the member. It can lag behind the
	// role reported in Server until the next heartbeat is applied.
	Role     description.Role
	Server   description.Server
	Endpoint Endpoint

	// Seq orders members by when they entered their current role.
	Seq uint64
}

func (m *Member) connected() bool {
	return m != nil && m.Endpoint != nil && m.Endpoint.IsConnected()
}

var membershipSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableMembers: {
			Name: tableMembers,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Addr"},
				},
				indexRole: {
					Name:    indexRole,
					Indexer: &memdb.UintFieldIndex{Field: "Role"},
				},
			},
		},
	},
}

// membership is the arena of members keyed by address. Every mutation is a
// committed write transaction, so an address can only ever be in one role,
// and readers work on immutable snapshots. Mutations are issued by the
// topology's executor only.
type membership struct {
	db  *memdb.MemDB
	seq uint64
}

func newMembership() *membership {
	db, err := memdb.NewMemDB(membershipSchema)
	if err != nil {
		panic(err)
	}
	return &membership{db: db}
}

// Snapshot returns an immutable view of the membership.
func (ms *membership) Snapshot() Snapshot {
	return Snapshot{txn: ms.db.Txn(false)}
}

// Remove removes the member from whichever role holds it and returns that
// role, or RoleUnknown if the address was not a member.
func (ms *membership) Remove(addr address.Address) (Member, description.Role) {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableMembers, indexID, string(addr))
	if err != nil || raw == nil {
		return Member{}, description.RoleUnknown
	}
	m := raw.(*Member)
	if err := txn.Delete(tableMembers, m); err != nil {
		return Member{}, description.RoleUnknown
	}
	txn.Commit()
	return *m, m.Role
}

// PromotePrimary installs m as primary. The member is first removed from
// any other role, and a different previous primary is removed and
// returned.
func (ms *membership) PromotePrimary(m Member) (previous *Member, prevRole description.Role, changed bool) {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	if raw, _ := txn.First(tableMembers, indexID, string(m.Addr)); raw != nil {
		existing := raw.(*Member)
		if existing.Role == description.RolePrimary {
			m.Seq = existing.Seq
			m.Role = description.RolePrimary
			_ = txn.Insert(tableMembers, &m)
			txn.Commit()
			return nil, description.RolePrimary, false
		}
		prevRole = existing.Role
		_ = txn.Delete(tableMembers, existing)
	}

	if raw, _ := txn.First(tableMembers, indexRole, description.RolePrimary); raw != nil {
		old := *raw.(*Member)
		_ = txn.Delete(tableMembers, raw)
		previous = &old
	}

	ms.seq++
	m.Seq = ms.seq
	m.Role = description.RolePrimary
	if err := txn.Insert(tableMembers, &m); err != nil {
		return nil, description.RoleUnknown, false
	}
	txn.Commit()
	return previous, prevRole, true
}

// Add places m in role. It reports false if the address already holds that
// role, in which case only the stored description is refreshed. If the
// address held another role it is moved and the old role is returned.
func (ms *membership) Add(role description.Role, m Member) (prevRole description.Role, added bool) {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	if raw, _ := txn.First(tableMembers, indexID, string(m.Addr)); raw != nil {
		existing := raw.(*Member)
		if existing.Role == role {
			m.Seq = existing.Seq
			m.Role = role
			_ = txn.Insert(tableMembers, &m)
			txn.Commit()
			return role, false
		}
		prevRole = existing.Role
		_ = txn.Delete(tableMembers, existing)
	}

	ms.seq++
	m.Seq = ms.seq
	m.Role = role
	if err := txn.Insert(tableMembers, &m); err != nil {
		return description.RoleUnknown, false
	}
	txn.Commit()
	return prevRole, true
}

// UpdateServer replaces the stored description of a member, keeping its role.
func (ms *membership) UpdateServer(desc description.Server) bool {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	raw, _ := txn.First(tableMembers, indexID, string(desc.Addr))
	if raw == nil {
		return false
	}
	m := *raw.(*Member)
	m.Server = desc
	if err := txn.Insert(tableMembers, &m); err != nil {
		return false
	}
	txn.Commit()
	return true
}

// Clean drops every member whose endpoint is no longer connected and
// returns what was dropped.
func (ms *membership) Clean() []Member {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	var dropped []Member
	for _, m := range collect(txn, indexID) {
		if !m.connected() {
			_ = txn.Delete(tableMembers, m)
			dropped = append(dropped, *m)
		}
	}
	txn.Commit()
	return dropped
}

// Clear drops every member.
func (ms *membership) Clear() []Member {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	var dropped []Member
	for _, m := range collect(txn, indexID) {
		_ = txn.Delete(tableMembers, m)
		dropped = append(dropped, *m)
	}
	txn.Commit()
	return dropped
}

func collect(txn *memdb.Txn, index string, args ...interface{}) []*Member {
	it, err := txn.Get(tableMembers, index, args...)
	if err != nil {
		return nil
	}
	var out []*Member
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*Member))
	}
	return out
}

// Snapshot is an immutable view of a topology's membership. Selection and
// strategies read snapshots; they never observe a partially applied change.
type Snapshot struct {
	txn *memdb.Txn
}

// Contains reports whether addr is a member in any role.
func (s Snapshot) Contains(addr address.Address) bool {
	return s.Get(addr) != nil
}

// Get returns the member at addr, or nil.
func (s Snapshot) Get(addr address.Address) *Member {
	if s.txn == nil {
		return nil
	}
	raw, err := s.txn.First(tableMembers, indexID, string(addr))
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*Member)
}

// Primary returns the primary, or nil.
func (s Snapshot) Primary() *Member {
	if s.txn == nil {
		return nil
	}
	raw, err := s.txn.First(tableMembers, indexRole, description.RolePrimary)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*Member)
}

// Secondaries returns the secondaries in the order they joined.
func (s Snapshot) Secondaries() []*Member { return s.role(description.RoleSecondary) }

// Arbiters returns the arbiters in the order they joined.
func (s Snapshot) Arbiters() []*Member { return s.role(description.RoleArbiter) }

// Passives returns the passives in the order they joined.
func (s Snapshot) Passives() []*Member { return s.role(description.RolePassive) }

// Proxies returns the mongos proxies in the order they joined.
func (s Snapshot) Proxies() []*Member { return s.role(description.RoleProxy) }

func (s Snapshot) role(role description.Role) []*Member {
	if s.txn == nil {
		return nil
	}
	return bySeq(collect(s.txn, indexRole, role))
}

// GetAll returns the primary, if any, followed by the secondaries.
func (s Snapshot) GetAll() []*Member {
	var all []*Member
	if p := s.Primary(); p != nil {
		all = append(all, p)
	}
	return append(all, s.Secondaries()...)
}

// Members returns every member in the order they joined.
func (s Snapshot) Members() []*Member {
	if s.txn == nil {
		return nil
	}
	return bySeq(collect(s.txn, indexID))
}

// Len returns the number of members.
func (s Snapshot) Len() int {
	return len(s.Members())
}

// IsPrimaryConnected reports whether the primary's endpoint is connected.
func (s Snapshot) IsPrimaryConnected() bool {
	return s.Primary().connected()
}

// IsSecondaryConnected reports whether any secondary's endpoint is connected.
func (s Snapshot) IsSecondaryConnected() bool {
	for _, m := range s.Secondaries() {
		if m.connected() {
			return true
		}
	}
	return false
}

func bySeq(members []*Member) []*Member {
	sort.Slice(members, func(i, j int) bool { return members[i].Seq < members[j].Seq })
	return members
}

func connectedOnly(members []*Member) []*Member {
	out := members[:0:0]
	for _, m := range members {
		if m.connected() {
			out = append(out, m)
		}
	}
	return out
}
