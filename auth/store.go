// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import "sync"

// Store keeps credentials in the order they were added, at most one per
// database. A Store belongs to a single topology.
type Store struct {
	mu    sync.RWMutex
	creds []Credential
}

// Add stores cred, first evicting any credential for the same database.
func (s *Store) Add(cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = append(remove(s.creds, cred.Source), cred)
}

// Remove evicts the credential for db and reports whether one was present.
func (s *Store) Remove(db string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.creds)
	s.creds = remove(s.creds, db)
	return len(s.creds) != n
}

// Get returns the credential for db.
func (s *Store) Get(db string) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.creds {
		if c.Source == db {
			return c, true
		}
	}
	return Credential{}, false
}

// All returns a copy of the stored credentials in insertion order.
func (s *Store) All() []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Credential, len(s.creds))
	copy(out, s.creds)
	return out
}

// Len returns the number of stored credentials.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}

// Diff compares the credentials an endpoint was authenticated with against
// the current ones. stale holds applied credentials that are no longer
// current; missing holds current credentials not yet applied.
func Diff(applied, current []Credential) (stale, missing []Credential) {
	for _, c := range applied {
		if !contains(current, c) {
			stale = append(stale, c)
		}
	}
	for _, c := range current {
		if !contains(applied, c) {
			missing = append(missing, c)
		}
	}
	return stale, missing
}

func contains(creds []Credential, cred Credential) bool {
	for _, c := range creds {
		if c.Equal(cred) {
			return true
		}
	}
	return false
}

func remove(creds []Credential, db string) []Credential {
	out := creds[:0:0]
	for _, c := range creds {
		if c.Source != db {
			out = append(out, c)
		}
	}
	return out
}
