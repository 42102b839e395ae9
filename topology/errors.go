// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"fmt"
	"strings"

	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/readpref"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrNoPrimaryAvailable is returned when the primary is required but unknown.
	ErrNoPrimaryAvailable = errors.New("no primary server available")
	// ErrNoSecondaryAvailable is returned when a secondary is required but none is connected.
	ErrNoSecondaryAvailable = errors.New("no secondary server available")
	// ErrNoMongosAvailable is returned when no proxy of a sharded deployment is connected.
	ErrNoMongosAvailable = errors.New("no mongos proxy available")
	// ErrNoServerForReadPreference is returned when nothing matches the read preference.
	ErrNoServerForReadPreference = errors.New("no server found that matches the provided readPreference")
	// ErrTopologyDestroyed is returned by every operation once the topology has been destroyed.
	ErrTopologyDestroyed = errors.New("topology was destroyed")
	// ErrAuthInProgress is returned when authenticate or logout is called while another is running.
	ErrAuthInProgress = errors.New("authentication or logout already in process")
	// ErrTopologyConnected is returned when options are overridden after Connect.
	ErrTopologyConnected = errors.New("topology is connected or connecting")
)

// Fatal topology failures.
const (
	msgNoValidSeeds     = "no valid seed servers"
	msgNoPrimaryFound   = "no primary found in replicaset"
	msgFailedReconnect  = "failed to reconnect after %d attempts"
	msgSetNameMismatch  = "provided setName for Replicaset Connection does not match setName found in server seedlist"
	msgMissingSetName   = "replica set topology requires a setName"
	msgMissingEndpoints = "no endpoint factory configured"
)

// ConfigurationError is returned when a topology is constructed with an
// unusable seed list or options, and published when a member reports a
// different set name.
type ConfigurationError struct {
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e ConfigurationError) Error() string {
	if e.Wrapped != nil && e.Message != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Message, e.Wrapped.Error())
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("configuration error: %s", e.Wrapped.Error())
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e ConfigurationError) Unwrap() error {
	return e.Wrapped
}

// SelectionError represents a server selection error.
type SelectionError struct {
	Mode    readpref.Mode
	Wrapped error
}

// Error implements the error interface.
func (e SelectionError) Error() string {
	return fmt.Sprintf("server selection error (%s): %s", e.Mode, e.Wrapped)
}

// Unwrap returns the underlying error.
func (e SelectionError) Unwrap() error {
	return e.Wrapped
}

// FatalTopologyError is published once, right before a topology destroys itself.
type FatalTopologyError struct {
	Message string
}

// Error implements the error interface.
func (e FatalTopologyError) Error() string {
	return e.Message
}

// NetworkError represents a failed connect, read, write or timeout on a member.
type NetworkError struct {
	Address address.Address
	Signal  SignalKind
	Wrapped error
}

// Error implements the error interface.
func (e NetworkError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("server %s %s: %s", e.Address, e.Signal, e.Wrapped.Error())
	}
	return fmt.Sprintf("server %s %s", e.Address, e.Signal)
}

// Unwrap returns the underlying error.
func (e NetworkError) Unwrap() error {
	return e.Wrapped
}

// AuthError represents a member rejecting a credential.
type AuthError struct {
	Address   address.Address
	Mechanism string
	Wrapped   error
}

// Error implements the error interface.
func (e AuthError) Error() string {
	return fmt.Sprintf("authentication on %s failed: %s", e.Address, e.Wrapped)
}

// Unwrap returns the underlying error.
func (e AuthError) Unwrap() error {
	return e.Wrapped
}

// NotPrimaryError is returned when a member answers that it can no longer
// serve the operation because it is not the primary or is recovering.
type NotPrimaryError struct {
	Address address.Address
	Code    int32
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e NotPrimaryError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("server %s: %s", e.Address, e.Wrapped.Error())
	}
	return fmt.Sprintf("server %s: (%d) %s", e.Address, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e NotPrimaryError) Unwrap() error {
	return e.Wrapped
}

var notPrimaryCodes = map[int32]struct{}{
	10107: {}, // NotWritablePrimary
	13435: {}, // NotPrimaryNoSecondaryOk
	13436: {}, // NotPrimaryOrSecondary
	11600: {}, // InterruptedAtShutdown
	11602: {}, // InterruptedDueToReplStateChange
	189:   {}, // PrimarySteppedDown
	91:    {}, // ShutdownInProgress
}

func isNotPrimaryMessage(msg string) bool {
	return strings.Contains(msg, "not master") || strings.Contains(msg, "node is recovering")
}

// notPrimary inspects a command outcome for not-master and node-is-recovering
// failures.
func notPrimary(addr address.Address, reply bson.Raw, err error) (NotPrimaryError, bool) {
	if err != nil {
		if isNotPrimaryMessage(err.Error()) {
			return NotPrimaryError{Address: addr, Message: err.Error(), Wrapped: err}, true
		}
		return NotPrimaryError{}, false
	}
	if len(reply) == 0 {
		return NotPrimaryError{}, false
	}

	var doc struct {
		OK     float64 `bson:"ok"`
		Code   int32   `bson:"code"`
		ErrMsg string  `bson:"errmsg"`
	}
	if bson.Unmarshal(reply, &doc) != nil || doc.OK == 1 {
		return NotPrimaryError{}, false
	}
	if _, ok := notPrimaryCodes[doc.Code]; ok || isNotPrimaryMessage(doc.ErrMsg) {
		return NotPrimaryError{Address: addr, Code: doc.Code, Message: doc.ErrMsg}, true
	}
	return NotPrimaryError{}, false
}
