// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"os"
	"strconv"
)

// Message strings shared by the topology layer.
const (
	TopologyOpening             = "Starting topology monitoring"
	TopologyClosed              = "Stopped topology monitoring"
	TopologyMemberJoined        = "Server joined topology"
	TopologyMemberLeft          = "Server left topology"
	TopologyFatal               = "Topology failed"
	ServerHeartbeatStarted      = "Server heartbeat started"
	ServerHeartbeatSucceeded    = "Server heartbeat succeeded"
	ServerHeartbeatFailed       = "Server heartbeat failed"
	TopologyHAStarted           = "High availability check started"
	TopologyHAFinished          = "High availability check finished"
	ServerSelectionSucceeded    = "Server selection succeeded"
	ServerSelectionFailed       = "Server selection failed"
	ConnectionAuthReplayFailed  = "Credential replay failed"
	ConnectionReconnectStarted  = "Reconnecting server"
	ConnectionOperationBuffered = "Operation buffered while disconnected"
)

// Keys used in key/value pairs.
const (
	KeyTopologyID  = "topologyId"
	KeyServerHost  = "serverHost"
	KeyServerPort  = "serverPort"
	KeyRole        = "role"
	KeyFailure     = "failure"
	KeyDurationMS  = "durationMS"
	KeyMembers     = "members"
	KeyFailures    = "failures"
	KeyTickID      = "tickId"
	KeySelector    = "selector"
	KeyOperation   = "operation"
	KeyDatabase    = "database"
	KeyMessage     = "message"
	KeyRetriesLeft = "retriesLeft"
)

// KeyValues is a list of key-value pairs.
type KeyValues []interface{}

// Add adds a key-value pair to an instance of a KeyValues list.
func (kvs *KeyValues) Add(key string, value interface{}) {
	*kvs = append(*kvs, key, value)
}

// Component is an enumeration representing the "components" which can be logged against. A LogLevel can be
// configured on a per-component basis.
type Component int

const (
	// ComponentAll enables logging for all components.
	ComponentAll Component = iota

	// ComponentTopology enables topology logging.
	ComponentTopology

	// ComponentServerSelection enables server selection logging.
	ComponentServerSelection

	// ComponentConnection enables connection services logging.
	ComponentConnection
)

const (
	mongoDBLogAllEnvVar             = "MONGODB_LOG_ALL"
	mongoDBLogTopologyEnvVar        = "MONGODB_LOG_TOPOLOGY"
	mongoDBLogServerSelectionEnvVar = "MONGODB_LOG_SERVER_SELECTION"
	mongoDBLogConnectionEnvVar      = "MONGODB_LOG_CONNECTION"
)

var componentEnvVarMap = map[string]Component{
	mongoDBLogAllEnvVar:             ComponentAll,
	mongoDBLogTopologyEnvVar:        ComponentTopology,
	mongoDBLogServerSelectionEnvVar: ComponentServerSelection,
	mongoDBLogConnectionEnvVar:      ComponentConnection,
}

// EnvHasComponentVariables returns true if the environment contains any of
// the component environment variables.
func EnvHasComponentVariables() bool {
	for envVar := range componentEnvVarMap {
		if os.Getenv(envVar) != "" {
			return true
		}
	}

	return false
}

// SerializeServer adds the host and port of a "host:port" address to the key/value list.
func SerializeServer(kvs KeyValues, host string, port int) KeyValues {
	kvs.Add(KeyServerHost, host)
	if port != 0 {
		kvs.Add(KeyServerPort, strconv.Itoa(port))
	}
	return kvs
}
