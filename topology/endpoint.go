// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"

	"github.com/ikmak/mongo-go-topology/address"
	"github.com/ikmak/mongo-go-topology/auth"
	"go.mongodb.org/mongo-driver/bson"
)

// SignalKind identifies a transport-level signal.
type SignalKind uint8

// SignalKind constants.
const (
	SignalConnect SignalKind = iota + 1
	SignalError
	SignalClose
	SignalTimeout
	SignalParseError
)

func (k SignalKind) String() string {
	switch k {
	case SignalConnect:
		return "connect"
	case SignalError:
		return "error"
	case SignalClose:
		return "close"
	case SignalTimeout:
		return "timeout"
	case SignalParseError:
		return "parseError"
	default:
		return "unknown"
	}
}

// Signal is emitted by an Endpoint when its transport changes state.
type Signal struct {
	Kind SignalKind
	Err  error
}

// Endpoint is a connection to a single deployment member, provided by the
// wire-protocol layer.
type Endpoint interface {
	// Address returns the canonical address of the member.
	Address() address.Address

	// Connect starts establishing the transport and returns immediately. The
	// outcome is reported through a SignalConnect or a failure signal.
	Connect(ctx context.Context)

	// Destroy closes the transport. No further signals are delivered.
	Destroy()

	IsConnected() bool

	// Command runs cmd against the namespace ns (e.g. "admin.$cmd").
	Command(ctx context.Context, ns string, cmd bson.D) (bson.Raw, error)

	// LastHeartbeat returns the cached handshake reply.
	LastHeartbeat() bson.Raw

	// Authenticate runs the handshake for cred on the transport.
	Authenticate(ctx context.Context, cred auth.Credential) error

	// Subscribe registers fn for the endpoint's signals and returns a
	// function that removes it.
	Subscribe(fn func(Signal)) (cancel func())
}

// EndpointFactory creates an unconnected Endpoint for addr.
type EndpointFactory func(addr address.Address) Endpoint
