// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package event defines the events a topology publishes while it discovers
// and monitors a deployment.
package event

import (
	"time"

	"github.com/ikmak/mongo-go-topology/description"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind identifies an event variant.
type Kind uint8

// Kind constants.
const (
	KindJoined Kind = iota + 1
	KindLeft
	KindConnect
	KindReconnect
	KindFullSetup
	KindAll
	KindHA
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindJoined:
		return "joined"
	case KindLeft:
		return "left"
	case KindConnect:
		return "connect"
	case KindReconnect:
		return "reconnect"
	case KindFullSetup:
		return "fullsetup"
	case KindAll:
		return "all"
	case KindHA:
		return "ha"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one of the variants declared in this package. The set is closed.
type Event interface {
	Kind() Kind
	event()
}

// JoinedEvent is published when a member enters a role.
type JoinedEvent struct {
	TopologyID primitive.ObjectID
	Role       description.Role
	Server     description.Server
}

// LeftEvent is published the first time a member leaves a role.
type LeftEvent struct {
	TopologyID primitive.ObjectID
	Role       description.Role
	Server     description.Server
}

// ConnectEvent is published once when the topology first becomes usable.
type ConnectEvent struct {
	TopologyID primitive.ObjectID
}

// ReconnectEvent is published when a primary or proxy is (re)installed
// after the topology was already connected.
type ReconnectEvent struct {
	TopologyID primitive.ObjectID
	Server     description.Server
}

// FullSetupEvent is published once when the deployment is fully usable.
type FullSetupEvent struct {
	TopologyID primitive.ObjectID
}

// AllEvent is published once when every advertised host has been accounted for.
type AllEvent struct {
	TopologyID primitive.ObjectID
}

// HAPhase marks the start or end of a monitoring tick.
type HAPhase string

// HAPhase constants.
const (
	HAStart HAPhase = "start"
	HAEnd   HAPhase = "end"
)

// HAInfo describes a monitoring tick.
type HAInfo struct {
	TickID   uint64
	Members  int
	Failures int
	Duration time.Duration
}

// HAEvent is published at the start and end of every monitoring tick.
type HAEvent struct {
	TopologyID primitive.ObjectID
	Phase      HAPhase
	Info       HAInfo
}

// ErrorEvent carries an error. Fatal topology errors are published once,
// right before the topology is destroyed.
type ErrorEvent struct {
	TopologyID primitive.ObjectID
	Err        error
	Fatal      bool
}

// Kind implements Event.
func (JoinedEvent) Kind() Kind { return KindJoined }

// Kind implements Event.
func (LeftEvent) Kind() Kind { return KindLeft }

// Kind implements Event.
func (ConnectEvent) Kind() Kind { return KindConnect }

// Kind implements Event.
func (ReconnectEvent) Kind() Kind { return KindReconnect }

// Kind implements Event.
func (FullSetupEvent) Kind() Kind { return KindFullSetup }

// Kind implements Event.
func (AllEvent) Kind() Kind { return KindAll }

// Kind implements Event.
func (HAEvent) Kind() Kind { return KindHA }

// Kind implements Event.
func (ErrorEvent) Kind() Kind { return KindError }

func (JoinedEvent) event()    {}
func (LeftEvent) event()      {}
func (ConnectEvent) event()   {}
func (ReconnectEvent) event() {}
func (FullSetupEvent) event() {}
func (AllEvent) event()       {}
func (HAEvent) event()        {}
func (ErrorEvent) event()     {}

// Handler receives events.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(Event)

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(e Event) { f(e) }
