// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth holds the credentials a topology authenticates members with.
// The handshakes themselves belong to the endpoint layer.
package auth

import (
	"fmt"
	"maps"
	"strings"
)

// Mechanism names.
const (
	Default     = ""
	SCRAMSHA1   = "SCRAM-SHA-1"
	SCRAMSHA256 = "SCRAM-SHA-256"
	MongoDBCR   = "MONGODB-CR"
	Plain       = "PLAIN"
	GSSAPI      = "GSSAPI"
	MongoDBX509 = "MONGODB-X509"
)

var mechanisms = map[string]string{
	Default:     "admin",
	SCRAMSHA1:   "admin",
	SCRAMSHA256: "admin",
	MongoDBCR:   "admin",
	Plain:       "$external",
	GSSAPI:      "$external",
	MongoDBX509: "$external",
}

// Credential is one identity used to authenticate against a database.
type Credential struct {
	Mechanism string
	Source    string
	Username  string
	Password  string
	Props     map[string]string
}

// Validate normalizes the mechanism and source and rejects unknown mechanisms.
func (c Credential) Validate() (Credential, error) {
	c.Mechanism = strings.ToUpper(c.Mechanism)
	defaultSource, ok := mechanisms[c.Mechanism]
	if !ok {
		return c, newError(fmt.Errorf("auth provider %s does not exist", c.Mechanism), c.Mechanism)
	}

	if c.Source == "" {
		c.Source = defaultSource
	}

	if (c.Mechanism == GSSAPI || c.Mechanism == MongoDBX509) && c.Source != "$external" {
		return c, newError(fmt.Errorf("%s source must be empty or $external", c.Mechanism), c.Mechanism)
	}
	if c.Mechanism != MongoDBX509 && c.Username == "" {
		return c, newError(fmt.Errorf("username required"), c.Mechanism)
	}

	return c, nil
}

// Equal reports whether c and other describe the same identity.
func (c Credential) Equal(other Credential) bool {
	return c.Mechanism == other.Mechanism &&
		c.Source == other.Source &&
		c.Username == other.Username &&
		c.Password == other.Password &&
		maps.Equal(c.Props, other.Props)
}

func (c Credential) String() string {
	mech := c.Mechanism
	if mech == Default {
		mech = "DEFAULT"
	}
	return fmt.Sprintf("%s@%s(%s)", c.Username, c.Source, mech)
}

func newError(err error, mech string) error {
	return &Error{
		message: fmt.Sprintf("unable to authenticate using mechanism \"%s\"", mech),
		inner:   err,
	}
}

// Error is an error that occurred during authentication.
type Error struct {
	message string
	inner   error
}

func (e *Error) Error() string {
	if e.inner == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.inner)
}

// Inner returns the wrapped error.
func (e *Error) Inner() error {
	return e.inner
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.inner
}

// Message returns the message.
func (e *Error) Message() string {
	return e.message
}
