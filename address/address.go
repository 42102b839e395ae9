// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package address provides the canonical network address used to key
// deployment members, and the seed list entries a topology starts from.
package address

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const defaultPort = "27017"

// Address is a network address. It can either be an IP address or a DNS name.
type Address string

// Network is the network protocol for this address. In most cases this will be
// "tcp" or "unix".
func (a Address) Network() string {
	if strings.HasSuffix(string(a), "sock") {
		return "unix"
	}
	return "tcp"
}

// String is the canonical version of this address, e.g. localhost:27017,
// 1.2.3.4:27017, example.com:27017.
func (a Address) String() string {
	s := strings.ToLower(string(a))
	if len(s) == 0 {
		return ""
	}
	if a.Network() != "unix" {
		_, _, err := net.SplitHostPort(s)
		if err != nil && strings.Contains(err.Error(), "missing port in address") {
			s += ":" + defaultPort
		}
	}

	return s
}

// Canonicalize creates a canonicalized address.
func (a Address) Canonicalize() Address {
	return Address(a.String())
}

// Host returns the host portion of the canonical address.
func (a Address) Host() string {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

// Port returns the port portion of the canonical address, or 0 if it cannot be parsed.
func (a Address) Port() int {
	_, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return p
}

// Seed is one entry of the seed list a topology is constructed from.
type Seed struct {
	Host string
	Port int
}

// ErrEmptySeedList is returned when a topology is given no seeds.
var ErrEmptySeedList = errors.New("seedlist must contain at least one entry")

// ErrMalformedSeed is returned when a seed lacks a host or a usable port.
var ErrMalformedSeed = errors.New("seedlist entry must contain a host and port")

// Validate reports whether the seed names a host and a port in range.
func (s Seed) Validate() error {
	if strings.TrimSpace(s.Host) == "" || s.Port <= 0 || s.Port > 65535 {
		return ErrMalformedSeed
	}
	return nil
}

// Address returns the canonical address for the seed.
func (s Seed) Address() Address {
	return Address(net.JoinHostPort(s.Host, strconv.Itoa(s.Port))).Canonicalize()
}

// ParseSeed splits a host:port string into a Seed. A missing port defaults to 27017.
func ParseSeed(hostport string) (Seed, error) {
	a := Address(hostport)
	s := Seed{Host: a.Host(), Port: a.Port()}
	if err := s.Validate(); err != nil {
		return Seed{}, errors.Wrapf(err, "invalid seed %q", hostport)
	}
	return s, nil
}

// ValidateSeedList checks that the list is non-empty and every entry is well formed.
func ValidateSeedList(seeds []Seed) error {
	if len(seeds) == 0 {
		return ErrEmptySeedList
	}
	for _, s := range seeds {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}
