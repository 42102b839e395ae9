// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// Role is the part a member plays in a deployment.
type Role uint8

// Role constants.
const (
	RoleUnknown Role = iota
	RolePrimary
	RoleSecondary
	RoleArbiter
	RolePassive
	RoleProxy
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	case RoleArbiter:
		return "arbiter"
	case RolePassive:
		return "passive"
	case RoleProxy:
		return "mongos"
	default:
		return "unknown"
	}
}
