// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrBufferFull is returned when an operation cannot be parked.
var ErrBufferFull = errors.New("operation buffer is full")

// BufferedOperation is an operation parked until a suitable server is connected.
type BufferedOperation struct {
	Name string
	NS   string
	Run  func()
}

// OperationBuffer parks operations issued while no suitable server is
// connected. The high availability loop calls Execute once the deployment
// is reachable again.
type OperationBuffer interface {
	Add(op BufferedOperation) error
	Execute()
	Len() int
}

// Buffer is an in-memory OperationBuffer. The zero value has no size limit.
type Buffer struct {
	mu  sync.Mutex
	ops []BufferedOperation
	max int
}

// NewBuffer returns a Buffer holding at most max operations. A max of zero
// or less means no limit.
func NewBuffer(max int) *Buffer {
	return &Buffer{max: max}
}

// Add implements OperationBuffer.
func (b *Buffer) Add(op BufferedOperation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.ops) >= b.max {
		return ErrBufferFull
	}
	b.ops = append(b.ops, op)
	return nil
}

// Execute runs every parked operation in the order it was added.
func (b *Buffer) Execute() {
	b.mu.Lock()
	ops := b.ops
	b.ops = nil
	b.mu.Unlock()

	for _, op := range ops {
		op.Run()
	}
}

// Len implements OperationBuffer.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}
