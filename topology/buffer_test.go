// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer(t *testing.T) {
	b := NewBuffer(2)
	var ran []string
	op := func(name string) BufferedOperation {
		return BufferedOperation{Name: name, Run: func() { ran = append(ran, name) }}
	}

	require.NoError(t, b.Add(op("first")))
	require.NoError(t, b.Add(op("second")))
	assert.ErrorIs(t, b.Add(op("third")), ErrBufferFull)
	assert.Equal(t, 2, b.Len())

	b.Execute()
	assert.Equal(t, []string{"first", "second"}, ran)
	assert.Zero(t, b.Len())

	unbounded := &Buffer{}
	for i := 0; i < 100; i++ {
		require.NoError(t, unbounded.Add(op("op")))
	}
	assert.Equal(t, 100, unbounded.Len())
}
