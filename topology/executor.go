// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import "sync"

// executor runs posted functions one at a time in FIFO order. There is no
// dedicated goroutine: the goroutine that posts into an idle executor runs
// the queue until it is empty, then calls idle. Functions run by the
// executor must not block and must not call call.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	idle    func()
}

func (e *executor) post(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()
		next()
		e.mu.Lock()
	}
	e.running = false
	e.mu.Unlock()

	if e.idle != nil {
		e.idle()
	}
}

// call posts fn and waits for it to have run.
func (e *executor) call(fn func()) {
	done := make(chan struct{})
	e.post(func() {
		defer close(done)
		fn()
	})
	<-done
}
