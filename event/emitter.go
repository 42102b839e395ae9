// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package event

import "sync"

type subscription struct {
	id      uint64
	handler Handler
}

// Emitter delivers events to subscribers in the order they were enqueued.
// Delivery never runs concurrently with itself: a handler that publishes
// further events, or calls back into the publisher, has those events
// delivered after it returns rather than recursively.
type Emitter struct {
	mu       sync.Mutex
	subs     []subscription
	nextID   uint64
	queue    []Event
	draining bool
}

// Subscribe registers h and returns a function that removes it.
func (e *Emitter) Subscribe(h Handler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription{id: id, handler: h})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Enqueue queues events without delivering them.
func (e *Emitter) Enqueue(events ...Event) {
	if len(events) == 0 {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, events...)
	e.mu.Unlock()
}

// Emit queues events and delivers everything queued.
func (e *Emitter) Emit(events ...Event) {
	e.Enqueue(events...)
	e.Flush()
}

// Flush delivers queued events unless another goroutine, or a handler
// further up this stack, is already delivering.
func (e *Emitter) Flush() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.queue) > 0 {
		events := e.queue
		e.queue = nil
		subs := make([]subscription, len(e.subs))
		copy(subs, e.subs)
		e.mu.Unlock()

		for _, ev := range events {
			for _, s := range subs {
				s.handler.HandleEvent(ev)
			}
		}

		e.mu.Lock()
	}
	e.draining = false
	e.mu.Unlock()
}
