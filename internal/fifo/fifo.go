// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package fifo is an unbounded queue with a single consumer, used by transports to send without blocking
package fifo

import (
	"sync"
)

type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push never blocks. It returns false if the queue has been closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
	return true
}

// Close makes Drain return once the queued items are consumed
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain calls fn on items in order until the queue is closed and empty
func (q *Queue[T]) Drain(fn func(item T)) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.notify
			continue
		}
		item := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()
		fn(item)
	}
}
