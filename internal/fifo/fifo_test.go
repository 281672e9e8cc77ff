// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package fifo

import (
	"testing"
)

func TestQueueOrder(t *testing.T) {
	q := New[int]()
	got := make(chan []int)
	go func() {
		var items []int
		q.Drain(func(item int) {
			items = append(items, item)
		})
		got <- items
	}()

	for i := 0; i < 1000; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d failed before close", i)
		}
	}
	q.Close()
	if q.Push(1000) {
		t.Fatalf("push after close should fail")
	}

	items := <-got
	if len(items) != 1000 {
		t.Fatalf("drained %d items, want 1000", len(items))
	}
	for i, item := range items {
		if item != i {
			t.Fatalf("item %d out of order: got %d", i, item)
		}
	}
}
