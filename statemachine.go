// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"encoding/binary"
	"sync/atomic"
)

// CounterStateMachine increments a counter for every op and ignores the op content.
// Result is the counter value after the increment as 8B big endian.
type CounterStateMachine struct {
	n atomic.Uint64
}

func NewCounterStateMachine() *CounterStateMachine {
	return &CounterStateMachine{}
}

func (sm *CounterStateMachine) Transform(op []byte) []byte {
	return encodeCounter(sm.n.Add(1))
}

func (sm *CounterStateMachine) Digest() []byte {
	return Hash(encodeCounter(sm.n.Load()))
}

// Value is safe to call from other goroutines
func (sm *CounterStateMachine) Value() uint64 {
	return sm.n.Load()
}

func encodeCounter(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// DecodeCounterResult parses results of [CounterStateMachine]
func DecodeCounterResult(res []byte) (uint64, bool) {
	if len(res) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(res), true
}
