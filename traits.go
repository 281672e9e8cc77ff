// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"bytes"
	"encoding/json"
	"sync"
)

type NodeParams struct {
	ID uint32
	// PKs is indexed by node ID and should include the node's own pubkey.
	// Its length must be N.
	PKs [][]byte
	SK  []byte
}

// NodeCommunicator needs to handle stable transmission, e.g., retrying / timeouts.
// It must keep the order of msgs from the same sender and must not block on slow receivers,
// since it is called from the processing loop of the node.
type NodeCommunicator interface {
	Unicast(msg Message, toNode uint32) error
	// Broadcast should not send the msg to itself, as that has been done in this library.
	Broadcast(msg Message, fromNode uint32) error
	Return(rep *Reply, toUser string) error
}

// NodeStorage key of it use / to separate namespaces
type NodeStorage interface {
	Put(key string, val []byte) error
	// Get returns nil if not found
	Get(key string) (val []byte, err error)
}

// nodeStorageSerde is used for (de)serializing objects for NodeStorage.
// TODO: Currently it is not public. Maybe in the future we will extend NodeStorage to allow users to custom this.
type nodeStorageSerde interface {
	// Ser should not panic with rational input (e.g., JSON), otherwise may panic
	Ser(obj any) []byte
	// De returns ErrInvalidStorage if b is not the output of Ser
	De(b []byte, obj any) error
}

var nodeStorageJSONSerde nodeStorageSerde = nodeStorageJSONSerdeImpl{}

type nodeStorageJSONSerdeImpl struct{}

func (nodeStorageJSONSerdeImpl) Ser(obj any) []byte {
	b, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	return b
}

func (nodeStorageJSONSerdeImpl) De(b []byte, obj any) error {
	err := json.Unmarshal(b, obj)
	if err != nil {
		return ErrInvalidStorage
	}
	return nil
}

// NodeStateMachine is the replicated deterministic service
type NodeStateMachine interface {
	// Transform does computation, so it may be slow
	Transform(op []byte) (result []byte)
	// Digest fingerprints the current state for checkpoints
	Digest() []byte
}

type NodeUserPKGetter interface {
	Get(user string) (pk []byte, err error)
}

// StaticUserPKGetter serves pubkeys of a fixed set of clients
type StaticUserPKGetter map[string][]byte

func (g StaticUserPKGetter) Get(user string) ([]byte, error) {
	pk, ok := g[user]
	if !ok {
		return nil, ErrUnknownUser
	}
	return pk, nil
}

// MemStorage keeps everything in memory and is safe for concurrent use
type MemStorage struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemStorage() *MemStorage {
	return &MemStorage{m: make(map[string][]byte)}
}

func (s *MemStorage) Put(key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = bytes.Clone(val)
	return nil
}

func (s *MemStorage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bytes.Clone(s.m[key]), nil
}
