// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package keyfile (de)serializes the key pairs of a deployment
package keyfile

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	pbft "github.com/myl7/pbft-smr"
)

type KeyFile struct {
	// Indexed by node ID
	Nodes   []KeyPair `json:"nodes"`
	Clients []KeyPair `json:"clients"`
}

type KeyPair struct {
	// ID is the client ID. Nodes are identified by their index.
	ID string `json:"id,omitempty"`
	PK []byte `json:"pk"`
	SK []byte `json:"sk"`
}

// Generate creates n node key pairs and clients client key pairs with random UUIDs
func Generate(n int, clients int) (*KeyFile, error) {
	kf := &KeyFile{}
	for i := 0; i < n; i++ {
		kp, err := genKeyPair()
		if err != nil {
			return nil, err
		}
		kf.Nodes = append(kf.Nodes, kp)
	}
	for i := 0; i < clients; i++ {
		kp, err := genKeyPair()
		if err != nil {
			return nil, err
		}
		kp.ID = uuid.NewString()
		kf.Clients = append(kf.Clients, kp)
	}
	return kf, nil
}

func genKeyPair() (KeyPair, error) {
	pkObj, skObj, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PK: pbft.SerPK(pkObj), SK: pbft.SerSK(skObj)}, nil
}

func (kf *KeyFile) Save(path string) error {
	kfB, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, kfB, 0o600)
}

func Load(path string) (*KeyFile, error) {
	kfB, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf KeyFile
	if err := json.Unmarshal(kfB, &kf); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	return &kf, nil
}

// NodePKs returns pubkeys indexed by node ID
func (kf *KeyFile) NodePKs() [][]byte {
	pks := make([][]byte, len(kf.Nodes))
	for i, kp := range kf.Nodes {
		pks[i] = kp.PK
	}
	return pks
}

// ClientPKs returns pubkeys indexed by client ID
func (kf *KeyFile) ClientPKs() pbft.StaticUserPKGetter {
	pks := make(pbft.StaticUserPKGetter, len(kf.Clients))
	for _, kp := range kf.Clients {
		pks[kp.ID] = kp.PK
	}
	return pks
}

// Client returns the key pair of client id
func (kf *KeyFile) Client(id string) (KeyPair, bool) {
	for _, kp := range kf.Clients {
		if kp.ID == id {
			return kp, true
		}
	}
	return KeyPair{}, false
}
