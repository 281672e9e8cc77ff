// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package test holds fixtures shared by tests of all packages
package test

import (
	"crypto/ed25519"
	"encoding/binary"
	"testing"

	"golang.org/x/crypto/sha3"
)

type KP struct {
	PK []byte
	SK []byte
}

// LoadTestKPs returns n key pairs derived from fixed seeds, so runs are reproducible
func LoadTestKPs(t *testing.T, n int) []KP {
	t.Helper()
	kps := make([]KP, n)
	for i := 0; i < n; i++ {
		kps[i] = GenKP(uint64(i))
	}
	return kps
}

// GenKP derives the i-th fixture key pair
func GenKP(i uint64) KP {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	seed := sha3.Sum256(append([]byte("pbft test key "), b[:]...))
	sk := ed25519.NewKeyFromSeed(seed[:])
	return KP{
		PK: []byte(sk.Public().(ed25519.PublicKey)),
		SK: []byte(sk),
	}
}
