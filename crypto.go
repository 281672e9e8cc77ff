// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"crypto/ed25519"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// DigestSize is the output length of [Hash]
const DigestSize = 64

// Hash uses SHAKE256 with 64B output
func Hash(data []byte) []byte {
	h := make([]byte, DigestSize)
	sha3.ShakeSum256(h, data)
	return h
}

// digestKey is the map key form of a digest
func digestKey(d []byte) string {
	return hex.EncodeToString(d)
}

// shortDigest is only for logs
func shortDigest(d []byte) string {
	s := digestKey(d)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// verifySig uses Ed25519.
// Returns false instead of panicking if pk has a wrong size, since pks may come from the app.
func verifySig(digest []byte, sig []byte, pk []byte) bool {
	if len(pk) != ed25519.PublicKeySize {
		return false
	}
	pkObj := dePK(pk)
	return ed25519.Verify(pkObj, digest, sig)
}

// genSig See [verifySig].
// Panic if sk is invalid.
func genSig(digest []byte, sk []byte) []byte {
	skObj := deSK(sk)
	return ed25519.Sign(skObj, digest)
}

// dePK just does casting, since PublicKey is internally []byte in Golang, and we reuse it as (de)serialization
func dePK(pk []byte) ed25519.PublicKey {
	return pk
}

// SerPK See [dePK]
func SerPK(pk ed25519.PublicKey) []byte {
	return pk
}

// deSK See [dePK]
func deSK(sk []byte) ed25519.PrivateKey {
	return sk
}

// SerSK See [dePK]
func SerSK(sk ed25519.PrivateKey) []byte {
	return sk
}

// PKFromSK derives the pubkey of a serialized Ed25519 private key
func PKFromSK(sk []byte) []byte {
	return SerPK(deSK(sk).Public().(ed25519.PublicKey))
}
