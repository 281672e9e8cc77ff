// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import "fmt"

// MsgType tags the variants of [Message]
type MsgType int

const (
	MsgTypeRequest MsgType = iota + 1
	MsgTypePrePrepare
	MsgTypePrepare
	MsgTypeCommit
	MsgTypeCheckpoint
	MsgTypeViewChange
	MsgTypeNewView
	MsgTypeReply
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypePrePrepare:
		return "pre-prepare"
	case MsgTypePrepare:
		return "prepare"
	case MsgTypeCommit:
		return "commit"
	case MsgTypeCheckpoint:
		return "checkpoint"
	case MsgTypeViewChange:
		return "view-change"
	case MsgTypeNewView:
		return "new-view"
	case MsgTypeReply:
		return "reply"
	default:
		return fmt.Sprintf("msgtype(%d)", int(t))
	}
}

// Message is the closed set of protocol messages.
// It can only be implemented in this package, so type switches over it are exhaustive.
type Message interface {
	Type() MsgType
	GetSig() []byte
	setSig([]byte)
	// appendWire appends the protobuf wire encoding.
	// The sig of the outermost msg is skipped if withSig is false, which gives the bytes to sign.
	appendWire(b []byte, withSig bool) []byte
	unmarshalWire(b []byte) error
}

// <REQUEST,o,t,c>_{\sigma_c}
type Request struct {
	// c
	ClientID string
	// t, strictly increasing per client
	Timestamp int64
	// o, operation
	Op []byte
	// \sigma_c
	Sig []byte
}

// <PRE-PREPARE,v,n,d>_{\sigma_p} piggybacking m.
// A pre-prepare with an empty digest and no request is a null request used to fill holes after view changes.
type PrePrepare struct {
	// v
	View uint64
	// n
	Seq uint64
	// d
	Digest []byte
	// m
	Request *Request
	// p
	ReplicaID uint32
	// \sigma_p
	Sig []byte
}

// <PREPARE,v,n,d,i>_{\sigma_i}
type Prepare struct {
	View      uint64
	Seq       uint64
	Digest    []byte
	ReplicaID uint32
	Sig       []byte
}

// <COMMIT,v,n,D(m),i>_{\sigma_i}
type Commit struct {
	View      uint64
	Seq       uint64
	Digest    []byte
	ReplicaID uint32
	Sig       []byte
}

// <CHECKPOINT,n,d,i>_{\sigma_i}
type Checkpoint struct {
	Seq         uint64
	StateDigest []byte
	ReplicaID   uint32
	Sig         []byte
}

// PreparedCert proves that a request prepared at (view, seq): the pre-prepare of the primary and 2f prepares of backups.
// It is not a message itself and only travels inside [ViewChange].
type PreparedCert struct {
	PrePrepare *PrePrepare
	Prepares   []*Prepare
}

// <VIEW-CHANGE,v+1,n,C,P,i>_{\sigma_i}
type ViewChange struct {
	// v+1
	NewView   uint64
	ReplicaID uint32
	// n, seq of the last stable checkpoint
	StableSeq uint64
	// C, 2f+1 checkpoints proving StableSeq. Empty if StableSeq is 0.
	CheckpointProof []*Checkpoint
	// P, one cert per seq above StableSeq, the one with the highest view
	Prepared []*PreparedCert
	Sig      []byte
}

// <NEW-VIEW,v+1,V,O>_{\sigma_p}
type NewView struct {
	View      uint64
	ReplicaID uint32
	// V
	ViewChanges []*ViewChange
	// O
	PrePrepares []*PrePrepare
	Sig         []byte
}

// <REPLY,v,t,c,i,r>_{\sigma_i}
type Reply struct {
	View      uint64
	Timestamp int64
	ClientID  string
	ReplicaID uint32
	Result    []byte
	Sig       []byte
}

func (*Request) Type() MsgType    { return MsgTypeRequest }
func (*PrePrepare) Type() MsgType { return MsgTypePrePrepare }
func (*Prepare) Type() MsgType    { return MsgTypePrepare }
func (*Commit) Type() MsgType     { return MsgTypeCommit }
func (*Checkpoint) Type() MsgType { return MsgTypeCheckpoint }
func (*ViewChange) Type() MsgType { return MsgTypeViewChange }
func (*NewView) Type() MsgType    { return MsgTypeNewView }
func (*Reply) Type() MsgType      { return MsgTypeReply }

func (x *Request) GetSig() []byte    { return x.Sig }
func (x *PrePrepare) GetSig() []byte { return x.Sig }
func (x *Prepare) GetSig() []byte    { return x.Sig }
func (x *Commit) GetSig() []byte     { return x.Sig }
func (x *Checkpoint) GetSig() []byte { return x.Sig }
func (x *ViewChange) GetSig() []byte { return x.Sig }
func (x *NewView) GetSig() []byte    { return x.Sig }
func (x *Reply) GetSig() []byte      { return x.Sig }

// Add setters of sig for msgs
func (x *Request) setSig(sig []byte)    { x.Sig = sig }
func (x *PrePrepare) setSig(sig []byte) { x.Sig = sig }
func (x *Prepare) setSig(sig []byte)    { x.Sig = sig }
func (x *Commit) setSig(sig []byte)     { x.Sig = sig }
func (x *Checkpoint) setSig(sig []byte) { x.Sig = sig }
func (x *ViewChange) setSig(sig []byte) { x.Sig = sig }
func (x *NewView) setSig(sig []byte)    { x.Sig = sig }
func (x *Reply) setSig(sig []byte)      { x.Sig = sig }

// IsNull reports whether pp carries a null request
func (x *PrePrepare) IsNull() bool {
	return len(x.Digest) == 0 && x.Request == nil
}

// hashMsgWithoutSig hashes the encoding of msg with its own sig omitted.
// Unlike setting sig to nil and restoring it, msg is not mutated, so msgs shared between goroutines are safe.
func hashMsgWithoutSig(msg Message) []byte {
	return Hash(msg.appendWire(nil, false))
}

// RequestDigest is the d in pre-prepares, prepares and commits
func RequestDigest(req *Request) []byte {
	return hashMsgWithoutSig(req)
}

// SignMsg sets the sig of msg with sk
func SignMsg(msg Message, sk []byte) {
	msg.setSig(genSig(hashMsgWithoutSig(msg), sk))
}

// VerifyMsg checks the sig of msg against pk
func VerifyMsg(msg Message, pk []byte) bool {
	return verifySig(hashMsgWithoutSig(msg), msg.GetSig(), pk)
}

// wellFormed reports whether msg and the msgs nested in it are all non-nil, so they can be encoded and checked
func wellFormed(msg Message) bool {
	switch m := msg.(type) {
	case *Request:
		return m != nil
	case *PrePrepare:
		return m != nil
	case *Prepare:
		return m != nil
	case *Commit:
		return m != nil
	case *Checkpoint:
		return m != nil
	case *Reply:
		return m != nil
	case *ViewChange:
		if m == nil {
			return false
		}
		for _, c := range m.CheckpointProof {
			if c == nil {
				return false
			}
		}
		for _, cert := range m.Prepared {
			if cert == nil || cert.PrePrepare == nil {
				return false
			}
			for _, p := range cert.Prepares {
				if p == nil {
					return false
				}
			}
		}
		return true
	case *NewView:
		if m == nil {
			return false
		}
		for _, vc := range m.ViewChanges {
			if !wellFormed(vc) {
				return false
			}
		}
		for _, pp := range m.PrePrepares {
			if pp == nil {
				return false
			}
		}
		return true
	default:
		return false
	}
}
