// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Msgs are encoded in the protobuf wire format, so other languages can read them with a .proto of:
//
//	message Request { string client_id = 1; int64 timestamp = 2; bytes op = 3; bytes sig = 15; }
//	message PrePrepare { uint64 view = 1; uint64 seq = 2; bytes digest = 3; Request request = 4; uint32 replica_id = 5; bytes sig = 15; }
//	message Prepare { uint64 view = 1; uint64 seq = 2; bytes digest = 3; uint32 replica_id = 4; bytes sig = 15; }
//	message Commit { uint64 view = 1; uint64 seq = 2; bytes digest = 3; uint32 replica_id = 4; bytes sig = 15; }
//	message Checkpoint { uint64 seq = 1; bytes state_digest = 2; uint32 replica_id = 3; bytes sig = 15; }
//	message PreparedCert { PrePrepare pre_prepare = 1; repeated Prepare prepares = 2; }
//	message ViewChange { uint64 new_view = 1; uint32 replica_id = 2; uint64 stable_seq = 3; repeated Checkpoint checkpoint_proof = 4; repeated PreparedCert prepared = 5; bytes sig = 15; }
//	message NewView { uint64 view = 1; uint32 replica_id = 2; repeated ViewChange view_changes = 3; repeated PrePrepare pre_prepares = 4; bytes sig = 15; }
//	message Reply { uint64 view = 1; int64 timestamp = 2; string client_id = 3; uint32 replica_id = 4; bytes result = 5; bytes sig = 15; }
//	message Envelope { int32 type = 1; bytes payload = 2; }
//
// Field numbers below follow it.

const fieldSig protowire.Number = 15

// Marshal encodes msg together with its type tag
func Marshal(msg Message) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(msg.Type()))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, msg.appendWire(nil, true))
	return b
}

// Unmarshal decodes the output of [Marshal]
func Unmarshal(b []byte) (Message, error) {
	var typ MsgType
	var payload []byte
	err := consumeFields(b, func(num protowire.Number, wt protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			if wt != protowire.VarintType {
				return errWireType(num, wt)
			}
			typ = MsgType(x)
		case 2:
			if wt != protowire.BytesType {
				return errWireType(num, wt)
			}
			payload = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg := newMsgOfType(typ)
	if msg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMsgType, typ)
	}
	if err := msg.unmarshalWire(payload); err != nil {
		return nil, err
	}
	return msg, nil
}

func newMsgOfType(typ MsgType) Message {
	switch typ {
	case MsgTypeRequest:
		return &Request{}
	case MsgTypePrePrepare:
		return &PrePrepare{}
	case MsgTypePrepare:
		return &Prepare{}
	case MsgTypeCommit:
		return &Commit{}
	case MsgTypeCheckpoint:
		return &Checkpoint{}
	case MsgTypeViewChange:
		return &ViewChange{}
	case MsgTypeNewView:
		return &NewView{}
	case MsgTypeReply:
		return &Reply{}
	default:
		return nil
	}
}

// Encoding

func (x *Request) appendWire(b []byte, withSig bool) []byte {
	b = appendBytesField(b, 1, []byte(x.ClientID))
	b = appendVarintField(b, 2, uint64(x.Timestamp))
	b = appendBytesField(b, 3, x.Op)
	return appendSig(b, x.Sig, withSig)
}

func (x *PrePrepare) appendWire(b []byte, withSig bool) []byte {
	b = appendVarintField(b, 1, x.View)
	b = appendVarintField(b, 2, x.Seq)
	b = appendBytesField(b, 3, x.Digest)
	if x.Request != nil {
		b = appendMsgField(b, 4, x.Request)
	}
	b = appendVarintField(b, 5, uint64(x.ReplicaID))
	return appendSig(b, x.Sig, withSig)
}

func (x *Prepare) appendWire(b []byte, withSig bool) []byte {
	b = appendVarintField(b, 1, x.View)
	b = appendVarintField(b, 2, x.Seq)
	b = appendBytesField(b, 3, x.Digest)
	b = appendVarintField(b, 4, uint64(x.ReplicaID))
	return appendSig(b, x.Sig, withSig)
}

func (x *Commit) appendWire(b []byte, withSig bool) []byte {
	b = appendVarintField(b, 1, x.View)
	b = appendVarintField(b, 2, x.Seq)
	b = appendBytesField(b, 3, x.Digest)
	b = appendVarintField(b, 4, uint64(x.ReplicaID))
	return appendSig(b, x.Sig, withSig)
}

func (x *Checkpoint) appendWire(b []byte, withSig bool) []byte {
	b = appendVarintField(b, 1, x.Seq)
	b = appendBytesField(b, 2, x.StateDigest)
	b = appendVarintField(b, 3, uint64(x.ReplicaID))
	return appendSig(b, x.Sig, withSig)
}

func (x *PreparedCert) appendWire(b []byte) []byte {
	if x.PrePrepare != nil {
		b = appendMsgField(b, 1, x.PrePrepare)
	}
	for _, p := range x.Prepares {
		b = appendMsgField(b, 2, p)
	}
	return b
}

func (x *ViewChange) appendWire(b []byte, withSig bool) []byte {
	b = appendVarintField(b, 1, x.NewView)
	b = appendVarintField(b, 2, uint64(x.ReplicaID))
	b = appendVarintField(b, 3, x.StableSeq)
	for _, c := range x.CheckpointProof {
		b = appendMsgField(b, 4, c)
	}
	for _, cert := range x.Prepared {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, cert.appendWire(nil))
	}
	return appendSig(b, x.Sig, withSig)
}

func (x *NewView) appendWire(b []byte, withSig bool) []byte {
	b = appendVarintField(b, 1, x.View)
	b = appendVarintField(b, 2, uint64(x.ReplicaID))
	for _, vc := range x.ViewChanges {
		b = appendMsgField(b, 3, vc)
	}
	for _, pp := range x.PrePrepares {
		b = appendMsgField(b, 4, pp)
	}
	return appendSig(b, x.Sig, withSig)
}

func (x *Reply) appendWire(b []byte, withSig bool) []byte {
	b = appendVarintField(b, 1, x.View)
	b = appendVarintField(b, 2, uint64(x.Timestamp))
	b = appendBytesField(b, 3, []byte(x.ClientID))
	b = appendVarintField(b, 4, uint64(x.ReplicaID))
	b = appendBytesField(b, 5, x.Result)
	return appendSig(b, x.Sig, withSig)
}

// Decoding

func (x *Request) unmarshalWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, wt protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			if wt != protowire.BytesType {
				return errWireType(num, wt)
			}
			x.ClientID = string(v)
		case 2:
			if wt != protowire.VarintType {
				return errWireType(num, wt)
			}
			x.Timestamp = int64(u)
		case 3:
			if wt != protowire.BytesType {
				return errWireType(num, wt)
			}
			x.Op = bytes.Clone(v)
		case fieldSig:
			if wt != protowire.BytesType {
				return errWireType(num, wt)
			}
			x.Sig = bytes.Clone(v)
		}
		return nil
	})
}

func (x *PrePrepare) unmarshalWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, wt protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			x.View, err = wantVarint(num, wt, u)
		case 2:
			x.Seq, err = wantVarint(num, wt, u)
		case 3:
			x.Digest, err = wantBytes(num, wt, v)
		case 4:
			if wt != protowire.BytesType {
				return errWireType(num, wt)
			}
			x.Request = &Request{}
			err = x.Request.unmarshalWire(v)
		case 5:
			var id uint64
			id, err = wantVarint(num, wt, u)
			x.ReplicaID = uint32(id)
		case fieldSig:
			x.Sig, err = wantBytes(num, wt, v)
		}
		return err
	})
}

// unmarshalVote is shared by prepares and commits, which have the same layout
func unmarshalVote(b []byte, view, seq *uint64, digest *[]byte, replicaID *uint32, sig *[]byte) error {
	return consumeFields(b, func(num protowire.Number, wt protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			*view, err = wantVarint(num, wt, u)
		case 2:
			*seq, err = wantVarint(num, wt, u)
		case 3:
			*digest, err = wantBytes(num, wt, v)
		case 4:
			var id uint64
			id, err = wantVarint(num, wt, u)
			*replicaID = uint32(id)
		case fieldSig:
			*sig, err = wantBytes(num, wt, v)
		}
		return err
	})
}

func (x *Prepare) unmarshalWire(b []byte) error {
	return unmarshalVote(b, &x.View, &x.Seq, &x.Digest, &x.ReplicaID, &x.Sig)
}

func (x *Commit) unmarshalWire(b []byte) error {
	return unmarshalVote(b, &x.View, &x.Seq, &x.Digest, &x.ReplicaID, &x.Sig)
}

func (x *Checkpoint) unmarshalWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, wt protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			x.Seq, err = wantVarint(num, wt, u)
		case 2:
			x.StateDigest, err = wantBytes(num, wt, v)
		case 3:
			var id uint64
			id, err = wantVarint(num, wt, u)
			x.ReplicaID = uint32(id)
		case fieldSig:
			x.Sig, err = wantBytes(num, wt, v)
		}
		return err
	})
}

func (x *PreparedCert) unmarshalWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, wt protowire.Type, v []byte, u uint64) error {
		if (num == 1 || num == 2) && wt != protowire.BytesType {
			return errWireType(num, wt)
		}
		switch num {
		case 1:
			x.PrePrepare = &PrePrepare{}
			return x.PrePrepare.unmarshalWire(v)
		case 2:
			p := &Prepare{}
			if err := p.unmarshalWire(v); err != nil {
				return err
			}
			x.Prepares = append(x.Prepares, p)
		}
		return nil
	})
}

func (x *ViewChange) unmarshalWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, wt protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			x.NewView, err = wantVarint(num, wt, u)
		case 2:
			var id uint64
			id, err = wantVarint(num, wt, u)
			x.ReplicaID = uint32(id)
		case 3:
			x.StableSeq, err = wantVarint(num, wt, u)
		case 4:
			if wt != protowire.BytesType {
				return errWireType(num, wt)
			}
			c := &Checkpoint{}
			err = c.unmarshalWire(v)
			x.CheckpointProof = append(x.CheckpointProof, c)
		case 5:
			if wt != protowire.BytesType {
				return errWireType(num, wt)
			}
			cert := &PreparedCert{}
			err = cert.unmarshalWire(v)
			x.Prepared = append(x.Prepared, cert)
		case fieldSig:
			x.Sig, err = wantBytes(num, wt, v)
		}
		return err
	})
}

func (x *NewView) unmarshalWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, wt protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			x.View, err = wantVarint(num, wt, u)
		case 2:
			var id uint64
			id, err = wantVarint(num, wt, u)
			x.ReplicaID = uint32(id)
		case 3:
			if wt != protowire.BytesType {
				return errWireType(num, wt)
			}
			vc := &ViewChange{}
			err = vc.unmarshalWire(v)
			x.ViewChanges = append(x.ViewChanges, vc)
		case 4:
			if wt != protowire.BytesType {
				return errWireType(num, wt)
			}
			pp := &PrePrepare{}
			err = pp.unmarshalWire(v)
			x.PrePrepares = append(x.PrePrepares, pp)
		case fieldSig:
			x.Sig, err = wantBytes(num, wt, v)
		}
		return err
	})
}

func (x *Reply) unmarshalWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, wt protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			x.View, err = wantVarint(num, wt, u)
		case 2:
			var ts uint64
			ts, err = wantVarint(num, wt, u)
			x.Timestamp = int64(ts)
		case 3:
			if wt != protowire.BytesType {
				return errWireType(num, wt)
			}
			x.ClientID = string(v)
		case 4:
			var id uint64
			id, err = wantVarint(num, wt, u)
			x.ReplicaID = uint32(id)
		case 5:
			x.Result, err = wantBytes(num, wt, v)
		case fieldSig:
			x.Sig, err = wantBytes(num, wt, v)
		}
		return err
	})
}

// Wire helpers

// Zero values are skipped as proto3 does
func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMsgField embeds msg with its sig, since embedded msgs are proofs checked on their own
func appendMsgField(b []byte, num protowire.Number, msg Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg.appendWire(nil, true))
}

func appendSig(b []byte, sig []byte, withSig bool) []byte {
	if !withSig {
		return b
	}
	return appendBytesField(b, fieldSig, sig)
}

// consumeFields walks the fields of b. Unknown fields are skipped.
// For varint fields fn gets x, for bytes fields fn gets v, which aliases b.
func consumeFields(b []byte, fn func(num protowire.Number, wt protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMsg, protowire.ParseError(n))
		}
		b = b[n:]

		switch wt {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedMsg, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, wt, nil, x); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedMsg, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, wt, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, wt, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedMsg, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func wantVarint(num protowire.Number, wt protowire.Type, x uint64) (uint64, error) {
	if wt != protowire.VarintType {
		return 0, errWireType(num, wt)
	}
	return x, nil
}

func wantBytes(num protowire.Number, wt protowire.Type, v []byte) ([]byte, error) {
	if wt != protowire.BytesType {
		return nil, errWireType(num, wt)
	}
	return bytes.Clone(v), nil
}

func errWireType(num protowire.Number, wt protowire.Type) error {
	return fmt.Errorf("%w: field %d has wire type %d", ErrMalformedMsg, num, wt)
}
