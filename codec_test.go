// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"bytes"
	"errors"
	"testing"

	"github.com/myl7/pbft-smr/test"
)

func testSignedNewView(t *testing.T) (*NewView, []test.KP, *Request) {
	t.Helper()
	kps := test.LoadTestKPs(t, 5)
	req := &Request{ClientID: "alice", Timestamp: 42, Op: []byte("op")}
	SignMsg(req, kps[4].SK)
	d := RequestDigest(req)

	pp := &PrePrepare{View: 0, Seq: 1, Digest: d, Request: req, ReplicaID: 0}
	SignMsg(pp, kps[0].SK)
	var prepares []*Prepare
	for i := uint32(1); i <= 2; i++ {
		p := &Prepare{View: 0, Seq: 1, Digest: d, ReplicaID: i}
		SignMsg(p, kps[i].SK)
		prepares = append(prepares, p)
	}
	vc := &ViewChange{
		NewView:   1,
		ReplicaID: 2,
		Prepared:  []*PreparedCert{{PrePrepare: pp, Prepares: prepares}},
	}
	SignMsg(vc, kps[2].SK)

	npp := &PrePrepare{View: 1, Seq: 1, Digest: d, Request: req, ReplicaID: 1}
	SignMsg(npp, kps[1].SK)
	null := &PrePrepare{View: 1, Seq: 2, ReplicaID: 1}
	SignMsg(null, kps[1].SK)
	nv := &NewView{
		View:        1,
		ReplicaID:   1,
		ViewChanges: []*ViewChange{vc},
		PrePrepares: []*PrePrepare{npp, null},
	}
	SignMsg(nv, kps[1].SK)
	return nv, kps, req
}

func TestCodecNestedMsgKeepsSigs(t *testing.T) {
	nv, kps, req := testSignedNewView(t)

	msg, err := Unmarshal(Marshal(nv))
	if err != nil {
		t.Fatal(err)
	}
	got, ok := msg.(*NewView)
	if !ok {
		t.Fatalf("decoded type mismatched: got %s", msg.Type())
	}
	if !VerifyMsg(got, kps[1].PK) {
		t.Fatalf("new-view sig should verify after decoding")
	}
	if len(got.ViewChanges) != 1 || !VerifyMsg(got.ViewChanges[0], kps[2].PK) {
		t.Fatalf("view-change sig should verify after decoding")
	}
	cert := got.ViewChanges[0].Prepared[0]
	if !VerifyMsg(cert.PrePrepare, kps[0].PK) || !VerifyMsg(cert.PrePrepare.Request, kps[4].PK) {
		t.Fatalf("pre-prepare and request sigs in the cert should verify after decoding")
	}
	for _, p := range cert.Prepares {
		if !VerifyMsg(p, kps[p.ReplicaID].PK) {
			t.Fatalf("prepare sig of replica %d should verify after decoding", p.ReplicaID)
		}
	}
	if !bytes.Equal(RequestDigest(cert.PrePrepare.Request), RequestDigest(req)) {
		t.Fatalf("request digest changed after decoding")
	}
	if len(got.PrePrepares) != 2 || !got.PrePrepares[1].IsNull() || got.PrePrepares[0].IsNull() {
		t.Fatalf("null pre-prepare should stay null and the other should not")
	}
}

func TestCodecSigCoversFields(t *testing.T) {
	kps := test.LoadTestKPs(t, 1)
	c := &Checkpoint{Seq: 10, StateDigest: Hash([]byte("state")), ReplicaID: 0}
	SignMsg(c, kps[0].SK)
	if !VerifyMsg(c, kps[0].PK) {
		t.Fatalf("sig should verify")
	}
	c.Seq = 20
	if VerifyMsg(c, kps[0].PK) {
		t.Fatalf("sig should not verify after changing seq")
	}
	c.Seq = 10
	c.StateDigest = Hash([]byte("evil"))
	if VerifyMsg(c, kps[0].PK) {
		t.Fatalf("sig should not verify after changing state digest")
	}
	if VerifyMsg(c, []byte("short pk")) {
		t.Fatalf("sig should not verify with a malformed pk")
	}
}

func TestCodecRejectsMalformed(t *testing.T) {
	nv, _, _ := testSignedNewView(t)
	b := Marshal(nv)

	if _, err := Unmarshal(b[:len(b)-3]); !errors.Is(err, ErrMalformedMsg) {
		t.Fatalf("truncated msg should fail with ErrMalformedMsg, got %v", err)
	}

	// Envelope of type 99 with an empty payload
	unknown := []byte{0x08, 99, 0x12, 0x00}
	if _, err := Unmarshal(unknown); !errors.Is(err, ErrUnknownMsgType) {
		t.Fatalf("unknown type should fail with ErrUnknownMsgType, got %v", err)
	}
}
