// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"sync"
	"testing"
	"time"

	"github.com/myl7/pbft-smr/test"
)

// recordingComm keeps what a node sends, for tests driving the handlers directly
type recordingComm struct {
	mu      sync.Mutex
	sent    []Message
	replies []*Reply
}

func (rc *recordingComm) Unicast(msg Message, toNode uint32) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.sent = append(rc.sent, msg)
	return nil
}

func (rc *recordingComm) Broadcast(msg Message, fromNode uint32) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.sent = append(rc.sent, msg)
	return nil
}

func (rc *recordingComm) Return(rep *Reply, toUser string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.replies = append(rc.replies, rep)
	return nil
}

func (rc *recordingComm) sentOfType(typ MsgType) []Message {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var msgs []Message
	for _, msg := range rc.sent {
		if msg.Type() == typ {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

const testUserID = "alice"

// testNodeEnv is a 4-node setup where only one node is instantiated and nothing runs in the background
type testNodeEnv struct {
	cfg *Config
	// Nodes 0-3, then the user
	kps []test.KP
	pks [][]byte
}

func newTestNodeEnv(t *testing.T) *testNodeEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.K = 2
	cfg.LogMultiplier = 2
	// Timers must not fire in these tests
	cfg.RequestTimeout = time.Hour
	cfg.ViewChangeTimeout = time.Hour
	cfg.MaxViewChangeTimeout = 8 * time.Hour
	kps := test.LoadTestKPs(t, cfg.N+1)
	pks := make([][]byte, cfg.N)
	for i := range pks {
		pks[i] = kps[i].PK
	}
	return &testNodeEnv{cfg: cfg, kps: kps, pks: pks}
}

func (env *testNodeEnv) newNode(t *testing.T, id uint32, ns NodeStorage, nsm NodeStateMachine) (*Node, *recordingComm) {
	t.Helper()
	rc := &recordingComm{}
	nd, err := NewNode(NodeParams{ID: id, PKs: env.pks, SK: env.kps[id].SK}, env.cfg, rc, ns, nsm,
		StaticUserPKGetter{testUserID: env.kps[env.cfg.N].PK})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nd.stopAllRequestTimers()
		nd.stopViewChangeTimer()
	})
	return nd, rc
}

func (env *testNodeEnv) request(ts int64, op string) *Request {
	req := &Request{ClientID: testUserID, Timestamp: ts, Op: []byte(op)}
	SignMsg(req, env.kps[env.cfg.N].SK)
	return req
}

// preparedCert builds a valid cert for req at view + seq
func (env *testNodeEnv) preparedCert(view, seq uint64, req *Request) *PreparedCert {
	primary := env.cfg.Primary(view)
	pp := &PrePrepare{View: view, Seq: seq, Digest: RequestDigest(req), Request: req, ReplicaID: primary}
	SignMsg(pp, env.kps[primary].SK)
	cert := &PreparedCert{PrePrepare: pp}
	for i := 0; i < env.cfg.N && len(cert.Prepares) < 2*env.cfg.F; i++ {
		if uint32(i) == primary {
			continue
		}
		p := &Prepare{View: view, Seq: seq, Digest: pp.Digest, ReplicaID: uint32(i)}
		SignMsg(p, env.kps[i].SK)
		cert.Prepares = append(cert.Prepares, p)
	}
	return cert
}

func (env *testNodeEnv) checkpoint(seq uint64, digest []byte, replica uint32) *Checkpoint {
	c := &Checkpoint{Seq: seq, StateDigest: digest, ReplicaID: replica}
	SignMsg(c, env.kps[replica].SK)
	return c
}

func (env *testNodeEnv) viewChange(newView uint64, replica uint32, stableSeq uint64, proof []*Checkpoint, certs ...*PreparedCert) *ViewChange {
	vc := &ViewChange{
		NewView:         newView,
		ReplicaID:       replica,
		StableSeq:       stableSeq,
		CheckpointProof: proof,
		Prepared:        certs,
	}
	SignMsg(vc, env.kps[replica].SK)
	return vc
}
