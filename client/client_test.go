// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pbft "github.com/myl7/pbft-smr"
	"github.com/myl7/pbft-smr/test"
)

// fakeReplicas answers requests as configured, on behalf of all nodes
type fakeReplicas struct {
	kps []test.KP
	c   *Client

	mu sync.Mutex
	// sends[i] is the number of requests node i got
	sends map[uint32]int
	// respond decides the reply of node i when the request is sent to toNode, nil for none
	respond func(i, toNode uint32, req *pbft.Request) *pbft.Reply
}

func (fr *fakeReplicas) Send(req *pbft.Request, toNode uint32) error {
	fr.mu.Lock()
	fr.sends[toNode]++
	fr.mu.Unlock()

	for i := uint32(0); i < 4; i++ {
		rep := fr.respond(i, toNode, req)
		if rep == nil {
			continue
		}
		pbft.SignMsg(rep, fr.kps[i].SK)
		go fr.c.DeliverReply(rep)
	}
	return nil
}

func (fr *fakeReplicas) sendCount(i uint32) int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.sends[i]
}

func newTestClient(t *testing.T, respond func(i, toNode uint32, req *pbft.Request) *pbft.Reply) (*Client, *fakeReplicas) {
	t.Helper()
	kps := test.LoadTestKPs(t, 5)
	pks := make([][]byte, 4)
	for i := range pks {
		pks[i] = kps[i].PK
	}
	fr := &fakeReplicas{kps: kps, sends: make(map[uint32]int), respond: respond}
	cfg := DefaultConfig()
	cfg.ID = "alice"
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxWait = 100 * time.Millisecond
	cfg.MaxRetries = 3
	c, err := New(cfg, kps[4].SK, pks, fr)
	if err != nil {
		t.Fatal(err)
	}
	fr.c = c
	return c, fr
}

func reply(to uint32, view uint64, req *pbft.Request, result string) *pbft.Reply {
	return &pbft.Reply{View: view, Timestamp: req.Timestamp, ClientID: req.ClientID, ReplicaID: to, Result: []byte(result)}
}

func TestClientSubmit(t *testing.T) {
	c, fr := newTestClient(t, func(to, toNode uint32, req *pbft.Request) *pbft.Reply {
		return reply(to, 0, req, "ok")
	})
	res, err := c.Submit(context.Background(), []byte("op"))
	if err != nil {
		t.Fatal(err)
	}
	if string(res) != "ok" {
		t.Fatalf("result mismatched: got %q", res)
	}
	if fr.sendCount(0) != 1 || fr.sendCount(1) != 0 {
		t.Fatalf("request should only be sent to the primary")
	}
}

func TestClientNeedsFPlusOneMatching(t *testing.T) {
	c, _ := newTestClient(t, func(to, toNode uint32, req *pbft.Request) *pbft.Reply {
		switch to {
		case 0:
			return reply(to, 0, req, "evil")
		case 1, 2:
			return reply(to, 0, req, "ok")
		default:
			return nil
		}
	})
	res, err := c.Submit(context.Background(), []byte("op"))
	if err != nil {
		t.Fatal(err)
	}
	if string(res) != "ok" {
		t.Fatalf("result should be the one of f+1 nodes, got %q", res)
	}
}

func TestClientLearnsNewView(t *testing.T) {
	c, fr := newTestClient(t, func(to, toNode uint32, req *pbft.Request) *pbft.Reply {
		// The old primary drops the request and the others have moved to view 1
		if to == 0 || toNode == 0 {
			return nil
		}
		return reply(to, 1, req, "ok")
	})
	res, err := c.Submit(context.Background(), []byte("op"))
	if err != nil {
		t.Fatal(err)
	}
	if string(res) != "ok" {
		t.Fatalf("result mismatched: got %q", res)
	}
	if fr.sendCount(1) == 0 {
		t.Fatalf("request should be broadcast after the primary timed out")
	}
	if c.View() != 1 {
		t.Fatalf("client should learn view 1, got %d", c.View())
	}

	before := fr.sendCount(1)
	if _, err := c.Submit(context.Background(), []byte("op2")); err != nil {
		t.Fatal(err)
	}
	if fr.sendCount(1) != before+1 {
		t.Fatalf("next request should go to the new primary 1")
	}
}

func TestClientRetriesExhausted(t *testing.T) {
	c, fr := newTestClient(t, func(to, toNode uint32, req *pbft.Request) *pbft.Reply {
		return nil
	})
	_, err := c.Submit(context.Background(), []byte("op"))
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("should fail with ErrRetriesExhausted, got %v", err)
	}
	// 1 send to the primary and a broadcast for every retry
	if fr.sendCount(2) != 3 || fr.sendCount(0) != 4 {
		t.Fatalf("send counts mismatched: node 0 got %d, node 2 got %d", fr.sendCount(0), fr.sendCount(2))
	}
}

func TestClientContextCanceled(t *testing.T) {
	c, _ := newTestClient(t, func(to, toNode uint32, req *pbft.Request) *pbft.Reply {
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Submit(ctx, []byte("op")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("should fail with the ctx error, got %v", err)
	}
}

func TestClientRejectsBadReply(t *testing.T) {
	c, fr := newTestClient(t, func(to, toNode uint32, req *pbft.Request) *pbft.Reply {
		return nil
	})
	rep := &pbft.Reply{ClientID: "alice", Timestamp: 1, ReplicaID: 1, Result: []byte("ok")}
	pbft.SignMsg(rep, fr.kps[2].SK)
	if err := c.DeliverReply(rep); !errors.Is(err, ErrInvalidReply) {
		t.Fatalf("reply with a wrong sig should fail with ErrInvalidReply, got %v", err)
	}
	rep = &pbft.Reply{ClientID: "bob", Timestamp: 1, ReplicaID: 1, Result: []byte("ok")}
	pbft.SignMsg(rep, fr.kps[1].SK)
	if err := c.DeliverReply(rep); !errors.Is(err, ErrInvalidReply) {
		t.Fatalf("reply for another client should fail with ErrInvalidReply, got %v", err)
	}
	rep = &pbft.Reply{ClientID: "alice", Timestamp: 1, ReplicaID: 9, Result: []byte("ok")}
	if err := c.DeliverReply(rep); !errors.Is(err, ErrInvalidReply) {
		t.Fatalf("reply from an unknown node should fail with ErrInvalidReply, got %v", err)
	}
}

func TestClientGeneratesID(t *testing.T) {
	kps := test.LoadTestKPs(t, 5)
	pks := make([][]byte, 4)
	for i := range pks {
		pks[i] = kps[i].PK
	}
	c, err := New(DefaultConfig(), kps[4].SK, pks, &fakeReplicas{})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.ID()) != 36 {
		t.Fatalf("generated ID should be a UUID, got %q", c.ID())
	}
	if _, err := New(DefaultConfig(), kps[4].SK, pks[:3], &fakeReplicas{}); !errors.Is(err, pbft.ErrInvalidConfig) {
		t.Fatalf("wrong pubkey count should fail with ErrInvalidConfig, got %v", err)
	}
}

func TestClientSerializesSubmit(t *testing.T) {
	// Nodes drop requests older than the latest one of the client, like replicas do
	var mu sync.Mutex
	var latest int64
	var sent []int64
	c, _ := newTestClient(t, func(to, toNode uint32, req *pbft.Request) *pbft.Reply {
		mu.Lock()
		defer mu.Unlock()
		if to == 0 {
			sent = append(sent, req.Timestamp)
		}
		if req.Timestamp < latest {
			return nil
		}
		latest = req.Timestamp
		return reply(to, 0, req, "ok")
	})

	const count = 8
	var wg sync.WaitGroup
	errs := make(chan error, count)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Submit(context.Background(), []byte("op"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent submit should succeed, got %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != count {
		t.Fatalf("each request should be sent once, got %d sends", len(sent))
	}
	for i := 1; i < len(sent); i++ {
		if sent[i] <= sent[i-1] {
			t.Fatalf("requests should be sent in timestamp order, got %v", sent)
		}
	}
}
