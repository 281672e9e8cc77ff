// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package chantransport

import (
	"errors"
	"sync"
	"testing"
	"time"

	pbft "github.com/myl7/pbft-smr"
)

type recvNode struct {
	mu   sync.Mutex
	msgs []pbft.Message
}

func (r *recvNode) Deliver(msg pbft.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recvNode) DeliverBytes(b []byte) error {
	msg, err := pbft.Unmarshal(b)
	if err != nil {
		return err
	}
	return r.Deliver(msg)
}

func (r *recvNode) got() []pbft.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pbft.Message(nil), r.msgs...)
}

type recvClient struct {
	reps chan *pbft.Reply
}

func (r *recvClient) DeliverReply(rep *pbft.Reply) error {
	r.reps <- rep
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNetworkKeepsOrder(t *testing.T) {
	n := NewNetwork(WithDelay(func() time.Duration { return 100 * time.Microsecond }))
	defer n.Close()
	nodes := make([]*recvNode, 3)
	for i := range nodes {
		nodes[i] = &recvNode{}
		n.AddNode(uint32(i), nodes[i])
	}

	comm := n.Communicator(0)
	const count = 50
	for i := 0; i < count; i++ {
		if err := comm.Broadcast(&pbft.Prepare{Seq: uint64(i + 1), ReplicaID: 0}, 0); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return len(nodes[1].got()) == count && len(nodes[2].got()) == count })

	if len(nodes[0].got()) != 0 {
		t.Fatalf("broadcast should skip the sender")
	}
	for _, nd := range nodes[1:] {
		for i, msg := range nd.got() {
			p, ok := msg.(*pbft.Prepare)
			if !ok || p.Seq != uint64(i+1) {
				t.Fatalf("msg %d out of order: %+v", i, msg)
			}
		}
	}
}

func TestNetworkTamper(t *testing.T) {
	n := NewNetwork(WithTamper(func(from, to string, msg pbft.Message) pbft.Message {
		if to == NodeName(1) {
			return nil
		}
		if p, ok := msg.(*pbft.Prepare); ok {
			p.Digest = []byte("forged")
		}
		return msg
	}))
	defer n.Close()
	a, b := &recvNode{}, &recvNode{}
	n.AddNode(1, a)
	n.AddNode(2, b)

	comm := n.Communicator(0)
	if err := comm.Unicast(&pbft.Prepare{Seq: 1}, 1); err != nil {
		t.Fatal(err)
	}
	if err := comm.Unicast(&pbft.Prepare{Seq: 1}, 2); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(b.got()) == 1 })
	if string(b.got()[0].(*pbft.Prepare).Digest) != "forged" {
		t.Fatalf("msg should be rewritten by the tamper hook")
	}
	if len(a.got()) != 0 {
		t.Fatalf("msg to node 1 should be dropped")
	}
}

func TestNetworkRoutesRequestsAndReplies(t *testing.T) {
	n := NewNetwork()
	defer n.Close()
	nd := &recvNode{}
	n.AddNode(0, nd)
	c := &recvClient{reps: make(chan *pbft.Reply, 1)}
	n.AddClient("alice", c)

	if err := n.ClientSender("alice").Send(&pbft.Request{ClientID: "alice", Timestamp: 1, Op: []byte("op")}, 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(nd.got()) == 1 })
	if req, ok := nd.got()[0].(*pbft.Request); !ok || string(req.Op) != "op" {
		t.Fatalf("node should get the request, got %+v", nd.got()[0])
	}

	if err := n.Communicator(0).Return(&pbft.Reply{ClientID: "alice", Timestamp: 1, Result: []byte("ok")}, "alice"); err != nil {
		t.Fatal(err)
	}
	select {
	case rep := <-c.reps:
		if string(rep.Result) != "ok" {
			t.Fatalf("reply mismatched: %+v", rep)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("client should get the reply")
	}
}

func TestNetworkClosed(t *testing.T) {
	n := NewNetwork()
	n.AddNode(1, &recvNode{})
	n.Close()
	n.Close()
	if err := n.Communicator(0).Unicast(&pbft.Prepare{}, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close should fail with ErrClosed, got %v", err)
	}
}
