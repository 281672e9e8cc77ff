// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package grpcnet

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	pbft "github.com/myl7/pbft-smr"
)

func TestTransportKeepsOrder(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	got := make(chan pbft.Message, 200)
	srv := NewServer(HandlerFunc(func(msg pbft.Message) error {
		got <- msg
		return nil
	}))
	go srv.Serve(lis)
	defer srv.Stop()

	tr := NewTransport(Peers{
		Nodes:   map[uint32]string{0: "passthrough:///self", 1: "passthrough:///bufnet"},
		Clients: map[string]string{"alice": "passthrough:///bufnet"},
	}, time.Second, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))

	digest := pbft.Hash([]byte("op"))
	for i := 1; i <= 100; i++ {
		p := &pbft.Prepare{View: 0, Seq: uint64(i), Digest: digest, ReplicaID: 0}
		if err := tr.Unicast(p, 1); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Return(&pbft.Reply{ClientID: "alice", Timestamp: 7, ReplicaID: 0, Result: []byte("r")}, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Unicast(&pbft.Prepare{}, 9); err != ErrUnknownPeer {
		t.Fatalf("unicast to unknown node should fail with ErrUnknownPeer, got %v", err)
	}

	timeout := time.After(5 * time.Second)
	for i := 1; i <= 100; i++ {
		select {
		case msg := <-got:
			p, ok := msg.(*pbft.Prepare)
			if !ok {
				t.Fatalf("msg %d should be a prepare, got %s", i, msg.Type())
			}
			if p.Seq != uint64(i) || !bytes.Equal(p.Digest, digest) {
				t.Fatalf("msg %d mismatched: got seq %d", i, p.Seq)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for msg %d", i)
		}
	}
	select {
	case msg := <-got:
		rep, ok := msg.(*pbft.Reply)
		if !ok || rep.ClientID != "alice" || rep.Timestamp != 7 || string(rep.Result) != "r" {
			t.Fatalf("reply mismatched: %+v", msg)
		}
	case <-timeout:
		t.Fatalf("timed out waiting for reply")
	}

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Unicast(&pbft.Prepare{}, 1); err != ErrClosed {
		t.Fatalf("unicast after close should fail with ErrClosed, got %v", err)
	}
}
