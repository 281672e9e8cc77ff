// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package grpcnet carries msgs between processes with a unary gRPC call per msg.
// Msgs are sent as their [pbft.Marshal] bytes with a raw codec, so no generated code is needed.
package grpcnet

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/op/go-logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pbft "github.com/myl7/pbft-smr"
	"github.com/myl7/pbft-smr/internal/fifo"
)

var logger = logging.MustGetLogger("pbft/grpcnet")

var ErrUnknownPeer = errors.New("transport error: no address for the peer")
var ErrClosed = errors.New("transport error: the transport has been closed")

const (
	serviceName   = "pbft.Replica"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// frame is what the raw codec moves
type frame struct {
	b []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, pbft.ErrMalformedMsg
	}
	return f.b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return pbft.ErrMalformedMsg
	}
	f.b = append(f.b[:0], data...)
	return nil
}

func (rawCodec) Name() string {
	return "pbft-raw"
}

// Handler takes msgs received by a [Server]. [*pbft.Node] is one.
type Handler interface {
	Deliver(msg pbft.Message) error
}

// HandlerFunc adapts a func to [Handler]
type HandlerFunc func(msg pbft.Message) error

func (f HandlerFunc) Deliver(msg pbft.Message) error {
	return f(msg)
}

type replicaServer interface {
	deliver(ctx context.Context, in *frame) (*frame, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pbft.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replicaServer).deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(replicaServer).deliver(ctx, req.(*frame))
	}
	return interceptor(ctx, in, info, handler)
}

// Server receives msgs for a node or a client
type Server struct {
	gs *grpc.Server
	h  Handler
}

func NewServer(h Handler, opts ...grpc.ServerOption) *Server {
	s := &Server{h: h}
	opts = append(opts, grpc.ForceServerCodec(rawCodec{}))
	s.gs = grpc.NewServer(opts...)
	s.gs.RegisterService(&serviceDesc, s)
	return s
}

func (s *Server) deliver(ctx context.Context, in *frame) (*frame, error) {
	msg, err := pbft.Unmarshal(in.b)
	if err != nil {
		return nil, err
	}
	if err := s.h.Deliver(msg); err != nil {
		return nil, err
	}
	return &frame{}, nil
}

// Serve blocks until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	return s.gs.Serve(lis)
}

func (s *Server) Stop() {
	s.gs.GracefulStop()
}

// Peers are the addresses of endpoints
type Peers struct {
	Nodes map[uint32]string
	// Only needed by nodes, to return replies
	Clients map[string]string
}

// Transport sends msgs to peers, keeping a connection and an ordered send queue per peer.
// Sending never blocks and failed sends are logged and dropped, as the protocol retransmits by itself.
type Transport struct {
	peers    Peers
	timeout  time.Duration
	dialOpts []grpc.DialOption

	mu      sync.Mutex
	senders map[string]*sender
	closed  bool
	wg      sync.WaitGroup
}

type sender struct {
	addr string
	conn *grpc.ClientConn
	q    *fifo.Queue[[]byte]
}

// NewTransport uses insecure credentials unless dialOpts say otherwise.
// timeout bounds each send.
func NewTransport(peers Peers, timeout time.Duration, dialOpts ...grpc.DialOption) *Transport {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}
	return &Transport{
		peers:    peers,
		timeout:  timeout,
		dialOpts: append(opts, dialOpts...),
		senders:  make(map[string]*sender),
	}
}

func (t *Transport) Unicast(msg pbft.Message, toNode uint32) error {
	addr, ok := t.peers.Nodes[toNode]
	if !ok {
		return ErrUnknownPeer
	}
	return t.send(addr, msg)
}

func (t *Transport) Broadcast(msg pbft.Message, fromNode uint32) error {
	ids := make([]uint32, 0, len(t.peers.Nodes))
	for id := range t.peers.Nodes {
		if id != fromNode {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs []error
	for _, id := range ids {
		if err := t.send(t.peers.Nodes[id], msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) Return(rep *pbft.Reply, toUser string) error {
	addr, ok := t.peers.Clients[toUser]
	if !ok {
		return ErrUnknownPeer
	}
	return t.send(addr, rep)
}

// Send is used by clients
func (t *Transport) Send(req *pbft.Request, toNode uint32) error {
	return t.Unicast(req, toNode)
}

func (t *Transport) send(addr string, msg pbft.Message) error {
	b := pbft.Marshal(msg)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	s, ok := t.senders[addr]
	if !ok {
		conn, err := grpc.NewClient(addr, t.dialOpts...)
		if err != nil {
			return err
		}
		s = &sender{addr: addr, conn: conn, q: fifo.New[[]byte]()}
		t.senders[addr] = s
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			s.q.Drain(func(b []byte) { t.invoke(s, b) })
		}()
	}
	s.q.Push(b)
	return nil
}

func (t *Transport) invoke(s *sender, b []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := s.conn.Invoke(ctx, deliverMethod, &frame{b: b}, &frame{}); err != nil {
		logger.Debugf("Failed to send msg to %s: %v", s.addr, err)
	}
}

// Close waits for queued msgs to be sent or to fail, then closes all connections
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, s := range t.senders {
		s.q.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()

	var errs []error
	for _, s := range t.senders {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
