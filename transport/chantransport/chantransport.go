// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package chantransport connects nodes and clients of the same process.
// Every msg goes through the wire encoding, and every sender-receiver link is a FIFO queue drained by its own goroutine,
// so a slow receiver never blocks the sender.
package chantransport

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/op/go-logging"

	pbft "github.com/myl7/pbft-smr"
	"github.com/myl7/pbft-smr/internal/fifo"
)

var logger = logging.MustGetLogger("pbft/chantransport")

var ErrClosed = errors.New("transport error: the network has been closed")

// ReplyReceiver is the client side of the network
type ReplyReceiver interface {
	DeliverReply(rep *pbft.Reply) error
}

// Tamper can rewrite or drop (by returning nil) a msg on the link from -> to.
// Clients are named by their ID and nodes by [NodeName].
type Tamper func(from, to string, msg pbft.Message) pbft.Message

// Network routes msgs between registered endpoints
type Network struct {
	mu      sync.RWMutex
	nodes   map[string]pbft.NodeAPI // Indexed by NodeName
	nodeIDs []uint32
	clients map[string]ReplyReceiver
	links   map[linkID]*fifo.Queue[[]byte]
	delay   func() time.Duration
	tamper  Tamper
	closed  bool
	wg      sync.WaitGroup
}

type linkID struct {
	from string
	to   string
}

// Option customizes a [Network]
type Option func(*Network)

// WithDelay makes every delivery wait for delay() first
func WithDelay(delay func() time.Duration) Option {
	return func(n *Network) {
		n.delay = delay
	}
}

// WithTamper installs a tamper hook, used to simulate byzantine senders or lossy links
func WithTamper(t Tamper) Option {
	return func(n *Network) {
		n.tamper = t
	}
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{
		nodes:   make(map[string]pbft.NodeAPI),
		clients: make(map[string]ReplyReceiver),
		links:   make(map[linkID]*fifo.Queue[[]byte]),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NodeName is the endpoint name of node id
func NodeName(id uint32) string {
	return "node/" + strconv.FormatUint(uint64(id), 10)
}

func (n *Network) AddNode(id uint32, nd pbft.NodeAPI) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[NodeName(id)]; !ok {
		n.nodeIDs = append(n.nodeIDs, id)
	}
	n.nodes[NodeName(id)] = nd
}

func (n *Network) AddClient(id string, c ReplyReceiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients[id] = c
}

// Communicator returns the [pbft.NodeCommunicator] of node id
func (n *Network) Communicator(id uint32) pbft.NodeCommunicator {
	return &communicator{n: n, id: id}
}

// ClientSender returns the sender a client uses to reach nodes
func (n *Network) ClientSender(clientID string) *ClientSender {
	return &ClientSender{n: n, id: clientID}
}

// Close stops all links after they drain what has been queued
func (n *Network) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for _, l := range n.links {
		l.Close()
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Network) send(from, to string, msg pbft.Message) error {
	b := pbft.Marshal(msg)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	id := linkID{from: from, to: to}
	l, ok := n.links[id]
	if !ok {
		l = fifo.New[[]byte]()
		n.links[id] = l
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			l.Drain(func(b []byte) { n.deliver(id, b) })
		}()
	}
	l.Push(b)
	return nil
}

func (n *Network) deliver(id linkID, b []byte) {
	if n.delay != nil {
		time.Sleep(n.delay())
	}

	msg, err := pbft.Unmarshal(b)
	if err != nil {
		logger.Errorf("Link %s -> %s got undecodable msg: %v", id.from, id.to, err)
		return
	}
	if n.tamper != nil {
		msg = n.tamper(id.from, id.to, msg)
		if msg == nil {
			return
		}
	}

	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return
	}

	if rep, ok := msg.(*pbft.Reply); ok {
		n.mu.RLock()
		c, ok := n.clients[id.to]
		n.mu.RUnlock()
		if !ok {
			logger.Debugf("Dropping reply to unknown client %s", id.to)
			return
		}
		if err := c.DeliverReply(rep); err != nil {
			logger.Debugf("Client %s failed to take reply: %v", id.to, err)
		}
		return
	}

	n.mu.RLock()
	nd, ok := n.nodes[id.to]
	n.mu.RUnlock()
	if !ok {
		logger.Debugf("Dropping %s to unknown endpoint %s", msg.Type(), id.to)
		return
	}
	if err := nd.Deliver(msg); err != nil {
		logger.Debugf("Endpoint %s failed to take %s: %v", id.to, msg.Type(), err)
	}
}

func (n *Network) peers() []uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]uint32(nil), n.nodeIDs...)
}

type communicator struct {
	n  *Network
	id uint32
}

func (c *communicator) Unicast(msg pbft.Message, toNode uint32) error {
	return c.n.send(NodeName(c.id), NodeName(toNode), msg)
}

func (c *communicator) Broadcast(msg pbft.Message, fromNode uint32) error {
	for _, id := range c.n.peers() {
		if id == fromNode {
			continue
		}
		if err := c.n.send(NodeName(fromNode), NodeName(id), msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *communicator) Return(rep *pbft.Reply, toUser string) error {
	return c.n.send(NodeName(c.id), toUser, rep)
}

// ClientSender sends requests of a client
type ClientSender struct {
	n  *Network
	id string
}

func (s *ClientSender) Send(req *pbft.Request, toNode uint32) error {
	return s.n.send(s.id, NodeName(toNode), req)
}
