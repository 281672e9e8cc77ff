// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package client submits ops to a PBFT cluster and waits for f+1 matching replies
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	pbft "github.com/myl7/pbft-smr"
)

var logger = logging.MustGetLogger("pbft/client")

var ErrRetriesExhausted = errors.New("client error: no f+1 matching replies after all retries")
var ErrInvalidReply = errors.New("client error: reply is not for this client or has an invalid sig")

// Transport sends requests to nodes
type Transport interface {
	Send(req *pbft.Request, toNode uint32) error
}

type Config struct {
	// ID is a random UUID if empty
	ID string
	N  int
	F  int
	// Timeout is how long to wait for replies before the first retry
	Timeout time.Duration
	// MaxWait caps the growing wait between retries
	MaxWait time.Duration
	// MaxRetries is the number of broadcasts after the first send to the primary
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{
		N:          4,
		F:          1,
		Timeout:    2 * time.Second,
		MaxWait:    10 * time.Second,
		MaxRetries: 5,
	}
}

type Client struct {
	cfg    Config
	sk     []byte
	pks    [][]byte
	tr     Transport
	tracer trace.Tracer

	// submitMu serializes Submit calls
	submitMu sync.Mutex

	mu     sync.Mutex
	lastTS int64
	// Latest view learned from replies, used to guess the primary
	view    uint64
	waiting map[int64]*call
}

// call collects the replies of one request
type call struct {
	// Indexed by replica
	replies map[uint32]*pbft.Reply
	done    chan []byte
	closed  bool
}

// New creates a client signing with sk. pks are the pubkeys of nodes, indexed by node ID.
func New(cfg Config, sk []byte, pks [][]byte, tr Transport) (*Client, error) {
	if cfg.N != 3*cfg.F+1 || cfg.F < 0 {
		return nil, fmt.Errorf("%w: N = %d, f = %d", pbft.ErrInvalidConfig, cfg.N, cfg.F)
	}
	if len(pks) != cfg.N {
		return nil, fmt.Errorf("%w: got %d pubkeys for %d nodes", pbft.ErrInvalidConfig, len(pks), cfg.N)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", pbft.ErrInvalidConfig)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	return &Client{
		cfg:     cfg,
		sk:      sk,
		pks:     pks,
		tr:      tr,
		tracer:  otel.Tracer("github.com/myl7/pbft-smr/client"),
		waiting: make(map[int64]*call),
	}, nil
}

func (c *Client) ID() string {
	return c.cfg.ID
}

// View is the latest view the client knows
func (c *Client) View() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// nextTimestamp is strictly increasing for the client
func (c *Client) nextTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := time.Now().UnixNano()
	if ts <= c.lastTS {
		ts = c.lastTS + 1
	}
	c.lastTS = ts
	return ts
}

// Submit sends op to the primary it knows and waits for the result agreed by f+1 nodes.
// When replies are slow it broadcasts the request to all nodes, waiting longer each time.
// Nodes only run one request of a client at a time, so concurrent calls are run one by one.
func (c *Client) Submit(ctx context.Context, op []byte) ([]byte, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "pbft.client.Submit", trace.WithAttributes(
		attribute.String("pbft.client", c.cfg.ID),
		attribute.Int("pbft.op.size", len(op)),
	))
	defer span.End()

	req := &pbft.Request{
		ClientID:  c.cfg.ID,
		Timestamp: c.nextTimestamp(),
		Op:        op,
	}
	pbft.SignMsg(req, c.sk)
	span.SetAttributes(attribute.Int64("pbft.request.timestamp", req.Timestamp))

	cl := &call{replies: make(map[uint32]*pbft.Reply), done: make(chan []byte, 1)}
	c.mu.Lock()
	c.waiting[req.Timestamp] = cl
	primary := uint32(c.view % uint64(c.cfg.N))
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, req.Timestamp)
		c.mu.Unlock()
	}()

	logger.Debugf("Client %s sending request with timestamp %d to primary %d", c.cfg.ID, req.Timestamp, primary)
	if err := c.tr.Send(req, primary); err != nil {
		logger.Warningf("Client %s failed to send request to primary %d: %v", c.cfg.ID, primary, err)
	}

	wait := c.cfg.Timeout
	for attempt := 0; ; attempt++ {
		t := time.NewTimer(wait)
		select {
		case res := <-cl.done:
			t.Stop()
			span.SetAttributes(attribute.Int("pbft.retries", attempt))
			return res, nil
		case <-ctx.Done():
			t.Stop()
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "canceled")
			return nil, ctx.Err()
		case <-t.C:
		}

		if attempt >= c.cfg.MaxRetries {
			span.RecordError(ErrRetriesExhausted)
			span.SetStatus(codes.Error, "retries exhausted")
			return nil, ErrRetriesExhausted
		}

		logger.Infof("Client %s timed out waiting for replies of timestamp %d, broadcasting (retry %d)", c.cfg.ID, req.Timestamp, attempt+1)
		span.AddEvent("broadcast")
		for i := 0; i < c.cfg.N; i++ {
			if err := c.tr.Send(req, uint32(i)); err != nil {
				logger.Warningf("Client %s failed to send request to node %d: %v", c.cfg.ID, i, err)
			}
		}

		// Random exponential backoff
		wait += time.Duration(rand.Int63n(int64(wait)))
		if c.cfg.MaxWait > 0 && wait > c.cfg.MaxWait {
			wait = c.cfg.MaxWait
		}
	}
}

// DeliverReply takes a reply from a node. It is safe to call from multiple goroutines.
func (c *Client) DeliverReply(rep *pbft.Reply) error {
	if rep.ClientID != c.cfg.ID || int(rep.ReplicaID) >= len(c.pks) {
		return ErrInvalidReply
	}
	if !pbft.VerifyMsg(rep, c.pks[rep.ReplicaID]) {
		return ErrInvalidReply
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.waiting[rep.Timestamp]
	if !ok || cl.closed {
		return nil
	}
	cl.replies[rep.ReplicaID] = rep

	var matching []*pbft.Reply
	for _, r := range cl.replies {
		if string(r.Result) == string(rep.Result) {
			matching = append(matching, r)
		}
	}
	if len(matching) < c.cfg.F+1 {
		return nil
	}

	for _, r := range matching {
		if r.View > c.view {
			c.view = r.View
		}
	}
	cl.closed = true
	cl.done <- rep.Result
	logger.Debugf("Client %s got %d matching replies for timestamp %d in view %d", c.cfg.ID, len(matching), rep.Timestamp, c.view)
	return nil
}
