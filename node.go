// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// NodeAPI is what transports call to hand msgs to a node
type NodeAPI interface {
	// Deliver queues msg for processing. It blocks if the queue is full.
	Deliver(msg Message) error
	// DeliverBytes parses msgB with [Unmarshal] and delivers it
	DeliverBytes(msgB []byte) error
}

// Mode is the protocol-level state of a node
type Mode int

const (
	ModeNormal Mode = iota
	ModeViewChange
	// ModeRecovering is entered on restart and when a new view starts from a checkpoint the node has not executed.
	// Leaving it needs state transfer, which is up to the app.
	ModeRecovering
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeViewChange:
		return "view-change"
	case ModeRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// SlotStatus is the state of a log entry. A seq without an entry is empty.
type SlotStatus int

const (
	SlotEmpty SlotStatus = iota
	SlotPreprepared
	SlotPrepared
	SlotCommitted
	SlotExecuted
)

func (s SlotStatus) String() string {
	return [...]string{"empty", "preprepared", "prepared", "committed", "executed"}[s]
}

type logEntry struct {
	seq uint64
	// view of pp. It moves forward when a new view re-proposes a committed entry.
	view   uint64
	digest []byte
	pp     *PrePrepare
	status SlotStatus
	// Sent in the view of pp
	prepareSent bool
	commitSent  bool
}

// reqKey identifies a request of a client
type reqKey struct {
	client    string
	timestamp int64
}

func keyOfReq(req *Request) reqKey {
	return reqKey{client: req.ClientID, timestamp: req.Timestamp}
}

// Status is a snapshot of the node state
type Status struct {
	ID           uint32
	View         uint64
	Primary      bool
	Mode         Mode
	LowWatermark uint64
	LastExec     uint64
	StableDigest []byte
}

// Role is the role derived from the view
func (s Status) Role() string {
	if s.Primary {
		return "Primary"
	}
	return "Backup"
}

type Node struct {
	np   NodeParams
	cfg  *Config
	nc   NodeCommunicator
	ns   NodeStorage
	nsm  NodeStateMachine
	nupg NodeUserPKGetter

	inbox    chan event
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	status   atomic.Pointer[Status]

	// Below are only accessed by the processing loop

	view uint64
	mode Mode
	// Last assigned seq, only used when being the primary
	seq uint64
	// Low watermark, i.e., seq of the last stable checkpoint
	h        uint64
	lastExec uint64
	// Indexed by seq
	log     map[uint64]*logEntry
	tracker *Tracker
	// Indexed by digest, the seq assigned in the current view
	assigned map[string]uint64
	// Accepted requests not executed yet
	outstanding map[reqKey]*Request
	// Requests waiting for the window to move, only used when being the primary
	pending []*Request
	// Indexed by client
	lastTimestamp map[string]int64
	lastReply     map[string]*Reply
	// Normal case msgs of views not entered yet
	backlog []Message

	chkpts     *checkpointStore
	ownChkpts  map[uint64][]byte
	stable     stableCheckpoint
	prepCerts  map[uint64]*PreparedCert
	vcStore    map[uint64]map[uint32]*ViewChange
	nvStore    map[uint64]*NewView
	vcTimeout  time.Duration
	timers     map[reqKey]*requestTimer
	vcTimer    *time.Timer
	timerGenID uint64
}

type stableCheckpoint struct {
	seq    uint64
	digest []byte
	proof  []*Checkpoint
}

// NewNode validates the params & config and restores the persisted state from ns if any.
// A restored node whose state machine does not match the stable checkpoint starts in [ModeRecovering].
func NewNode(np NodeParams, cfg *Config, nc NodeCommunicator, ns NodeStorage, nsm NodeStateMachine, nupg NodeUserPKGetter) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if int(np.ID) >= cfg.N {
		return nil, fmt.Errorf("%w: id %d is not in [0, %d)", ErrUnknownNodeID, np.ID, cfg.N)
	}
	if len(np.PKs) != cfg.N {
		return nil, fmt.Errorf("%w: got %d pubkeys for %d nodes", ErrInvalidConfig, len(np.PKs), cfg.N)
	}

	nd := &Node{
		np:            np,
		cfg:           cfg,
		nc:            nc,
		ns:            ns,
		nsm:           nsm,
		nupg:          nupg,
		inbox:         make(chan event, cfg.InboxSize),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		log:           make(map[uint64]*logEntry),
		tracker:       NewTracker(cfg.Quorum()),
		assigned:      make(map[string]uint64),
		outstanding:   make(map[reqKey]*Request),
		lastTimestamp: make(map[string]int64),
		lastReply:     make(map[string]*Reply),
		chkpts:        newCheckpointStore(),
		ownChkpts:     make(map[uint64][]byte),
		prepCerts:     make(map[uint64]*PreparedCert),
		vcStore:       make(map[uint64]map[uint32]*ViewChange),
		nvStore:       make(map[uint64]*NewView),
		vcTimeout:     cfg.ViewChangeTimeout,
		timers:        make(map[reqKey]*requestTimer),
	}

	if err := nd.restore(); err != nil {
		return nil, err
	}
	nd.publishStatus()

	logger.Infof("PBFT replica %d: N = %d, f = %d, K = %d, L = %d, request timeout = %v, view change timeout = %v",
		np.ID, cfg.N, cfg.F, cfg.K, cfg.L(), cfg.RequestTimeout, cfg.ViewChangeTimeout)
	return nd, nil
}

// Start runs the processing loop in a new goroutine
func (nd *Node) Start() error {
	if !nd.started.CompareAndSwap(false, true) {
		return ErrNodeStarted
	}
	go nd.run()
	return nil
}

// Stop terminates the processing loop and waits for it
func (nd *Node) Stop() {
	nd.stopOnce.Do(func() {
		close(nd.stopCh)
	})
	if nd.started.Load() {
		<-nd.doneCh
	}
}

func (nd *Node) ID() uint32 {
	return nd.np.ID
}

// Status is safe to call from other goroutines
func (nd *Node) Status() Status {
	return *nd.status.Load()
}

func (nd *Node) Deliver(msg Message) error {
	if msg == nil || !wellFormed(msg) {
		return ErrMalformedMsg
	}
	return nd.post(msgEvent{msg: msg})
}

func (nd *Node) DeliverBytes(msgB []byte) error {
	msg, err := Unmarshal(msgB)
	if err != nil {
		return err
	}
	return nd.Deliver(msg)
}

func (nd *Node) post(ev event) error {
	select {
	case <-nd.stopCh:
		return ErrNodeStopped
	default:
	}

	select {
	case nd.inbox <- ev:
		return nil
	case <-nd.stopCh:
		return ErrNodeStopped
	}
}

func (nd *Node) run() {
	defer close(nd.doneCh)
	for {
		select {
		case <-nd.stopCh:
			nd.stopAllRequestTimers()
			nd.stopViewChangeTimer()
			logger.Infof("Replica %d stopped in view %d", nd.np.ID, nd.view)
			return
		case ev := <-nd.inbox:
			nd.handleEvent(ev)
			nd.publishStatus()
		}
	}
}

func (nd *Node) handleEvent(ev event) {
	switch e := ev.(type) {
	case msgEvent:
		nd.handleMsg(e.msg)
	case requestTimeoutEvent:
		nd.onRequestTimeout(e)
	case viewChangeTimeoutEvent:
		nd.onViewChangeTimeout(e)
	default:
		logger.Warningf("Replica %d received an unknown event type %T", nd.np.ID, ev)
	}
}

func (nd *Node) handleMsg(msg Message) {
	if !wellFormed(msg) {
		logger.Warningf("Replica %d dropping malformed msg %T: nil nested msgs", nd.np.ID, msg)
		return
	}

	switch m := msg.(type) {
	case *Request:
		nd.onRequest(m)
	case *PrePrepare:
		nd.onPrePrepare(m)
	case *Prepare:
		nd.onPrepare(m)
	case *Commit:
		nd.onCommit(m)
	case *Checkpoint:
		nd.onCheckpoint(m)
	case *ViewChange:
		nd.onViewChange(m)
	case *NewView:
		nd.onNewView(m)
	case *Reply:
		logger.Debugf("Replica %d ignoring reply from replica %d", nd.np.ID, m.ReplicaID)
	}
}

func (nd *Node) publishStatus() {
	nd.status.Store(&Status{
		ID:           nd.np.ID,
		View:         nd.view,
		Primary:      nd.isPrimary(nd.view),
		Mode:         nd.mode,
		LowWatermark: nd.h,
		LastExec:     nd.lastExec,
		StableDigest: nd.stable.digest,
	})
}

// Helpers

func (nd *Node) primary(v uint64) uint32 {
	return nd.cfg.Primary(v)
}

func (nd *Node) isPrimary(v uint64) bool {
	return nd.primary(v) == nd.np.ID
}

// inW reports whether seq is between the watermarks
func (nd *Node) inW(seq uint64) bool {
	return seq > nd.h && seq <= nd.h+nd.cfg.L()
}

// pkOf returns nil for unknown replicas, which fails all sig checks
func (nd *Node) pkOf(replica uint32) []byte {
	if int(replica) >= len(nd.np.PKs) {
		return nil
	}
	return nd.np.PKs[replica]
}

func (nd *Node) verifyReplicaMsg(msg Message, replica uint32) bool {
	return VerifyMsg(msg, nd.pkOf(replica))
}

func (nd *Node) verifyRequest(req *Request) bool {
	if req.ClientID == "" {
		return false
	}
	pk, err := nd.nupg.Get(req.ClientID)
	if err != nil || pk == nil {
		return false
	}
	return VerifyMsg(req, pk)
}

func (nd *Node) sign(msg Message) {
	SignMsg(msg, nd.np.SK)
}

func (nd *Node) broadcast(msg Message) {
	if err := nd.nc.Broadcast(msg, nd.np.ID); err != nil {
		logger.Warningf("Replica %d failed to broadcast %s: %v", nd.np.ID, msg.Type(), err)
	}
}
