// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/samber/lo"
)

func (nd *Node) onRequest(req *Request) {
	if err := nd.checkRequest(req); err != nil {
		if errors.Is(err, ErrTimestampNotNew) {
			lastReply := nd.lastReply[req.ClientID]
			if lastReply != nil && lastReply.Timestamp == req.Timestamp {
				logger.Debugf("Replica %d resending cached reply: client = %s, timestamp = %d", nd.np.ID, req.ClientID, req.Timestamp)
				nd.reply(lastReply)
				return
			}
		}
		logger.Warningf("Replica %d dropping request: client = %s: %v", nd.np.ID, req.ClientID, err)
		return
	}

	key := keyOfReq(req)
	if _, ok := nd.outstanding[key]; !ok {
		nd.outstanding[key] = req
	}

	if nd.mode != ModeNormal {
		// Timers are armed and the request is resubmitted when entering the new view
		logger.Debugf("Replica %d queued request during %s: client = %s", nd.np.ID, nd.mode, req.ClientID)
		return
	}

	if nd.isPrimary(nd.view) {
		nd.propose(req)
		return
	}

	// Relay to the primary and watch it
	primary := nd.primary(nd.view)
	logger.Debugf("Replica %d is backup, relaying request to primary %d: client = %s", nd.np.ID, primary, req.ClientID)
	if err := nd.nc.Unicast(req, primary); err != nil {
		logger.Warningf("Replica %d failed to relay request to primary %d: %v", nd.np.ID, primary, err)
	}
	if !nd.committedReq(key) {
		nd.armRequestTimer(key)
	}
}

// checkRequest checks the sig of req and that its timestamp is later than the latest executed one of the client
func (nd *Node) checkRequest(req *Request) error {
	if !nd.verifyRequest(req) {
		return ErrInvalidSig
	}
	if latest, ok := nd.lastTimestamp[req.ClientID]; ok && req.Timestamp <= latest {
		return fmt.Errorf("%w: timestamp = %d, latest = %d", ErrTimestampNotNew, req.Timestamp, latest)
	}
	return nil
}

// propose assigns the next seq to req and broadcasts the pre-prepare. Only the primary calls it.
func (nd *Node) propose(req *Request) {
	digest := RequestDigest(req)
	if seq, ok := nd.assigned[digestKey(digest)]; ok {
		logger.Debugf("Primary %d already assigned seqNo=%d to request %s", nd.np.ID, seq, shortDigest(digest))
		return
	}

	n := nd.seq + 1
	if !nd.inW(n) {
		// We don't have the necessary stable checkpoints to advance our watermarks
		logger.Warningf("Primary %d not sending pre-prepare for request %s - out of sequence numbers, queued", nd.np.ID, shortDigest(digest))
		for _, p := range nd.pending {
			if keyOfReq(p) == keyOfReq(req) {
				return
			}
		}
		nd.pending = append(nd.pending, req)
		return
	}

	nd.seq = n
	pp := &PrePrepare{
		View:      nd.view,
		Seq:       n,
		Digest:    digest,
		Request:   req,
		ReplicaID: nd.np.ID,
	}
	nd.sign(pp)
	logger.Debugf("Primary %d broadcasting pre-prepare for view=%d/seqNo=%d and digest %s", nd.np.ID, nd.view, n, shortDigest(digest))
	nd.broadcast(pp)
	nd.installPrePrepare(pp)
}

// dispatchPending proposes the requests queued for a full window
func (nd *Node) dispatchPending() {
	if !nd.isPrimary(nd.view) || nd.mode != ModeNormal {
		return
	}
	pending := nd.pending
	nd.pending = nil
	for _, req := range pending {
		if latest, ok := nd.lastTimestamp[req.ClientID]; ok && req.Timestamp <= latest {
			continue
		}
		nd.propose(req)
	}
}

// deferMsg returns true if msg of view v has to wait for a view the node has not entered, i.e., it is queued or dropped.
// Only signed msgs of the next N views are queued, at most 2L per sender.
func (nd *Node) deferMsg(msg Message, v uint64) bool {
	if v < nd.view || (v == nd.view && nd.mode == ModeNormal) {
		return false
	}
	if nd.mode == ModeRecovering {
		return false
	}

	sender := senderOf(msg)
	if v > nd.view+uint64(nd.cfg.N) {
		logger.Warningf("Replica %d dropping %s from replica %d for view %d: too far from view %d", nd.np.ID, msg.Type(), sender, v, nd.view)
		return true
	}
	if !nd.verifyReplicaMsg(msg, sender) {
		logger.Warningf("Replica %d dropping %s from replica %d for view %d: %v", nd.np.ID, msg.Type(), sender, v, ErrInvalidSig)
		return true
	}
	queued := lo.CountBy(nd.backlog, func(m Message) bool { return senderOf(m) == sender })
	if queued >= int(nd.cfg.L())*2 {
		logger.Warningf("Replica %d backlog of replica %d full, dropping %s for view %d", nd.np.ID, sender, msg.Type(), v)
		return true
	}
	logger.Debugf("Replica %d deferring %s for view %d, in view %d (%s)", nd.np.ID, msg.Type(), v, nd.view, nd.mode)
	nd.backlog = append(nd.backlog, msg)
	return true
}

func senderOf(msg Message) uint32 {
	switch m := msg.(type) {
	case *PrePrepare:
		return m.ReplicaID
	case *Prepare:
		return m.ReplicaID
	case *Commit:
		return m.ReplicaID
	default:
		return 0
	}
}

func (nd *Node) replayBacklog() {
	backlog := nd.backlog
	nd.backlog = nil
	for _, msg := range backlog {
		nd.handleMsg(msg)
	}
}

func (nd *Node) onPrePrepare(pp *PrePrepare) {
	logger.Debugf("Replica %d received pre-prepare from replica %d for view=%d/seqNo=%d",
		nd.np.ID, pp.ReplicaID, pp.View, pp.Seq)

	if nd.deferMsg(pp, pp.View) {
		return
	}
	if pp.ReplicaID == nd.np.ID {
		return
	}
	if err := nd.checkPrePrepare(pp); err != nil {
		if errors.Is(err, ErrUnmatchedView) {
			logger.Debugf("Replica %d ignoring pre-prepare: %v", nd.np.ID, err)
		} else {
			logger.Warningf("Replica %d dropping pre-prepare from replica %d: %v", nd.np.ID, pp.ReplicaID, err)
		}
		return
	}
	if e, ok := nd.log[pp.Seq]; ok && e.view == pp.View {
		return
	}

	nd.installPrePrepare(pp)
}

// checkPrePrepare validates pp against the current view and window and the pre-prepare accepted for its slot
func (nd *Node) checkPrePrepare(pp *PrePrepare) error {
	if pp.View != nd.view || nd.mode != ModeNormal {
		return fmt.Errorf("%w: got view %d, in view %d (%s)", ErrUnmatchedView, pp.View, nd.view, nd.mode)
	}
	primary := nd.primary(pp.View)
	if pp.ReplicaID != primary {
		return fmt.Errorf("%w: got %d, should be %d", ErrNotPrimary, pp.ReplicaID, primary)
	}
	if !nd.verifyReplicaMsg(pp, primary) {
		return fmt.Errorf("%w: seqNo %d", ErrInvalidSig, pp.Seq)
	}
	if !nd.inW(pp.Seq) {
		return fmt.Errorf("%w: seqNo %d not in (%d, %d]", ErrOutOfWindow, pp.Seq, nd.h, nd.h+nd.cfg.L())
	}
	if !pp.IsNull() {
		if pp.Request == nil || !bytes.Equal(RequestDigest(pp.Request), pp.Digest) {
			return fmt.Errorf("%w: seqNo %d", ErrUnmatchedDigest, pp.Seq)
		}
		if !nd.verifyRequest(pp.Request) {
			return fmt.Errorf("%w: request of client %s", ErrInvalidSig, pp.Request.ClientID)
		}
	}
	if e, ok := nd.log[pp.Seq]; ok && e.view == pp.View && !bytes.Equal(e.digest, pp.Digest) {
		return fmt.Errorf("%w: view=%d/seqNo=%d received %s, stored %s",
			ErrUnmatchedPP, pp.View, pp.Seq, shortDigest(pp.Digest), shortDigest(e.digest))
	}
	return nil
}

// checkVote validates the fields prepares and commits share
func (nd *Node) checkVote(msg Message, view, seq uint64, replica uint32) error {
	if view != nd.view || nd.mode != ModeNormal {
		return fmt.Errorf("%w: got view %d, in view %d (%s)", ErrUnmatchedView, view, nd.view, nd.mode)
	}
	if !nd.verifyReplicaMsg(msg, replica) {
		return fmt.Errorf("%w: replica %d, seqNo %d", ErrInvalidSig, replica, seq)
	}
	if !nd.inW(seq) {
		return fmt.Errorf("%w: seqNo %d not in (%d, %d]", ErrOutOfWindow, seq, nd.h, nd.h+nd.cfg.L())
	}
	return nil
}

func (nd *Node) logDroppedVote(msg Message, replica uint32, err error) {
	if errors.Is(err, ErrUnmatchedView) {
		logger.Debugf("Replica %d ignoring %s from replica %d: %v", nd.np.ID, msg.Type(), replica, err)
		return
	}
	logger.Warningf("Replica %d dropping %s from replica %d: %v", nd.np.ID, msg.Type(), replica, err)
}

// installPrePrepare puts an accepted pre-prepare into the log and sends the prepare of the node.
// pp has been checked by the caller.
func (nd *Node) installPrePrepare(pp *PrePrepare) {
	e, ok := nd.log[pp.Seq]
	if ok && e.status >= SlotCommitted {
		// Committed entries are immutable, but they are re-proposed in new views and the node still votes for them
		if !bytes.Equal(e.digest, pp.Digest) {
			logger.Criticalf("Replica %d got pre-prepare for view=%d/seqNo=%d with digest %s, but %s has been committed",
				nd.np.ID, pp.View, pp.Seq, shortDigest(pp.Digest), shortDigest(e.digest))
			return
		}
		e.view = pp.View
		e.pp = pp
		e.prepareSent = false
		e.commitSent = false
	} else {
		e = &logEntry{
			seq:    pp.Seq,
			view:   pp.View,
			digest: pp.Digest,
			pp:     pp,
			status: SlotPreprepared,
		}
		nd.log[pp.Seq] = e
	}

	if !pp.IsNull() {
		nd.assigned[digestKey(pp.Digest)] = pp.Seq
		req := pp.Request
		if latest, ok := nd.lastTimestamp[req.ClientID]; !ok || req.Timestamp > latest {
			key := keyOfReq(req)
			nd.outstanding[key] = req
			if e.status < SlotCommitted {
				nd.armRequestTimer(key)
			}
		}
	}

	nd.tracker.AddImplicitPrepare(pp.View, pp.Seq, pp.Digest, pp.ReplicaID)

	if !nd.isPrimary(pp.View) && !e.prepareSent {
		p := &Prepare{
			View:      pp.View,
			Seq:       pp.Seq,
			Digest:    pp.Digest,
			ReplicaID: nd.np.ID,
		}
		nd.sign(p)
		e.prepareSent = true
		logger.Debugf("Backup %d broadcasting prepare for view=%d/seqNo=%d", nd.np.ID, pp.View, pp.Seq)
		// Handle self prepare
		nd.tracker.AddPrepare(p)
		nd.broadcast(p)
	}

	nd.maybePrepared(e)
}

func (nd *Node) onPrepare(p *Prepare) {
	logger.Debugf("Replica %d received prepare from replica %d for view=%d/seqNo=%d",
		nd.np.ID, p.ReplicaID, p.View, p.Seq)

	if nd.deferMsg(p, p.View) {
		return
	}
	if err := nd.checkVote(p, p.View, p.Seq, p.ReplicaID); err != nil {
		nd.logDroppedVote(p, p.ReplicaID, err)
		return
	}
	if nd.primary(p.View) == p.ReplicaID {
		logger.Warningf("Replica %d received prepare from primary, ignoring", nd.np.ID)
		return
	}

	if !nd.tracker.AddPrepare(p) {
		logger.Warningf("Ignoring duplicate prepare from %d", p.ReplicaID)
		return
	}

	if e, ok := nd.log[p.Seq]; ok && e.view == p.View {
		nd.maybePrepared(e)
	}
}

// maybePrepared moves e to prepared and sends the commit of the node once 2f+1 prepares match it
func (nd *Node) maybePrepared(e *logEntry) {
	d, ok := nd.tracker.IsPrepared(e.view, e.seq)
	if !ok || !bytes.Equal(d, e.digest) {
		return
	}

	if e.status < SlotPrepared {
		e.status = SlotPrepared
		logger.Debugf("Replica %d prepared view=%d/seqNo=%d", nd.np.ID, e.view, e.seq)
	}
	nd.recordPreparedCert(e)

	if !e.commitSent {
		c := &Commit{
			View:      e.view,
			Seq:       e.seq,
			Digest:    e.digest,
			ReplicaID: nd.np.ID,
		}
		nd.sign(c)
		e.commitSent = true
		logger.Debugf("Replica %d broadcasting commit for view=%d/seqNo=%d", nd.np.ID, e.view, e.seq)
		nd.tracker.AddCommit(c)
		nd.broadcast(c)
	}

	nd.maybeCommitted(e)
}

// recordPreparedCert keeps the cert with the highest view for each seq, to be sent in view changes
func (nd *Node) recordPreparedCert(e *logEntry) {
	if cur, ok := nd.prepCerts[e.seq]; ok && cur.PrePrepare.View >= e.view {
		return
	}
	nd.prepCerts[e.seq] = &PreparedCert{
		PrePrepare: e.pp,
		Prepares:   nd.tracker.PrepareProof(e.view, e.seq, e.digest),
	}
}

func (nd *Node) onCommit(c *Commit) {
	logger.Debugf("Replica %d received commit from replica %d for view=%d/seqNo=%d",
		nd.np.ID, c.ReplicaID, c.View, c.Seq)

	if nd.deferMsg(c, c.View) {
		return
	}
	if err := nd.checkVote(c, c.View, c.Seq, c.ReplicaID); err != nil {
		nd.logDroppedVote(c, c.ReplicaID, err)
		return
	}

	if !nd.tracker.AddCommit(c) {
		logger.Warningf("Ignoring duplicate commit from %d", c.ReplicaID)
		return
	}

	if e, ok := nd.log[c.Seq]; ok && e.view == c.View {
		nd.maybeCommitted(e)
	}
}

// maybeCommitted moves a prepared e to committed once 2f+1 commits match it
func (nd *Node) maybeCommitted(e *logEntry) {
	if e.status != SlotPrepared {
		return
	}
	d, ok := nd.tracker.IsCommitted(e.view, e.seq)
	if !ok || !bytes.Equal(d, e.digest) {
		return
	}

	e.status = SlotCommitted
	logger.Debugf("Replica %d committed view=%d/seqNo=%d", nd.np.ID, e.view, e.seq)
	if !e.pp.IsNull() {
		nd.cancelRequestTimer(keyOfReq(e.pp.Request))
	}
	nd.executeOutstanding()
}

// committedReq reports whether the request of key has been committed or executed
func (nd *Node) committedReq(key reqKey) bool {
	req, ok := nd.outstanding[key]
	if !ok {
		return true
	}
	seq, ok := nd.assigned[digestKey(RequestDigest(req))]
	if !ok {
		return false
	}
	e, ok := nd.log[seq]
	return ok && e.status >= SlotCommitted
}
