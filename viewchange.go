// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// sendViewChange stops accepting normal case msgs of the current view and votes for view v
func (nd *Node) sendViewChange(v uint64) {
	if v <= nd.view {
		return
	}

	nd.leaveView(v)
	nd.view = v
	nd.mode = ModeViewChange

	certs := lo.Filter(lo.Values(nd.prepCerts), func(c *PreparedCert, _ int) bool {
		return c.PrePrepare.Seq > nd.h
	})
	sort.Slice(certs, func(i, j int) bool { return certs[i].PrePrepare.Seq < certs[j].PrePrepare.Seq })

	vc := &ViewChange{
		NewView:         v,
		ReplicaID:       nd.np.ID,
		StableSeq:       nd.h,
		CheckpointProof: nd.stable.proof,
		Prepared:        certs,
	}
	nd.sign(vc)
	logger.Infof("Replica %d sending view-change, v:%d, h:%d, |C|:%d, |P|:%d",
		nd.np.ID, v, nd.h, len(vc.CheckpointProof), len(vc.Prepared))

	nd.storeViewChange(vc)
	nd.broadcast(vc)
	nd.startViewChangeTimer(v)
	nd.persist()
	nd.maybeSendNewView(v)
}

// leaveView drops the state only meaningful in the view being left, before moving to view v
func (nd *Node) leaveView(v uint64) {
	nd.stopAllRequestTimers()
	for s, e := range nd.log {
		if e.status < SlotCommitted {
			delete(nd.log, s)
		}
	}
	nd.assigned = make(map[string]uint64)
	nd.tracker.PruneViews(v)
	nd.backlog = lo.Filter(nd.backlog, func(msg Message, _ int) bool {
		return viewOf(msg) >= v
	})
}

func viewOf(msg Message) uint64 {
	switch m := msg.(type) {
	case *PrePrepare:
		return m.View
	case *Prepare:
		return m.View
	case *Commit:
		return m.View
	default:
		return 0
	}
}

// storeViewChange keeps only the view-change for the highest view of each replica.
// It returns false if vc is not newer than the kept one.
func (nd *Node) storeViewChange(vc *ViewChange) bool {
	for v, byReplica := range nd.vcStore {
		if _, ok := byReplica[vc.ReplicaID]; !ok {
			continue
		}
		if v >= vc.NewView {
			return false
		}
		delete(byReplica, vc.ReplicaID)
		if len(byReplica) == 0 {
			delete(nd.vcStore, v)
		}
	}

	byReplica, ok := nd.vcStore[vc.NewView]
	if !ok {
		byReplica = make(map[uint32]*ViewChange)
		nd.vcStore[vc.NewView] = byReplica
	}
	byReplica[vc.ReplicaID] = vc
	return true
}

func (nd *Node) onViewChange(vc *ViewChange) {
	logger.Infof("Replica %d received view-change from replica %d, v:%d, h:%d, |C|:%d, |P|:%d",
		nd.np.ID, vc.ReplicaID, vc.NewView, vc.StableSeq, len(vc.CheckpointProof), len(vc.Prepared))

	if !nd.verifyReplicaMsg(vc, vc.ReplicaID) {
		logger.Warningf("Replica %d found incorrect view-change signature from replica %d", nd.np.ID, vc.ReplicaID)
		return
	}
	if vc.NewView < nd.view || (vc.NewView == nd.view && nd.mode == ModeNormal) {
		logger.Warningf("Replica %d found view-change message for old view %d from replica %d", nd.np.ID, vc.NewView, vc.ReplicaID)
		return
	}
	if _, err := nd.checkViewChange(vc); err != nil {
		logger.Warningf("Replica %d found invalid view-change from replica %d: %v", nd.np.ID, vc.ReplicaID, err)
		return
	}
	if !nd.storeViewChange(vc) {
		logger.Warningf("Replica %d already has a view change message for view %d or later from replica %d", nd.np.ID, vc.NewView, vc.ReplicaID)
		return
	}

	// PBFT TOCS 4.5.1 Liveness: "if a replica receives a set of
	// f+1 valid VIEW-CHANGE messages from other replicas for
	// views greater than its current view, it sends a VIEW-CHANGE
	// message for the smallest view in the set, even if its timer
	// has not expired"
	replicas := make(map[uint32]uint64)
	for v, byReplica := range nd.vcStore {
		if v <= nd.view {
			continue
		}
		for id := range byReplica {
			if cur, ok := replicas[id]; !ok || v < cur {
				replicas[id] = v
			}
		}
	}
	if len(replicas) >= nd.cfg.F+1 {
		minView := lo.Min(lo.Values(replicas))
		logger.Infof("Replica %d received f+1 view-change messages, triggering view-change to view %d", nd.np.ID, minView)
		nd.sendViewChange(minView)
	}

	nd.maybeSendNewView(vc.NewView)
}

// checkViewChange validates the proofs carried by vc and returns the stable checkpoint digest it claims
func (nd *Node) checkViewChange(vc *ViewChange) ([]byte, error) {
	var stableDigest []byte
	if vc.StableSeq == 0 {
		if len(vc.CheckpointProof) != 0 {
			return nil, fmt.Errorf("%w: checkpoint proof for seq 0", ErrInvalidCheckpointProof)
		}
	} else {
		if vc.StableSeq%nd.cfg.K != 0 {
			return nil, fmt.Errorf("%w: stable seq %d is not a multiple of K", ErrInvalidCheckpointProof, vc.StableSeq)
		}
		cs := newCheckpointStore()
		for _, c := range vc.CheckpointProof {
			if c == nil || c.Seq != vc.StableSeq || !nd.verifyReplicaMsg(c, c.ReplicaID) {
				return nil, fmt.Errorf("%w: bad checkpoint in proof", ErrInvalidCheckpointProof)
			}
			cs.add(c)
		}
		d, _, ok := cs.quorumCert(vc.StableSeq, nd.cfg.Quorum())
		if !ok {
			return nil, fmt.Errorf("%w: fewer than %d matching checkpoints for seq %d", ErrInvalidCheckpointProof, nd.cfg.Quorum(), vc.StableSeq)
		}
		stableDigest = d
	}

	seen := make(map[uint64]bool)
	for _, cert := range vc.Prepared {
		if err := nd.checkPreparedCert(cert, vc.NewView, vc.StableSeq); err != nil {
			return nil, err
		}
		if seen[cert.PrePrepare.Seq] {
			return nil, fmt.Errorf("%w: 2 certs for seq %d", ErrInvalidViewChange, cert.PrePrepare.Seq)
		}
		seen[cert.PrePrepare.Seq] = true
	}
	return stableDigest, nil
}

func (nd *Node) checkPreparedCert(cert *PreparedCert, newView uint64, stableSeq uint64) error {
	if cert == nil || cert.PrePrepare == nil {
		return fmt.Errorf("%w: empty prepared cert", ErrInvalidViewChange)
	}
	pp := cert.PrePrepare
	if pp.View >= newView {
		return fmt.Errorf("%w: cert of view %d in view-change to %d", ErrInvalidViewChange, pp.View, newView)
	}
	if pp.Seq <= stableSeq || pp.Seq > stableSeq+nd.cfg.L() {
		return fmt.Errorf("%w: cert of seq %d outside (%d, %d]", ErrInvalidViewChange, pp.Seq, stableSeq, stableSeq+nd.cfg.L())
	}
	primary := nd.primary(pp.View)
	if pp.ReplicaID != primary || !nd.verifyReplicaMsg(pp, primary) {
		return fmt.Errorf("%w: pre-prepare of seq %d not signed by primary %d", ErrInvalidViewChange, pp.Seq, primary)
	}
	if !pp.IsNull() && (pp.Request == nil || !bytes.Equal(RequestDigest(pp.Request), pp.Digest)) {
		return fmt.Errorf("%w: pre-prepare of seq %d has unmatched digest", ErrInvalidViewChange, pp.Seq)
	}

	voters := make(map[uint32]bool)
	for _, p := range cert.Prepares {
		if p == nil || p.View != pp.View || p.Seq != pp.Seq || !bytes.Equal(p.Digest, pp.Digest) {
			return fmt.Errorf("%w: prepare not matching pre-prepare of seq %d", ErrInvalidViewChange, pp.Seq)
		}
		if p.ReplicaID == primary || !nd.verifyReplicaMsg(p, p.ReplicaID) {
			return fmt.Errorf("%w: bad prepare from replica %d for seq %d", ErrInvalidViewChange, p.ReplicaID, pp.Seq)
		}
		voters[p.ReplicaID] = true
	}
	if len(voters) < 2*nd.cfg.F {
		return fmt.Errorf("%w: %d prepares for seq %d, want %d", ErrInvalidViewChange, len(voters), pp.Seq, 2*nd.cfg.F)
	}
	return nil
}

// newViewPlan is what every replica derives from the same set of view-changes
type newViewPlan struct {
	stableSeq    uint64
	stableDigest []byte
	stableProof  []*Checkpoint
	// Unsigned
	prePrepares []*PrePrepare
}

// computeNewView selects the starting checkpoint and the pre-prepares of view v.
// vcs must have been checked.
func (nd *Node) computeNewView(v uint64, vcs []*ViewChange) newViewPlan {
	vcs = append([]*ViewChange(nil), vcs...)
	sort.Slice(vcs, func(i, j int) bool { return vcs[i].ReplicaID < vcs[j].ReplicaID })

	var plan newViewPlan
	best := lo.MaxBy(vcs, func(a, b *ViewChange) bool { return a.StableSeq > b.StableSeq })
	if best != nil {
		plan.stableSeq = best.StableSeq
		plan.stableProof = best.CheckpointProof
		if len(best.CheckpointProof) > 0 {
			cs := newCheckpointStore()
			for _, c := range best.CheckpointProof {
				cs.add(c)
			}
			plan.stableDigest, plan.stableProof, _ = cs.quorumCert(best.StableSeq, nd.cfg.Quorum())
		}
	}

	// Highest view cert for each seq above the checkpoint
	chosen := make(map[uint64]*PrePrepare)
	maxSeq := plan.stableSeq
	for _, vc := range vcs {
		for _, cert := range vc.Prepared {
			pp := cert.PrePrepare
			if pp.Seq <= plan.stableSeq {
				continue
			}
			if cur, ok := chosen[pp.Seq]; !ok || pp.View > cur.View {
				chosen[pp.Seq] = pp
			}
			if pp.Seq > maxSeq {
				maxSeq = pp.Seq
			}
		}
	}

	primary := nd.primary(v)
	for s := plan.stableSeq + 1; s <= maxSeq; s++ {
		pp := &PrePrepare{View: v, Seq: s, ReplicaID: primary}
		if prev, ok := chosen[s]; ok && !prev.IsNull() {
			pp.Digest = prev.Digest
			pp.Request = prev.Request
		}
		plan.prePrepares = append(plan.prePrepares, pp)
	}
	return plan
}

// maybeSendNewView is run by the primary of view v once it has 2f+1 view-changes for v
func (nd *Node) maybeSendNewView(v uint64) {
	if !nd.isPrimary(v) || nd.view != v || nd.mode != ModeViewChange {
		return
	}
	// It could not run the new view
	if nd.lastExec < nd.h {
		return
	}
	if _, ok := nd.nvStore[v]; ok {
		return
	}
	vcs := lo.Values(nd.vcStore[v])
	if len(vcs) < nd.cfg.Quorum() {
		return
	}
	sort.Slice(vcs, func(i, j int) bool { return vcs[i].ReplicaID < vcs[j].ReplicaID })

	plan := nd.computeNewView(v, vcs)
	for _, pp := range plan.prePrepares {
		nd.sign(pp)
	}
	nv := &NewView{
		View:        v,
		ReplicaID:   nd.np.ID,
		ViewChanges: vcs,
		PrePrepares: plan.prePrepares,
	}
	nd.sign(nv)
	nd.nvStore[v] = nv

	logger.Infof("Replica %d is new primary, sending new-view, v:%d, X:%d pre-prepares from seqNo %d",
		nd.np.ID, v, len(plan.prePrepares), plan.stableSeq+1)
	nd.broadcast(nv)
	nd.enterView(v, plan)
}

func (nd *Node) onNewView(nv *NewView) {
	logger.Infof("Replica %d received new-view %d from replica %d", nd.np.ID, nv.View, nv.ReplicaID)

	if nv.View < nd.view || (nv.View == nd.view && nd.mode == ModeNormal) {
		logger.Debugf("Replica %d ignoring new-view for view %d, in view %d (%s)", nd.np.ID, nv.View, nd.view, nd.mode)
		return
	}
	if _, ok := nd.nvStore[nv.View]; ok {
		return
	}
	plan, err := nd.checkNewView(nv)
	if err != nil {
		logger.Warningf("Replica %d rejecting new-view from replica %d: %v", nd.np.ID, nv.ReplicaID, err)
		return
	}

	nd.nvStore[nv.View] = nv
	nd.enterView(nv.View, plan)
}

// checkNewView validates nv and recomputes its pre-prepares from the view-changes it carries
func (nd *Node) checkNewView(nv *NewView) (newViewPlan, error) {
	primary := nd.primary(nv.View)
	if nv.ReplicaID != primary {
		return newViewPlan{}, fmt.Errorf("%w: sent by %d, primary is %d", ErrInvalidNewView, nv.ReplicaID, primary)
	}
	if !nd.verifyReplicaMsg(nv, primary) {
		return newViewPlan{}, fmt.Errorf("%w: %w", ErrInvalidNewView, ErrInvalidSig)
	}

	vcs := make(map[uint32]*ViewChange)
	for _, vc := range nv.ViewChanges {
		if vc == nil || vc.NewView != nv.View || !nd.verifyReplicaMsg(vc, vc.ReplicaID) {
			return newViewPlan{}, fmt.Errorf("%w: bad view-change in new-view", ErrInvalidNewView)
		}
		if _, err := nd.checkViewChange(vc); err != nil {
			return newViewPlan{}, fmt.Errorf("%w: %w", ErrInvalidNewView, err)
		}
		vcs[vc.ReplicaID] = vc
	}
	if len(vcs) < nd.cfg.Quorum() {
		return newViewPlan{}, fmt.Errorf("%w: %d view-changes, want %d", ErrInvalidNewView, len(vcs), nd.cfg.Quorum())
	}

	plan := nd.computeNewView(nv.View, lo.Values(vcs))
	if len(plan.prePrepares) != len(nv.PrePrepares) {
		return newViewPlan{}, fmt.Errorf("%w: %d pre-prepares, want %d", ErrInvalidNewView, len(nv.PrePrepares), len(plan.prePrepares))
	}
	for i, want := range plan.prePrepares {
		got := nv.PrePrepares[i]
		if got == nil || got.View != want.View || got.Seq != want.Seq || got.ReplicaID != primary ||
			!bytes.Equal(got.Digest, want.Digest) || got.IsNull() != want.IsNull() {
			return newViewPlan{}, fmt.Errorf("%w: pre-prepare %d does not match the view-changes", ErrInvalidNewView, want.Seq)
		}
		if !nd.verifyReplicaMsg(got, primary) {
			return newViewPlan{}, fmt.Errorf("%w: pre-prepare %d: %w", ErrInvalidNewView, want.Seq, ErrInvalidSig)
		}
		if !got.IsNull() && !bytes.Equal(RequestDigest(got.Request), got.Digest) {
			return newViewPlan{}, fmt.Errorf("%w: pre-prepare %d: %w", ErrInvalidNewView, want.Seq, ErrUnmatchedDigest)
		}
	}
	// Use the signed ones
	plan.prePrepares = nv.PrePrepares
	return plan, nil
}

// enterView starts view v in the state derived from its new-view
func (nd *Node) enterView(v uint64, plan newViewPlan) {
	nd.leaveView(v)
	nd.view = v
	nd.stopViewChangeTimer()
	nd.vcTimeout = nd.cfg.ViewChangeTimeout
	for view := range nd.vcStore {
		if view <= v {
			delete(nd.vcStore, view)
		}
	}
	for view := range nd.nvStore {
		if view < v {
			delete(nd.nvStore, view)
		}
	}

	if plan.stableSeq > nd.h {
		own, ok := nd.ownChkpts[plan.stableSeq]
		if !ok || nd.lastExec < plan.stableSeq {
			logger.Warningf("Replica %d missing base checkpoint %d (our h: %d, executed: %d), need state transfer",
				nd.np.ID, plan.stableSeq, nd.h, nd.lastExec)
			nd.mode = ModeRecovering
			nd.persist()
			return
		}
		if !bytes.Equal(own, plan.stableDigest) {
			logger.Errorf("Replica %d base checkpoint %d of new view has digest %s, but ours is %s, need state transfer",
				nd.np.ID, plan.stableSeq, shortDigest(plan.stableDigest), shortDigest(own))
			nd.mode = ModeRecovering
			nd.persist()
			return
		}
		nd.moveWatermarks(plan.stableSeq, plan.stableDigest, plan.stableProof)
	}
	if nd.lastExec < nd.h {
		logger.Warningf("Replica %d entered view %d but has only executed up to %d below its low watermark %d, need state transfer",
			nd.np.ID, v, nd.lastExec, nd.h)
		nd.mode = ModeRecovering
		nd.persist()
		return
	}

	nd.mode = ModeNormal
	nd.seq = max(nd.h, plan.stableSeq)
	for _, pp := range plan.prePrepares {
		if pp.Seq > nd.seq {
			nd.seq = pp.Seq
		}
		if !nd.inW(pp.Seq) {
			continue
		}
		nd.installPrePrepare(pp)
	}
	logger.Infof("Replica %d entered view %d with primary %d, h:%d, seqNo:%d", nd.np.ID, v, nd.primary(v), nd.h, nd.seq)
	nd.persist()

	nd.armOutstandingTimers()
	if nd.isPrimary(v) {
		nd.resubmitOutstanding()
		nd.dispatchPending()
	}
	nd.replayBacklog()
	nd.executeOutstanding()
}

// resubmitOutstanding proposes the requests left over by the last primary
func (nd *Node) resubmitOutstanding() {
	reqs := lo.Filter(lo.Values(nd.outstanding), func(req *Request, _ int) bool {
		_, ok := nd.assigned[digestKey(RequestDigest(req))]
		return !ok
	})
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].ClientID != reqs[j].ClientID {
			return reqs[i].ClientID < reqs[j].ClientID
		}
		return reqs[i].Timestamp < reqs[j].Timestamp
	})
	for _, req := range reqs {
		if latest, ok := nd.lastTimestamp[req.ClientID]; ok && req.Timestamp <= latest {
			delete(nd.outstanding, keyOfReq(req))
			continue
		}
		nd.propose(req)
	}
}
