// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"bytes"
	"sort"

	"github.com/samber/lo"
)

// checkpointStore collects checkpoint msgs, indexed by seq then by replica
type checkpointStore struct {
	bySeq map[uint64]map[uint32]*Checkpoint
}

func newCheckpointStore() *checkpointStore {
	return &checkpointStore{bySeq: make(map[uint64]map[uint32]*Checkpoint)}
}

// add returns false if the replica has sent a checkpoint for the seq
func (cs *checkpointStore) add(c *Checkpoint) bool {
	byReplica, ok := cs.bySeq[c.Seq]
	if !ok {
		byReplica = make(map[uint32]*Checkpoint)
		cs.bySeq[c.Seq] = byReplica
	}
	if _, ok := byReplica[c.ReplicaID]; ok {
		return false
	}
	byReplica[c.ReplicaID] = c
	return true
}

// quorumCert returns the digest and proof of seq once at least quorum replicas agree on it
func (cs *checkpointStore) quorumCert(seq uint64, quorum int) ([]byte, []*Checkpoint, bool) {
	groups := lo.GroupBy(lo.Values(cs.bySeq[seq]), func(c *Checkpoint) string {
		return digestKey(c.StateDigest)
	})
	for _, group := range groups {
		if len(group) < quorum {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].ReplicaID < group[j].ReplicaID })
		return group[0].StateDigest, group, true
	}
	return nil, nil, false
}

// prune drops checkpoints for seqs <= seq
func (cs *checkpointStore) prune(seq uint64) {
	for s := range cs.bySeq {
		if s <= seq {
			delete(cs.bySeq, s)
		}
	}
}

// makeCheckpoint is called right after executing seq, a multiple of K
func (nd *Node) makeCheckpoint(seq uint64) {
	digest := nd.nsm.Digest()
	nd.ownChkpts[seq] = digest

	c := &Checkpoint{
		Seq:         seq,
		StateDigest: digest,
		ReplicaID:   nd.np.ID,
	}
	nd.sign(c)
	logger.Debugf("Replica %d preparing checkpoint for seqNo=%d, state digest %s", nd.np.ID, seq, shortDigest(digest))
	nd.chkpts.add(c)
	nd.broadcast(c)
	nd.maybeStabilize(seq)
}

func (nd *Node) onCheckpoint(c *Checkpoint) {
	logger.Debugf("Replica %d received checkpoint from replica %d, seqNo %d, digest %s",
		nd.np.ID, c.ReplicaID, c.Seq, shortDigest(c.StateDigest))

	if !nd.verifyReplicaMsg(c, c.ReplicaID) {
		logger.Warningf("Replica %d checkpoint sig invalid: replica = %d, seq = %d", nd.np.ID, c.ReplicaID, c.Seq)
		return
	}
	if c.Seq%nd.cfg.K != 0 {
		logger.Warningf("Replica %d ignoring checkpoint for seqNo=%d: not a multiple of K = %d", nd.np.ID, c.Seq, nd.cfg.K)
		return
	}
	if !nd.inW(c.Seq) {
		if c.Seq > nd.h {
			logger.Warningf("Checkpoint sequence number outside watermarks: seqNo %d, low-mark %d", c.Seq, nd.h)
		}
		return
	}
	if !nd.chkpts.add(c) {
		logger.Warningf("Ignoring duplicate checkpoint from %d for seqNo=%d", c.ReplicaID, c.Seq)
		return
	}

	nd.maybeStabilize(c.Seq)
}

// maybeStabilize moves the window to seq once 2f+1 checkpoints match the own one
func (nd *Node) maybeStabilize(seq uint64) {
	if seq <= nd.h {
		return
	}
	digest, proof, ok := nd.chkpts.quorumCert(seq, nd.cfg.Quorum())
	if !ok {
		return
	}

	own, ok := nd.ownChkpts[seq]
	if !ok {
		// Not executed yet. Checked again when making the own checkpoint.
		logger.Debugf("Replica %d has a checkpoint cert for seqNo=%d but has only executed up to %d", nd.np.ID, seq, nd.lastExec)
		return
	}
	if !bytes.Equal(own, digest) {
		logger.Errorf("Replica %d generated a checkpoint of %s, but a quorum of the network agrees on %s. Our state is corrupt, not moving the window",
			nd.np.ID, shortDigest(own), shortDigest(digest))
		return
	}

	logger.Infof("Replica %d found checkpoint quorum for seqNo %d, digest %s", nd.np.ID, seq, shortDigest(digest))
	nd.moveWatermarks(seq, digest, proof)
}

// moveWatermarks makes seq the stable checkpoint and garbage-collects everything at or below it
func (nd *Node) moveWatermarks(seq uint64, digest []byte, proof []*Checkpoint) {
	if seq <= nd.h {
		return
	}

	for s := range nd.log {
		if s <= seq {
			delete(nd.log, s)
		}
	}
	for dk, s := range nd.assigned {
		if s <= seq {
			delete(nd.assigned, dk)
		}
	}
	for s := range nd.prepCerts {
		if s <= seq {
			delete(nd.prepCerts, s)
		}
	}
	for s := range nd.ownChkpts {
		if s < seq {
			delete(nd.ownChkpts, s)
		}
	}
	nd.tracker.Prune(seq)
	nd.chkpts.prune(seq)

	nd.h = seq
	nd.stable = stableCheckpoint{seq: seq, digest: digest, proof: proof}
	if nd.seq < seq {
		nd.seq = seq
	}
	logger.Infof("Replica %d updated low watermark to %d", nd.np.ID, nd.h)

	nd.persist()
	nd.dispatchPending()
}
