// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"sort"
)

type slotID struct {
	view uint64
	seq  uint64
}

// voteKey indexes certs by view + seq + digest
type voteKey struct {
	slotID
	digest string
}

// Tracker collects prepare and commit votes into quorum certs.
// It is not safe for concurrent use. Nodes only use it from their processing loop.
type Tracker struct {
	quorum int
	// Indexed by view + seq + digest, then by replica.
	// A nil prepare stands for the implicit vote of the primary carried by its pre-prepare.
	prepares map[voteKey]map[uint32]*Prepare
	commits  map[voteKey]map[uint32]*Commit
	// Digests seen for view + seq, so the map keys can be turned back into digests
	digests map[slotID]map[string][]byte
}

func NewTracker(quorum int) *Tracker {
	return &Tracker{
		quorum:   quorum,
		prepares: make(map[voteKey]map[uint32]*Prepare),
		commits:  make(map[voteKey]map[uint32]*Commit),
		digests:  make(map[slotID]map[string][]byte),
	}
}

func (t *Tracker) key(view, seq uint64, digest []byte) voteKey {
	slot := slotID{view: view, seq: seq}
	dk := digestKey(digest)
	ds, ok := t.digests[slot]
	if !ok {
		ds = make(map[string][]byte)
		t.digests[slot] = ds
	}
	if _, ok := ds[dk]; !ok {
		ds[dk] = digest
	}
	return voteKey{slotID: slot, digest: dk}
}

// AddPrepare returns false if the replica has voted for the same view + seq + digest
func (t *Tracker) AddPrepare(p *Prepare) bool {
	return t.addPrepare(t.key(p.View, p.Seq, p.Digest), p.ReplicaID, p)
}

// AddImplicitPrepare counts the pre-prepare of the primary as its prepare
func (t *Tracker) AddImplicitPrepare(view, seq uint64, digest []byte, primary uint32) bool {
	return t.addPrepare(t.key(view, seq, digest), primary, nil)
}

func (t *Tracker) addPrepare(k voteKey, replica uint32, p *Prepare) bool {
	votes, ok := t.prepares[k]
	if !ok {
		votes = make(map[uint32]*Prepare)
		t.prepares[k] = votes
	}
	if _, ok := votes[replica]; ok {
		return false
	}
	votes[replica] = p
	return true
}

// AddCommit returns false if the replica has voted for the same view + seq + digest
func (t *Tracker) AddCommit(c *Commit) bool {
	k := t.key(c.View, c.Seq, c.Digest)
	votes, ok := t.commits[k]
	if !ok {
		votes = make(map[uint32]*Commit)
		t.commits[k] = votes
	}
	if _, ok := votes[c.ReplicaID]; ok {
		return false
	}
	votes[c.ReplicaID] = c
	return true
}

// IsPrepared returns the digest with 2f+1 prepare votes at view + seq, if any
func (t *Tracker) IsPrepared(view, seq uint64) ([]byte, bool) {
	for dk, d := range t.digests[slotID{view: view, seq: seq}] {
		if len(t.prepares[voteKey{slotID: slotID{view, seq}, digest: dk}]) >= t.quorum {
			return d, true
		}
	}
	return nil, false
}

// IsCommitted returns the digest with 2f+1 commit votes at view + seq, if any
func (t *Tracker) IsCommitted(view, seq uint64) ([]byte, bool) {
	for dk, d := range t.digests[slotID{view: view, seq: seq}] {
		if len(t.commits[voteKey{slotID: slotID{view, seq}, digest: dk}]) >= t.quorum {
			return d, true
		}
	}
	return nil, false
}

func (t *Tracker) PrepareCount(view, seq uint64, digest []byte) int {
	return len(t.prepares[voteKey{slotID: slotID{view, seq}, digest: digestKey(digest)}])
}

func (t *Tracker) CommitCount(view, seq uint64, digest []byte) int {
	return len(t.commits[voteKey{slotID: slotID{view, seq}, digest: digestKey(digest)}])
}

// PrepareProof returns the explicit prepares backing view + seq + digest, ordered by replica.
// The implicit vote of the primary is not included, as its pre-prepare goes along in [PreparedCert].
func (t *Tracker) PrepareProof(view, seq uint64, digest []byte) []*Prepare {
	votes := t.prepares[voteKey{slotID: slotID{view, seq}, digest: digestKey(digest)}]
	proof := make([]*Prepare, 0, len(votes))
	for _, p := range votes {
		if p != nil {
			proof = append(proof, p)
		}
	}
	sort.Slice(proof, func(i, j int) bool { return proof[i].ReplicaID < proof[j].ReplicaID })
	return proof
}

// Prune drops all votes for seqs <= seq
func (t *Tracker) Prune(seq uint64) {
	t.prune(func(s slotID) bool { return s.seq <= seq })
}

// PruneViews drops all votes for views < view
func (t *Tracker) PruneViews(view uint64) {
	t.prune(func(s slotID) bool { return s.view < view })
}

func (t *Tracker) prune(drop func(slotID) bool) {
	for slot, ds := range t.digests {
		if !drop(slot) {
			continue
		}
		for dk := range ds {
			k := voteKey{slotID: slot, digest: dk}
			delete(t.prepares, k)
			delete(t.commits, k)
		}
		delete(t.digests, slot)
	}
}
