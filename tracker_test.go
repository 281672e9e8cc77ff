// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"bytes"
	"testing"
)

func TestTrackerPrepared(t *testing.T) {
	tr := NewTracker(3)
	d := Hash([]byte("req"))

	if !tr.AddImplicitPrepare(0, 1, d, 0) {
		t.Fatalf("implicit prepare of primary should be added")
	}
	if !tr.AddPrepare(&Prepare{View: 0, Seq: 1, Digest: d, ReplicaID: 1}) {
		t.Fatalf("prepare of replica 1 should be added")
	}
	if tr.AddPrepare(&Prepare{View: 0, Seq: 1, Digest: d, ReplicaID: 1}) {
		t.Fatalf("duplicate prepare of replica 1 should be rejected")
	}
	if _, ok := tr.IsPrepared(0, 1); ok {
		t.Fatalf("2 votes should not be prepared")
	}

	// A vote for another digest does not count
	tr.AddPrepare(&Prepare{View: 0, Seq: 1, Digest: Hash([]byte("other")), ReplicaID: 2})
	if _, ok := tr.IsPrepared(0, 1); ok {
		t.Fatalf("votes for different digests should not be merged")
	}

	tr.AddPrepare(&Prepare{View: 0, Seq: 1, Digest: d, ReplicaID: 3})
	got, ok := tr.IsPrepared(0, 1)
	if !ok || !bytes.Equal(got, d) {
		t.Fatalf("3 matching votes should be prepared")
	}
	if n := tr.PrepareCount(0, 1, d); n != 3 {
		t.Fatalf("prepare count mismatched: got %d, want 3", n)
	}

	proof := tr.PrepareProof(0, 1, d)
	if len(proof) != 2 || proof[0].ReplicaID != 1 || proof[1].ReplicaID != 3 {
		t.Fatalf("proof should be the explicit prepares of replicas 1 and 3 in order, got %d prepares", len(proof))
	}

	// Same seq in another view is tracked apart
	if _, ok := tr.IsPrepared(1, 1); ok {
		t.Fatalf("view 1 should not be prepared")
	}
}

func TestTrackerCommitted(t *testing.T) {
	tr := NewTracker(3)
	d := Hash([]byte("req"))
	for i := uint32(0); i < 2; i++ {
		tr.AddCommit(&Commit{View: 2, Seq: 5, Digest: d, ReplicaID: i})
	}
	if tr.AddCommit(&Commit{View: 2, Seq: 5, Digest: d, ReplicaID: 0}) {
		t.Fatalf("duplicate commit should be rejected")
	}
	if _, ok := tr.IsCommitted(2, 5); ok {
		t.Fatalf("2 commits should not be committed")
	}
	tr.AddCommit(&Commit{View: 2, Seq: 5, Digest: d, ReplicaID: 3})
	if got, ok := tr.IsCommitted(2, 5); !ok || !bytes.Equal(got, d) {
		t.Fatalf("3 commits should be committed")
	}
	if n := tr.CommitCount(2, 5, d); n != 3 {
		t.Fatalf("commit count mismatched: got %d, want 3", n)
	}
}

func TestTrackerPrune(t *testing.T) {
	tr := NewTracker(1)
	d := Hash([]byte("req"))
	tr.AddPrepare(&Prepare{View: 0, Seq: 10, Digest: d, ReplicaID: 1})
	tr.AddPrepare(&Prepare{View: 1, Seq: 11, Digest: d, ReplicaID: 1})
	tr.AddCommit(&Commit{View: 1, Seq: 12, Digest: d, ReplicaID: 1})

	tr.Prune(10)
	if _, ok := tr.IsPrepared(0, 10); ok {
		t.Fatalf("seq 10 should be pruned")
	}
	if _, ok := tr.IsPrepared(1, 11); !ok {
		t.Fatalf("seq 11 should be kept")
	}

	tr.PruneViews(2)
	if _, ok := tr.IsPrepared(1, 11); ok {
		t.Fatalf("view 1 should be pruned")
	}
	if _, ok := tr.IsCommitted(1, 12); ok {
		t.Fatalf("commits of view 1 should be pruned")
	}
	// Votes can be added again after pruning
	if !tr.AddPrepare(&Prepare{View: 0, Seq: 10, Digest: d, ReplicaID: 1}) {
		t.Fatalf("prepare should be added again after pruning")
	}
}
