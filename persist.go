// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"bytes"
	"fmt"
)

const stateStorageKey = "pbft/state"

// persistedState is what a replica needs to rejoin after a restart.
// The app state itself is owned by the app, which should persist it at least at checkpoints.
type persistedState struct {
	View         uint64
	StableSeq    uint64
	StableDigest []byte
	// Wire encoded checkpoints
	StableProof [][]byte
}

func (nd *Node) persist() {
	st := persistedState{
		View:         nd.view,
		StableSeq:    nd.stable.seq,
		StableDigest: nd.stable.digest,
	}
	for _, c := range nd.stable.proof {
		st.StableProof = append(st.StableProof, Marshal(c))
	}
	if err := nd.ns.Put(stateStorageKey, nodeStorageJSONSerde.Ser(st)); err != nil {
		logger.Errorf("Replica %d failed to persist state: %v", nd.np.ID, err)
	}
}

// restore loads the state saved by persist.
// The node resumes at its stable checkpoint only if the app state is still at it, otherwise it waits in [ModeRecovering].
func (nd *Node) restore() error {
	b, err := nd.ns.Get(stateStorageKey)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	var st persistedState
	if err := nodeStorageJSONSerde.De(b, &st); err != nil {
		return err
	}
	proof := make([]*Checkpoint, 0, len(st.StableProof))
	for _, cb := range st.StableProof {
		msg, err := Unmarshal(cb)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidStorage, err)
		}
		c, ok := msg.(*Checkpoint)
		if !ok || c.Seq != st.StableSeq {
			return ErrInvalidStorage
		}
		proof = append(proof, c)
	}

	nd.view = st.View
	nd.h = st.StableSeq
	nd.seq = st.StableSeq
	nd.stable = stableCheckpoint{seq: st.StableSeq, digest: st.StableDigest, proof: proof}

	if st.StableSeq == 0 || bytes.Equal(nd.nsm.Digest(), st.StableDigest) {
		nd.lastExec = st.StableSeq
		if st.StableSeq > 0 {
			nd.ownChkpts[st.StableSeq] = st.StableDigest
		}
		nd.mode = ModeNormal
	} else {
		nd.mode = ModeRecovering
	}
	logger.Infof("Replica %d restored view %d, stable checkpoint %d, mode %s", nd.np.ID, nd.view, nd.h, nd.mode)
	return nil
}
