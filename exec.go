// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

// executeOutstanding applies committed entries in seq order, stopping at the first gap
func (nd *Node) executeOutstanding() {
	for {
		e, ok := nd.log[nd.lastExec+1]
		if !ok || e.status != SlotCommitted {
			return
		}
		nd.execute(e)
		e.status = SlotExecuted
		nd.lastExec = e.seq

		if nd.lastExec%nd.cfg.K == 0 {
			nd.makeCheckpoint(nd.lastExec)
		}
	}
}

func (nd *Node) execute(e *logEntry) {
	if e.pp.IsNull() {
		logger.Debugf("Replica %d executing null request for view=%d/seqNo=%d", nd.np.ID, e.view, e.seq)
		return
	}

	req := e.pp.Request
	key := keyOfReq(req)
	nd.cancelRequestTimer(key)
	delete(nd.outstanding, key)

	// The same request may be committed at 2 seqs across view changes, and must be applied once
	if latest, ok := nd.lastTimestamp[req.ClientID]; ok && req.Timestamp <= latest {
		logger.Debugf("Replica %d skipping re-execution of request from client %s timestamp %d at seqNo=%d",
			nd.np.ID, req.ClientID, req.Timestamp, e.seq)
		return
	}

	logger.Debugf("Replica %d executing view=%d/seqNo=%d: client = %s, timestamp = %d", nd.np.ID, e.view, e.seq, req.ClientID, req.Timestamp)
	result := nd.nsm.Transform(req.Op)

	rep := &Reply{
		View:      e.view,
		Timestamp: req.Timestamp,
		ClientID:  req.ClientID,
		ReplicaID: nd.np.ID,
		Result:    result,
	}
	nd.sign(rep)
	nd.lastTimestamp[req.ClientID] = req.Timestamp
	nd.lastReply[req.ClientID] = rep
	nd.reply(rep)
}

func (nd *Node) reply(rep *Reply) {
	if err := nd.nc.Return(rep, rep.ClientID); err != nil {
		logger.Warningf("Replica %d failed to return reply to client %s: %v", nd.np.ID, rep.ClientID, err)
	}
}
