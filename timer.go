// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"time"
)

// event is what the processing loop consumes
type event any

type msgEvent struct {
	msg Message
}

// requestTimeoutEvent is sent when a request is not committed in time
type requestTimeoutEvent struct {
	key  reqKey
	view uint64
	// genID tells the firing of an old timer from the one currently armed for key
	genID uint64
}

// viewChangeTimeoutEvent is sent when no valid new-view arrives in time
type viewChangeTimeoutEvent struct {
	view uint64
}

type requestTimer struct {
	t     *time.Timer
	genID uint64
}

// postAsync is used by timer callbacks, which must not block the timer goroutine when the node is stopping
func (nd *Node) postAsync(ev event) {
	if err := nd.post(ev); err != nil {
		logger.Debugf("Replica %d dropped timer event %T: %v", nd.np.ID, ev, err)
	}
}

// armRequestTimer starts the timer of a request if it is not running yet
func (nd *Node) armRequestTimer(key reqKey) {
	if _, ok := nd.timers[key]; ok {
		return
	}

	nd.timerGenID++
	ev := requestTimeoutEvent{key: key, view: nd.view, genID: nd.timerGenID}
	logger.Debugf("Replica %d starting request timer for client %s timestamp %d in view %d: %v",
		nd.np.ID, key.client, key.timestamp, nd.view, nd.cfg.RequestTimeout)
	nd.timers[key] = &requestTimer{
		t:     time.AfterFunc(nd.cfg.RequestTimeout, func() { nd.postAsync(ev) }),
		genID: ev.genID,
	}
}

func (nd *Node) cancelRequestTimer(key reqKey) {
	if rt, ok := nd.timers[key]; ok {
		rt.t.Stop()
		delete(nd.timers, key)
	}
}

func (nd *Node) stopAllRequestTimers() {
	for key, rt := range nd.timers {
		rt.t.Stop()
		delete(nd.timers, key)
	}
}

// armOutstandingTimers restarts timers for all requests not executed, e.g., after entering a new view
func (nd *Node) armOutstandingTimers() {
	for key := range nd.outstanding {
		if nd.committedReq(key) {
			continue
		}
		nd.armRequestTimer(key)
	}
}

// startViewChangeTimer waits for the new-view of view v.
// The timeout doubles every time until a new view is entered, up to MaxViewChangeTimeout.
func (nd *Node) startViewChangeTimer(v uint64) {
	nd.stopViewChangeTimer()
	timeout := nd.vcTimeout
	if nd.vcTimeout > nd.cfg.MaxViewChangeTimeout/2 {
		nd.vcTimeout = nd.cfg.MaxViewChangeTimeout
	} else {
		nd.vcTimeout *= 2
	}
	logger.Debugf("Replica %d starting view change timer for view %d: %v", nd.np.ID, v, timeout)
	nd.vcTimer = time.AfterFunc(timeout, func() { nd.postAsync(viewChangeTimeoutEvent{view: v}) })
}

func (nd *Node) stopViewChangeTimer() {
	if nd.vcTimer != nil {
		nd.vcTimer.Stop()
		nd.vcTimer = nil
	}
}

func (nd *Node) onRequestTimeout(e requestTimeoutEvent) {
	rt, ok := nd.timers[e.key]
	if !ok || rt.genID != e.genID {
		return
	}
	delete(nd.timers, e.key)

	if e.view != nd.view || nd.mode != ModeNormal {
		return
	}
	if _, ok := nd.outstanding[e.key]; !ok || nd.committedReq(e.key) {
		return
	}

	logger.Infof("Replica %d request timer expired for client %s timestamp %d, sending view change",
		nd.np.ID, e.key.client, e.key.timestamp)
	nd.sendViewChange(nd.view + 1)
}

func (nd *Node) onViewChangeTimeout(e viewChangeTimeoutEvent) {
	if e.view != nd.view || nd.mode != ModeViewChange {
		return
	}
	logger.Infof("Replica %d view change timer expired before new view %d, moving to view %d", nd.np.ID, nd.view, nd.view+1)
	nd.sendViewChange(nd.view + 1)
}
