// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"testing"
	"time"
)

func TestViewChangeTimerEscalates(t *testing.T) {
	env := newTestNodeEnv(t)
	nd, rc := env.newNode(t, 2, NewMemStorage(), NewCounterStateMachine())

	nd.sendViewChange(1)
	if nd.vcTimer == nil || nd.vcTimeout != 2*time.Hour {
		t.Fatalf("view change timer should run and the next timeout double, got %v", nd.vcTimeout)
	}

	// Fired for a view already left
	nd.handleEvent(viewChangeTimeoutEvent{view: 0})
	if nd.view != 1 || nd.mode != ModeViewChange {
		t.Fatalf("stale view change timeout should be ignored, got view %d mode %s", nd.view, nd.mode)
	}

	nd.handleEvent(viewChangeTimeoutEvent{view: 1})
	if nd.view != 2 || nd.mode != ModeViewChange {
		t.Fatalf("node should move on to view 2, got view %d mode %s", nd.view, nd.mode)
	}
	if nd.vcTimeout != 4*time.Hour {
		t.Fatalf("timeout should double again, got %v", nd.vcTimeout)
	}
	vcs := rc.sentOfType(MsgTypeViewChange)
	if len(vcs) != 2 || vcs[1].(*ViewChange).NewView != 2 {
		t.Fatalf("node should send a view-change for view 2")
	}

	// Node 2 is the primary of view 2
	nd.handleMsg(env.viewChange(2, 0, 0, nil))
	nd.handleMsg(env.viewChange(2, 3, 0, nil))
	if len(rc.sentOfType(MsgTypeNewView)) != 1 || nd.mode != ModeNormal || nd.view != 2 {
		t.Fatalf("primary should enter view 2 with a new-view, got view %d mode %s", nd.view, nd.mode)
	}
	if nd.vcTimer != nil || nd.vcTimeout != env.cfg.ViewChangeTimeout {
		t.Fatalf("entering a view should stop the timer and reset the timeout, got %v", nd.vcTimeout)
	}

	// No view change is in progress
	nd.handleEvent(viewChangeTimeoutEvent{view: 2})
	if nd.view != 2 || nd.mode != ModeNormal {
		t.Fatalf("timeout in normal mode should be ignored")
	}
}

func TestViewChangeTimeoutCapped(t *testing.T) {
	env := newTestNodeEnv(t)
	nd, _ := env.newNode(t, 2, NewMemStorage(), NewCounterStateMachine())

	want := []time.Duration{2 * time.Hour, 4 * time.Hour, 8 * time.Hour, 8 * time.Hour, 8 * time.Hour}
	for i, d := range want {
		nd.startViewChangeTimer(uint64(i + 1))
		if nd.vcTimeout != d {
			t.Fatalf("timeout after %d starts should be %v, got %v", i+1, d, nd.vcTimeout)
		}
	}

	// Not a power of 2 of the base
	nd.cfg.MaxViewChangeTimeout = 3 * time.Hour
	nd.vcTimeout = 2 * time.Hour
	nd.startViewChangeTimer(9)
	if nd.vcTimeout != 3*time.Hour {
		t.Fatalf("timeout should be clamped to 3h, got %v", nd.vcTimeout)
	}
}

func TestRequestTimeoutIgnoresStaleTimers(t *testing.T) {
	env := newTestNodeEnv(t)
	nd, rc := env.newNode(t, 1, NewMemStorage(), NewCounterStateMachine())

	req := env.request(1, "op")
	nd.handleMsg(req)
	key := keyOfReq(req)
	rt, ok := nd.timers[key]
	if !ok {
		t.Fatalf("backup should time the relayed request")
	}

	// A timer replaced by a later one
	nd.handleEvent(requestTimeoutEvent{key: key, view: 0, genID: rt.genID + 1})
	if _, ok := nd.timers[key]; !ok || nd.view != 0 {
		t.Fatalf("timeout of another timer generation should be ignored")
	}

	// A timer armed in another view
	nd.handleEvent(requestTimeoutEvent{key: key, view: 1, genID: rt.genID})
	if nd.view != 0 || nd.mode != ModeNormal || len(rc.sentOfType(MsgTypeViewChange)) != 0 {
		t.Fatalf("timeout armed in another view should not start a view change")
	}
	if _, ok := nd.timers[key]; ok {
		t.Fatalf("fired timer should be removed")
	}

	nd.armRequestTimer(key)
	rt = nd.timers[key]
	nd.handleEvent(requestTimeoutEvent{key: key, view: 0, genID: rt.genID})
	if nd.view != 1 || nd.mode != ModeViewChange {
		t.Fatalf("timeout should start a view change to view 1, got view %d mode %s", nd.view, nd.mode)
	}
	vcs := rc.sentOfType(MsgTypeViewChange)
	if len(vcs) != 1 || vcs[0].(*ViewChange).NewView != 1 {
		t.Fatalf("node should send a view-change for view 1")
	}
}

func TestRequestTimeoutAfterRequestDone(t *testing.T) {
	env := newTestNodeEnv(t)
	nd, rc := env.newNode(t, 1, NewMemStorage(), NewCounterStateMachine())

	req := env.request(1, "op")
	nd.handleMsg(req)
	key := keyOfReq(req)
	rt := nd.timers[key]
	delete(nd.outstanding, key)

	nd.handleEvent(requestTimeoutEvent{key: key, view: 0, genID: rt.genID})
	if nd.view != 0 || len(rc.sentOfType(MsgTypeViewChange)) != 0 {
		t.Fatalf("timeout of a request no longer outstanding should be ignored")
	}
}
