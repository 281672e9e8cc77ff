// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import "errors"

var ErrTimestampNotNew = errors.New("request timestamp error: not newer than the latest handled one")
var ErrInvalidSig = errors.New("sig error: invalid signature")
var ErrUnmatchedDigest = errors.New("digest error: the digest of the request is not matched with the digest in the preprepare")
var ErrUnmatchedView = errors.New("view error: the view is not matched with the current node state")
var ErrUnmatchedPP = errors.New("preprepare error: accepted 2 preprepares and the 2 do not match")
var ErrNotPrimary = errors.New("primary error: the sender is not the primary of the view")
var ErrOutOfWindow = errors.New("seq error: the sequence number is outside the watermark window")
var ErrInvalidViewChange = errors.New("view change error: the view-change msg is not well-formed")
var ErrInvalidNewView = errors.New("new view error: the new-view msg does not match its view-change proofs")
var ErrInvalidCheckpointProof = errors.New("checkpoint error: the stable checkpoint proof is invalid")

var ErrMalformedMsg = errors.New("msg error: malformed wire encoding")
var ErrUnknownMsgType = errors.New("msg error: unknown msg type")

var ErrInvalidConfig = errors.New("config error: invalid node config")
var ErrInvalidStorage = errors.New("invalid storage error: value is invalid and not put by the app")
var ErrUnknownUser = errors.New("id error: the user is not registered")
var ErrUnknownNodeID = errors.New("id error: can not use the ID to get the required information of the node")
var ErrNodeStopped = errors.New("node error: the node has been stopped")
var ErrNodeStarted = errors.New("node error: the node has already been started")
