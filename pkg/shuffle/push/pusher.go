// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package push implements the mapper-side block-push engine (spec §4.E):
// slicing a completed map task's data file into PushRequests, dispatching
// them to mergers under multi-dimensional flow control, and classifying
// partial failures.
package push

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/panjf2000/ants/v2"

	"github.com/matrixorigin/shuffle/pkg/common/logutil"
	"github.com/matrixorigin/shuffle/pkg/common/moerr"
	"github.com/matrixorigin/shuffle/pkg/shuffle/config"
	"github.com/matrixorigin/shuffle/pkg/shuffle/status"
	"github.com/matrixorigin/shuffle/pkg/shuffle/transport"
)

// ShuffleBlockPusher dispatches the pushes for one completed map task. All
// state below mu is mutated only while holding it; transport callbacks
// never run code under mu directly, they hand off to pool (spec §5).
type ShuffleBlockPusher struct {
	cfg       *config.Config
	transport transport.Pusher
	pool      *ants.Pool

	mu                sync.Mutex
	pushRequestsQueue []*PushRequest
	deferredQueues    map[status.BlockManagerId][]*PushRequest
	blocksInFlight    map[status.BlockManagerId]int
	bytesInFlight     int64
	reqsInFlight      int
	unreachable       map[status.BlockManagerId]bool
	stopPushing       bool

	active    map[int64]*activeRequest
	nextReqID int64
}

type activeRequest struct {
	req *PushRequest
}

// New builds a pusher with its own push thread pool of cfg.Push.NumThreads
// goroutines. The pool belongs to this pusher alone; it is not shared with
// other pushers in the process and is released by Close.
func New(cfg *config.Config, t transport.Pusher) (*ShuffleBlockPusher, error) {
	pool, err := ants.NewPool(cfg.Push.NumThreads)
	if err != nil {
		return nil, err
	}
	return &ShuffleBlockPusher{
		cfg:            cfg,
		transport:      t,
		pool:           pool,
		deferredQueues: map[status.BlockManagerId][]*PushRequest{},
		blocksInFlight: map[status.BlockManagerId]int{},
		unreachable:    map[status.BlockManagerId]bool{},
		active:         map[int64]*activeRequest{},
	}, nil
}

// Close releases the push thread pool.
func (p *ShuffleBlockPusher) Close() {
	p.pool.Release()
}

// Initiate enqueues requests (dropping any already bound for a
// destination on the unreachable list per §8 scenario 6) and kicks off
// dispatch.
func (p *ShuffleBlockPusher) Initiate(requests []*PushRequest) {
	p.mu.Lock()
	for _, r := range requests {
		if p.unreachable[r.Destination] {
			continue
		}
		p.pushRequestsQueue = append(p.pushRequestsQueue, r)
	}
	p.mu.Unlock()
	p.pushUpToMax()
}

// pushUpToMax drains the deferred queues first, then the main queue,
// holding the lock for the whole pass (spec §4.E: "correctness over
// throughput").
func (p *ShuffleBlockPusher) pushUpToMax() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopPushing {
		return
	}

	for dest, queue := range p.deferredQueues {
		for len(queue) > 0 && p.pushableLocked(dest, queue[0]) {
			req := queue[0]
			queue = queue[1:]
			p.dispatchLocked(req)
		}
		if len(queue) == 0 {
			delete(p.deferredQueues, dest)
		} else {
			p.deferredQueues[dest] = queue
		}
	}

	var remaining []*PushRequest
	for _, req := range p.pushRequestsQueue {
		if p.stopPushing {
			remaining = append(remaining, req)
			continue
		}
		if p.maxedOutLocked(req.Destination, req) {
			p.deferredQueues[req.Destination] = append(p.deferredQueues[req.Destination], req)
			continue
		}
		p.dispatchLocked(req)
	}
	p.pushRequestsQueue = remaining
}

// pushableLocked reports whether dest has capacity for req right now
// (spec §4.E: "bytesInFlight == 0 || (reqsInFlight+1 <= max && ...)").
func (p *ShuffleBlockPusher) pushableLocked(dest status.BlockManagerId, req *PushRequest) bool {
	if p.bytesInFlight == 0 {
		return !p.blocksMaxedOutLocked(dest, req)
	}
	if p.reqsInFlight+1 > p.cfg.Reducer.MaxReqsInFlight {
		return false
	}
	if p.bytesInFlight+req.Size > p.cfg.Reducer.MaxSizeInFlight {
		return false
	}
	return !p.blocksMaxedOutLocked(dest, req)
}

func (p *ShuffleBlockPusher) blocksMaxedOutLocked(dest status.BlockManagerId, req *PushRequest) bool {
	return p.blocksInFlight[dest]+len(req.Blocks) > p.cfg.Reducer.MaxBlocksInFlightPerAddress
}

// maxedOutLocked is the main-queue admission test: a destination is
// maxed-out purely on its block-count limit (spec §4.E step: "If
// destination is maxed-out, move the request to that destination's
// deferred queue").
func (p *ShuffleBlockPusher) maxedOutLocked(dest status.BlockManagerId, req *PushRequest) bool {
	return p.blocksMaxedOutLocked(dest, req)
}

// dispatchLocked is sendRequest: admits req into flight and hands it to
// the transport. Caller holds mu.
func (p *ShuffleBlockPusher) dispatchLocked(req *PushRequest) {
	dest := req.Destination
	p.bytesInFlight += req.Size
	p.reqsInFlight++
	p.blocksInFlight[dest] += len(req.Blocks)

	req.remaining = roaring.New()
	for i := range req.Blocks {
		req.remaining.AddInt(i)
	}

	reqID := p.nextReqID
	p.nextReqID++
	p.active[reqID] = &activeRequest{req: req}

	blockIDs := make([]string, len(req.Blocks))
	buffers := make([][]byte, len(req.Blocks))
	for i, b := range req.Blocks {
		blockIDs[i] = b.ID
		buffers[i] = nil // no file data is read here; PushBlocks receives only the block ids and nil buffers
	}

	listener := &pushListener{pusher: p, reqID: reqID}
	if err := p.transport.PushBlocks(dest, blockIDs, buffers, listener); err != nil {
		for i := range req.Blocks {
			p.recordFailureLocked(reqID, i, moerr.NewConnectError(dest, err))
		}
	}
}

// pushListener bridges transport-thread callbacks to the push pool (spec
// §4.E: "Listener callbacks run on the transport thread... submit a task
// back to the push thread pool").
type pushListener struct {
	pusher *ShuffleBlockPusher
	reqID  int64
}

func (l *pushListener) OnBlockPushSuccess(blockIndex int) {
	_ = l.pusher.pool.Submit(func() {
		if l.pusher.updateStateAndCheckIfPushMore(l.reqID, blockIndex, nil) {
			l.pusher.pushUpToMax()
		}
	})
}

func (l *pushListener) OnBlockPushFailure(blockIndex int, err error) {
	_ = l.pusher.pool.Submit(func() {
		if l.pusher.updateStateAndCheckIfPushMore(l.reqID, blockIndex, err) {
			l.pusher.pushUpToMax()
		}
	})
}

// recordFailureLocked applies a failure inline (used for PushBlocks calls
// that fail synchronously, before any listener callback could fire).
// Caller holds mu.
func (p *ShuffleBlockPusher) recordFailureLocked(reqID int64, blockIndex int, err error) {
	p.applyResultLocked(reqID, blockIndex, err)
}

// updateStateAndCheckIfPushMore is the per-block completion handler
// (spec §4.E). It returns true when the caller should immediately try to
// push more requests.
func (p *ShuffleBlockPusher) updateStateAndCheckIfPushMore(reqID int64, blockIndex int, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applyResultLocked(reqID, blockIndex, err)
}

func (p *ShuffleBlockPusher) applyResultLocked(reqID int64, blockIndex int, err error) bool {
	ar, ok := p.active[reqID]
	if !ok {
		return false
	}
	req := ar.req
	dest := req.Destination

	req.remaining.Remove(uint32(blockIndex))
	p.bytesInFlight -= req.Blocks[blockIndex].Size
	p.blocksInFlight[dest]--
	drained := req.remaining.IsEmpty()
	if drained {
		p.reqsInFlight--
		delete(p.active, reqID)
	}

	if err != nil {
		switch {
		case moerr.IsConnectError(err):
			if !p.unreachable[dest] {
				p.unreachable[dest] = true
				dropped := p.dropQueuedForDestLocked(dest)
				logutil.Warnf("push destination %s unreachable, dropped %d queued requests", dest, dropped)
			}
		case moerr.IsMergeFinalized(err):
			p.stopPushing = true
			return false
		default:
			logutil.Warnf("transient push failure for block %d to %s: %v", blockIndex, dest, err)
		}
	}

	return drained && (len(p.pushRequestsQueue) > 0 || len(p.deferredQueues) > 0)
}

// dropQueuedForDestLocked removes every queued (main + deferred) request
// targeting dest, returning how many were dropped (spec §8 scenario 6).
func (p *ShuffleBlockPusher) dropQueuedForDestLocked(dest status.BlockManagerId) int {
	dropped := 0
	kept := p.pushRequestsQueue[:0]
	for _, r := range p.pushRequestsQueue {
		if r.Destination == dest {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	p.pushRequestsQueue = kept

	if q, ok := p.deferredQueues[dest]; ok {
		dropped += len(q)
		delete(p.deferredQueues, dest)
	}
	return dropped
}

// IsUnreachable reports whether dest has been blacklisted for the
// lifetime of this pusher.
func (p *ShuffleBlockPusher) IsUnreachable(dest status.BlockManagerId) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unreachable[dest]
}

// Stopped reports whether a MergeFinalized failure has halted all further
// dispatch.
func (p *ShuffleBlockPusher) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopPushing
}
