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

// Package transport fixes the narrow boundary between the shuffle data
// plane and the real network layer (spec §1 lists "transport/RPC
// implementation" among the deliberately excluded externals). A
// deployment wires these interfaces to whatever RPC substrate it already
// runs; no concrete network implementation lives in this module.
package transport

import "github.com/matrixorigin/shuffle/pkg/shuffle/status"

// PushListener receives per-block completion callbacks on the transport's
// own goroutine (spec §4.E: "Listener callbacks run on the transport
// thread"). Implementations of Pusher.PushBlocks must invoke exactly one
// of these per block id passed in, eventually.
type PushListener interface {
	OnBlockPushSuccess(blockIndex int)
	OnBlockPushFailure(blockIndex int, err error)
}

// Pusher is the mapper-side send path: one call pushes every block in one
// PushRequest to a single destination (spec §4.E, §6 pushBlocks message).
type Pusher interface {
	PushBlocks(dest status.BlockManagerId, blockIDs []string, buffers [][]byte, listener PushListener) error
}

// ChunkListener receives per-chunk completion callbacks for a fetch
// (spec §4.F "chunk-receipt callback").
type ChunkListener interface {
	OnChunkSuccess(chunkIndex int, data []byte)
	OnChunkFailure(chunkIndex int, err error)
}

// Fetcher is the reducer/executor-side receive path: a fetch message goes
// out, a StreamHandle comes back, chunks arrive via the listener (spec
// §4.F, §6).
type Fetcher interface {
	OpenBlocks(req interface{}) (streamID int64, numChunks int, err error)
	FetchChunks(streamID int64, listener ChunkListener) error
}

// StatusRPC is the driver RPC endpoint surface a real transport exposes to
// remote callers (spec §6); this module ships no such transport.
type StatusRPC interface {
	GetMapOutputStatuses(shuffleID int64) ([]byte, error)
	GetMergeResultStatuses(shuffleID int64) ([]byte, error)
	StopMapOutputTracker() (bool, error)
}
