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

// Package rpcmsg holds the wire message shapes exchanged across the driver
// RPC endpoint, the push transport, and the fetch transport (spec §6). The
// transport itself is an external collaborator (spec §1); this package only
// fixes the vocabulary both sides agree on.
package rpcmsg

// ShuffleBlockId identifies one fetchable block (spec §3). MapID == -1
// denotes a merged-partition block. pkg/shuffle/convert builds these;
// pkg/shuffle/fetch parses the "shuffle_"/"shuffleChunk_" string forms into
// its own fields, not into this type.
type ShuffleBlockId struct {
	ShuffleID int64
	MapID     int64
	ReduceID  int
}

// GetMapOutputStatuses is the driver RPC endpoint request for a shuffle's
// map-output status array (spec §6).
type GetMapOutputStatuses struct {
	ShuffleID int64
}

// GetMergeResultStatuses is the merge-status counterpart.
type GetMergeResultStatuses struct {
	ShuffleID int64
}

// StopMapOutputTracker asks the endpoint to shut down; the reply is always
// true once drained.
type StopMapOutputTracker struct{}

// OpenBlocks is the legacy-protocol fetch message: one block id per slot,
// no grouping (spec §4.F).
type OpenBlocks struct {
	AppID     string
	ExecID    string
	BlockIDs  []string
}

// FetchShuffleBlocks groups unmerged blocks by map id; ReduceIDs[i] lists
// the reduce partitions requested from MapIDs[i]. When BatchFetchEnabled,
// a ReduceIDs[i] slice of length 2 denotes the half-open range
// [ReduceIDs[i][0], ReduceIDs[i][1]) rather than two discrete partitions
// (spec §4.F).
type FetchShuffleBlocks struct {
	AppID              string
	ExecID             string
	ShuffleID          int64
	MapIDs             []int64
	ReduceIDs          [][]int
	BatchFetchEnabled  bool
}

// FetchShuffleBlockChunks groups merged-partition chunks by reduce id.
type FetchShuffleBlockChunks struct {
	AppID     string
	ExecID    string
	ShuffleID int64
	ReduceIDs []int
	ChunkIDs  [][]int
}

// StreamHandle is the common reply to any of the three fetch messages.
type StreamHandle struct {
	StreamID int64
	NumChunks int
}

// PushBlocksRequest is the transport-level push message (spec §6): one
// request carries one contiguous file segment serving possibly many
// blocks, all bound for the same destination.
type PushBlocksRequest struct {
	Host     string
	Port     int
	BlockIDs []string
	Buffers  [][]byte
}
