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

// Package fetch builds the reducer/executor-side wire message for a batch
// of block ids (spec §4.F): OpenBlocks (legacy), FetchShuffleBlocks
// (unmerged, grouped by map id), or FetchShuffleBlockChunks (merged
// chunks, grouped by reduce id).
package fetch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/matrixorigin/shuffle/pkg/common/moerr"
	"github.com/matrixorigin/shuffle/pkg/shuffle/rpcmsg"
)

const (
	shufflePrefix      = "shuffle_"
	shuffleChunkPrefix = "shuffleChunk_"
)

// BuildFetchRequest turns blockIDs into one of the three wire messages
// (spec §4.F). useOldFetchProtocol forces OpenBlocks regardless of the
// block-id shapes present.
func BuildFetchRequest(appID, execID string, blockIDs []string, useOldFetchProtocol, batchFetchEnabled bool) (interface{}, error) {
	if useOldFetchProtocol {
		return rpcmsg.OpenBlocks{AppID: appID, ExecID: execID, BlockIDs: blockIDs}, nil
	}
	if len(blockIDs) == 0 {
		return rpcmsg.OpenBlocks{AppID: appID, ExecID: execID, BlockIDs: blockIDs}, nil
	}

	allChunks := lo.EveryBy(blockIDs, func(id string) bool { return strings.HasPrefix(id, shuffleChunkPrefix) })
	if allChunks {
		return buildFetchShuffleBlockChunks(appID, execID, blockIDs)
	}

	allShuffle := lo.EveryBy(blockIDs, func(id string) bool { return strings.HasPrefix(id, shufflePrefix) })
	if allShuffle {
		return buildFetchShuffleBlocks(appID, execID, blockIDs, batchFetchEnabled)
	}

	return rpcmsg.OpenBlocks{AppID: appID, ExecID: execID, BlockIDs: blockIDs}, nil
}

type parsedShuffleBlock struct {
	shuffleID            int64
	mapID                int64
	reduceStart, reduceEnd int
	batched              bool
}

func parseShuffleBlockID(id string) (parsedShuffleBlock, error) {
	parts := strings.Split(id, "_")
	switch len(parts) {
	case 4:
		shuffleID, err1 := strconv.ParseInt(parts[1], 10, 64)
		mapID, err2 := strconv.ParseInt(parts[2], 10, 64)
		reduceID, err3 := strconv.Atoi(parts[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return parsedShuffleBlock{}, fmt.Errorf("malformed block id %q", id)
		}
		return parsedShuffleBlock{shuffleID: shuffleID, mapID: mapID, reduceStart: reduceID, reduceEnd: reduceID}, nil
	case 5:
		shuffleID, err1 := strconv.ParseInt(parts[1], 10, 64)
		mapID, err2 := strconv.ParseInt(parts[2], 10, 64)
		start, err3 := strconv.Atoi(parts[3])
		end, err4 := strconv.Atoi(parts[4])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return parsedShuffleBlock{}, fmt.Errorf("malformed batched block id %q", id)
		}
		return parsedShuffleBlock{shuffleID: shuffleID, mapID: mapID, reduceStart: start, reduceEnd: end, batched: true}, nil
	default:
		return parsedShuffleBlock{}, fmt.Errorf("block id %q has %d parts, want 4 or 5", id, len(parts))
	}
}

func buildFetchShuffleBlocks(appID, execID string, blockIDs []string, batchFetchEnabled bool) (rpcmsg.FetchShuffleBlocks, error) {
	var shuffleID int64
	haveShuffleID := false

	type mapEntry struct {
		mapID     int64
		reduceIDs [][]int
	}
	order := make([]int64, 0, len(blockIDs))
	byMap := map[int64]*mapEntry{}

	for _, id := range blockIDs {
		parsed, err := parseShuffleBlockID(id)
		if err != nil {
			return rpcmsg.FetchShuffleBlocks{}, err
		}
		if !haveShuffleID {
			shuffleID = parsed.shuffleID
			haveShuffleID = true
		} else if parsed.shuffleID != shuffleID {
			return rpcmsg.FetchShuffleBlocks{}, fmt.Errorf("block id %q: shuffle id %d does not match %d", id, parsed.shuffleID, shuffleID)
		}

		e, ok := byMap[parsed.mapID]
		if !ok {
			e = &mapEntry{mapID: parsed.mapID}
			byMap[parsed.mapID] = e
			order = append(order, parsed.mapID)
		}
		if parsed.batched {
			e.reduceIDs = append(e.reduceIDs, []int{parsed.reduceStart, parsed.reduceEnd})
		} else {
			e.reduceIDs = append(e.reduceIDs, []int{parsed.reduceStart})
		}
	}

	mapIDs := make([]int64, 0, len(order))
	reduceIDs := make([][]int, 0, len(order))
	for _, mapID := range order {
		e := byMap[mapID]
		mapIDs = append(mapIDs, e.mapID)
		reduceIDs = append(reduceIDs, flattenReduceIDs(e.reduceIDs))
	}

	return rpcmsg.FetchShuffleBlocks{
		AppID:             appID,
		ExecID:            execID,
		ShuffleID:         shuffleID,
		MapIDs:            mapIDs,
		ReduceIDs:         reduceIDs,
		BatchFetchEnabled: batchFetchEnabled,
	}, nil
}

func flattenReduceIDs(groups [][]int) []int {
	out := make([]int, 0, len(groups))
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func buildFetchShuffleBlockChunks(appID, execID string, blockIDs []string) (rpcmsg.FetchShuffleBlockChunks, error) {
	var shuffleID int64
	haveShuffleID := false

	order := make([]int, 0, len(blockIDs))
	byReduce := map[int][]int{}

	for _, id := range blockIDs {
		parts := strings.Split(id, "_")
		if len(parts) != 4 {
			return rpcmsg.FetchShuffleBlockChunks{}, fmt.Errorf("chunk id %q has %d parts, want 4", id, len(parts))
		}
		sid, err1 := strconv.ParseInt(parts[1], 10, 64)
		reduceID, err2 := strconv.Atoi(parts[2])
		chunkID, err3 := strconv.Atoi(parts[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return rpcmsg.FetchShuffleBlockChunks{}, fmt.Errorf("malformed chunk id %q", id)
		}
		if !haveShuffleID {
			shuffleID = sid
			haveShuffleID = true
		} else if sid != shuffleID {
			return rpcmsg.FetchShuffleBlockChunks{}, fmt.Errorf("chunk id %q: shuffle id %d does not match %d", id, sid, shuffleID)
		}
		if _, ok := byReduce[reduceID]; !ok {
			order = append(order, reduceID)
		}
		byReduce[reduceID] = append(byReduce[reduceID], chunkID)
	}

	reduceIDs := make([]int, 0, len(order))
	chunkIDs := make([][]int, 0, len(order))
	for _, r := range order {
		reduceIDs = append(reduceIDs, r)
		chunkIDs = append(chunkIDs, byReduce[r])
	}

	return rpcmsg.FetchShuffleBlockChunks{
		AppID:     appID,
		ExecID:    execID,
		ShuffleID: shuffleID,
		ReduceIDs: reduceIDs,
		ChunkIDs:  chunkIDs,
	}, nil
}

// ChunkOutcome is the per-chunk receipt result passed to
// OnChunkReceived (spec §4.F "chunk-receipt callback").
type ChunkOutcome struct {
	BlockID string
	Failed  bool
	Err     error
}

// OnChunkReceived maps chunk index i (1:1 with the original blockIDs
// array) to its outcome. A failed merged chunk (shuffleChunk_) only fails
// that one chunk, since the caller can fall back to an unmerged fetch; a
// failed unmerged chunk fails it and every later chunk in the array,
// since the stream is unusable past that point (spec §4.F).
func OnChunkReceived(blockIDs []string, chunkIndex int, err error) []ChunkOutcome {
	out := make([]ChunkOutcome, len(blockIDs))
	for i, id := range blockIDs {
		out[i] = ChunkOutcome{BlockID: id}
	}
	if err == nil {
		return out
	}
	out[chunkIndex].Failed = true
	out[chunkIndex].Err = err

	if strings.HasPrefix(blockIDs[chunkIndex], shuffleChunkPrefix) {
		return out
	}
	for i := chunkIndex + 1; i < len(blockIDs); i++ {
		out[i].Failed = true
		out[i].Err = moerr.NewMetadataFetchFailed(0, 0)
	}
	return out
}
