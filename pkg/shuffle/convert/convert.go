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

// Package convert turns a shuffle's MapStatus/MergeStatus arrays into a
// per-destination fetch plan (spec §4.D). It is a pure function: no
// locking, no I/O, callable from the worker cache (pkg/shuffle/worker) or
// directly in tests.
package convert

import (
	"github.com/samber/lo"

	"github.com/matrixorigin/shuffle/pkg/common/moerr"
	"github.com/matrixorigin/shuffle/pkg/shuffle/rpcmsg"
	"github.com/matrixorigin/shuffle/pkg/shuffle/status"
)

// BlockEntry is one fetchable block within a destination's group: the
// block id, its size, and the map index it came from (-1 for a merged
// block, spec §3).
type BlockEntry struct {
	BlockID rpcmsg.ShuffleBlockId
	Size    uint64
	MapIdx  int
}

// Destination groups the blocks one BlockManagerId must serve.
type Destination struct {
	Location status.BlockManagerId
	Blocks   []BlockEntry
}

// ConvertMapStatuses builds the fetch plan for shuffleID, restricted to
// reduce partitions [startPart, endPart) and map indices [startMap,
// endMap). merges may be nil when push-based shuffle is disabled for this
// shuffle.
//
// The merged path is only eligible when the caller wants the whole map
// range for these partitions (spec §4.D: "a merged partition cannot serve
// a sub-range of maps because merge order is non-deterministic").
func ConvertMapStatuses(
	shuffleID int64,
	startPart, endPart int,
	maps []status.MapStatus,
	startMap, endMap int,
	merges []*status.MergeStatus,
) ([]Destination, error) {
	wholeMapRange := startMap == 0 && endMap == len(maps)

	var groups map[status.BlockManagerId][]BlockEntry
	var err error
	if len(merges) > 0 && wholeMapRange {
		groups, err = convertMerged(shuffleID, startPart, endPart, maps, merges)
	} else {
		groups, err = convertUnmerged(shuffleID, startPart, endPart, maps, startMap, endMap)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Destination, 0, len(groups))
	for loc, blocks := range groups {
		out = append(out, Destination{Location: loc, Blocks: blocks})
	}
	return out, nil
}

func convertMerged(
	shuffleID int64,
	startPart, endPart int,
	maps []status.MapStatus,
	merges []*status.MergeStatus,
) (map[status.BlockManagerId][]BlockEntry, error) {
	groups := map[status.BlockManagerId][]BlockEntry{}
	numMaps := len(maps)

	add := func(loc status.BlockManagerId, e BlockEntry) {
		if e.Size == 0 {
			return
		}
		groups[loc] = append(groups[loc], e)
	}

	for p := startPart; p < endPart; p++ {
		var merge *status.MergeStatus
		if p < len(merges) {
			merge = merges[p]
		}
		if merge == nil {
			if err := addAllMapsForPartition(shuffleID, maps, p, add); err != nil {
				return nil, err
			}
			continue
		}

		add(merge.Location, BlockEntry{
			BlockID: rpcmsg.ShuffleBlockId{ShuffleID: shuffleID, MapID: -1, ReduceID: p},
			Size:    merge.TotalSize,
			MapIdx:  -1,
		})

		for _, mi := range merge.GetMissingMaps(numMaps) {
			ms := maps[mi]
			if ms == nil {
				return nil, moerr.NewMetadataFetchFailed(shuffleID, p)
			}
			size := ms.SizeForBlock(p)
			if size == 0 {
				continue
			}
			add(ms.Location(), BlockEntry{
				BlockID: rpcmsg.ShuffleBlockId{ShuffleID: shuffleID, MapID: ms.MapID(), ReduceID: p},
				Size:    size,
				MapIdx:  mi,
			})
		}
	}
	return groups, nil
}

// MissingMapBlocks builds the fetch plan for the maps tracker still has not
// merged, for a single reduce partition. Used as the fallback when a merged
// fetch fails partway (spec §4.C): the caller already knows the merged
// block at tracker.Location failed, so the plan must cover only the
// still-missing unmerged maps and must never re-emit the merged entry that
// just failed.
func MissingMapBlocks(shuffleID int64, partition int, maps []status.MapStatus, tracker *status.MergeStatus) ([]Destination, error) {
	groups := map[status.BlockManagerId][]BlockEntry{}
	add := func(loc status.BlockManagerId, e BlockEntry) {
		if e.Size == 0 {
			return
		}
		groups[loc] = append(groups[loc], e)
	}

	for _, mi := range tracker.GetMissingMaps(len(maps)) {
		ms := maps[mi]
		if ms == nil {
			return nil, moerr.NewMetadataFetchFailed(shuffleID, partition)
		}
		size := ms.SizeForBlock(partition)
		if size == 0 {
			continue
		}
		add(ms.Location(), BlockEntry{
			BlockID: rpcmsg.ShuffleBlockId{ShuffleID: shuffleID, MapID: ms.MapID(), ReduceID: partition},
			Size:    size,
			MapIdx:  mi,
		})
	}

	out := make([]Destination, 0, len(groups))
	for loc, blocks := range groups {
		out = append(out, Destination{Location: loc, Blocks: blocks})
	}
	return out, nil
}

func convertUnmerged(
	shuffleID int64,
	startPart, endPart int,
	maps []status.MapStatus,
	startMap, endMap int,
) (map[status.BlockManagerId][]BlockEntry, error) {
	groups := map[status.BlockManagerId][]BlockEntry{}
	for mi := startMap; mi < endMap; mi++ {
		ms := maps[mi]
		if ms == nil {
			return nil, moerr.NewMetadataFetchFailed(shuffleID, startPart)
		}
		for p := startPart; p < endPart; p++ {
			size := ms.SizeForBlock(p)
			if size == 0 {
				continue
			}
			groups[ms.Location()] = append(groups[ms.Location()], BlockEntry{
				BlockID: rpcmsg.ShuffleBlockId{ShuffleID: shuffleID, MapID: ms.MapID(), ReduceID: p},
				Size:    size,
				MapIdx:  mi,
			})
		}
	}
	return groups, nil
}

func addAllMapsForPartition(shuffleID int64, maps []status.MapStatus, p int, add func(status.BlockManagerId, BlockEntry)) error {
	for mi, ms := range maps {
		if ms == nil {
			return moerr.NewMetadataFetchFailed(shuffleID, p)
		}
		size := ms.SizeForBlock(p)
		if size == 0 {
			continue
		}
		add(ms.Location(), BlockEntry{
			BlockID: rpcmsg.ShuffleBlockId{ShuffleID: shuffleID, MapID: ms.MapID(), ReduceID: p},
			Size:    size,
			MapIdx:  mi,
		})
	}
	return nil
}

// GroupByMapID groups entries by map index, the shape the fetch request
// builder needs when assembling FetchShuffleBlocks (spec §4.F). Entries
// with MapIdx == -1 (merged blocks) are returned separately since they are
// addressed by reduce id, not map id.
func GroupByMapID(entries []BlockEntry) (byMap map[int64][]BlockEntry, merged []BlockEntry) {
	unmerged := lo.Filter(entries, func(e BlockEntry, _ int) bool { return e.MapIdx >= 0 })
	merged = lo.Filter(entries, func(e BlockEntry, _ int) bool { return e.MapIdx < 0 })
	byMap = lo.GroupBy(unmerged, func(e BlockEntry) int64 { return e.BlockID.MapID })
	return byMap, merged
}
