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

package push

import (
	"fmt"
	"math/rand"

	"github.com/RoaringBitmap/roaring"

	"github.com/matrixorigin/shuffle/pkg/shuffle/status"
)

// Block is one reduce partition's slice of a map task's output file,
// addressed by its wire block id (spec §3).
type Block struct {
	ID         string
	ReduceID   int
	Size       int64
	FileOffset int64
}

// PushRequest is one contiguous file segment, all destined for the same
// merger (spec §3).
type PushRequest struct {
	Destination status.BlockManagerId
	Blocks      []Block
	Size        int64
	FileOffset  int64

	remaining *roaring.Bitmap // indices into Blocks still unacknowledged; set at dispatch
}

// mergerIndex assigns reduceId to a merger so every mapper agrees on
// ownership without coordination (spec §4.E step 1).
func mergerIndex(reduceID, numPartitions, numMergers int) int {
	idx := int(float64(reduceID) / float64(numPartitions) * float64(numMergers))
	if idx >= numMergers {
		idx = numMergers - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// PrepareBlockPushRequests slices partitionLengths into PushRequests for
// one map task's output file (spec §4.E "prepareBlockPushRequests").
//
// A run of partitions accumulates into one request as long as: the
// assigned merger doesn't change, the running size plus the next block
// stays within maxBlockBatchSize, the block count stays under
// maxBlocksInFlightPerAddress, and the block itself is within
// maxBlockSizeToPush. Zero-sized blocks are skipped without breaking the
// run (they occupy no file bytes); an oversized block breaks the run,
// since its bytes still occupy file space that cannot be folded into a
// single contiguous segment the caller will later treat as one buffer.
func PrepareBlockPushRequests(
	shuffleID, mapID int64,
	partitionLengths []int64,
	mergerLocs []status.BlockManagerId,
	maxBlockSizeToPush, maxBlockBatchSize int64,
	maxBlocksInFlightPerAddress int,
) []*PushRequest {
	numPartitions := len(partitionLengths)
	numMergers := len(mergerLocs)
	if numPartitions == 0 || numMergers == 0 {
		return nil
	}

	var requests []*PushRequest
	var cur *PushRequest
	flush := func() {
		if cur != nil {
			requests = append(requests, cur)
			cur = nil
		}
	}

	var offset int64
	for reduceID, length := range partitionLengths {
		blockOffset := offset
		offset += length

		if length == 0 {
			continue
		}
		if length > maxBlockSizeToPush {
			flush()
			continue
		}

		dest := mergerLocs[mergerIndex(reduceID, numPartitions, numMergers)]
		block := Block{
			ID:         fmt.Sprintf("shuffle_%d_%d_%d", shuffleID, mapID, reduceID),
			ReduceID:   reduceID,
			Size:       length,
			FileOffset: blockOffset,
		}

		if cur != nil &&
			cur.Destination == dest &&
			cur.Size+length <= maxBlockBatchSize &&
			len(cur.Blocks) < maxBlocksInFlightPerAddress {
			cur.Blocks = append(cur.Blocks, block)
			cur.Size += length
			continue
		}

		flush()
		cur = &PushRequest{
			Destination: dest,
			Blocks:      []Block{block},
			Size:        length,
			FileOffset:  blockOffset,
		}
	}
	flush()

	shuffleRequests(requests)
	return requests
}

// shuffleRequests randomizes request order in place (Fisher-Yates) so
// concurrent mappers don't all hit the same merger first (spec §4.E step
// 6).
func shuffleRequests(requests []*PushRequest) {
	for i := len(requests) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		requests[i], requests[j] = requests[j], requests[i]
	}
}
