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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/shuffle/pkg/shuffle/status"
)

func TestPrepareBlockPushRequestsSlicing(t *testing.T) {
	const maxBlockSize = 300
	lengths := []int64{100, 0, 200, maxBlockSize + 1, 150}
	merger := []status.BlockManagerId{{ExecutorID: "m", Host: "hostM", Port: 1000}}

	requests := PrepareBlockPushRequests(10, 5, lengths, merger, maxBlockSize, 10_000, 1000)

	var total int64
	for _, r := range requests {
		for _, b := range r.Blocks {
			total += b.Size
			require.NotEqual(t, int64(maxBlockSize+1), b.Size)
		}
	}
	require.EqualValues(t, 450, total)
	require.Len(t, requests, 2, "the oversized block must break the contiguous run into two requests")
}

func TestPrepareBlockPushRequestsAssignsMergerDeterministically(t *testing.T) {
	lengths := []int64{100, 100, 100, 100}
	mergers := []status.BlockManagerId{
		{ExecutorID: "m0", Host: "host0", Port: 1000},
		{ExecutorID: "m1", Host: "host1", Port: 1001},
	}
	r1 := PrepareBlockPushRequests(10, 1, lengths, mergers, 1<<20, 1<<20, 1000)
	r2 := PrepareBlockPushRequests(10, 2, lengths, mergers, 1<<20, 1<<20, 1000)

	dest := func(requests []*PushRequest, reduceID int) status.BlockManagerId {
		for _, r := range requests {
			for _, b := range r.Blocks {
				if b.ReduceID == reduceID {
					return r.Destination
				}
			}
		}
		return status.BlockManagerId{}
	}
	for p := 0; p < 4; p++ {
		require.Equal(t, dest(r1, p), dest(r2, p), "every mapper must agree on which merger owns partition %d", p)
	}
}

func TestPrepareBlockPushRequestsRespectsBatchSizeCap(t *testing.T) {
	lengths := []int64{100, 100, 100, 100}
	merger := []status.BlockManagerId{{ExecutorID: "m", Host: "hostM", Port: 1000}}
	requests := PrepareBlockPushRequests(10, 1, lengths, merger, 1<<20, 150, 1000)
	for _, r := range requests {
		require.LessOrEqual(t, r.Size, int64(150))
	}
}
