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

package status

import (
	"sync"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/shuffle/pkg/shuffle/broadcast"
	"github.com/matrixorigin/shuffle/pkg/shuffle/codec"
)

func bm(exec, host string, port int) BlockManagerId {
	return BlockManagerId{ExecutorID: exec, Host: host, Port: port}
}

func TestAddMapOutputAndCounters(t *testing.T) {
	s := New(10, 2, 1, broadcast.NewInProcess(), codec.Get("noop"), 1<<30)
	require.Equal(t, 0, s.NumAvailableMapOutputs())

	s.AddMapOutput(0, NewMapStatus(bm("a", "hostA", 1000), 5, []int64{1000, 10000}))
	require.Equal(t, 1, s.NumAvailableMapOutputs())

	// Overwriting an existing entry does not double-count.
	s.AddMapOutput(0, NewMapStatus(bm("a", "hostA", 1000), 5, []int64{2000, 20000}))
	require.Equal(t, 1, s.NumAvailableMapOutputs())
	require.Equal(t, uint64(2000), s.MapStatuses()[0].SizeForBlock(0))
}

func TestRemoveMapOutputStaleAddressIsNoOp(t *testing.T) {
	s := New(10, 1, 1, broadcast.NewInProcess(), codec.Get("noop"), 1<<30)
	loc := bm("a", "hostA", 1000)
	s.AddMapOutput(0, NewMapStatus(loc, 5, []int64{1000}))
	require.Equal(t, 1, s.NumAvailableMapOutputs())

	s.RemoveMapOutput(0, bm("b", "hostB", 2000))
	require.Equal(t, 1, s.NumAvailableMapOutputs(), "removing a stale address must be a no-op")
	require.NotNil(t, s.MapStatuses()[0])

	s.RemoveMapOutput(0, loc)
	require.Equal(t, 0, s.NumAvailableMapOutputs())
	require.Nil(t, s.MapStatuses()[0])
}

func TestUpdateMapOutputUnknownMapIDIsIgnored(t *testing.T) {
	s := New(10, 1, 1, broadcast.NewInProcess(), codec.Get("noop"), 1<<30)
	s.AddMapOutput(0, NewMapStatus(bm("a", "hostA", 1000), 5, []int64{1000}))
	s.UpdateMapOutput(999, bm("c", "hostC", 3000))
	require.Equal(t, bm("a", "hostA", 1000), s.MapStatuses()[0].Location())
}

func TestSerializedOutputStatusConcurrentSingleSerialize(t *testing.T) {
	s := New(10, 4, 1, broadcast.NewInProcess(), codec.Get("noop"), 1<<30)
	for i := 0; i < 4; i++ {
		s.AddMapOutput(i, NewMapStatus(bm("a", "hostA", 1000), int64(i), []int64{100}))
	}

	var wg sync.WaitGroup
	results := make([][]byte, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := s.SerializedMapOutputStatus()
			require.NoError(t, err)
			results[i] = b
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		require.Equal(t, results[0], results[i])
		require.Same(t, &results[0][0], &results[i][0], "every caller must get the one cached serialization")
	}
}

func TestBroadcastThresholdPromotesSerializationAndUnregisterDropsIt(t *testing.T) {
	b := broadcast.NewInProcess().(interface {
		broadcast.Broadcaster
		Count() int
	})
	// With more than 2000 partitions each map is stored highly compressed,
	// so the compressed 100-entry payload is a few hundred bytes; the
	// threshold sits below that.
	s := New(10, 100, 1, b, codec.Get("zstd"), 128)

	sizes := make([]int64, 4_000_000)
	for i := range sizes {
		sizes[i] = 123
	}
	for i := 0; i < 100; i++ {
		s.AddMapOutput(i, NewMapStatus(bm("a", "hostA", 1000), int64(i), sizes))
	}

	payload, err := s.SerializedMapOutputStatus()
	require.NoError(t, err)
	require.Equal(t, tagBroadcast, payload[0])
	require.Equal(t, 1, b.Count())

	s.Destroy()
	require.Equal(t, 0, b.Count())
}

func TestMergedFetchWithHoles(t *testing.T) {
	s := New(10, 4, 1, broadcast.NewInProcess(), codec.Get("noop"), 1<<30)
	for i := 0; i < 4; i++ {
		s.AddMapOutput(i, NewMapStatus(bm("a", "hostA", 1000), int64(i), []int64{1000}))
	}
	tracker := roaring.New()
	tracker.AddInt(0)
	tracker.AddInt(1)
	tracker.AddInt(3)
	s.AddMergeResult(0, NewMergeStatus(bm("merger", "hostM", 2000), tracker, 3000))

	merges := s.MergeStatuses()
	require.NotNil(t, merges[0])
	missing := merges[0].GetMissingMaps(4)
	require.Equal(t, []int{2}, missing)
}

func TestRoundTripDirectPayload(t *testing.T) {
	s := New(10, 2, 1, broadcast.NewInProcess(), codec.Get("zstd"), 1<<30)
	s.AddMapOutput(0, NewMapStatus(bm("a", "hostA", 1000), 5, []int64{1000, 10000}))
	s.AddMapOutput(1, NewMapStatus(bm("b", "hostB", 1001), 6, []int64{10000, 1000}))

	payload, err := s.SerializedMapOutputStatus()
	require.NoError(t, err)

	decoded, err := DecodeMapStatuses(payload, codec.Get("zstd"), nil)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, int64(5), decoded[0].MapID())
	require.InDelta(t, 1000, decoded[0].SizeForBlock(0), 120)
	require.InDelta(t, 10000, decoded[0].SizeForBlock(1), 1100)
}
