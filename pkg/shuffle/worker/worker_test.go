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

package worker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/shuffle/pkg/shuffle/broadcast"
	"github.com/matrixorigin/shuffle/pkg/shuffle/codec"
	"github.com/matrixorigin/shuffle/pkg/shuffle/status"
)

type fakeEndpoint struct {
	ss          *status.ShuffleStatus
	mapCalls    int32
	mergeCalls  int32
}

func (f *fakeEndpoint) GetMapOutputStatuses(shuffleID int64) ([]byte, error) {
	atomic.AddInt32(&f.mapCalls, 1)
	return f.ss.SerializedMapOutputStatus()
}

func (f *fakeEndpoint) GetMergeResultStatuses(shuffleID int64) ([]byte, error) {
	atomic.AddInt32(&f.mergeCalls, 1)
	return f.ss.SerializedMergeOutputStatus()
}

func TestGetMapSizesByExecutorIdCachesAndCoalesces(t *testing.T) {
	ss := status.New(10, 2, 1, broadcast.NewInProcess(), codec.Get("noop"), 1<<30)
	ss.AddMapOutput(0, status.NewMapStatus(status.BlockManagerId{ExecutorID: "a", Host: "hostA", Port: 1000}, 5, []int64{1000, 10000}))
	ss.AddMapOutput(1, status.NewMapStatus(status.BlockManagerId{ExecutorID: "b", Host: "hostB", Port: 1001}, 6, []int64{10000, 1000}))

	ep := &fakeEndpoint{ss: ss}
	w := New(ep, codec.Get("noop"), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dests, err := w.GetMapSizesByExecutorId(10, 0, 2, 0, 1, false)
			require.NoError(t, err)
			require.Len(t, dests, 2)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&ep.mapCalls), int32(2), "coalescing/caching must avoid one RPC per caller")
}

func TestUpdateEpochClearsCacheOnlyWhenNewer(t *testing.T) {
	ss := status.New(10, 1, 1, broadcast.NewInProcess(), codec.Get("noop"), 1<<30)
	ss.AddMapOutput(0, status.NewMapStatus(status.BlockManagerId{ExecutorID: "a", Host: "hostA", Port: 1000}, 5, []int64{1000}))
	ep := &fakeEndpoint{ss: ss}
	w := New(ep, codec.Get("noop"), nil)

	_, err := w.GetMapSizesByExecutorId(10, 0, 1, 0, 1, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&ep.mapCalls))

	w.UpdateEpoch(0)
	_, err = w.GetMapSizesByExecutorId(10, 0, 1, 0, 1, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&ep.mapCalls), "stale epoch must not clear the cache")

	w.UpdateEpoch(1)
	_, err = w.GetMapSizesByExecutorId(10, 0, 1, 0, 1, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&ep.mapCalls), "newer epoch must force a re-fetch")
}

func TestMetadataFetchFailurePurgesCache(t *testing.T) {
	ss := status.New(10, 1, 1, broadcast.NewInProcess(), codec.Get("noop"), 1<<30)
	ss.AddMapOutput(0, status.NewMapStatus(status.BlockManagerId{ExecutorID: "a", Host: "hostA", Port: 1000}, 5, []int64{1000}))
	ep := &fakeEndpoint{ss: ss}
	w := New(ep, codec.Get("noop"), nil)

	_, err := w.GetMapSizesByExecutorId(10, 0, 1, 0, 1, false)
	require.NoError(t, err)

	ss.RemoveMapOutput(0, status.BlockManagerId{ExecutorID: "a", Host: "hostA", Port: 1000})
	w.UpdateEpoch(1) // stands in for the driver-epoch bump RemoveMapOutput triggers on the real master

	_, err = w.GetMapSizesByExecutorId(10, 0, 1, 0, 1, false)
	require.Error(t, err)

	_, err = w.GetMapSizesByExecutorId(10, 0, 1, 0, 1, false)
	require.Error(t, err, "subsequent attempt must also fail, per stale-cache purge behavior")
}

func TestGetMapSizesForMergeResultExcludesFailedMergedBlock(t *testing.T) {
	merger := status.BlockManagerId{ExecutorID: "merger", Host: "hostMerger", Port: 2000}
	locA := status.BlockManagerId{ExecutorID: "a", Host: "hostA", Port: 1000}
	locB := status.BlockManagerId{ExecutorID: "b", Host: "hostB", Port: 1001}

	ss := status.New(10, 2, 1, broadcast.NewInProcess(), codec.Get("noop"), 1<<30)
	ss.AddMapOutput(0, status.NewMapStatus(locA, 0, []int64{1000}))
	ss.AddMapOutput(1, status.NewMapStatus(locB, 1, []int64{2000}))
	ep := &fakeEndpoint{ss: ss}
	w := New(ep, codec.Get("noop"), nil)

	// tracker reports map 0 already merged; map 1 is still missing.
	tracker := roaring.New()
	tracker.AddInt(0)
	mergeStatus := status.NewMergeStatus(merger, tracker, 1000)

	dests, err := w.GetMapSizesForMergeResult(10, 0, mergeStatus)
	require.NoError(t, err)
	require.Len(t, dests, 1)
	require.Equal(t, locB, dests[0].Location, "only the still-missing map's location should appear")
	for _, d := range dests {
		require.NotEqual(t, merger, d.Location, "the failed merger's own merged block must never be re-emitted")
	}
}
