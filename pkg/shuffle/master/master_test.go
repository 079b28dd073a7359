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

package master

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/shuffle/pkg/common/moerr"
	"github.com/matrixorigin/shuffle/pkg/shuffle/broadcast"
	"github.com/matrixorigin/shuffle/pkg/shuffle/codec"
	"github.com/matrixorigin/shuffle/pkg/shuffle/config"
	"github.com/matrixorigin/shuffle/pkg/shuffle/status"
)

func newTestMaster(t *testing.T) *MapOutputTrackerMaster {
	t.Helper()
	cfg := config.Default()
	m, err := New(cfg, broadcast.NewInProcess(), codec.Get("noop"))
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func bm(exec, host string) status.BlockManagerId {
	return status.BlockManagerId{ExecutorID: exec, Host: host, Port: 1000}
}

func TestRegisterAndFetch(t *testing.T) {
	m := newTestMaster(t)
	require.NoError(t, m.RegisterShuffle(10, 2, 1))
	require.NoError(t, m.RegisterMapOutput(10, 0, status.NewMapStatus(bm("a", "hostA"), 5, []int64{1000, 10000})))
	require.NoError(t, m.RegisterMapOutput(10, 1, status.NewMapStatus(bm("b", "hostB"), 6, []int64{10000, 1000})))

	payload, err := m.GetMapOutputStatuses(10)
	require.NoError(t, err)
	require.NotEmpty(t, payload)
}

func TestRegisterShuffleTwiceFails(t *testing.T) {
	m := newTestMaster(t)
	require.NoError(t, m.RegisterShuffle(10, 2, 1))
	err := m.RegisterShuffle(10, 2, 1)
	require.Error(t, err)
	require.True(t, moerr.IsIllegalStateTransition(err))
}

func TestUnregisterMapOutputBumpsEpoch(t *testing.T) {
	m := newTestMaster(t)
	require.NoError(t, m.RegisterShuffle(10, 1, 1))
	loc := bm("a", "hostA")
	require.NoError(t, m.RegisterMapOutput(10, 0, status.NewMapStatus(loc, 5, []int64{1000})))

	e0 := m.Epoch()
	require.NoError(t, m.UnregisterMapOutput(10, 0, loc))
	require.Greater(t, m.Epoch(), e0)
}

func TestUnregisterUnknownShuffleFails(t *testing.T) {
	m := newTestMaster(t)
	err := m.UnregisterShuffle(999)
	require.Error(t, err)
}

func TestUpdateMapOutputRelocatesWithoutBumpingEpoch(t *testing.T) {
	m := newTestMaster(t)
	require.NoError(t, m.RegisterShuffle(10, 1, 1))
	oldLoc := bm("a", "hostA")
	newLoc := bm("a", "hostA2")
	require.NoError(t, m.RegisterMapOutput(10, 0, status.NewMapStatus(oldLoc, 5, []int64{1000})))

	e0 := m.Epoch()
	require.NoError(t, m.UpdateMapOutput(10, 5, newLoc))
	require.Equal(t, e0, m.Epoch(), "updateMapOutput must not bump the epoch")

	payload, err := m.GetMapOutputStatuses(10)
	require.NoError(t, err)
	maps, err := status.DecodeMapStatuses(payload, codec.Get("noop"), nil)
	require.NoError(t, err)
	require.Len(t, maps, 1)
	require.Equal(t, newLoc, maps[0].Location())
}

func TestUpdateMapOutputUnknownShuffleIsLoggedAndIgnored(t *testing.T) {
	m := newTestMaster(t)
	err := m.UpdateMapOutput(999, 0, bm("a", "hostA"))
	require.NoError(t, err, "unlike the other mutators, an unknown shuffle id must be logged and ignored, not an error")
}

func TestEquallyDivide(t *testing.T) {
	for _, tc := range []struct{ n, buckets int }{
		{10, 3}, {9, 3}, {1, 4}, {100, 7},
	} {
		out := equallyDivide(tc.n, tc.buckets)
		require.Len(t, out, tc.buckets)
		sum := 0
		for i, v := range out {
			sum += v
			if i > 0 {
				require.LessOrEqual(t, out[i-1]-v, 1)
				require.GreaterOrEqual(t, out[i-1], v)
			}
		}
		require.Equal(t, tc.n, sum)
	}
}

func TestGetStatisticsSumsAcrossMaps(t *testing.T) {
	m := newTestMaster(t)
	require.NoError(t, m.RegisterShuffle(10, 2, 2))
	require.NoError(t, m.RegisterMapOutput(10, 0, status.NewMapStatus(bm("a", "hostA"), 0, []int64{1000, 2000})))
	require.NoError(t, m.RegisterMapOutput(10, 1, status.NewMapStatus(bm("b", "hostB"), 1, []int64{3000, 4000})))

	stats, err := m.GetStatistics(10, 4)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.InDelta(t, 4000, stats[0], 500)
	require.InDelta(t, 6000, stats[1], 700)
}

func TestGetPartitionSizeHistogramBucketsMatchTotal(t *testing.T) {
	m := newTestMaster(t)
	require.NoError(t, m.RegisterShuffle(10, 1, 4))
	require.NoError(t, m.RegisterMapOutput(10, 0, status.NewMapStatus(bm("a", "hostA"), 0, []int64{10, 20, 30, 40})))

	hist, err := m.GetPartitionSizeHistogram(10, 2, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	var sum uint64
	for _, v := range hist {
		sum += v
	}
	require.InDelta(t, 100, sum, 10)
}

func TestStopMapOutputTrackerDrains(t *testing.T) {
	cfg := config.Default()
	m, err := New(cfg, broadcast.NewInProcess(), codec.Get("noop"))
	require.NoError(t, err)
	ok, err := m.StopMapOutputTracker()
	require.NoError(t, err)
	require.True(t, ok)
}
