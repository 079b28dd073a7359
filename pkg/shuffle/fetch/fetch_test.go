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

package fetch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/shuffle/pkg/shuffle/rpcmsg"
)

func TestBuildFetchRequestOldProtocolAlwaysOpenBlocks(t *testing.T) {
	msg, err := BuildFetchRequest("app", "exec", []string{"shuffle_1_2_3"}, true, false)
	require.NoError(t, err)
	_, ok := msg.(rpcmsg.OpenBlocks)
	require.True(t, ok)
}

func TestBuildFetchRequestGroupsByMapID(t *testing.T) {
	ids := []string{"shuffle_1_10_0", "shuffle_1_10_1", "shuffle_1_20_0"}
	msg, err := BuildFetchRequest("app", "exec", ids, false, false)
	require.NoError(t, err)
	fsb, ok := msg.(rpcmsg.FetchShuffleBlocks)
	require.True(t, ok)
	require.EqualValues(t, 1, fsb.ShuffleID)
	require.ElementsMatch(t, []int64{10, 20}, fsb.MapIDs)
	for i, mapID := range fsb.MapIDs {
		if mapID == 10 {
			require.ElementsMatch(t, []int{0, 1}, fsb.ReduceIDs[i])
		} else {
			require.ElementsMatch(t, []int{0}, fsb.ReduceIDs[i])
		}
	}
}

func TestBuildFetchRequestChunksGroupByReduceID(t *testing.T) {
	ids := []string{"shuffleChunk_1_0_0", "shuffleChunk_1_0_1", "shuffleChunk_1_1_0"}
	msg, err := BuildFetchRequest("app", "exec", ids, false, false)
	require.NoError(t, err)
	chunks, ok := msg.(rpcmsg.FetchShuffleBlockChunks)
	require.True(t, ok)
	require.EqualValues(t, 1, chunks.ShuffleID)
	require.ElementsMatch(t, []int{0, 1}, chunks.ReduceIDs)
}

func TestBuildFetchRequestMismatchedShuffleIDFails(t *testing.T) {
	ids := []string{"shuffle_1_10_0", "shuffle_2_10_1"}
	_, err := BuildFetchRequest("app", "exec", ids, false, false)
	require.Error(t, err)
}

func TestOnChunkReceivedMergedChunkFailsOnlyItself(t *testing.T) {
	ids := []string{"shuffleChunk_1_0_0", "shuffleChunk_1_0_1", "shuffleChunk_1_0_2"}
	out := OnChunkReceived(ids, 1, errors.New("chunk failed"))
	require.False(t, out[0].Failed)
	require.True(t, out[1].Failed)
	require.False(t, out[2].Failed, "a failed merged chunk must not fail later chunks")
}

func TestOnChunkReceivedUnmergedChunkFailsRest(t *testing.T) {
	ids := []string{"shuffle_1_10_0", "shuffle_1_10_1", "shuffle_1_10_2"}
	out := OnChunkReceived(ids, 1, errors.New("stream broken"))
	require.False(t, out[0].Failed)
	require.True(t, out[1].Failed)
	require.True(t, out[2].Failed, "a failed unmerged chunk must fail every later chunk in the stream")
}
