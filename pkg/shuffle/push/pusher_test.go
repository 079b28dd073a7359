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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/shuffle/pkg/common/moerr"
	"github.com/matrixorigin/shuffle/pkg/shuffle/config"
	"github.com/matrixorigin/shuffle/pkg/shuffle/status"
	"github.com/matrixorigin/shuffle/pkg/shuffle/transport"
)

// fakeTransport records every call and lets the test script per-block
// outcomes synchronously, standing in for the real transport (spec §1
// external collaborator).
type fakeTransport struct {
	mu      sync.Mutex
	calls   int
	outcome func(dest status.BlockManagerId, blockIDs []string, listener transport.PushListener)
}

func (f *fakeTransport) PushBlocks(dest status.BlockManagerId, blockIDs []string, buffers [][]byte, listener transport.PushListener) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.outcome != nil {
		f.outcome(dest, blockIDs, listener)
	}
	return nil
}

func dest(exec, host string) status.BlockManagerId {
	return status.BlockManagerId{ExecutorID: exec, Host: host, Port: 1000}
}

func TestPusherConnectBlackoutDropsQueuedRequests(t *testing.T) {
	d := dest("m", "hostM")
	ft := &fakeTransport{}
	ft.outcome = func(dest status.BlockManagerId, blockIDs []string, listener transport.PushListener) {
		for i := range blockIDs {
			listener.OnBlockPushFailure(i, moerr.NewConnectError(dest, errors.New("refused")))
		}
	}

	cfg := config.Default()
	cfg.Reducer.MaxReqsInFlight = 100
	cfg.Reducer.MaxSizeInFlight = 1 << 30
	cfg.Reducer.MaxBlocksInFlightPerAddress = 100

	p, err := New(cfg, ft)
	require.NoError(t, err)
	defer p.Close()

	req1 := &PushRequest{Destination: d, Blocks: []Block{{ID: "b0", Size: 10}}, Size: 10}
	req2 := &PushRequest{Destination: d, Blocks: []Block{{ID: "b1", Size: 10}}, Size: 10}
	p.Initiate([]*PushRequest{req1, req2})

	require.Eventually(t, func() bool { return p.IsUnreachable(d) }, time.Second, time.Millisecond)

	// A request queued after the destination is marked unreachable must
	// also be dropped (spec §8 scenario 6).
	req3 := &PushRequest{Destination: d, Blocks: []Block{{ID: "b2", Size: 10}}, Size: 10}
	p.Initiate([]*PushRequest{req3})

	p.mu.Lock()
	queued := len(p.pushRequestsQueue) + len(p.deferredQueues[d])
	p.mu.Unlock()
	require.Zero(t, queued)
}

func TestPusherMergeFinalizedStopsAllDispatch(t *testing.T) {
	d := dest("m", "hostM")
	ft := &fakeTransport{}
	ft.outcome = func(dest status.BlockManagerId, blockIDs []string, listener transport.PushListener) {
		for i := range blockIDs {
			listener.OnBlockPushFailure(i, moerr.NewMergeFinalized("merge already finalized"))
		}
	}
	cfg := config.Default()
	p, err := New(cfg, ft)
	require.NoError(t, err)
	defer p.Close()

	p.Initiate([]*PushRequest{{Destination: d, Blocks: []Block{{ID: "b0", Size: 10}}, Size: 10}})
	require.Eventually(t, func() bool { return p.Stopped() }, time.Second, time.Millisecond)

	// Further initiations must not dispatch once stopped.
	p.Initiate([]*PushRequest{{Destination: d, Blocks: []Block{{ID: "b1", Size: 10}}, Size: 10}})
	require.Equal(t, 1, ft.calls)
}

func TestPusherSuccessfulPushDrainsState(t *testing.T) {
	d := dest("m", "hostM")
	ft := &fakeTransport{}
	ft.outcome = func(dest status.BlockManagerId, blockIDs []string, listener transport.PushListener) {
		for i := range blockIDs {
			listener.OnBlockPushSuccess(i)
		}
	}
	cfg := config.Default()
	p, err := New(cfg, ft)
	require.NoError(t, err)
	defer p.Close()

	p.Initiate([]*PushRequest{{Destination: d, Blocks: []Block{{ID: "b0", Size: 10}, {ID: "b1", Size: 20}}, Size: 30}})

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.bytesInFlight == 0 && p.reqsInFlight == 0
	}, time.Second, time.Millisecond)
}
