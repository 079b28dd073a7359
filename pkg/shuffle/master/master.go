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

// Package master implements the driver-side registry over all shuffles,
// the status RPC endpoint's dispatcher pool, and preferred-location /
// statistics computation (spec §4.B).
package master

import (
	"sort"
	"sync"

	"github.com/hayageek/threadsafe"

	"github.com/matrixorigin/shuffle/pkg/common/logutil"
	"github.com/matrixorigin/shuffle/pkg/common/moerr"
	"github.com/matrixorigin/shuffle/pkg/shuffle/broadcast"
	"github.com/matrixorigin/shuffle/pkg/shuffle/codec"
	"github.com/matrixorigin/shuffle/pkg/shuffle/config"
	"github.com/matrixorigin/shuffle/pkg/shuffle/status"
)

// reducerPrefLocsFraction is the missing-maps fraction below which a
// merged partition's host is still considered a good preferred location
// (spec §4.B: "missing fraction ≤ 0.2").
const reducerPrefLocsFraction = 0.2

// largestOutputsFractionThreshold is the share of a partition's total
// bytes a location must hold to be offered as a preferred location via
// getLocationsWithLargestOutputs (spec §4.B).
const largestOutputsFractionThreshold = 0.2

// smallJobLocalityThreshold bounds when preferred-location computation is
// worth the scan at all (spec §4.B: "numMaps < 1000 && numReducers <
// 1000").
const smallJobLocalityThreshold = 1000

type requestKind int

const (
	kindGetMapOutputStatuses requestKind = iota
	kindGetMergeResultStatuses
	kindPoison
)

type statusRequest struct {
	kind      requestKind
	shuffleID int64
	reply     chan statusReply
}

type statusReply struct {
	payload []byte
	err     error
}

// MapOutputTrackerMaster is the driver-side registry of ShuffleStatus,
// reachable over the status RPC endpoint via a dispatcher pool isolated
// from the transport's own thread (spec §4.B, §5).
type MapOutputTrackerMaster struct {
	shuffleStatuses *threadsafe.Map[int64, *status.ShuffleStatus]

	epochMu sync.Mutex
	epoch   int64

	cfg         *config.Config
	broadcaster broadcast.Broadcaster
	codec       codec.Codec

	queue *requestQueue
	wg    sync.WaitGroup
}

// New validates cfg (spec §4.B precondition: minBroadcastSize <=
// maxRpcMessageSize) and starts the dispatcher pool.
func New(cfg *config.Config, b broadcast.Broadcaster, c codec.Codec) (*MapOutputTrackerMaster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &MapOutputTrackerMaster{
		shuffleStatuses: threadsafe.NewMap[int64, *status.ShuffleStatus](),
		cfg:             cfg,
		broadcaster:     b,
		codec:           c,
		queue:           newRequestQueue(),
	}
	for i := 0; i < cfg.MapOutput.DispatcherNumThreads; i++ {
		m.wg.Add(1)
		go m.dispatchLoop()
	}
	return m, nil
}

// dispatchLoop is one worker of the fixed-size dispatcher pool. It drains
// the FIFO until it observes the poison sentinel, which it re-enqueues
// before exiting so sibling workers also notice (spec §4.B).
func (m *MapOutputTrackerMaster) dispatchLoop() {
	defer m.wg.Done()
	for {
		req := m.queue.Take()
		if req.kind == kindPoison {
			m.queue.Push(req)
			return
		}
		m.serve(req)
	}
}

func (m *MapOutputTrackerMaster) serve(req *statusRequest) {
	ss, ok := m.shuffleStatuses.Get(req.shuffleID)
	if !ok {
		req.reply <- statusReply{err: moerr.NewMetadataFetchFailed(req.shuffleID, -1)}
		return
	}
	var payload []byte
	var err error
	switch req.kind {
	case kindGetMapOutputStatuses:
		payload, err = ss.SerializedMapOutputStatus()
	case kindGetMergeResultStatuses:
		payload, err = ss.SerializedMergeOutputStatus()
	}
	req.reply <- statusReply{payload: payload, err: err}
}

// Stop shuts the dispatcher pool down, waiting for every worker to exit.
func (m *MapOutputTrackerMaster) Stop() {
	m.queue.Push(&statusRequest{kind: kindPoison})
	m.wg.Wait()
}

// StopMapOutputTracker is the RPC-facing counterpart of Stop (spec §6
// StopMapOutputTracker message): it drains the dispatcher pool and
// reports success once every in-flight request has been served.
func (m *MapOutputTrackerMaster) StopMapOutputTracker() (bool, error) {
	m.Stop()
	return true, nil
}

// GetMapOutputStatuses answers the GetMapOutputStatuses RPC by routing
// through the dispatcher pool, keeping serialization off the transport's
// own goroutine (spec §5).
func (m *MapOutputTrackerMaster) GetMapOutputStatuses(shuffleID int64) ([]byte, error) {
	return m.dispatch(kindGetMapOutputStatuses, shuffleID)
}

// GetMergeResultStatuses is the merge-status counterpart.
func (m *MapOutputTrackerMaster) GetMergeResultStatuses(shuffleID int64) ([]byte, error) {
	return m.dispatch(kindGetMergeResultStatuses, shuffleID)
}

func (m *MapOutputTrackerMaster) dispatch(kind requestKind, shuffleID int64) ([]byte, error) {
	reply := make(chan statusReply, 1)
	m.queue.Push(&statusRequest{kind: kind, shuffleID: shuffleID, reply: reply})
	r := <-reply
	return r.payload, r.err
}

// RegisterShuffle creates a new ShuffleStatus. Registering an id twice is a
// programming error (spec §4.B).
func (m *MapOutputTrackerMaster) RegisterShuffle(shuffleID int64, numMaps, numReduces int) error {
	if _, exists := m.shuffleStatuses.Get(shuffleID); exists {
		return moerr.NewIllegalStateTransition("registerShuffle: shuffle %d already registered", shuffleID)
	}
	ss := status.New(shuffleID, numMaps, numReduces, m.broadcaster, m.codec, int(m.cfg.MapOutput.MinSizeForBroadcast))
	m.shuffleStatuses.Set(shuffleID, ss)
	return nil
}

// UnregisterShuffle destroys the ShuffleStatus (and any cached broadcast)
// and drops it from the registry.
func (m *MapOutputTrackerMaster) UnregisterShuffle(shuffleID int64) error {
	ss, ok := m.shuffleStatuses.Get(shuffleID)
	if !ok {
		return moerr.NewIllegalStateTransition("unregisterShuffle: shuffle %d not registered", shuffleID)
	}
	ss.Destroy()
	m.shuffleStatuses.Delete(shuffleID)
	logutil.Debugf("unregistered shuffle %d", shuffleID)
	return nil
}

func (m *MapOutputTrackerMaster) lookup(shuffleID int64) (*status.ShuffleStatus, error) {
	ss, ok := m.shuffleStatuses.Get(shuffleID)
	if !ok {
		return nil, moerr.NewIllegalStateTransition("shuffle %d not registered", shuffleID)
	}
	return ss, nil
}

// RegisterMapOutput records map task mapIndex's output. Additions never
// invalidate a reader's prior correct fetches, so the epoch is not bumped
// (spec §4.B).
func (m *MapOutputTrackerMaster) RegisterMapOutput(shuffleID int64, mapIndex int, ms status.MapStatus) error {
	ss, err := m.lookup(shuffleID)
	if err != nil {
		return err
	}
	ss.AddMapOutput(mapIndex, ms)
	return nil
}

// UpdateMapOutput relocates mapID's output to newLocation. Unlike the other
// mutators, an unknown shuffle id here is logged and ignored rather than
// returned as an error: task-relocation updates may race with stage abort,
// and the caller has no useful recovery action either way (spec §4.B). The
// epoch is not bumped: relocating a map output does not invalidate any
// reader's prior fetches the way a removal does.
func (m *MapOutputTrackerMaster) UpdateMapOutput(shuffleID int64, mapID int64, newLocation status.BlockManagerId) error {
	ss, ok := m.shuffleStatuses.Get(shuffleID)
	if !ok {
		logutil.Warnf("updateMapOutput: shuffle %d not registered, ignoring", shuffleID)
		return nil
	}
	ss.UpdateMapOutput(mapID, newLocation)
	return nil
}

// UnregisterMapOutput removes mapIndex's output iff its current location
// matches bmAddr, and bumps the epoch (spec §4.B epoch discipline).
func (m *MapOutputTrackerMaster) UnregisterMapOutput(shuffleID int64, mapIndex int, bmAddr status.BlockManagerId) error {
	ss, err := m.lookup(shuffleID)
	if err != nil {
		return err
	}
	ss.RemoveMapOutput(mapIndex, bmAddr)
	m.bumpEpoch()
	return nil
}

// UnregisterAllMapOutput clears every map output for shuffleID.
func (m *MapOutputTrackerMaster) UnregisterAllMapOutput(shuffleID int64) error {
	ss, err := m.lookup(shuffleID)
	if err != nil {
		return err
	}
	ss.RemoveOutputsByFilter(func(status.BlockManagerId) bool { return true })
	m.bumpEpoch()
	return nil
}

// RegisterMergeResult records reduce partition partition's merge result;
// only called when push-based shuffle is enabled (spec §3).
func (m *MapOutputTrackerMaster) RegisterMergeResult(shuffleID int64, partition int, ms *status.MergeStatus) error {
	ss, err := m.lookup(shuffleID)
	if err != nil {
		return err
	}
	ss.AddMergeResult(partition, ms)
	return nil
}

// UnregisterMergeResult removes a merge result and bumps the epoch.
func (m *MapOutputTrackerMaster) UnregisterMergeResult(shuffleID int64, partition int, bmAddr status.BlockManagerId) error {
	ss, err := m.lookup(shuffleID)
	if err != nil {
		return err
	}
	ss.RemoveMergeResult(partition, bmAddr)
	m.bumpEpoch()
	return nil
}

// RemoveOutputsOnHost sweeps every registered shuffle, clearing outputs
// whose location is on host (lost-host cleanup, spec §4.B).
func (m *MapOutputTrackerMaster) RemoveOutputsOnHost(host string) {
	logutil.Warnf("removing all shuffle outputs on host %s", host)
	m.sweep(func(bm status.BlockManagerId) bool { return bm.Host == host })
}

// RemoveOutputsOnExecutor is the executor-scoped counterpart.
func (m *MapOutputTrackerMaster) RemoveOutputsOnExecutor(execID string) {
	logutil.Warnf("removing all shuffle outputs on executor %s", execID)
	m.sweep(func(bm status.BlockManagerId) bool { return bm.ExecutorID == execID })
}

func (m *MapOutputTrackerMaster) sweep(pred func(status.BlockManagerId) bool) {
	m.shuffleStatuses.ForEach(func(_ int64, ss *status.ShuffleStatus) {
		ss.RemoveOutputsByFilter(pred)
	})
	m.bumpEpoch()
}

func (m *MapOutputTrackerMaster) bumpEpoch() {
	m.epochMu.Lock()
	m.epoch++
	m.epochMu.Unlock()
}

// Epoch returns the current epoch (spec §3, §4.B).
func (m *MapOutputTrackerMaster) Epoch() int64 {
	m.epochMu.Lock()
	defer m.epochMu.Unlock()
	return m.epoch
}

// PreferredLocations computes the scheduler hint for reduce task
// partition of shuffleID (spec §4.B).
func (m *MapOutputTrackerMaster) PreferredLocations(shuffleID int64, partition int) []status.BlockManagerId {
	if !m.cfg.ReduceLocality.Enabled {
		return nil
	}
	ss, err := m.lookup(shuffleID)
	if err != nil {
		return nil
	}

	merges := ss.MergeStatuses()
	if partition >= 0 && partition < len(merges) && merges[partition] != nil {
		merge := merges[partition]
		numMaps := ss.NumMaps()
		if numMaps > 0 {
			missing := len(merge.GetMissingMaps(numMaps))
			missingFraction := float64(missing) / float64(numMaps)
			if missingFraction <= reducerPrefLocsFraction {
				return []status.BlockManagerId{merge.Location}
			}
		}
	}

	if ss.NumMaps() < smallJobLocalityThreshold && ss.NumReduces() < smallJobLocalityThreshold {
		return getLocationsWithLargestOutputs(ss, partition, largestOutputsFractionThreshold)
	}
	return nil
}

// getLocationsWithLargestOutputs sums getSizeForBlock(partition) by
// location and returns those whose share of the partition's total meets
// fractionThreshold (spec §4.B).
func getLocationsWithLargestOutputs(ss *status.ShuffleStatus, partition int, fractionThreshold float64) []status.BlockManagerId {
	maps := ss.MapStatuses()
	totals := map[status.BlockManagerId]uint64{}
	var grandTotal uint64
	for _, ms := range maps {
		if ms == nil {
			continue
		}
		size := ms.SizeForBlock(partition)
		if size == 0 {
			continue
		}
		totals[ms.Location()] += size
		grandTotal += size
	}
	if grandTotal == 0 {
		return nil
	}
	var out []status.BlockManagerId
	for loc, total := range totals {
		if float64(total)/float64(grandTotal) >= fractionThreshold {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// GetStatistics sums map-output sizes per reduce partition across every
// map in shuffleID. For large shuffles the reduce-id range is split into
// buckets (equallyDivide) and aggregated in parallel (spec §4.B).
func (m *MapOutputTrackerMaster) GetStatistics(shuffleID int64, numCPU int) ([]uint64, error) {
	ss, err := m.lookup(shuffleID)
	if err != nil {
		return nil, err
	}
	maps := ss.MapStatuses()
	numReduces := ss.NumReduces()
	totals := make([]uint64, numReduces)

	workload := int64(len(maps)) * int64(numReduces)
	if workload <= m.cfg.MapOutput.ParallelAggregationThreshold || numReduces == 0 {
		aggregateRange(maps, totals, 0, numReduces)
		return totals, nil
	}

	ratio := int(workload / m.cfg.MapOutput.ParallelAggregationThreshold)
	numBuckets := numCPU
	if ratio+1 < numBuckets {
		numBuckets = ratio + 1
	}
	if numBuckets < 1 {
		numBuckets = 1
	}
	buckets := equallyDivide(numReduces, numBuckets)

	var wg sync.WaitGroup
	start := 0
	for _, size := range buckets {
		if size == 0 {
			continue
		}
		lo, hi := start, start+size
		start = hi
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			aggregateRange(maps, totals, lo, hi)
		}(lo, hi)
	}
	wg.Wait()
	return totals, nil
}

// GetPartitionSizeHistogram buckets GetStatistics's per-partition totals
// into numBuckets roughly-equal-width ranges for operational visibility;
// purely additive, read-only diagnostic over the same data GetStatistics
// already exposes.
func (m *MapOutputTrackerMaster) GetPartitionSizeHistogram(shuffleID int64, numCPU, numBuckets int) ([]uint64, error) {
	totals, err := m.GetStatistics(shuffleID, numCPU)
	if err != nil {
		return nil, err
	}
	if numBuckets <= 0 {
		numBuckets = 1
	}
	widths := equallyDivide(len(totals), numBuckets)
	hist := make([]uint64, numBuckets)
	start := 0
	for i, width := range widths {
		for p := start; p < start+width; p++ {
			hist[i] += totals[p]
		}
		start += width
	}
	return hist, nil
}

func aggregateRange(maps []status.MapStatus, totals []uint64, lo, hi int) {
	for p := lo; p < hi; p++ {
		var sum uint64
		for _, ms := range maps {
			if ms == nil {
				continue
			}
			sum += ms.SizeForBlock(p)
		}
		totals[p] = sum
	}
}

// equallyDivide splits n elements into buckets items such that every
// bucket's size differs by at most one and the wider buckets (size q+1)
// come before the narrower ones (size q) — spec §8 invariant 9.
func equallyDivide(n, buckets int) []int {
	if buckets <= 0 {
		return nil
	}
	q, r := n/buckets, n%buckets
	out := make([]int, buckets)
	for i := 0; i < buckets; i++ {
		if i < r {
			out[i] = q + 1
		} else {
			out[i] = q
		}
	}
	return out
}
