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

	"github.com/matrixorigin/shuffle/pkg/common/logutil"
	"github.com/matrixorigin/shuffle/pkg/shuffle/broadcast"
	"github.com/matrixorigin/shuffle/pkg/shuffle/codec"
)

const (
	tagDirect    byte = 0
	tagBroadcast byte = 1
)

// ShuffleStatus is the per-shuffle in-memory record of MapStatus and
// MergeStatus arrays, the serialization cache that sits in front of them,
// and the broadcast handles that back the cache once it grows past
// minBroadcastSize (spec §3, §4.A).
//
// Thread-safety: a single RWMutex guards everything. Array mutations are
// O(1) and reads are the hot path, so a single lock is the right
// granularity (spec §9).
type ShuffleStatus struct {
	mu sync.RWMutex

	shuffleID int64

	mapStatuses   []MapStatus
	mergeStatuses []*MergeStatus

	numAvailableMapOutputs   int
	numAvailableMergeResults int

	cachedSerializedMap   []byte
	cachedSerializedMerge []byte
	cachedBroadcastMap    broadcast.Handle
	cachedBroadcastMerge  broadcast.Handle

	broadcaster      broadcast.Broadcaster
	codec            codec.Codec
	minBroadcastSize int
}

// New creates a ShuffleStatus for shuffleID with numMaps map outputs and
// numReduces reduce partitions, all initially unpopulated.
func New(shuffleID int64, numMaps, numReduces int, b broadcast.Broadcaster, c codec.Codec, minBroadcastSize int) *ShuffleStatus {
	return &ShuffleStatus{
		shuffleID:        shuffleID,
		mapStatuses:      make([]MapStatus, numMaps),
		mergeStatuses:    make([]*MergeStatus, numReduces),
		broadcaster:      b,
		codec:            c,
		minBroadcastSize: minBroadcastSize,
	}
}

func (s *ShuffleStatus) ShuffleID() int64 { return s.shuffleID }

// AddMapOutput records the map task i's output location and sizes. The
// counter only increments on a genuine null->non-null transition; a
// duplicate report (task retried, speculative copy wins) always overwrites
// the stored status without double-counting (spec §4.A).
func (s *ShuffleStatus) AddMapOutput(i int, ms MapStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.mapStatuses) {
		return
	}
	if s.mapStatuses[i] == nil {
		s.numAvailableMapOutputs++
	}
	s.mapStatuses[i] = ms
	s.invalidateSerializedMapOutputStatusCacheLocked()
}

// UpdateMapOutput finds the entry whose MapID matches mapID (stable across
// task attempts) and moves it to newLocation. Unknown mapID is logged and
// ignored — tasks may race with stage abort (spec §4.A, §4.B).
func (s *ShuffleStatus) UpdateMapOutput(mapID int64, newLocation BlockManagerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ms := range s.mapStatuses {
		if ms != nil && ms.MapID() == mapID {
			ms.UpdateLocation(newLocation)
			s.invalidateSerializedMapOutputStatusCacheLocked()
			return
		}
	}
	logutil.Warnf("updateMapOutput: shuffle %d has no MapStatus for mapId %d, ignoring", s.shuffleID, mapID)
}

// RemoveMapOutput clears mapStatuses[i] iff its current location equals
// bmAddr; a stale bmAddr (a race with migration) is a no-op, protecting
// against a remove-after-move race (spec §3, §8 invariant 3).
func (s *ShuffleStatus) RemoveMapOutput(i int, bmAddr BlockManagerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.mapStatuses) {
		return
	}
	ms := s.mapStatuses[i]
	if ms == nil || ms.Location() != bmAddr {
		return
	}
	s.mapStatuses[i] = nil
	s.numAvailableMapOutputs--
	s.invalidateSerializedMapOutputStatusCacheLocked()
}

// AddMergeResult records merger location, tracker bitmap and total size for
// reduce partition i.
func (s *ShuffleStatus) AddMergeResult(i int, ms *MergeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.mergeStatuses) {
		return
	}
	if s.mergeStatuses[i] == nil {
		s.numAvailableMergeResults++
	}
	s.mergeStatuses[i] = ms
	s.invalidateSerializedMergeOutputStatusCacheLocked()
}

// RemoveMergeResult is the merge-side symmetric counterpart of
// RemoveMapOutput.
func (s *ShuffleStatus) RemoveMergeResult(i int, bmAddr BlockManagerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.mergeStatuses) {
		return
	}
	ms := s.mergeStatuses[i]
	if ms == nil || ms.Location != bmAddr {
		return
	}
	s.mergeStatuses[i] = nil
	s.numAvailableMergeResults--
	s.invalidateSerializedMergeOutputStatusCacheLocked()
}

// RemoveOutputsByFilter sweeps both arrays, clearing any entry whose
// location satisfies pred (used for lost-executor/lost-host cleanup).
func (s *ShuffleStatus) RemoveOutputsByFilter(pred func(BlockManagerId) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ms := range s.mapStatuses {
		if ms != nil && pred(ms.Location()) {
			s.mapStatuses[i] = nil
			s.numAvailableMapOutputs--
		}
	}
	s.invalidateSerializedMapOutputStatusCacheLocked()
	for i, ms := range s.mergeStatuses {
		if ms != nil && pred(ms.Location) {
			s.mergeStatuses[i] = nil
			s.numAvailableMergeResults--
		}
	}
	s.invalidateSerializedMergeOutputStatusCacheLocked()
}

// MapStatuses returns a snapshot copy of the map-status array (nils
// included) for the conversion stage to read without holding the lock.
func (s *ShuffleStatus) MapStatuses() []MapStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MapStatus, len(s.mapStatuses))
	copy(out, s.mapStatuses)
	return out
}

// MergeStatuses returns a snapshot copy of the merge-status array.
func (s *ShuffleStatus) MergeStatuses() []*MergeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MergeStatus, len(s.mergeStatuses))
	copy(out, s.mergeStatuses)
	return out
}

func (s *ShuffleStatus) NumAvailableMapOutputs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numAvailableMapOutputs
}

func (s *ShuffleStatus) NumAvailableMergeResults() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numAvailableMergeResults
}

func (s *ShuffleStatus) NumMaps() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mapStatuses)
}

func (s *ShuffleStatus) NumReduces() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mergeStatuses)
}

// SerializedMapOutputStatus returns the wire bytes for GetMapOutputStatuses
// (spec §4.A, §6): a one-byte DIRECT/BROADCAST tag followed by a
// compressed object-encoding of the map-status array.
func (s *ShuffleStatus) SerializedMapOutputStatus() ([]byte, error) {
	s.mu.RLock()
	if s.cachedSerializedMap != nil {
		out := s.cachedSerializedMap
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Second winner of the upgrade race reuses what the first winner built.
	if s.cachedSerializedMap != nil {
		return s.cachedSerializedMap, nil
	}
	wires := make([]mapStatusWire, len(s.mapStatuses))
	for i, ms := range s.mapStatuses {
		wires[i] = encodeMapStatus(ms)
	}
	payload, handle, err := s.serialize(wires)
	if err != nil {
		return nil, err
	}
	s.cachedSerializedMap = payload
	s.cachedBroadcastMap = handle
	return payload, nil
}

// SerializedMergeOutputStatus is the merge-status counterpart.
func (s *ShuffleStatus) SerializedMergeOutputStatus() ([]byte, error) {
	s.mu.RLock()
	if s.cachedSerializedMerge != nil {
		out := s.cachedSerializedMerge
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedSerializedMerge != nil {
		return s.cachedSerializedMerge, nil
	}
	wires := make([]mergeStatusWire, len(s.mergeStatuses))
	for i, ms := range s.mergeStatuses {
		wires[i] = encodeMergeStatus(ms)
	}
	payload, handle, err := s.serialize(wires)
	if err != nil {
		return nil, err
	}
	s.cachedSerializedMerge = payload
	s.cachedBroadcastMerge = handle
	return payload, nil
}

// serialize builds the DIRECT payload, compresses it, and promotes it to a
// broadcast if it is too large to return inline. Caller holds the write
// lock.
func (s *ShuffleStatus) serialize(wires interface{}) ([]byte, broadcast.Handle, error) {
	raw, err := gobEncode(wires)
	if err != nil {
		return nil, nil, err
	}
	compressed, err := s.codec.Compress(raw)
	if err != nil {
		return nil, nil, err
	}
	direct := make([]byte, 0, len(compressed)+1)
	direct = append(direct, tagDirect)
	direct = append(direct, compressed...)

	if s.minBroadcastSize <= 0 || len(direct) < s.minBroadcastSize || s.broadcaster == nil {
		return direct, nil, nil
	}

	handle, err := s.broadcaster.New(direct)
	if err != nil {
		// Falling back to the direct payload is safe: it is still a
		// correct, if larger, RPC reply.
		logutil.Warnf("shuffle %d: broadcast publish failed, falling back to direct payload: %v", s.shuffleID, err)
		return direct, nil, nil
	}
	id, _ := handle.ID().MarshalBinary()
	handleRaw, err := gobEncode(broadcastHandleWire{ID: id})
	if err != nil {
		return nil, nil, err
	}
	handleCompressed, err := s.codec.Compress(handleRaw)
	if err != nil {
		return nil, nil, err
	}
	payload := make([]byte, 0, len(handleCompressed)+1)
	payload = append(payload, tagBroadcast)
	payload = append(payload, handleCompressed...)
	return payload, handle, nil
}

// InvalidateSerializedMapOutputStatusCache destroys the broadcast handle
// (if any) and nulls the cached bytes. Broadcast-destroy errors are
// swallowed and logged: cleanup must never crash the driver (spec §4.A,
// §7).
func (s *ShuffleStatus) InvalidateSerializedMapOutputStatusCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateSerializedMapOutputStatusCacheLocked()
}

func (s *ShuffleStatus) invalidateSerializedMapOutputStatusCacheLocked() {
	if s.cachedBroadcastMap != nil {
		if err := s.cachedBroadcastMap.Destroy(); err != nil {
			logutil.Warnf("shuffle %d: failed to destroy map-output broadcast: %v", s.shuffleID, err)
		}
		s.cachedBroadcastMap = nil
	}
	s.cachedSerializedMap = nil
}

// InvalidateSerializedMergeOutputStatusCache is the merge-status
// counterpart.
func (s *ShuffleStatus) InvalidateSerializedMergeOutputStatusCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateSerializedMergeOutputStatusCacheLocked()
}

func (s *ShuffleStatus) invalidateSerializedMergeOutputStatusCacheLocked() {
	if s.cachedBroadcastMerge != nil {
		if err := s.cachedBroadcastMerge.Destroy(); err != nil {
			logutil.Warnf("shuffle %d: failed to destroy merge-output broadcast: %v", s.shuffleID, err)
		}
		s.cachedBroadcastMerge = nil
	}
	s.cachedSerializedMerge = nil
}

// Destroy releases everything owned by this ShuffleStatus (both broadcast
// handles), called from unregisterShuffle (spec §3 Lifecycle).
func (s *ShuffleStatus) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateSerializedMapOutputStatusCacheLocked()
	s.invalidateSerializedMergeOutputStatusCacheLocked()
}
