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

// Package worker implements the reducer/executor-side map-output client:
// a lazily-populated, epoch-invalidated cache over the driver's status RPC
// endpoint, with per-shuffle-id fetch coalescing (spec §4.C).
package worker

import (
	"fmt"
	"sync"

	"github.com/hayageek/threadsafe"
	"golang.org/x/sync/singleflight"

	"github.com/matrixorigin/shuffle/pkg/common/logutil"
	"github.com/matrixorigin/shuffle/pkg/shuffle/codec"
	"github.com/matrixorigin/shuffle/pkg/shuffle/convert"
	"github.com/matrixorigin/shuffle/pkg/shuffle/status"
)

// Endpoint is the narrow slice of MapOutputTrackerMaster the worker needs;
// kept as an interface so tests can fake the driver round-trip without
// standing up the real dispatcher pool.
type Endpoint interface {
	GetMapOutputStatuses(shuffleID int64) ([]byte, error)
	GetMergeResultStatuses(shuffleID int64) ([]byte, error)
}

// MapOutputTrackerWorker is the executor-side client (spec §4.C).
type MapOutputTrackerWorker struct {
	endpoint Endpoint
	codec    codec.Codec
	resolve  status.BroadcastResolver

	mapCache   *threadsafe.Map[int64, []status.MapStatus]
	mergeCache *threadsafe.Map[int64, []*status.MergeStatus]

	// group coalesces concurrent first-fetches of the same shuffle id into
	// one RPC round-trip; different shuffle ids proceed independently
	// (spec §4.C, §5).
	group singleflight.Group

	epochMu sync.Mutex
	epoch   int64
}

// New builds a worker-side tracker. resolve supplies broadcast-handle
// resolution for payloads promoted to BROADCAST (may be nil if the
// deployment never broadcasts, e.g. single-process tests).
func New(endpoint Endpoint, c codec.Codec, resolve status.BroadcastResolver) *MapOutputTrackerWorker {
	return &MapOutputTrackerWorker{
		endpoint:   endpoint,
		codec:      c,
		resolve:    resolve,
		mapCache:   threadsafe.NewMap[int64, []status.MapStatus](),
		mergeCache: threadsafe.NewMap[int64, []*status.MergeStatus](),
	}
}

// getStatuses fetches and decodes both status arrays for shuffleID,
// coalescing concurrent callers into a single RPC pair (spec §4.C).
func (w *MapOutputTrackerWorker) getStatuses(shuffleID int64, needMerge bool) ([]status.MapStatus, []*status.MergeStatus, error) {
	key := fmt.Sprintf("%d", shuffleID)
	v, err, _ := w.group.Do(key, func() (interface{}, error) {
		mapPayload, err := w.endpoint.GetMapOutputStatuses(shuffleID)
		if err != nil {
			return nil, err
		}
		maps, err := status.DecodeMapStatuses(mapPayload, w.codec, w.resolve)
		if err != nil {
			return nil, err
		}

		var merges []*status.MergeStatus
		if needMerge {
			mergePayload, err := w.endpoint.GetMergeResultStatuses(shuffleID)
			if err != nil {
				return nil, err
			}
			merges, err = status.DecodeMergeStatuses(mergePayload, w.codec, w.resolve)
			if err != nil {
				return nil, err
			}
		}

		w.mapCache.Set(shuffleID, maps)
		if needMerge {
			w.mergeCache.Set(shuffleID, merges)
		}
		return fetchedStatuses{maps: maps, merges: merges}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	f := v.(fetchedStatuses)
	return f.maps, f.merges, nil
}

type fetchedStatuses struct {
	maps   []status.MapStatus
	merges []*status.MergeStatus
}

// GetMapSizesByExecutorId returns the fetch plan for reduce partitions
// [startPart, endPart) and map indices [startMap, endMap) of shuffleID,
// consulting the cache before calling out to the driver (spec §4.C).
func (w *MapOutputTrackerWorker) GetMapSizesByExecutorId(shuffleID int64, startMap, endMap, startPart, endPart int, pushEnabled bool) ([]convert.Destination, error) {
	maps, cached := w.mapCache.Get(shuffleID)
	var merges []*status.MergeStatus
	if pushEnabled {
		merges, _ = w.mergeCache.Get(shuffleID)
	}
	if !cached {
		var err error
		maps, merges, err = w.getStatuses(shuffleID, pushEnabled)
		if err != nil {
			return nil, err
		}
	}

	dests, err := convert.ConvertMapStatuses(shuffleID, startPart, endPart, maps, startMap, endMap, merges)
	if err != nil {
		// Stale or partial status: purge so the next attempt re-fetches
		// rather than reusing what just failed (spec §4.C).
		logutil.Warnf("shuffle %d: conversion failed, purging cache: %v", shuffleID, err)
		w.mapCache.Delete(shuffleID)
		w.mergeCache.Delete(shuffleID)
		return nil, err
	}
	return dests, nil
}

// GetMapSizesForMergeResult is the fallback path used when a merged fetch
// fails partway: given the caller's own view of what was already merged
// (tracker, possibly chunk-scoped), produce the plan for the still-missing
// maps only — the merged block at tracker.Location already failed and must
// never be re-emitted (spec §4.C).
func (w *MapOutputTrackerWorker) GetMapSizesForMergeResult(shuffleID int64, partition int, tracker *status.MergeStatus) ([]convert.Destination, error) {
	maps, cached := w.mapCache.Get(shuffleID)
	if !cached {
		var err error
		maps, _, err = w.getStatuses(shuffleID, false)
		if err != nil {
			return nil, err
		}
	}
	return convert.MissingMapBlocks(shuffleID, partition, maps, tracker)
}

// UpdateEpoch clears both caches iff newEpoch is strictly greater than the
// locally-known epoch (spec §4.C, §8 invariant 4).
func (w *MapOutputTrackerWorker) UpdateEpoch(newEpoch int64) {
	w.epochMu.Lock()
	defer w.epochMu.Unlock()
	if newEpoch <= w.epoch {
		return
	}
	w.epoch = newEpoch
	w.mapCache = threadsafe.NewMap[int64, []status.MapStatus]()
	w.mergeCache = threadsafe.NewMap[int64, []*status.MergeStatus]()
}

// Epoch returns the last epoch this worker observed.
func (w *MapOutputTrackerWorker) Epoch() int64 {
	w.epochMu.Lock()
	defer w.epochMu.Unlock()
	return w.epoch
}
