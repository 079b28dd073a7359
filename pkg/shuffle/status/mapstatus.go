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
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// MapStatus is the capability set spec §9 calls for: location, mapId,
// per-partition size, and in-place location migration. It is implemented
// as a tagged sum (compressedMapStatus / highlyCompressedMapStatus) rather
// than a single struct, so a wire tag byte selects the decoder on the
// receiving side (see wire.go).
type MapStatus interface {
	Location() BlockManagerId
	MapID() int64
	SizeForBlock(partition int) uint64
	UpdateLocation(newLocation BlockManagerId)
}

// highlyCompressedThreshold mirrors the point at which per-partition byte
// sizes stop being worth storing individually; above it we keep only an
// average and a sparse empty-block bitmap (spec §9 "multiple physical
// encodings").
const highlyCompressedThreshold = 2000

// logBase is the base of the log-scale size compression: a stored byte b
// (b > 0) decompresses to logBase^(b-1), matching spec §3's "8-bit
// log-scale" note and keeping relative error under ~10%.
const logBase = 1.1

func compressSize(size uint64) byte {
	if size == 0 {
		return 0
	}
	v := int(math.Ceil(math.Log(float64(size))/math.Log(logBase))) + 1
	if v > 255 {
		return 255
	}
	if v < 1 {
		return 1
	}
	return byte(v)
}

func decompressSize(b byte) uint64 {
	if b == 0 {
		return 0
	}
	return uint64(math.Pow(logBase, float64(b)-1))
}

// compressedMapStatus stores one log-scale-compressed byte per partition;
// exact for empty partitions (spec §3).
type compressedMapStatus struct {
	mu       sync.RWMutex
	location BlockManagerId
	mapID    int64
	sizes    []byte
}

// NewMapStatus picks a MapStatus representation based on partition count,
// the way the driver would when a map task reports completion.
func NewMapStatus(location BlockManagerId, mapID int64, uncompressedSizes []int64) MapStatus {
	if len(uncompressedSizes) > highlyCompressedThreshold {
		return newHighlyCompressedMapStatus(location, mapID, uncompressedSizes)
	}
	sizes := make([]byte, len(uncompressedSizes))
	for i, s := range uncompressedSizes {
		if s < 0 {
			s = 0
		}
		sizes[i] = compressSize(uint64(s))
	}
	return &compressedMapStatus{location: location, mapID: mapID, sizes: sizes}
}

func (m *compressedMapStatus) Location() BlockManagerId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.location
}

func (m *compressedMapStatus) MapID() int64 { return m.mapID }

func (m *compressedMapStatus) SizeForBlock(partition int) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if partition < 0 || partition >= len(m.sizes) {
		return 0
	}
	return decompressSize(m.sizes[partition])
}

func (m *compressedMapStatus) UpdateLocation(newLocation BlockManagerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.location = newLocation
}

// highlyCompressedMapStatus trades per-partition precision for O(1) memory
// on jobs with very large partition counts (spec §8 scenario 3 uses 4M
// reduce partitions): every non-empty block reports the same average size,
// and a roaring bitmap remembers exactly which partitions are empty.
type highlyCompressedMapStatus struct {
	mu          sync.RWMutex
	location    BlockManagerId
	mapID       int64
	numBlocks   int
	emptyBlocks *roaring.Bitmap
	avgSize     uint64
}

func newHighlyCompressedMapStatus(location BlockManagerId, mapID int64, uncompressedSizes []int64) *highlyCompressedMapStatus {
	empty := roaring.New()
	var total uint64
	var nonEmpty int
	for i, s := range uncompressedSizes {
		if s <= 0 {
			empty.AddInt(i)
			continue
		}
		total += uint64(s)
		nonEmpty++
	}
	var avg uint64
	if nonEmpty > 0 {
		avg = total / uint64(nonEmpty)
	}
	return &highlyCompressedMapStatus{
		location:    location,
		mapID:       mapID,
		numBlocks:   len(uncompressedSizes),
		emptyBlocks: empty,
		avgSize:     avg,
	}
}

func (m *highlyCompressedMapStatus) Location() BlockManagerId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.location
}

func (m *highlyCompressedMapStatus) MapID() int64 { return m.mapID }

func (m *highlyCompressedMapStatus) SizeForBlock(partition int) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if partition < 0 || partition >= m.numBlocks {
		return 0
	}
	if m.emptyBlocks.ContainsInt(partition) {
		return 0
	}
	return m.avgSize
}

func (m *highlyCompressedMapStatus) UpdateLocation(newLocation BlockManagerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.location = newLocation
}
