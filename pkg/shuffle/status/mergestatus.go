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

import "github.com/RoaringBitmap/roaring"

// MergeStatus describes one reduce partition's merged file, as produced by
// a merger service once push-based shuffle has finished merging (spec §3).
type MergeStatus struct {
	Location  BlockManagerId
	Tracker   *roaring.Bitmap // map indices successfully merged into this partition
	TotalSize uint64
}

// NewMergeStatus builds a MergeStatus; tracker is cloned so later mutation
// by the caller (e.g. a reused bitmap scratch buffer) cannot corrupt the
// stored status.
func NewMergeStatus(location BlockManagerId, tracker *roaring.Bitmap, totalSize uint64) *MergeStatus {
	return &MergeStatus{
		Location:  location,
		Tracker:   tracker.Clone(),
		TotalSize: totalSize,
	}
}

// GetMissingMaps returns, in ascending order, the map indices in [0,
// numMaps) that are absent from Tracker — the complement spec §3 defines.
func (m *MergeStatus) GetMissingMaps(numMaps int) []int {
	missing := make([]int, 0, numMaps)
	for i := 0; i < numMaps; i++ {
		if !m.Tracker.ContainsInt(i) {
			missing = append(missing, i)
		}
	}
	return missing
}
