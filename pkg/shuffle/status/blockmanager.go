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

// Package status holds the driver-side bookkeeping types for one shuffle:
// BlockManagerId, MapStatus, MergeStatus and the ShuffleStatus aggregate
// (spec §3, §4.A).
package status

import "fmt"

// BlockManagerId identifies an executor's block manager. Equality is
// structural, so it is safe to use directly as a map key.
type BlockManagerId struct {
	ExecutorID string
	Host       string
	Port       int
}

func (b BlockManagerId) String() string {
	return fmt.Sprintf("%s@%s:%d", b.ExecutorID, b.Host, b.Port)
}

// Less gives a deterministic ordering over BlockManagerIds, used to
// tie-break equally-weighted preferred locations (SPEC_FULL §3).
func (b BlockManagerId) Less(o BlockManagerId) bool {
	if b.Host != o.Host {
		return b.Host < o.Host
	}
	return b.ExecutorID < o.ExecutorID
}
