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

// Package broadcast defines the narrow interface ShuffleStatus needs from a
// broadcast mechanism (spec §1 treats the real broadcast implementation as
// an external collaborator) plus a single-process implementation good
// enough for tests and small clusters.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is an owned reference to a broadcast value. It must be Destroy()ed
// exactly once, by whoever created it (ShuffleStatus, per spec §4.A/§5).
type Handle interface {
	ID() uuid.UUID
	Value() []byte
	Destroy() error
}

// Broadcaster publishes a byte slice as a broadcast value.
type Broadcaster interface {
	New(value []byte) (Handle, error)
}

type inProcessHandle struct {
	id    uuid.UUID
	value []byte
	b     *inProcess
}

func (h *inProcessHandle) ID() uuid.UUID   { return h.id }
func (h *inProcessHandle) Value() []byte   { return h.value }
func (h *inProcessHandle) Destroy() error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	delete(h.b.values, h.id)
	return nil
}

// inProcess is a trivial Broadcaster suitable for single-process
// deployments and tests: broadcasting is just keeping the bytes alive in a
// table keyed by a random id, since there is no second process to fan out
// to. A real cluster deployment swaps this for a torrent/BT-style
// broadcast (spec §1, out of scope for this core).
type inProcess struct {
	mu     sync.Mutex
	values map[uuid.UUID][]byte
}

// NewInProcess returns a Broadcaster with no cross-process fan-out.
func NewInProcess() Broadcaster {
	return &inProcess{values: map[uuid.UUID][]byte{}}
}

func (b *inProcess) New(value []byte) (Handle, error) {
	id := uuid.New()
	b.mu.Lock()
	b.values[id] = value
	b.mu.Unlock()
	return &inProcessHandle{id: id, value: value, b: b}, nil
}

// Count returns the number of live handles, used by tests asserting
// numCachedBroadcast (spec §8 scenario 3).
func (b *inProcess) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.values)
}
