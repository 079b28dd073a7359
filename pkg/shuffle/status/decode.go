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
	"fmt"

	"github.com/google/uuid"

	"github.com/matrixorigin/shuffle/pkg/shuffle/codec"
)

// BroadcastResolver fetches the raw bytes a broadcast handle id refers to.
// On the driver this is a local table lookup; across a real cluster it
// would be the broadcast mechanism's own fetch path (spec §1, external
// collaborator).
type BroadcastResolver func(id uuid.UUID) ([]byte, error)

// unwrapTag strips the DIRECT/BROADCAST tag, resolving a broadcast
// reference to the DIRECT payload it points at.
func unwrapTag(payload []byte, c codec.Codec, resolve BroadcastResolver) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty status payload")
	}
	switch payload[0] {
	case tagDirect:
		return c.Decompress(payload[1:])
	case tagBroadcast:
		raw, err := c.Decompress(payload[1:])
		if err != nil {
			return nil, err
		}
		var w broadcastHandleWire
		if err := gobDecode(raw, &w); err != nil {
			return nil, err
		}
		var id uuid.UUID
		if err := id.UnmarshalBinary(w.ID); err != nil {
			return nil, err
		}
		if resolve == nil {
			return nil, fmt.Errorf("status payload references broadcast %s but no resolver given", id)
		}
		direct, err := resolve(id)
		if err != nil {
			return nil, err
		}
		if len(direct) == 0 || direct[0] != tagDirect {
			return nil, fmt.Errorf("broadcast %s did not hold a DIRECT-tagged payload", id)
		}
		return c.Decompress(direct[1:])
	default:
		return nil, fmt.Errorf("unknown status payload tag %d", payload[0])
	}
}

// DecodeMapStatuses parses bytes produced by SerializedMapOutputStatus.
func DecodeMapStatuses(payload []byte, c codec.Codec, resolve BroadcastResolver) ([]MapStatus, error) {
	raw, err := unwrapTag(payload, c, resolve)
	if err != nil {
		return nil, err
	}
	var wires []mapStatusWire
	if err := gobDecode(raw, &wires); err != nil {
		return nil, err
	}
	out := make([]MapStatus, len(wires))
	for i, w := range wires {
		out[i] = decodeMapStatus(w)
	}
	return out, nil
}

// DecodeMergeStatuses parses bytes produced by SerializedMergeOutputStatus.
func DecodeMergeStatuses(payload []byte, c codec.Codec, resolve BroadcastResolver) ([]*MergeStatus, error) {
	raw, err := unwrapTag(payload, c, resolve)
	if err != nil {
		return nil, err
	}
	var wires []mergeStatusWire
	if err := gobDecode(raw, &wires); err != nil {
		return nil, err
	}
	out := make([]*MergeStatus, len(wires))
	for i, w := range wires {
		out[i] = decodeMergeStatus(w)
	}
	return out, nil
}
