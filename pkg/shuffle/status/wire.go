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
	"bytes"
	"encoding/gob"

	"github.com/RoaringBitmap/roaring"
)

// mapStatusKind tags which MapStatus encoding a mapStatusWire carries.
type mapStatusKind byte

const (
	kindCompressed mapStatusKind = iota
	kindHighlyCompressed
)

// mapStatusWire is the gob-friendly shape of a MapStatus entry (including
// the "absent" case, Present=false, used when a map task has not completed
// or was removed — see convertMapStatuses's null handling in pkg/shuffle/convert).
type mapStatusWire struct {
	Present bool
	Kind    mapStatusKind

	ExecutorID string
	Host       string
	Port       int
	MapID      int64

	// kindCompressed
	Sizes []byte

	// kindHighlyCompressed
	NumBlocks   int
	EmptyBlocks []byte
	AvgSize     uint64
}

func encodeMapStatus(m MapStatus) mapStatusWire {
	if m == nil {
		return mapStatusWire{Present: false}
	}
	switch v := m.(type) {
	case *compressedMapStatus:
		v.mu.RLock()
		defer v.mu.RUnlock()
		return mapStatusWire{
			Present:    true,
			Kind:       kindCompressed,
			ExecutorID: v.location.ExecutorID,
			Host:       v.location.Host,
			Port:       v.location.Port,
			MapID:      v.mapID,
			Sizes:      append([]byte(nil), v.sizes...),
		}
	case *highlyCompressedMapStatus:
		v.mu.RLock()
		defer v.mu.RUnlock()
		eb, _ := v.emptyBlocks.ToBytes()
		return mapStatusWire{
			Present:     true,
			Kind:        kindHighlyCompressed,
			ExecutorID:  v.location.ExecutorID,
			Host:        v.location.Host,
			Port:        v.location.Port,
			MapID:       v.mapID,
			NumBlocks:   v.numBlocks,
			EmptyBlocks: eb,
			AvgSize:     v.avgSize,
		}
	default:
		return mapStatusWire{Present: false}
	}
}

func decodeMapStatus(w mapStatusWire) MapStatus {
	if !w.Present {
		return nil
	}
	loc := BlockManagerId{ExecutorID: w.ExecutorID, Host: w.Host, Port: w.Port}
	switch w.Kind {
	case kindHighlyCompressed:
		eb := roaring.New()
		if len(w.EmptyBlocks) > 0 {
			_, _ = eb.ReadFrom(bytes.NewReader(w.EmptyBlocks))
		}
		return &highlyCompressedMapStatus{
			location:    loc,
			mapID:       w.MapID,
			numBlocks:   w.NumBlocks,
			emptyBlocks: eb,
			avgSize:     w.AvgSize,
		}
	default:
		return &compressedMapStatus{
			location: loc,
			mapID:    w.MapID,
			sizes:    append([]byte(nil), w.Sizes...),
		}
	}
}

type mergeStatusWire struct {
	Present    bool
	ExecutorID string
	Host       string
	Port       int
	Tracker    []byte
	TotalSize  uint64
}

func encodeMergeStatus(m *MergeStatus) mergeStatusWire {
	if m == nil {
		return mergeStatusWire{Present: false}
	}
	tb, _ := m.Tracker.ToBytes()
	return mergeStatusWire{
		Present:    true,
		ExecutorID: m.Location.ExecutorID,
		Host:       m.Location.Host,
		Port:       m.Location.Port,
		Tracker:    tb,
		TotalSize:  m.TotalSize,
	}
}

func decodeMergeStatus(w mergeStatusWire) *MergeStatus {
	if !w.Present {
		return nil
	}
	tracker := roaring.New()
	if len(w.Tracker) > 0 {
		_, _ = tracker.ReadFrom(bytes.NewReader(w.Tracker))
	}
	return &MergeStatus{
		Location:  BlockManagerId{ExecutorID: w.ExecutorID, Host: w.Host, Port: w.Port},
		Tracker:   tracker,
		TotalSize: w.TotalSize,
	}
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// broadcastHandleWire is the object the DIRECT payload is wrapped in when
// it gets large enough to be broadcast instead of returned inline (spec
// §4.A, §6).
type broadcastHandleWire struct {
	ID []byte
}
