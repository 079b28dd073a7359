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

// Package codec is the explicit registry of named compression codecs used
// to compress the serialized MapStatus/MergeStatus object stream (spec
// §4.A, §6 shuffle.mapStatus.compressionCodec). This replaces the
// dynamic-class-loading pattern the design notes (spec §9) call out:
// unknown names fall back to a no-op passthrough codec instead of failing.
package codec

import (
	"sync"

	"github.com/matrixorigin/shuffle/pkg/common/logutil"
)

// Codec compresses and decompresses the opaque status-array byte stream.
type Codec interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

var (
	mu       sync.RWMutex
	registry = map[string]Codec{}
)

// Register installs a codec under name, overwriting any previous
// registration. Call from an init() in the codec's own file.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[c.Name()] = c
}

// Get looks up a codec by name. If name is unknown, it logs and returns the
// no-op codec rather than failing: a misconfigured codec name must not
// take down status serialization.
func Get(name string) Codec {
	mu.RLock()
	c, ok := registry[name]
	mu.RUnlock()
	if ok {
		return c
	}
	logutil.Warnf("codec %q not registered, falling back to noop", name)
	return noopCodec{}
}

type noopCodec struct{}

func (noopCodec) Name() string                        { return "noop" }
func (noopCodec) Compress(src []byte) ([]byte, error)   { return src, nil }
func (noopCodec) Decompress(src []byte) ([]byte, error) { return src, nil }

func init() {
	Register(noopCodec{})
}
