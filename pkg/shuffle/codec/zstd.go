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

package codec

import "github.com/DataDog/zstd"

// DefaultCodecName is shuffle.mapStatus.compressionCodec's default (spec §6).
const DefaultCodecName = "zstd"

type zstdCodec struct{}

func (zstdCodec) Name() string { return DefaultCodecName }

func (zstdCodec) Compress(src []byte) ([]byte, error) {
	return zstd.Compress(nil, src)
}

func (zstdCodec) Decompress(src []byte) ([]byte, error) {
	return zstd.Decompress(nil, src)
}

func init() {
	Register(zstdCodec{})
}
