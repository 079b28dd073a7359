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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/shuffle/pkg/common/moerr"
)

func TestDefaultPasses(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Equal(t, "zstd", c.MapOutput.CompressionCodec)
}

func TestValidateRejectsBroadcastThresholdAboveRPCMax(t *testing.T) {
	c := Default()
	c.MapOutput.MinSizeForBroadcast = c.MapOutput.MaxRPCMessageSize + 1
	err := c.Validate()
	require.Error(t, err)
	require.True(t, moerr.IsIllegalConfig(err))
}
