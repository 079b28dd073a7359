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

// Package config carries the shuffle data plane's tunables (spec §6) in
// the same Validate/Fill shape the driver's other services use.
package config

import (
	"os"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/matrixorigin/shuffle/pkg/common/moerr"
)

const (
	defaultMaxBlockSizeToPush               = 1 << 20           // 1 MiB, shuffle.push.maxBlockSizeToPush
	defaultMaxBlockBatchSize                = 3 << 20           // 3 MiB, shuffle.push.maxBlockBatchSize
	defaultMaxSizeInFlight                  = 48 << 20          // reducer.maxSizeInFlight
	defaultMaxReqsInFlight                  = int(^uint32(0) >> 1) // reducer.maxReqsInFlight
	defaultMaxBlocksInFlightPerAddress      = 1 << 31 - 1       // reducer.maxBlocksInFlightPerAddress
	defaultMinSizeForBroadcast              = 512 << 10         // shuffle.mapOutput.minSizeForBroadcast
	defaultMaxRPCMessageSize                = 128 << 20
	defaultDispatcherNumThreads             = 8
	defaultReduceLocalityEnabled            = true
	defaultParallelAggregationThreshold     = 10_000_000
	defaultCompressionCodec                 = "zstd"
)

// Config holds the tunables of pkg/shuffle's components, loaded from a
// TOML file the same way the driver's other services are configured.
type Config struct {
	Push struct {
		MaxBlockSizeToPush int64 `toml:"max-block-size-to-push"`
		MaxBlockBatchSize  int64 `toml:"max-block-batch-size"`
		NumThreads         int   `toml:"num-threads"`
	} `toml:"push"`

	Reducer struct {
		MaxSizeInFlight             int64 `toml:"max-size-in-flight"`
		MaxReqsInFlight             int   `toml:"max-reqs-in-flight"`
		MaxBlocksInFlightPerAddress int   `toml:"max-blocks-in-flight-per-address"`
	} `toml:"reducer"`

	MapOutput struct {
		MinSizeForBroadcast          int64  `toml:"min-size-for-broadcast"`
		MaxRPCMessageSize            int64  `toml:"max-rpc-message-size"`
		DispatcherNumThreads         int    `toml:"dispatcher-num-threads"`
		ParallelAggregationThreshold int64  `toml:"parallel-aggregation-threshold"`
		CompressionCodec             string `toml:"compression-codec"`
	} `toml:"map-output"`

	ReduceLocality struct {
		Enabled bool `toml:"enabled"`
	} `toml:"reduce-locality"`

	UseOldFetchProtocol bool `toml:"use-old-fetch-protocol"`
	BatchFetchEnabled   bool `toml:"batch-fetch-enabled"`
}

// Fill applies defaults to every unset field, mirroring the logservice
// Config.Fill convention: zero-value fields (the toml decoder leaves a
// field alone when its key is absent) are replaced, never overwritten.
func (c *Config) Fill() {
	if c.Push.MaxBlockSizeToPush == 0 {
		c.Push.MaxBlockSizeToPush = defaultMaxBlockSizeToPush
	}
	if c.Push.MaxBlockBatchSize == 0 {
		c.Push.MaxBlockBatchSize = defaultMaxBlockBatchSize
	}
	if c.Push.NumThreads == 0 {
		c.Push.NumThreads = runtime.GOMAXPROCS(0)
	}
	if c.Reducer.MaxSizeInFlight == 0 {
		c.Reducer.MaxSizeInFlight = defaultMaxSizeInFlight
	}
	if c.Reducer.MaxReqsInFlight == 0 {
		c.Reducer.MaxReqsInFlight = defaultMaxReqsInFlight
	}
	if c.Reducer.MaxBlocksInFlightPerAddress == 0 {
		c.Reducer.MaxBlocksInFlightPerAddress = defaultMaxBlocksInFlightPerAddress
	}
	if c.MapOutput.MinSizeForBroadcast == 0 {
		c.MapOutput.MinSizeForBroadcast = defaultMinSizeForBroadcast
	}
	if c.MapOutput.MaxRPCMessageSize == 0 {
		c.MapOutput.MaxRPCMessageSize = defaultMaxRPCMessageSize
	}
	if c.MapOutput.DispatcherNumThreads == 0 {
		c.MapOutput.DispatcherNumThreads = defaultDispatcherNumThreads
	}
	if c.MapOutput.ParallelAggregationThreshold == 0 {
		c.MapOutput.ParallelAggregationThreshold = defaultParallelAggregationThreshold
	}
	if c.MapOutput.CompressionCodec == "" {
		c.MapOutput.CompressionCodec = defaultCompressionCodec
	}
}

// Validate enforces the startup precondition spec §4.B calls out:
// minBroadcastSize must not exceed the transport's max RPC message size.
func (c *Config) Validate() error {
	if c.MapOutput.MinSizeForBroadcast > c.MapOutput.MaxRPCMessageSize {
		return moerr.NewIllegalConfig(
			"map-output.min-size-for-broadcast (%d) exceeds map-output.max-rpc-message-size (%d)",
			c.MapOutput.MinSizeForBroadcast, c.MapOutput.MaxRPCMessageSize,
		)
	}
	return nil
}

// Load reads path as TOML, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, err
	}
	c.Fill()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a Config with every default applied, used by tests and
// the demo command when no TOML file is supplied.
func Default() *Config {
	c := &Config{}
	c.Fill()
	return c
}
