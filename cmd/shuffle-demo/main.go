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

// Command shuffle-demo wires the driver registry, the worker client, and
// the fetch-plan conversion together in a single process, to exercise the
// data plane end to end without a real transport.
package main

import (
	"flag"
	"fmt"

	_ "go.uber.org/automaxprocs" // sets GOMAXPROCS from the container cgroup before anything else runs

	"github.com/matrixorigin/shuffle/pkg/common/logutil"
	"github.com/matrixorigin/shuffle/pkg/shuffle/broadcast"
	"github.com/matrixorigin/shuffle/pkg/shuffle/codec"
	"github.com/matrixorigin/shuffle/pkg/shuffle/config"
	"github.com/matrixorigin/shuffle/pkg/shuffle/master"
	"github.com/matrixorigin/shuffle/pkg/shuffle/status"
	"github.com/matrixorigin/shuffle/pkg/shuffle/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a shuffle.toml; defaults are used if empty")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logutil.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}

	b := broadcast.NewInProcess()
	c := codec.Get(cfg.MapOutput.CompressionCodec)

	m, err := master.New(cfg, b, c)
	if err != nil {
		logutil.Fatalf("starting tracker master: %v", err)
	}
	defer m.Stop()

	const shuffleID = int64(1)
	if err := m.RegisterShuffle(shuffleID, 2, 2); err != nil {
		logutil.Fatalf("register shuffle: %v", err)
	}

	locA := status.BlockManagerId{ExecutorID: "exec-a", Host: "10.0.0.1", Port: 9001}
	locB := status.BlockManagerId{ExecutorID: "exec-b", Host: "10.0.0.2", Port: 9001}

	if err := m.RegisterMapOutput(shuffleID, 0, status.NewMapStatus(locA, 100, []int64{1000, 2000})); err != nil {
		logutil.Fatalf("register map output: %v", err)
	}
	if err := m.RegisterMapOutput(shuffleID, 1, status.NewMapStatus(locB, 101, []int64{3000, 0})); err != nil {
		logutil.Fatalf("register map output: %v", err)
	}

	w := worker.New(m, c, nil)
	dests, err := w.GetMapSizesByExecutorId(shuffleID, 0, 2, 0, 2, false)
	if err != nil {
		logutil.Fatalf("get map sizes: %v", err)
	}

	for _, d := range dests {
		fmt.Printf("destination %s serves %d blocks\n", d.Location, len(d.Blocks))
		for _, b := range d.Blocks {
			fmt.Printf("  block shuffle=%d map=%d reduce=%d size=%d\n", b.BlockID.ShuffleID, b.BlockID.MapID, b.BlockID.ReduceID, b.Size)
		}
	}

	fmt.Printf("driver epoch: %d\n", m.Epoch())
}
