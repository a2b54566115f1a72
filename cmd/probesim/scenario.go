// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livemesh/probing/pkg/ccutils"
	"github.com/livemesh/probing/pkg/probe"
)

// Scenario is a recorded timeline of congestion-controller events. The
// probe controller is deterministic under an injected clock, so replaying
// the same scenario always produces the same probe sequence.
type Scenario struct {
	Description string `yaml:"description,omitempty"`

	// automatic periodic ticks over the scenario duration
	TickEveryMs int64 `yaml:"tick_every_ms,omitempty"`
	DurationMs  int64 `yaml:"duration_ms,omitempty"`

	Events []ScenarioEvent `yaml:"events,omitempty"`
}

type ScenarioEvent struct {
	AtMs int64 `yaml:"at_ms"`

	SetBitrates        *SetBitratesEvent `yaml:"set_bitrates,omitempty"`
	SetMaxBitrateBps   *int64            `yaml:"set_max_bitrate_bps,omitempty"`
	AllocationBps      *int64            `yaml:"allocation_bps,omitempty"`
	Availability       *bool             `yaml:"availability,omitempty"`
	Estimate           *EstimateEvent    `yaml:"estimate,omitempty"`
	AlrStart           bool              `yaml:"alr_start,omitempty"`
	AlrEnd             bool              `yaml:"alr_end,omitempty"`
	EnableAlrProbing   *bool             `yaml:"enable_alr_probing,omitempty"`
	NetworkEstimateBps *int64            `yaml:"network_estimate_bps,omitempty"`
	RequestProbe       bool              `yaml:"request_probe,omitempty"`
	Tick               bool              `yaml:"tick,omitempty"`
}

type SetBitratesEvent struct {
	MinBps   int64 `yaml:"min_bps"`
	StartBps int64 `yaml:"start_bps"`
	MaxBps   int64 `yaml:"max_bps"`
}

type EstimateEvent struct {
	Bps         int64 `yaml:"bps"`
	LossLimited bool  `yaml:"loss_limited,omitempty"`
}

func LoadScenario(path string) (*Scenario, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read scenario: %w", err)
	}

	var s Scenario
	if err := yaml.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("could not parse scenario: %w", err)
	}
	return &s, nil
}

// ------------------------------------------------

type EmittedProbe struct {
	AtMs    int64
	Cluster ccutils.ProbeClusterConfig
}

// Replay runs the scenario against a fresh controller and returns every
// emitted probe cluster in order.
func Replay(s *Scenario, conf probe.Config, lgr logger.Logger) []EmittedProbe {
	pc := probe.NewProbeController(probe.ProbeControllerParams{
		Config: conf,
		Logger: lgr,
	})

	events := make([]ScenarioEvent, 0, len(s.Events))
	events = append(events, s.Events...)
	if s.TickEveryMs > 0 && s.DurationMs > 0 {
		for atMs := s.TickEveryMs; atMs <= s.DurationMs; atMs += s.TickEveryMs {
			events = append(events, ScenarioEvent{AtMs: atMs, Tick: true})
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].AtMs < events[j].AtMs })

	base := time.Unix(0, 0)
	var emitted []EmittedProbe
	record := func(atMs int64, pccs []ccutils.ProbeClusterConfig) {
		for _, pcc := range pccs {
			emitted = append(emitted, EmittedProbe{AtMs: atMs, Cluster: pcc})
		}
	}

	for _, ev := range events {
		at := base.Add(time.Duration(ev.AtMs) * time.Millisecond)
		switch {
		case ev.SetBitrates != nil:
			record(ev.AtMs, pc.SetBitrates(ev.SetBitrates.MinBps, ev.SetBitrates.StartBps, ev.SetBitrates.MaxBps, at))
		case ev.SetMaxBitrateBps != nil:
			pc.SetMaxBitrate(*ev.SetMaxBitrateBps)
		case ev.AllocationBps != nil:
			record(ev.AtMs, pc.OnMaxTotalAllocatedBitrate(*ev.AllocationBps, at))
		case ev.Availability != nil:
			record(ev.AtMs, pc.OnNetworkAvailability(*ev.Availability, at))
		case ev.Estimate != nil:
			record(ev.AtMs, pc.SetEstimatedBitrate(ev.Estimate.Bps, ev.Estimate.LossLimited, at))
		case ev.AlrStart:
			pc.SetAlrStart(at)
		case ev.AlrEnd:
			pc.SetAlrEnded(at)
		case ev.EnableAlrProbing != nil:
			pc.EnablePeriodicAlrProbing(*ev.EnableAlrProbing)
		case ev.NetworkEstimateBps != nil:
			pc.SetNetworkStateEstimate(*ev.NetworkEstimateBps, at)
		case ev.RequestProbe:
			record(ev.AtMs, pc.RequestProbe(at))
		case ev.Tick:
			record(ev.AtMs, pc.Process(at))
		}
	}
	return emitted
}
