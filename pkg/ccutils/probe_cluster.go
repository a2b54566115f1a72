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

package ccutils

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap/zapcore"
)

// ------------------------------------------------

type ProbeClusterId int32

const (
	ProbeClusterIdInvalid ProbeClusterId = 0
)

// ------------------------------------------------

type ProbeTrigger int

const (
	ProbeTriggerNone ProbeTrigger = iota
	ProbeTriggerExponentialRampUp
	ProbeTriggerMaxBitrateRaised
	ProbeTriggerAllocation
	ProbeTriggerAlrPeriodic
	ProbeTriggerNetworkState
	ProbeTriggerDropRecovery
)

func (p ProbeTrigger) String() string {
	switch p {
	case ProbeTriggerNone:
		return "NONE"
	case ProbeTriggerExponentialRampUp:
		return "EXPONENTIAL_RAMP_UP"
	case ProbeTriggerMaxBitrateRaised:
		return "MAX_BITRATE_RAISED"
	case ProbeTriggerAllocation:
		return "ALLOCATION"
	case ProbeTriggerAlrPeriodic:
		return "ALR_PERIODIC"
	case ProbeTriggerNetworkState:
		return "NETWORK_STATE"
	case ProbeTriggerDropRecovery:
		return "DROP_RECOVERY"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

// ------------------------------------------------

// ProbeClusterConfig describes one probe burst for the pacer to realize.
// It is handed off at emission time and not referenced again by the
// component that produced it.
type ProbeClusterConfig struct {
	Id         ProbeClusterId
	Trigger    ProbeTrigger
	At         time.Time
	DesiredBps int64
	Duration   time.Duration
	MinPackets int
}

func (p ProbeClusterConfig) IsValid() bool {
	return p.Id != ProbeClusterIdInvalid && p.DesiredBps > 0
}

func (p ProbeClusterConfig) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt32("Id", int32(p.Id))
	e.AddString("Trigger", p.Trigger.String())
	e.AddTime("At", p.At)
	e.AddInt64("DesiredBps", p.DesiredBps)
	e.AddDuration("Duration", p.Duration)
	e.AddInt("MinPackets", p.MinPackets)
	return nil
}

// ------------------------------------------------

const (
	// bitrates are int64 bps, this stands in for an unbounded rate
	InfiniteBps = int64(math.MaxInt64)
)

// ScaleBps multiplies a bitrate by a scale, saturating at InfiniteBps.
func ScaleBps(bps int64, scale float64) int64 {
	if bps >= InfiniteBps || scale <= 0 {
		if scale <= 0 {
			return 0
		}
		return InfiniteBps
	}

	scaled := float64(bps) * scale
	if scaled >= float64(math.MaxInt64) {
		return InfiniteBps
	}
	return int64(math.Round(scaled))
}

func MinBps(a int64, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
