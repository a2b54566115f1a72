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

package probe

import (
	"time"

	"github.com/pkg/errors"

	"github.com/livemesh/probing/pkg/ccutils"
)

var (
	ErrInvalidProbeScale     = errors.New("probe scales must be positive")
	ErrInvalidProbeThreshold = errors.New("further_probe_threshold must be in (0, 1]")
	ErrInvalidProbeInterval  = errors.New("probing intervals must be positive")
	ErrInvalidProbeFloor     = errors.New("min probe packet count and duration must be positive")
	ErrInvalidSkipFraction   = errors.New("skip_if_estimate_larger_than_fraction_of_max must be in [0, 1)")
	ErrInvalidDropConfig     = errors.New("large_drop_fraction and probe_fraction_after_drop must be in (0, 1]")
)

// Config carries every threshold the probe controller acts on. There are
// no baked-in magic numbers in the decision logic; tuning happens here.
type Config struct {
	// initial probes are sent at first_exponential_probe_scale and, when
	// positive, second_exponential_probe_scale times the start bitrate.
	// Whenever an estimate reaches further_probe_threshold times the last
	// probe target, another probe of further_exponential_probe_scale times
	// the new estimate goes out.
	FirstExponentialProbeScale   float64 `yaml:"first_exponential_probe_scale,omitempty"`
	SecondExponentialProbeScale  float64 `yaml:"second_exponential_probe_scale,omitempty"`
	FurtherExponentialProbeScale float64 `yaml:"further_exponential_probe_scale,omitempty"`
	FurtherProbeThreshold        float64 `yaml:"further_probe_threshold,omitempty"`

	// cadence and size of periodic probes while in an application-limited region
	AlrProbingInterval time.Duration `yaml:"alr_probing_interval,omitempty"`
	AlrProbeScale      float64       `yaml:"alr_probe_scale,omitempty"`

	// probes driven by an externally supplied capacity estimate,
	// network_state_probing_interval <= 0 disables the interval path.
	// On a relative change past fast_rampup_rate (up) or drop_down_rate
	// (down), a probe is sent on the next process interval instead of
	// waiting out the cadence.
	NetworkStateProbingInterval time.Duration `yaml:"network_state_probing_interval,omitempty"`
	NetworkStateFastRampupRate  float64       `yaml:"network_state_fast_rampup_rate,omitempty"`
	NetworkStateDropDownRate    float64       `yaml:"network_state_drop_down_rate,omitempty"`
	NetworkStateProbeScale      float64       `yaml:"network_state_probe_scale,omitempty"`
	// overrides min_probe_duration when a network state estimate is in play
	NetworkStateProbeDuration time.Duration `yaml:"network_state_probe_duration,omitempty"`

	// probes emitted on changes to the total allocated bitrate,
	// first_allocation_probe_scale <= 0 disables them
	FirstAllocationProbeScale     float64 `yaml:"first_allocation_probe_scale,omitempty"`
	SecondAllocationProbeScale    float64 `yaml:"second_allocation_probe_scale,omitempty"`
	AllocationAllowFurtherProbing bool    `yaml:"allocation_allow_further_probing,omitempty"`
	// <= 0 means uncapped
	AllocationProbeMaxBps int64 `yaml:"allocation_probe_max_bps,omitempty"`

	// floors applied to every emitted cluster
	MinProbePacketsSent int           `yaml:"min_probe_packets_sent,omitempty"`
	MinProbeDuration    time.Duration `yaml:"min_probe_duration,omitempty"`

	// when the estimator is loss limited, cap probe targets at the estimate
	LimitProbeTargetRateToLossBwe bool `yaml:"limit_probe_target_rate_to_loss_bwe,omitempty"`
	// suppress probing entirely when min(estimate, network state estimate)
	// exceeds this fraction of the max bitrate, 0 disables the check
	SkipIfEstimateLargerThanFractionOfMax float64 `yaml:"skip_if_estimate_larger_than_fraction_of_max,omitempty"`

	// probing ceiling in effect until SetBitrates supplies one
	MaxProbingBitrateBps int64 `yaml:"max_probing_bitrate_bps,omitempty"`

	// ramp-up is considered converged when no estimate clears the further
	// probe threshold within this window of the last initiated probe
	MaxWaitingTimeForResult time.Duration `yaml:"max_waiting_time_for_result,omitempty"`
	// alternative convergence policy: declare ramp-up done when the
	// estimate series seen while waiting stops trending upward
	ConvergeOnEstimateTrend bool                        `yaml:"converge_on_estimate_trend,omitempty"`
	EstimateTrend           ccutils.TrendDetectorConfig `yaml:"estimate_trend,omitempty"`

	// on-demand probing after a large estimate drop: the drop is "large"
	// below large_drop_fraction of the previous estimate, must be at most
	// large_drop_window old, and the recovery probe targets
	// probe_fraction_after_drop of the pre-drop bitrate
	LargeDropFraction        float64       `yaml:"large_drop_fraction,omitempty"`
	LargeDropWindow          time.Duration `yaml:"large_drop_window,omitempty"`
	ProbeFractionAfterDrop   float64       `yaml:"probe_fraction_after_drop,omitempty"`
	AlrEndedTimeout          time.Duration `yaml:"alr_ended_timeout,omitempty"`
	MinTimeBetweenDropProbes time.Duration `yaml:"min_time_between_drop_probes,omitempty"`
}

var (
	DefaultConfig = Config{
		FirstExponentialProbeScale:   3.0,
		SecondExponentialProbeScale:  6.0,
		FurtherExponentialProbeScale: 2.0,
		FurtherProbeThreshold:        0.7,

		AlrProbingInterval: 5 * time.Second,
		AlrProbeScale:      2.0,

		NetworkStateProbingInterval: 0,
		NetworkStateFastRampupRate:  0,
		NetworkStateDropDownRate:    0,
		NetworkStateProbeScale:      1.0,
		NetworkStateProbeDuration:   15 * time.Millisecond,

		FirstAllocationProbeScale:     1.0,
		SecondAllocationProbeScale:    2.0,
		AllocationAllowFurtherProbing: false,
		AllocationProbeMaxBps:         0,

		MinProbePacketsSent: 5,
		MinProbeDuration:    15 * time.Millisecond,

		LimitProbeTargetRateToLossBwe:         false,
		SkipIfEstimateLargerThanFractionOfMax: 0,

		MaxProbingBitrateBps: 5_000_000,

		MaxWaitingTimeForResult: time.Second,
		ConvergeOnEstimateTrend: false,
		EstimateTrend:           ccutils.DefaultTrendDetectorConfig,

		LargeDropFraction:        0.66,
		LargeDropWindow:          5 * time.Second,
		ProbeFractionAfterDrop:   0.85,
		AlrEndedTimeout:          3 * time.Second,
		MinTimeBetweenDropProbes: 5 * time.Second,
	}
)

func (c Config) Validate() error {
	if c.FirstExponentialProbeScale <= 0 || c.FurtherExponentialProbeScale <= 0 || c.AlrProbeScale <= 0 || c.NetworkStateProbeScale <= 0 {
		return ErrInvalidProbeScale
	}
	if c.FurtherProbeThreshold <= 0 || c.FurtherProbeThreshold > 1 {
		return ErrInvalidProbeThreshold
	}
	if c.AlrProbingInterval <= 0 {
		return ErrInvalidProbeInterval
	}
	if c.MinProbePacketsSent <= 0 || c.MinProbeDuration <= 0 {
		return ErrInvalidProbeFloor
	}
	if c.SkipIfEstimateLargerThanFractionOfMax < 0 || c.SkipIfEstimateLargerThanFractionOfMax >= 1 {
		return ErrInvalidSkipFraction
	}
	if c.LargeDropFraction <= 0 || c.LargeDropFraction > 1 || c.ProbeFractionAfterDrop <= 0 || c.ProbeFractionAfterDrop > 1 {
		return ErrInvalidDropConfig
	}
	return nil
}
