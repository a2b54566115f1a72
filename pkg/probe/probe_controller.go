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

// Design of ProbeController
//
// The controller decides when to ask for a bandwidth probe and at what
// target rate. It starts a session with an exponential ramp: one or two
// probes sized off the start bitrate, then, as long as estimates keep
// clearing a threshold derived from the last probe target, ever larger
// probes sized off the new estimate. Once ramp-up converges it keeps
// watching for chances to re-measure: periodically while the sender is
// application limited, on movements of an external capacity estimate, on
// allocation changes, and on demand after a large estimate drop.
//
// The controller is pure decision logic. It performs no I/O, runs no
// goroutine and takes the current time as an argument on every entry
// point, so a recorded timeline replays to the same probe sequence.
// Callers serialize access; ProbeScheduler does that for wall-clock use.
package probe

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livemesh/probing/pkg/ccutils"
)

// ---------------------------------------------------------------------------

type probingState int

const (
	// no probing has been triggered yet
	probingStateInit probingState = iota
	// waiting on estimator feedback to decide on further ramp-up probes
	probingStateWaitingForResult
	// ramp-up has converged, only steady-state triggers remain
	probingStateComplete
)

func (p probingState) String() string {
	switch p {
	case probingStateInit:
		return "INIT"
	case probingStateWaitingForResult:
		return "WAITING_FOR_RESULT"
	case probingStateComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

// ---------------------------------------------------------------------------

type ProbeControllerParams struct {
	Config Config
	Logger logger.Logger
}

type ProbeController struct {
	params ProbeControllerParams

	networkAvailable          bool
	state                     probingState
	bweLimitedDueToPacketLoss bool
	minBitrateToProbeFurther  int64
	timeLastProbingInitiated  time.Time
	estimatedBitrate          int64
	sendProbeOnNextProcess    bool

	hasNetworkEstimate bool
	networkEstimateBps int64
	networkEstimateAt  time.Time

	minBitrate   int64
	startBitrate int64
	maxBitrate   int64

	alrStartTime             time.Time
	alrEndTime               time.Time
	enablePeriodicAlrProbing bool

	timeOfLastLargeDrop        time.Time
	bitrateBeforeLastLargeDrop int64
	lastDropProbingTime        time.Time

	maxTotalAllocatedBitrate int64

	estimateTrend *ccutils.TrendDetector[int64]

	nextProbeClusterId ccutils.ProbeClusterId
}

func NewProbeController(params ProbeControllerParams) *ProbeController {
	p := &ProbeController{
		params:             params,
		nextProbeClusterId: ccutils.ProbeClusterIdInvalid + 1,
	}
	if params.Config.ConvergeOnEstimateTrend {
		p.estimateTrend = ccutils.NewTrendDetector[int64](ccutils.TrendDetectorParams{
			Name:   "ramp-up-estimate",
			Logger: params.Logger,
			Config: params.Config.EstimateTrend,
		})
	}
	p.Reset(time.Time{})
	return p
}

// SetBitrates updates the configured bounds. Bounds are clamped so that
// min <= start <= max always holds. In the initial state this kicks off
// exponential ramp-up; after ramp-up, raising the max with estimate
// headroom triggers a single probe at the new ceiling.
func (p *ProbeController) SetBitrates(minBps int64, startBps int64, maxBps int64, at time.Time) []ccutils.ProbeClusterConfig {
	if minBps < 0 {
		minBps = 0
	}
	if maxBps <= 0 {
		maxBps = ccutils.InfiniteBps
	}
	if minBps > maxBps {
		minBps = maxBps
	}
	if startBps > 0 {
		if startBps < minBps {
			startBps = minBps
		}
		if startBps > maxBps {
			startBps = maxBps
		}
		p.startBitrate = startBps
		p.estimatedBitrate = startBps
	} else if p.startBitrate == 0 {
		p.startBitrate = minBps
	}

	oldMaxBitrate := p.maxBitrate
	p.minBitrate = minBps
	p.maxBitrate = maxBps

	switch p.state {
	case probingStateInit:
		if p.networkAvailable {
			return p.initiateExponentialProbing(at)
		}

	case probingStateWaitingForResult:

	case probingStateComplete:
		// a raised ceiling with headroom above the estimate is worth one probe
		if p.estimatedBitrate != 0 && oldMaxBitrate < p.maxBitrate && p.estimatedBitrate < p.maxBitrate {
			return p.initiateProbing(at, ccutils.ProbeTriggerMaxBitrateRaised, []int64{p.maxBitrate}, false)
		}
	}
	return nil
}

// SetMaxBitrate updates the probing ceiling without emitting a cluster.
func (p *ProbeController) SetMaxBitrate(maxBps int64) {
	if maxBps <= 0 {
		maxBps = ccutils.InfiniteBps
	}
	p.maxBitrate = maxBps
	if p.minBitrate > p.maxBitrate {
		p.minBitrate = p.maxBitrate
	}
}

// OnMaxTotalAllocatedBitrate reacts to a change in the sum of configured
// per-stream bitrates. Once ramp-up is complete and the estimate sits
// below the new total, a probe sized off the total goes out to check
// whether the link can carry it.
func (p *ProbeController) OnMaxTotalAllocatedBitrate(totalBps int64, at time.Time) []ccutils.ProbeClusterConfig {
	if totalBps < 0 {
		totalBps = 0
	}
	if p.state == probingStateComplete &&
		totalBps != p.maxTotalAllocatedBitrate &&
		p.estimatedBitrate != 0 &&
		(p.maxBitrate >= ccutils.InfiniteBps || p.estimatedBitrate < p.maxBitrate) &&
		p.estimatedBitrate < totalBps {
		p.maxTotalAllocatedBitrate = totalBps

		cfg := p.params.Config
		if cfg.FirstAllocationProbeScale <= 0 {
			return nil
		}

		probeCap := cfg.AllocationProbeMaxBps
		if probeCap <= 0 {
			probeCap = ccutils.InfiniteBps
		}
		firstProbeBps := ccutils.MinBps(ccutils.ScaleBps(totalBps, cfg.FirstAllocationProbeScale), probeCap)
		targets := []int64{firstProbeBps}
		if cfg.SecondAllocationProbeScale > 0 {
			secondProbeBps := ccutils.MinBps(ccutils.ScaleBps(totalBps, cfg.SecondAllocationProbeScale), probeCap)
			if secondProbeBps > firstProbeBps {
				targets = append(targets, secondProbeBps)
			}
		}
		return p.initiateProbing(at, ccutils.ProbeTriggerAllocation, targets, cfg.AllocationAllowFurtherProbing)
	}

	p.maxTotalAllocatedBitrate = totalBps
	return nil
}

// OnNetworkAvailability gates all probing. Losing the network while
// waiting on a probe result abandons the ramp; regaining it restarts
// ramp-up from scratch.
func (p *ProbeController) OnNetworkAvailability(available bool, at time.Time) []ccutils.ProbeClusterConfig {
	wasAvailable := p.networkAvailable
	p.networkAvailable = available

	if !available {
		if p.state == probingStateWaitingForResult {
			p.setState(probingStateComplete)
		}
		return nil
	}

	if !wasAvailable {
		p.setState(probingStateInit)
	}
	if p.state == probingStateInit && p.startBitrate > 0 {
		return p.initiateExponentialProbing(at)
	}
	return nil
}

// SetEstimatedBitrate feeds back the estimator's latest output. While
// waiting on a probe result, an estimate clearing the further-probe
// threshold extends the ramp with another, larger probe.
func (p *ProbeController) SetEstimatedBitrate(bps int64, bweLimitedDueToPacketLoss bool, at time.Time) []ccutils.ProbeClusterConfig {
	if bps < 0 {
		bps = 0
	}

	// remember large drops so an on-demand probe can re-measure later
	if p.estimatedBitrate != 0 && float64(bps) < p.params.Config.LargeDropFraction*float64(p.estimatedBitrate) {
		p.timeOfLastLargeDrop = at
		p.bitrateBeforeLastLargeDrop = p.estimatedBitrate
	}

	// update before initiating so the guardrails see the current estimate
	p.bweLimitedDueToPacketLoss = bweLimitedDueToPacketLoss
	p.estimatedBitrate = bps

	var probes []ccutils.ProbeClusterConfig
	if p.state == probingStateWaitingForResult {
		if p.estimateTrend != nil {
			p.estimateTrend.AddValue(bps, at)
		}

		if bps >= p.minBitrateToProbeFurther {
			probes = p.initiateProbing(
				at,
				ccutils.ProbeTriggerExponentialRampUp,
				[]int64{ccutils.ScaleBps(bps, p.params.Config.FurtherExponentialProbeScale)},
				true,
			)
		} else if p.estimateTrend != nil && p.estimateTrend.HasEnoughSamples() && p.estimateTrend.GetDirection() != ccutils.TrendDirectionUpward {
			// estimate growth has plateaued, ramp-up is done
			p.params.Logger.Debugw("probe controller: ramp-up converged on estimate trend")
			p.setState(probingStateComplete)
		}
	}
	return probes
}

func (p *ProbeController) EnablePeriodicAlrProbing(enable bool) {
	p.enablePeriodicAlrProbing = enable
}

// SetAlrStart marks entry into an application-limited region.
func (p *ProbeController) SetAlrStart(at time.Time) {
	p.alrStartTime = at
}

// SetAlrEnded marks exit from the application-limited region.
func (p *ProbeController) SetAlrEnded(at time.Time) {
	p.alrStartTime = time.Time{}
	p.alrEndTime = at
}

// SetNetworkStateEstimate records an externally supplied capacity
// estimate. A movement past the fast-rampup or drop-down rate schedules
// a probe for the next process interval instead of waiting out the
// probing cadence.
func (p *ProbeController) SetNetworkStateEstimate(capacityBps int64, at time.Time) {
	cfg := p.params.Config
	if p.hasNetworkEstimate && p.networkEstimateBps > 0 {
		if cfg.NetworkStateFastRampupRate > 0 &&
			p.estimatedBitrate < capacityBps &&
			float64(capacityBps) > float64(p.networkEstimateBps)*cfg.NetworkStateFastRampupRate {
			p.sendProbeOnNextProcess = true
		}
		if cfg.NetworkStateDropDownRate > 0 && capacityBps > 0 &&
			float64(capacityBps) < float64(p.networkEstimateBps)*cfg.NetworkStateDropDownRate {
			p.sendProbeOnNextProcess = true
		}
	}

	p.hasNetworkEstimate = true
	p.networkEstimateBps = capacityBps
	p.networkEstimateAt = at
}

// RequestProbe asks for an immediate re-measurement after a suspected
// bandwidth drop. It fires only when a large drop was seen recently,
// the sender is in (or just left) an application-limited region, and the
// previous drop probe is far enough in the past; the probe targets a
// fraction of the pre-drop bitrate.
func (p *ProbeController) RequestProbe(at time.Time) []ccutils.ProbeClusterConfig {
	cfg := p.params.Config

	inAlr := !p.alrStartTime.IsZero()
	alrEndedRecently := !p.alrEndTime.IsZero() && at.Sub(p.alrEndTime) < cfg.AlrEndedTimeout
	if !inAlr && !alrEndedRecently {
		return nil
	}
	if p.state != probingStateComplete {
		return nil
	}
	if p.bitrateBeforeLastLargeDrop == 0 || at.Sub(p.timeOfLastLargeDrop) >= cfg.LargeDropWindow {
		return nil
	}
	if !p.lastDropProbingTime.IsZero() && at.Sub(p.lastDropProbingTime) <= cfg.MinTimeBetweenDropProbes {
		return nil
	}

	suggestedBps := ccutils.ScaleBps(p.bitrateBeforeLastLargeDrop, cfg.ProbeFractionAfterDrop)
	probes := p.initiateProbing(at, ccutils.ProbeTriggerDropRecovery, []int64{suggestedBps}, false)
	if len(probes) > 0 {
		p.lastDropProbingTime = at
	}
	return probes
}

// Reset returns the controller to its freshly constructed state, except
// for the periodic-ALR enable flag which is a caller preference rather
// than transient probing state. Cluster ids keep counting up.
func (p *ProbeController) Reset(at time.Time) {
	p.networkAvailable = true
	p.state = probingStateInit
	p.bweLimitedDueToPacketLoss = false
	p.minBitrateToProbeFurther = ccutils.InfiniteBps
	p.timeLastProbingInitiated = time.Time{}
	p.estimatedBitrate = 0
	p.sendProbeOnNextProcess = false
	p.hasNetworkEstimate = false
	p.networkEstimateBps = 0
	p.networkEstimateAt = time.Time{}
	p.minBitrate = 0
	p.startBitrate = 0
	p.maxBitrate = p.params.Config.MaxProbingBitrateBps
	if p.maxBitrate <= 0 {
		p.maxBitrate = ccutils.InfiniteBps
	}
	p.alrEndTime = time.Time{}
	p.timeOfLastLargeDrop = at
	p.bitrateBeforeLastLargeDrop = 0
	p.lastDropProbingTime = time.Time{}
	p.maxTotalAllocatedBitrate = 0
	if p.estimateTrend != nil {
		p.estimateTrend.Reset()
	}
}

// Process runs the periodic triggers. ALR-periodic and network-state
// probes are evaluated independently; each contributes at most one
// cluster per call.
func (p *ProbeController) Process(at time.Time) []ccutils.ProbeClusterConfig {
	cfg := p.params.Config

	if p.state == probingStateWaitingForResult &&
		cfg.MaxWaitingTimeForResult > 0 &&
		at.Sub(p.timeLastProbingInitiated) > cfg.MaxWaitingTimeForResult {
		p.params.Logger.Debugw("probe controller: ramp-up converged on result timeout")
		p.setState(probingStateComplete)
	}

	if !p.networkAvailable || p.estimatedBitrate == 0 {
		return nil
	}

	// evaluate both triggers before initiating so that one firing does
	// not mask the other on the same tick
	alrDue := p.timeForAlrProbe(at)
	networkStateDue := p.timeForNetworkStateProbe(at)

	var probes []ccutils.ProbeClusterConfig
	if alrDue {
		probes = append(probes, p.initiateProbing(
			at,
			ccutils.ProbeTriggerAlrPeriodic,
			[]int64{ccutils.ScaleBps(p.estimatedBitrate, cfg.AlrProbeScale)},
			true,
		)...)
	}
	if networkStateDue {
		p.sendProbeOnNextProcess = false
		probes = append(probes, p.initiateProbing(
			at,
			ccutils.ProbeTriggerNetworkState,
			[]int64{ccutils.ScaleBps(p.networkEstimateBps, cfg.NetworkStateProbeScale)},
			true,
		)...)
	}
	return probes
}

func (p *ProbeController) timeForAlrProbe(at time.Time) bool {
	if !p.enablePeriodicAlrProbing || p.alrStartTime.IsZero() {
		return false
	}

	base := p.alrStartTime
	if p.timeLastProbingInitiated.After(base) {
		base = p.timeLastProbingInitiated
	}
	return !at.Before(base.Add(p.params.Config.AlrProbingInterval))
}

func (p *ProbeController) timeForNetworkStateProbe(at time.Time) bool {
	if !p.hasNetworkEstimate || p.networkEstimateBps <= 0 {
		return false
	}

	if p.sendProbeOnNextProcess {
		return true
	}

	interval := p.params.Config.NetworkStateProbingInterval
	if interval <= 0 {
		return false
	}
	return !at.Before(p.timeLastProbingInitiated.Add(interval))
}

func (p *ProbeController) initiateExponentialProbing(at time.Time) []ccutils.ProbeClusterConfig {
	if p.startBitrate <= 0 {
		return nil
	}

	cfg := p.params.Config
	targets := []int64{ccutils.ScaleBps(p.startBitrate, cfg.FirstExponentialProbeScale)}
	if cfg.SecondExponentialProbeScale > 0 {
		targets = append(targets, ccutils.ScaleBps(p.startBitrate, cfg.SecondExponentialProbeScale))
	}
	return p.initiateProbing(at, ccutils.ProbeTriggerExponentialRampUp, targets, true)
}

// initiateProbing applies the guardrails and constructs clusters:
// loss-limited targets are capped at the estimate, a saturated link
// suppresses the probe outright, and every target is clamped to the max
// bitrate. Clamping at the ceiling also ends further probing since there
// is nothing above it to discover.
func (p *ProbeController) initiateProbing(at time.Time, trigger ccutils.ProbeTrigger, targetsBps []int64, probeFurther bool) []ccutils.ProbeClusterConfig {
	if !p.networkAvailable {
		return nil
	}

	cfg := p.params.Config

	if frac := cfg.SkipIfEstimateLargerThanFractionOfMax; frac > 0 && p.maxBitrate < ccutils.InfiniteBps {
		networkEstimateBps := ccutils.InfiniteBps
		if p.hasNetworkEstimate && p.networkEstimateBps > 0 {
			networkEstimateBps = p.networkEstimateBps
		}
		if ccutils.MinBps(p.estimatedBitrate, networkEstimateBps) > int64(frac*float64(p.maxBitrate)) {
			p.params.Logger.Debugw(
				"probe controller: skipping probe, link considered saturated",
				"trigger", trigger,
				"estimatedBitrate", p.estimatedBitrate,
				"networkEstimate", networkEstimateBps,
			)
			return nil
		}
	}

	duration := cfg.MinProbeDuration
	if p.hasNetworkEstimate && cfg.NetworkStateProbingInterval > 0 && cfg.NetworkStateProbeDuration > 0 {
		duration = cfg.NetworkStateProbeDuration
	}

	var pccs []ccutils.ProbeClusterConfig
	for _, targetBps := range targetsBps {
		if cfg.LimitProbeTargetRateToLossBwe && p.bweLimitedDueToPacketLoss && p.estimatedBitrate > 0 {
			targetBps = ccutils.MinBps(targetBps, p.estimatedBitrate)
		}
		if targetBps > p.maxBitrate {
			targetBps = p.maxBitrate
			probeFurther = false
		}
		if targetBps <= 0 {
			continue
		}

		pccs = append(pccs, ccutils.ProbeClusterConfig{
			Id:         p.nextProbeClusterId,
			Trigger:    trigger,
			At:         at,
			DesiredBps: targetBps,
			Duration:   duration,
			MinPackets: cfg.MinProbePacketsSent,
		})
		p.nextProbeClusterId++
	}
	if len(pccs) == 0 {
		return nil
	}

	p.timeLastProbingInitiated = at
	if probeFurther {
		p.setState(probingStateWaitingForResult)
		p.minBitrateToProbeFurther = ccutils.ScaleBps(pccs[len(pccs)-1].DesiredBps, cfg.FurtherProbeThreshold)
		if p.estimateTrend != nil {
			// a new probe opens a new plateau-detection window
			p.estimateTrend.Reset()
		}
	} else {
		p.setState(probingStateComplete)
	}

	p.params.Logger.Debugw(
		"probe controller: initiating probing",
		"trigger", trigger,
		"numClusters", len(pccs),
		"lastTarget", pccs[len(pccs)-1].DesiredBps,
		"probeFurther", probeFurther,
		"state", p.state,
	)
	return pccs
}

func (p *ProbeController) setState(state probingState) {
	if state == p.state {
		return
	}

	if state != probingStateWaitingForResult {
		p.minBitrateToProbeFurther = ccutils.InfiniteBps
	}
	p.state = state
}
