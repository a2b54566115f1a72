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
	"sync"
	"time"

	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/mono"

	"github.com/livemesh/probing/pkg/ccutils"
	"github.com/livemesh/probing/pkg/telemetry/prometheus"
)

const (
	cDefaultProcessInterval = 25 * time.Millisecond
)

type ProbeSchedulerParams struct {
	Config Config
	// cadence of the periodic trigger check
	ProcessInterval time.Duration
	// receives probe send callbacks, typically the pacer integration
	Listener ccutils.ProberListener
	Logger   logger.Logger
}

// ProbeScheduler is the wall-clock front end of the probe controller: it
// serializes all entry points, stamps them with the monotonic clock and
// forwards emitted clusters to a Prober for realization. The controller
// itself stays single threaded and clock free.
type ProbeScheduler struct {
	params ProbeSchedulerParams

	lock             sync.Mutex
	controller       *ProbeController
	expectedUsageBps int64

	prober *ccutils.Prober

	stop core.Fuse
}

func NewProbeScheduler(params ProbeSchedulerParams) *ProbeScheduler {
	if params.ProcessInterval <= 0 {
		params.ProcessInterval = cDefaultProcessInterval
	}
	s := &ProbeScheduler{
		params: params,
		controller: NewProbeController(ProbeControllerParams{
			Config: params.Config,
			Logger: params.Logger,
		}),
	}
	s.prober = ccutils.NewProber(ccutils.ProberParams{
		Listener: params.Listener,
		Logger:   params.Logger,
	})
	return s
}

func (s *ProbeScheduler) Start() {
	go s.processLoop()
}

func (s *ProbeScheduler) Stop() {
	s.stop.Break()
	s.prober.Stop()
}

func (s *ProbeScheduler) SetBitrates(minBps int64, startBps int64, maxBps int64) {
	s.lock.Lock()
	pccs := s.controller.SetBitrates(minBps, startBps, maxBps, mono.Now())
	s.lock.Unlock()

	s.handleProbes(pccs)
}

func (s *ProbeScheduler) SetMaxBitrate(maxBps int64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.controller.SetMaxBitrate(maxBps)
}

func (s *ProbeScheduler) OnMaxTotalAllocatedBitrate(totalBps int64) {
	s.lock.Lock()
	pccs := s.controller.OnMaxTotalAllocatedBitrate(totalBps, mono.Now())
	s.lock.Unlock()

	s.handleProbes(pccs)
}

func (s *ProbeScheduler) OnNetworkAvailability(available bool) {
	s.lock.Lock()
	pccs := s.controller.OnNetworkAvailability(available, mono.Now())
	s.lock.Unlock()

	s.handleProbes(pccs)
}

func (s *ProbeScheduler) SetEstimatedBitrate(bps int64, bweLimitedDueToPacketLoss bool) {
	s.lock.Lock()
	pccs := s.controller.SetEstimatedBitrate(bps, bweLimitedDueToPacketLoss, mono.Now())
	s.lock.Unlock()

	s.handleProbes(pccs)
}

func (s *ProbeScheduler) EnablePeriodicAlrProbing(enable bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.controller.EnablePeriodicAlrProbing(enable)
}

func (s *ProbeScheduler) OnAlrStarted() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.controller.SetAlrStart(mono.Now())
}

func (s *ProbeScheduler) OnAlrEnded() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.controller.SetAlrEnded(mono.Now())
}

func (s *ProbeScheduler) SetNetworkStateEstimate(capacityBps int64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.controller.SetNetworkStateEstimate(capacityBps, mono.Now())
}

// SetExpectedUsage tells the prober how much bitrate media traffic is
// expected to contribute during probe windows.
func (s *ProbeScheduler) SetExpectedUsage(bps int64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.expectedUsageBps = bps
}

func (s *ProbeScheduler) RequestProbe() {
	s.lock.Lock()
	pccs := s.controller.RequestProbe(mono.Now())
	s.lock.Unlock()

	s.handleProbes(pccs)
}

func (s *ProbeScheduler) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.controller.Reset(mono.Now())
	s.prober.Reset()
}

// ProbesSent reports probe bytes actually emitted by the pacer.
func (s *ProbeScheduler) ProbesSent(bytesSent int) {
	s.prober.ProbesSent(bytesSent)
}

// ProbeClusterDone reports that the pacer finished realizing a cluster.
func (s *ProbeScheduler) ProbeClusterDone(id ccutils.ProbeClusterId) {
	s.prober.ClusterDone(id)
}

func (s *ProbeScheduler) processLoop() {
	ticker := time.NewTicker(s.params.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.lock.Lock()
			pccs := s.controller.Process(mono.Now())
			s.lock.Unlock()

			s.handleProbes(pccs)

		case <-s.stop.Watch():
			return
		}
	}
}

func (s *ProbeScheduler) handleProbes(pccs []ccutils.ProbeClusterConfig) {
	for _, pcc := range pccs {
		prometheus.RecordProbeClusterInitiated(pcc.Trigger.String(), pcc.DesiredBps)

		s.lock.Lock()
		expectedUsageBps := s.expectedUsageBps
		s.lock.Unlock()

		if !s.prober.AddCluster(pcc, expectedUsageBps) {
			prometheus.RecordProbeSuppressed()
			s.params.Logger.Warnw("probe scheduler: could not queue probe cluster", nil, "cluster", pcc)
		}
	}
}
