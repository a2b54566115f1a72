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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livemesh/probing/pkg/ccutils"
)

type testSchedulerListener struct {
	numSwitches atomic.Int32
	lastDesired atomic.Int64
	bytesAsked  atomic.Int64
}

func (t *testSchedulerListener) OnProbeClusterSwitch(pcc ccutils.ProbeClusterConfig) {
	t.numSwitches.Inc()
	t.lastDesired.Store(pcc.DesiredBps)
}

func (t *testSchedulerListener) OnSendProbe(bytesToSend int) {
	t.bytesAsked.Add(int64(bytesToSend))
}

func TestProbeScheduler(t *testing.T) {
	t.Run("emitted clusters reach the listener", func(t *testing.T) {
		conf := DefaultConfig
		conf.SecondExponentialProbeScale = 0

		listener := &testSchedulerListener{}
		s := NewProbeScheduler(ProbeSchedulerParams{
			Config:          conf,
			ProcessInterval: 5 * time.Millisecond,
			Listener:        listener,
			Logger:          logger.GetLogger(),
		})
		s.Start()
		defer s.Stop()

		s.SetExpectedUsage(200_000)
		s.SetBitrates(minBitrateBps, startBitrateBps, maxBitrateBps)

		require.Eventually(t, func() bool {
			return listener.numSwitches.Load() == 1
		}, 2*time.Second, 10*time.Millisecond)
		require.Equal(t, int64(900_000), listener.lastDesired.Load())

		// the prober starts asking for probe sends
		require.Eventually(t, func() bool {
			return listener.bytesAsked.Load() > 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("no clusters after Stop", func(t *testing.T) {
		listener := &testSchedulerListener{}
		s := NewProbeScheduler(ProbeSchedulerParams{
			Config:   DefaultConfig,
			Listener: listener,
			Logger:   logger.GetLogger(),
		})
		s.Start()
		s.Stop()

		s.SetBitrates(minBitrateBps, startBitrateBps, maxBitrateBps)
		time.Sleep(100 * time.Millisecond)
		require.Equal(t, int32(0), listener.numSwitches.Load())
	})
}
