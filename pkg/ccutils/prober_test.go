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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
)

type testProberListener struct {
	prober *Prober

	numSwitches atomic.Int32
	lastCluster atomic.Value // ProbeClusterConfig
	bytesAsked  atomic.Int64
}

func (t *testProberListener) OnProbeClusterSwitch(pcc ProbeClusterConfig) {
	t.numSwitches.Inc()
	t.lastCluster.Store(pcc)
}

func (t *testProberListener) OnSendProbe(bytesToSend int) {
	t.bytesAsked.Add(int64(bytesToSend))
	// echo back as sent so clusters can complete
	t.prober.ProbesSent(bytesToSend)
}

func newTestProber() (*Prober, *testProberListener) {
	pl := &testProberListener{}
	p := NewProber(ProberParams{
		Listener: pl,
		Logger:   logger.GetLogger(),
	})
	pl.prober = p
	return p, pl
}

func TestProber(t *testing.T) {
	t.Run("rejects invalid cluster configs", func(t *testing.T) {
		p, _ := newTestProber()

		require.False(t, p.AddCluster(ProbeClusterConfig{
			Id:         ProbeClusterIdInvalid,
			DesiredBps: 1_000_000,
			Duration:   50 * time.Millisecond,
		}, 0))
		require.False(t, p.AddCluster(ProbeClusterConfig{
			Id:       ProbeClusterId(1),
			Duration: 50 * time.Millisecond,
		}, 0))
		require.False(t, p.IsRunning())
	})

	t.Run("realizes a cluster and drains the queue", func(t *testing.T) {
		p, pl := newTestProber()

		pcc := ProbeClusterConfig{
			Id:         ProbeClusterId(1),
			Trigger:    ProbeTriggerExponentialRampUp,
			DesiredBps: 1_000_000,
			Duration:   60 * time.Millisecond,
			MinPackets: 5,
		}
		require.True(t, p.AddCluster(pcc, 200_000))
		require.True(t, p.IsRunning())

		require.Eventually(t, func() bool {
			return pl.numSwitches.Load() == 1 && p.GetActiveClusterId() == pcc.Id
		}, 2*time.Second, 10*time.Millisecond)
		require.Equal(t, pcc, pl.lastCluster.Load().(ProbeClusterConfig))

		// listener echoes sends back, the cluster finishes on its own
		require.Eventually(t, func() bool {
			return !p.IsRunning()
		}, 2*time.Second, 10*time.Millisecond)
		require.Greater(t, pl.bytesAsked.Load(), int64(0))
		require.Equal(t, ProbeClusterIdInvalid, p.GetActiveClusterId())
	})

	t.Run("ClusterDone short circuits the active cluster", func(t *testing.T) {
		p, _ := newTestProber()

		pcc := ProbeClusterConfig{
			Id:         ProbeClusterId(7),
			Trigger:    ProbeTriggerAlrPeriodic,
			DesiredBps: 1_000_000,
			Duration:   10 * time.Second,
			MinPackets: 5,
		}
		require.True(t, p.AddCluster(pcc, 0))
		require.Eventually(t, func() bool {
			return p.GetActiveClusterId() == pcc.Id
		}, 2*time.Second, 10*time.Millisecond)

		p.ClusterDone(pcc.Id)
		require.Eventually(t, func() bool {
			return !p.IsRunning()
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("no clusters accepted after Stop", func(t *testing.T) {
		p, _ := newTestProber()
		p.Stop()

		require.False(t, p.AddCluster(ProbeClusterConfig{
			Id:         ProbeClusterId(1),
			DesiredBps: 1_000_000,
			Duration:   50 * time.Millisecond,
			MinPackets: 5,
		}, 0))
	})
}
