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

// Design of Prober
//
// The decision engine produces probe cluster descriptors, each asking for
// a short burst at a target bitrate. Something has to turn a descriptor
// into actual probe packet sends spread evenly over the cluster duration.
// That is this module.
//
// Media traffic is assumed to be paced by the publishing clients, so the
// prober only has to fill the gap between expected media usage and the
// cluster's desired rate. Clusters are queued and serviced one at a time
// by a goroutine that wakes up per pacing bucket and asks the listener to
// put probe bytes on the wire. The goroutine exits when the queue drains
// and is restarted on the next cluster.
//
// Cluster ids are assigned by the decision engine, not minted here, so
// that ids stay strictly increasing across all trigger paths.
package ccutils

import (
	"math"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/mono"
)

type ProberListener interface {
	OnProbeClusterSwitch(pcc ProbeClusterConfig)
	OnSendProbe(bytesToSend int)
}

type ProberParams struct {
	Listener ProberListener
	Logger   logger.Logger
}

type Prober struct {
	params ProberParams

	clustersMu    sync.RWMutex
	clusters      deque.Deque[*cluster]
	activeCluster *cluster

	stop core.Fuse
}

func NewProber(params ProberParams) *Prober {
	p := &Prober{
		params: params,
	}
	p.clusters.SetBaseCap(2)
	return p
}

func (p *Prober) IsRunning() bool {
	p.clustersMu.RLock()
	defer p.clustersMu.RUnlock()

	return p.clusters.Len() > 0
}

// AddCluster queues a probe cluster for realization. expectedUsageBps is
// the bitrate media traffic is expected to contribute during the probe
// window; the prober fills only the remainder.
func (p *Prober) AddCluster(pcc ProbeClusterConfig, expectedUsageBps int64) bool {
	if !pcc.IsValid() || p.stop.IsBroken() {
		return false
	}

	c := newCluster(pcc, expectedUsageBps, p.params.Listener)
	p.params.Logger.Debugw("prober: cluster added", "cluster", c)

	p.pushBackClusterAndMaybeStart(c)
	return true
}

func (p *Prober) ProbesSent(bytesSent int) {
	c := p.getFrontCluster()
	if c == nil {
		return
	}

	c.ProbesSent(bytesSent)
}

func (p *Prober) ClusterDone(id ProbeClusterId) {
	c := p.getFrontCluster()
	if c == nil {
		return
	}

	if c.Id() == id {
		c.MarkCompleted()
		p.params.Logger.Debugw("prober: cluster done", "cluster", c)
		p.popFrontCluster(c)
	}
}

func (p *Prober) GetActiveClusterId() ProbeClusterId {
	p.clustersMu.RLock()
	defer p.clustersMu.RUnlock()

	if p.activeCluster != nil {
		return p.activeCluster.Id()
	}

	return ProbeClusterIdInvalid
}

func (p *Prober) Reset() {
	p.clustersMu.Lock()
	defer p.clustersMu.Unlock()

	if p.activeCluster != nil {
		p.params.Logger.Debugw("prober: resetting active cluster", "cluster", p.activeCluster)
	}

	p.clusters.Clear()
	p.activeCluster = nil
}

func (p *Prober) Stop() {
	p.stop.Break()
}

func (p *Prober) getFrontCluster() *cluster {
	p.clustersMu.Lock()
	defer p.clustersMu.Unlock()

	if p.activeCluster != nil {
		return p.activeCluster
	}

	if p.clusters.Len() == 0 {
		p.activeCluster = nil
	} else {
		p.activeCluster = p.clusters.Front()
		p.activeCluster.Start()
	}
	return p.activeCluster
}

func (p *Prober) popFrontCluster(c *cluster) {
	p.clustersMu.Lock()

	if p.clusters.Len() == 0 {
		p.activeCluster = nil
		p.clustersMu.Unlock()
		return
	}

	if p.clusters.Front() == c {
		p.clusters.PopFront()
	}

	if c == p.activeCluster {
		p.activeCluster = nil
	}

	p.clustersMu.Unlock()
}

func (p *Prober) pushBackClusterAndMaybeStart(c *cluster) {
	p.clustersMu.Lock()
	p.clusters.PushBack(c)

	if p.clusters.Len() == 1 {
		go p.run()
	}
	p.clustersMu.Unlock()
}

func (p *Prober) run() {
	ticker := time.NewTicker(cSleepDuration)
	defer ticker.Stop()
	for {
		c := p.getFrontCluster()
		if c == nil {
			return
		}

		sleepDuration := c.Process()
		if sleepDuration == 0 {
			p.popFrontCluster(c)
			continue
		}

		ticker.Reset(sleepDuration)
		select {
		case <-ticker.C:
		case <-p.stop.Watch():
			return
		}
	}
}

// ---------------------------------

const (
	// padding only packets are 255 bytes max + 20 byte header = 4 packets per probe,
	// when not using padding only packets, this is a min and actual sent could be higher
	cBytesPerProbe    = 1100
	cSleepDuration    = 20 * time.Millisecond
	cSleepDurationMin = 10 * time.Millisecond
)

// ---------------------------------------------------------------------------

type bucket struct {
	expectedElapsedDuration time.Duration
	expectedProbeBytesSent  int
}

// ---------------------------------------------------------------------------

type cluster struct {
	lock sync.RWMutex

	pcc              ProbeClusterConfig
	expectedUsageBps int64
	listener         ProberListener

	desiredBytes      int
	baseSleepDuration time.Duration
	buckets           []bucket
	bucketIdx         int

	probeBytesSent int

	startTime  time.Time
	isComplete bool
}

func newCluster(pcc ProbeClusterConfig, expectedUsageBps int64, listener ProberListener) *cluster {
	c := &cluster{
		pcc:              pcc,
		expectedUsageBps: expectedUsageBps,
		listener:         listener,
	}
	c.initProbes()
	return c
}

func (c *cluster) initProbes() {
	c.desiredBytes = int(math.Round(float64(c.pcc.DesiredBps)*c.pcc.Duration.Seconds()/8 + 0.5))

	numBuckets := int(math.Round(c.pcc.Duration.Seconds()/cSleepDuration.Seconds() + 0.5))
	if numBuckets < c.pcc.MinPackets {
		// spread sends so that at least the minimum packet count goes out
		numBuckets = c.pcc.MinPackets
	}
	if numBuckets < 1 {
		numBuckets = 1
	}

	c.baseSleepDuration = c.pcc.Duration / time.Duration(numBuckets)
	if c.baseSleepDuration < cSleepDurationMin {
		c.baseSleepDuration = cSleepDurationMin
	}

	numIntervals := int(math.Round(c.pcc.Duration.Seconds()/c.baseSleepDuration.Seconds() + 0.5))
	if numIntervals < 1 {
		numIntervals = 1
	}
	fillBps := c.pcc.DesiredBps - c.expectedUsageBps
	if fillBps < 0 {
		fillBps = 0
	}
	desiredProbeBytesPerInterval := int(math.Round(((c.pcc.Duration.Seconds()*float64(fillBps)/8)+float64(numIntervals)-1)/float64(numIntervals) + 0.5))

	c.buckets = make([]bucket, numIntervals)
	for i := 0; i < numIntervals; i++ {
		c.buckets[i] = bucket{
			expectedElapsedDuration: c.baseSleepDuration,
		}
		if i > 0 {
			c.buckets[i].expectedElapsedDuration += c.buckets[i-1].expectedElapsedDuration
		}
		c.buckets[i].expectedProbeBytesSent = (i + 1) * desiredProbeBytesPerInterval
	}
}

func (c *cluster) Start() {
	if c.listener != nil {
		c.listener.OnProbeClusterSwitch(c.pcc)
	}
}

func (c *cluster) Id() ProbeClusterId {
	return c.pcc.Id
}

func (c *cluster) ProbesSent(bytesSent int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.probeBytesSent += bytesSent
}

func (c *cluster) MarkCompleted() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.isComplete = true
}

func (c *cluster) Process() time.Duration {
	c.lock.Lock()
	if c.isComplete {
		c.lock.Unlock()
		return 0
	}

	bytesToSend := 0
	if c.startTime.IsZero() {
		c.startTime = mono.Now()
		bytesToSend = cBytesPerProbe
	} else {
		sinceStart := time.Since(c.startTime)
		if sinceStart > c.buckets[c.bucketIdx].expectedElapsedDuration {
			c.bucketIdx++
			overflow := false
			if c.bucketIdx >= len(c.buckets) {
				// when overflowing, repeat the last bucket
				c.bucketIdx = len(c.buckets) - 1
				overflow = true
			}
			if c.buckets[c.bucketIdx].expectedProbeBytesSent > c.probeBytesSent || overflow {
				bytesToSend = max(cBytesPerProbe, c.buckets[c.bucketIdx].expectedProbeBytesSent-c.probeBytesSent)
			}
		}

		if sinceStart > c.pcc.Duration && c.probeBytesSent >= c.desiredBytes {
			c.isComplete = true
			c.lock.Unlock()
			return 0
		}
	}
	c.lock.Unlock()

	if bytesToSend != 0 && c.listener != nil {
		c.listener.OnSendProbe(bytesToSend)
	}

	return cSleepDurationMin
}

func (c *cluster) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if c != nil {
		e.AddObject("config", c.pcc)
		e.AddInt64("expectedUsageBps", c.expectedUsageBps)
		e.AddInt("desiredBytes", c.desiredBytes)
		e.AddDuration("baseSleepDuration", c.baseSleepDuration)
		e.AddInt("numBuckets", len(c.buckets))
		e.AddInt("bucketIdx", c.bucketIdx)
		e.AddInt("probeBytesSent", c.probeBytesSent)
		e.AddTime("startTime", c.startTime)
		e.AddBool("isComplete", c.isComplete)
	}
	return nil
}
