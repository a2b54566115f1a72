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

package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const probingNamespace = "probing"

var (
	initOnce sync.Once

	probeClustersInitiated atomic.Int64
	probesSuppressed       atomic.Int64

	promProbeClusterCounter *prometheus.CounterVec
	promProbeSuppressed     prometheus.Counter
	promLastProbeTarget     prometheus.Gauge
)

// Init registers the probing collectors. Safe to call more than once;
// only the first call registers.
func Init(constLabels prometheus.Labels) {
	initOnce.Do(func() {
		promProbeClusterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   probingNamespace,
			Subsystem:   "cluster",
			Name:        "initiated_total",
			ConstLabels: constLabels,
		}, []string{"trigger"})
		promProbeSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   probingNamespace,
			Subsystem:   "cluster",
			Name:        "suppressed_total",
			ConstLabels: constLabels,
		})
		promLastProbeTarget = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   probingNamespace,
			Subsystem:   "cluster",
			Name:        "last_target_bps",
			ConstLabels: constLabels,
		})

		prometheus.MustRegister(promProbeClusterCounter)
		prometheus.MustRegister(promProbeSuppressed)
		prometheus.MustRegister(promLastProbeTarget)
	})
}

func RecordProbeClusterInitiated(trigger string, targetBps int64) {
	probeClustersInitiated.Inc()
	if promProbeClusterCounter != nil {
		promProbeClusterCounter.WithLabelValues(trigger).Inc()
	}
	if promLastProbeTarget != nil {
		promLastProbeTarget.Set(float64(targetBps))
	}
}

func RecordProbeSuppressed() {
	probesSuppressed.Inc()
	if promProbeSuppressed != nil {
		promProbeSuppressed.Inc()
	}
}

func ProbeClustersInitiated() int64 {
	return probeClustersInitiated.Load()
}

func ProbesSuppressed() int64 {
	return probesSuppressed.Load()
}
