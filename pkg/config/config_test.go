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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Run("empty string yields defaults", func(t *testing.T) {
		conf, err := NewConfig("", true)
		require.NoError(t, err)
		require.Equal(t, DefaultConfig.ProcessInterval, conf.ProcessInterval)
		require.Equal(t, DefaultConfig.Probe.FirstExponentialProbeScale, conf.Probe.FirstExponentialProbeScale)
		require.Equal(t, "info", conf.LogLevel)
	})

	t.Run("supplied yaml overlays the defaults", func(t *testing.T) {
		conf, err := NewConfig(`
log_level: debug
probe:
  alr_probe_scale: 1.5
`, true)
		require.NoError(t, err)
		require.Equal(t, "debug", conf.LogLevel)
		require.Equal(t, 1.5, conf.Probe.AlrProbeScale)
		// untouched fields keep their defaults
		require.Equal(t, 3.0, conf.Probe.FirstExponentialProbeScale)
		require.Equal(t, 25*time.Millisecond, conf.ProcessInterval)
	})

	t.Run("unknown fields are rejected in strict mode only", func(t *testing.T) {
		yamlStr := "unknown_field: true\n"

		_, err := NewConfig(yamlStr, true)
		require.Error(t, err)

		_, err = NewConfig(yamlStr, false)
		require.NoError(t, err)
	})

	t.Run("invalid probe settings are rejected", func(t *testing.T) {
		_, err := NewConfig(`
probe:
  further_probe_threshold: 2.0
`, true)
		require.Error(t, err)
	})
}
