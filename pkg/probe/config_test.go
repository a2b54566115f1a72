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

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, DefaultConfig.Validate())
	})

	t.Run("non-positive scales are rejected", func(t *testing.T) {
		conf := DefaultConfig
		conf.FirstExponentialProbeScale = 0
		require.ErrorIs(t, conf.Validate(), ErrInvalidProbeScale)

		conf = DefaultConfig
		conf.AlrProbeScale = -1.0
		require.ErrorIs(t, conf.Validate(), ErrInvalidProbeScale)
	})

	t.Run("further probe threshold outside (0, 1] is rejected", func(t *testing.T) {
		conf := DefaultConfig
		conf.FurtherProbeThreshold = 0
		require.ErrorIs(t, conf.Validate(), ErrInvalidProbeThreshold)

		conf.FurtherProbeThreshold = 1.1
		require.ErrorIs(t, conf.Validate(), ErrInvalidProbeThreshold)
	})

	t.Run("non-positive ALR interval is rejected", func(t *testing.T) {
		conf := DefaultConfig
		conf.AlrProbingInterval = 0
		require.ErrorIs(t, conf.Validate(), ErrInvalidProbeInterval)
	})

	t.Run("non-positive probe floors are rejected", func(t *testing.T) {
		conf := DefaultConfig
		conf.MinProbePacketsSent = 0
		require.ErrorIs(t, conf.Validate(), ErrInvalidProbeFloor)

		conf = DefaultConfig
		conf.MinProbeDuration = 0
		require.ErrorIs(t, conf.Validate(), ErrInvalidProbeFloor)
	})

	t.Run("skip fraction of 1 or more is rejected", func(t *testing.T) {
		conf := DefaultConfig
		conf.SkipIfEstimateLargerThanFractionOfMax = 1.0
		require.ErrorIs(t, conf.Validate(), ErrInvalidSkipFraction)
	})

	t.Run("drop fractions outside (0, 1] are rejected", func(t *testing.T) {
		conf := DefaultConfig
		conf.LargeDropFraction = 0
		require.ErrorIs(t, conf.Validate(), ErrInvalidDropConfig)

		conf = DefaultConfig
		conf.ProbeFractionAfterDrop = 1.5
		require.ErrorIs(t, conf.Validate(), ErrInvalidDropConfig)
	})
}
