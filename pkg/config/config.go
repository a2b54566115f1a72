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
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livemesh/probing/pkg/probe"
)

type Config struct {
	Probe probe.Config `yaml:"probe,omitempty"`

	// cadence of the periodic trigger check
	ProcessInterval time.Duration `yaml:"process_interval,omitempty"`

	// Prometheus metrics port, 0 disables the endpoint
	PrometheusPort uint32 `yaml:"prometheus_port,omitempty"`

	LogLevel    string `yaml:"log_level,omitempty"`
	Development bool   `yaml:"development,omitempty"`
}

var DefaultConfig = Config{
	Probe:           probe.DefaultConfig,
	ProcessInterval: 25 * time.Millisecond,
	LogLevel:        "info",
}

// NewConfig builds a Config by overlaying the supplied yaml onto the
// defaults. In strict mode unknown fields are rejected.
func NewConfig(confString string, strictMode bool) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err = yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if err := conf.Probe.Validate(); err != nil {
		return nil, fmt.Errorf("could not validate probe config: %w", err)
	}

	return &conf, nil
}
