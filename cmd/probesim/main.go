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

// probesim replays a recorded timeline of congestion-controller events
// through the probe controller and prints the probe clusters it would
// have requested. Useful for tuning thresholds against captured traces.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livemesh/probing/pkg/config"
	"github.com/livemesh/probing/pkg/telemetry/prometheus"
)

func main() {
	app := &cli.App{
		Name:  "probesim",
		Usage: "replay congestion controller timelines through the probe controller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "scenario",
				Usage:    "path to scenario yaml file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config yaml file, defaults apply when omitted",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "sets log level to debug",
			},
		},
		Action: runSimulation,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSimulation(c *cli.Context) error {
	confString := ""
	if confFile := c.String("config"); confFile != "" {
		body, err := os.ReadFile(confFile)
		if err != nil {
			return fmt.Errorf("could not read config: %w", err)
		}
		confString = string(body)
	}

	conf, err := config.NewConfig(confString, true)
	if err != nil {
		return err
	}

	logLevel := conf.LogLevel
	if c.Bool("verbose") {
		logLevel = "debug"
	}
	logger.InitFromConfig(&logger.Config{Level: logLevel}, "probesim")
	lgr := logger.GetLogger()

	if conf.PrometheusPort > 0 {
		prometheus.Init(nil)
		go func() {
			addr := fmt.Sprintf(":%d", conf.PrometheusPort)
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				lgr.Warnw("could not serve metrics", err)
			}
		}()
	}

	scenario, err := LoadScenario(c.String("scenario"))
	if err != nil {
		return err
	}
	if scenario.Description != "" {
		lgr.Infow("replaying scenario", "description", scenario.Description)
	}

	emitted := Replay(scenario, conf.Probe, lgr)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "AT (ms)", "TRIGGER", "TARGET", "DURATION", "MIN PACKETS"})
	for _, e := range emitted {
		prometheus.RecordProbeClusterInitiated(e.Cluster.Trigger.String(), e.Cluster.DesiredBps)
		table.Append([]string{
			fmt.Sprintf("%d", e.Cluster.Id),
			fmt.Sprintf("%d", e.AtMs),
			e.Cluster.Trigger.String(),
			humanize.SI(float64(e.Cluster.DesiredBps), "bps"),
			e.Cluster.Duration.String(),
			fmt.Sprintf("%d", e.Cluster.MinPackets),
		})
	}
	table.Render()

	fmt.Printf("emitted %d probe cluster(s)\n", len(emitted))
	return nil
}
