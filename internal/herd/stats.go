// Copyright 2025 github.com/ucirello, cirello.io, U. Cirello
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package herd

import (
	"context"
	"time"
)

// StatsServer samples per-process resource usage every check_delay and
// exposes the samples on the stats endpoint with the pub/sub framing, topics
// "stat.<watcher>".
type StatsServer struct {
	arbiter *Arbiter
	stream  *streamServer
	delay   time.Duration
}

// NewStatsServer builds the sampler plus its endpoint server.
func NewStatsServer(a *Arbiter) *StatsServer {
	log := a.Log().WithField("service", "stats")
	return &StatsServer{
		arbiter: a,
		stream: &streamServer{
			name:     "stats",
			endpoint: a.GlobalOptions().StatsEndpoint,
			bus:      NewBus(log, 0),
			log:      log,
		},
		delay: a.GlobalOptions().CheckDelay.Duration(),
	}
}

// Name identifies the service in the supervision tree.
func (s *StatsServer) Name() string { return "stats" }

// Serve runs the sampling loop and the endpoint server until ctx is
// canceled.
func (s *StatsServer) Serve(ctx context.Context) error {
	go s.sample(ctx)
	return s.stream.Serve(ctx)
}

func (s *StatsServer) sample(ctx context.Context) {
	ticker := time.NewTicker(s.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			v, err := s.arbiter.Do(func() (any, error) {
				return s.arbiter.StatsAll(), nil
			})
			if err != nil {
				continue
			}
			stats, _ := v.(map[string]any)
			for name, info := range stats {
				payload, _ := info.(map[string]any)
				s.stream.bus.Publish("stat."+name, payload)
			}
		case <-ctx.Done():
			return
		}
	}
}
