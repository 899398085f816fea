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
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Announcer broadcasts the control endpoint location on a UDP multicast
// group so clients on the same network can discover running supervisors. One
// datagram per check_delay.
type Announcer struct {
	endpoint  string
	multicast string
	delay     time.Duration
	log       logrus.FieldLogger
}

// NewAnnouncer builds the multicast announcer from the arbiter's options.
func NewAnnouncer(a *Arbiter) *Announcer {
	return &Announcer{
		endpoint:  a.GlobalOptions().Endpoint,
		multicast: a.GlobalOptions().MulticastEndpoint,
		delay:     a.GlobalOptions().CheckDelay.Duration(),
		log:       a.Log().WithField("service", "discovery"),
	}
}

// Name identifies the service in the supervision tree.
func (d *Announcer) Name() string { return "discovery" }

// Serve sends announcements until ctx is canceled.
func (d *Announcer) Serve(ctx context.Context) error {
	network, address, err := ParseEndpoint(d.multicast)
	if err != nil {
		return err
	}
	if network != "udp" {
		return fmt.Errorf("multicast endpoint must be udp://, got %q", d.multicast)
	}
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	hostname, _ := os.Hostname()
	payload, err := json.Marshal(map[string]any{
		"endpoint": d.endpoint,
		"pid":      os.Getpid(),
		"hostname": hostname,
	})
	if err != nil {
		return err
	}
	d.log.WithField("group", addr.String()).Info("announcing")
	ticker := time.NewTicker(d.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := conn.Write(payload); err != nil {
				d.log.WithError(err).Debug("cannot announce")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
