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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// streamServer exposes a Bus on a network endpoint. A subscriber sends one
// line of space-separated topic prefixes (an empty line subscribes to every
// topic) and then receives each event as two lines: the topic, then the JSON
// payload. Both the publish and the stats endpoints use this framing.
type streamServer struct {
	name     string
	endpoint string
	bus      *Bus
	log      logrus.FieldLogger
}

// Name identifies the service in the supervision tree.
func (s *streamServer) Name() string { return s.name }

// Serve accepts subscribers until ctx is canceled.
func (s *streamServer) Serve(ctx context.Context) error {
	network, address, err := ParseEndpoint(s.endpoint)
	if err != nil {
		return err
	}
	if network == "udp" {
		return fmt.Errorf("%v endpoint cannot be udp", s.name)
	}
	if network == "unix" {
		_ = os.Remove(address)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	defer ln.Close()
	if network == "unix" {
		defer os.Remove(address)
	}
	s.log.WithField("addr", ln.Addr().String()).Info("endpoint bound")
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *streamServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	prefixes := strings.Fields(line)
	sub := s.bus.Subscribe(prefixes...)
	defer s.bus.Unsubscribe(sub)
	go func() {
		// a subscriber that writes again or hangs up is done
		_, _ = reader.ReadByte()
		conn.Close()
	}()
	writer := bufio.NewWriter(conn)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			raw, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(writer, "%s\n%s\n", ev.Topic, raw); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// NewPubsubServer exposes the arbiter's event bus on the publish endpoint.
func NewPubsubServer(a *Arbiter) *streamServer {
	return &streamServer{
		name:     "pubsub",
		endpoint: a.GlobalOptions().PubsubEndpoint,
		bus:      a.Bus(),
		log:      a.Log().WithField("service", "pubsub"),
	}
}
