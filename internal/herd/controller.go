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
	"os/user"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Controller serves the request/reply control protocol: one JSON object per
// line per request, one JSON line per reply. It runs as an auxiliary service
// under the arbiter's supervision tree.
type Controller struct {
	arbiter *Arbiter
	log     logrus.FieldLogger

	ownerUID uint32
	hasOwner bool
}

// NewController builds the control server for the arbiter's endpoint. The
// endpoint_owner option restricts filesystem sockets to one OS user.
func NewController(a *Arbiter) (*Controller, error) {
	c := &Controller{arbiter: a, log: a.Log().WithField("service", "controller")}
	if owner := a.GlobalOptions().EndpointOwner; owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			u, err = user.LookupId(owner)
		}
		if err != nil {
			return nil, fmt.Errorf("unknown endpoint_owner %q: %w", owner, err)
		}
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return nil, err
		}
		c.ownerUID = uint32(uid)
		c.hasOwner = true
	}
	return c, nil
}

// Name identifies the service in the supervision tree.
func (c *Controller) Name() string { return "controller" }

// Serve accepts control connections until ctx is canceled.
func (c *Controller) Serve(ctx context.Context) error {
	network, address, err := ParseEndpoint(c.arbiter.Endpoint())
	if err != nil {
		return err
	}
	if network == "udp" {
		return fmt.Errorf("control endpoint cannot be udp")
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
	c.log.WithField("addr", ln.Addr().String()).Info("control endpoint bound")
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
		if !c.authorize(conn) {
			conn.Close()
			continue
		}
		go c.serveConn(ctx, conn)
	}
}

// authorize enforces endpoint_owner on filesystem sockets via the kernel's
// peer credentials. TCP connections are always admitted; access control there
// is reachability.
func (c *Controller) authorize(conn net.Conn) bool {
	if !c.hasOwner {
		return true
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return true
	}
	uid, err := connOwnerUID(uc)
	if err != nil {
		c.log.WithError(err).Warn("cannot read peer credentials, closing connection")
		return false
	}
	if uid != c.ownerUID && uid != 0 {
		c.log.WithField("uid", uid).Warn("unauthorized control connection")
		return false
	}
	return true
}

func (c *Controller) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 65536), 2*1048576)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		var reply Reply
		if err := json.Unmarshal(line, &req); err != nil {
			reply = c.arbiter.errorReply(Request{}, ReasonInvalidJSON, err.Error())
		} else {
			reply = c.arbiter.Dispatch(req)
		}
		if err := enc.Encode(reply); err != nil {
			return
		}
	}
}
