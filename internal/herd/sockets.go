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
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Socket is one bound listening socket held open for the arbiter's lifetime.
// The dup'd *os.File is what children inherit through ExtraFiles.
type Socket struct {
	Config   SocketConfig
	listener net.Listener
	file     *os.File
}

// Addr returns the bound address.
func (s *Socket) Addr() net.Addr { return s.listener.Addr() }

// Registrar creates and owns the declared listening sockets. Children of
// watchers with use_sockets enabled receive every socket as an inherited file
// descriptor; descriptor numbers are assigned by creation order starting at 3
// (stdio occupies 0-2).
type Registrar struct {
	sockets []*Socket
	byName  map[string]*Socket
	log     logrus.FieldLogger
}

// NewRegistrar creates an empty registrar.
func NewRegistrar(log logrus.FieldLogger) *Registrar {
	return &Registrar{byName: make(map[string]*Socket), log: log}
}

// Bind creates every declared socket in order. A failure unwinds the sockets
// bound so far.
func (r *Registrar) Bind(configs []SocketConfig) error {
	for _, cfg := range configs {
		if err := r.bindOne(cfg); err != nil {
			r.Close()
			return fmt.Errorf("cannot bind socket %q: %w", cfg.Name, err)
		}
	}
	return nil
}

func (r *Registrar) bindOne(cfg SocketConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("socket without a name")
	}
	if _, ok := r.byName[cfg.Name]; ok {
		return fmt.Errorf("duplicate socket name")
	}
	family := cfg.Family
	if family == "" {
		family = "tcp"
	}
	var (
		ln  net.Listener
		err error
	)
	switch family {
	case "tcp", "tcp4", "tcp6":
		lc := net.ListenConfig{}
		if cfg.SoReuseport {
			lc.Control = func(network, address string, c syscall.RawConn) error {
				var serr error
				cerr := c.Control(func(fd uintptr) {
					serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				})
				if cerr != nil {
					return cerr
				}
				return serr
			}
		}
		addr := fmt.Sprintf("%v:%v", cfg.Host, cfg.Port)
		ln, err = lc.Listen(context.Background(), family, addr)
	case "unix":
		if cfg.Replace {
			_ = os.Remove(cfg.Path)
		}
		if cfg.Umask > 0 {
			old := unix.Umask(cfg.Umask)
			defer unix.Umask(old)
		}
		ln, err = net.Listen("unix", cfg.Path)
	default:
		return fmt.Errorf("unsupported socket family %q", family)
	}
	if err != nil {
		return err
	}
	file, err := listenerFile(ln)
	if err != nil {
		ln.Close()
		return err
	}
	sock := &Socket{Config: cfg, listener: ln, file: file}
	r.sockets = append(r.sockets, sock)
	r.byName[cfg.Name] = sock
	r.log.WithFields(logrus.Fields{"socket": cfg.Name, "addr": ln.Addr().String()}).Info("socket bound")
	return nil
}

func listenerFile(ln net.Listener) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	f, ok := ln.(filer)
	if !ok {
		return nil, fmt.Errorf("listener does not expose a file descriptor")
	}
	return f.File()
}

// Files returns the inheritable files in creation order, for ExtraFiles.
func (r *Registrar) Files() []*os.File {
	files := make([]*os.File, 0, len(r.sockets))
	for _, s := range r.sockets {
		files = append(files, s.file)
	}
	return files
}

// FD returns the descriptor number of the named socket as the child sees it.
func (r *Registrar) FD(name string) (int, bool) {
	for i, s := range r.sockets {
		if s.Config.Name == name {
			return 3 + i, true
		}
	}
	return 0, false
}

// Get returns the named socket.
func (r *Registrar) Get(name string) (*Socket, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Names returns the socket names in creation order.
func (r *Registrar) Names() []string {
	names := make([]string, 0, len(r.sockets))
	for _, s := range r.sockets {
		names = append(names, s.Config.Name)
	}
	return names
}

// Close releases every socket in reverse creation order.
func (r *Registrar) Close() {
	for i := len(r.sockets) - 1; i >= 0; i-- {
		s := r.sockets[i]
		s.file.Close()
		s.listener.Close()
		delete(r.byName, s.Config.Name)
	}
	r.sockets = nil
}
