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
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// SpawnSpec is everything the spawner needs to exec one child. The watcher
// resolves argv, environment, credentials, and inherited files before
// handing the spec over.
type SpawnSpec struct {
	Watcher    string
	WID        int
	Argv       []string
	Dir        string
	Env        []string
	Credential *syscall.Credential
	Umask      int // applied around the fork; negative means inherit
	RLimits    map[string]int64
	Files      []*os.File // inherited sockets, fd numbers start at 3

	// WireStreams attaches the stream pumps to the child's pipes and
	// returns the WaitGroup the spawner must drain before reporting the
	// exit. Nil means stdout/stderr are discarded.
	WireStreams func(stdout, stderr io.Reader, pid int) *sync.WaitGroup

	// OnExit delivers the single exit report for this child.
	OnExit func(ExitReport)
}

// ChildHandle is the narrow view of a running child used by Process. The
// exec-backed implementation lives here; tests substitute fakes.
type ChildHandle interface {
	Pid() int
	Signal(sig syscall.Signal) error
	SignalGroup(sig syscall.Signal) error
	Children() ([]int, error)
	Info() (map[string]any, error)
}

// Spawner turns SpawnSpecs into running children.
type Spawner interface {
	Spawn(spec SpawnSpec) (ChildHandle, error)
}

// ExecSpawner launches children with os/exec. Each child gets its own
// process group so stop signals can cover descendants.
type ExecSpawner struct{}

// Spawn execs the child and starts the wait goroutine that drains the stream
// pumps, reaps the process, and delivers the exit report.
func (ExecSpawner) Spawn(spec SpawnSpec) (ChildHandle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty command line")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.ExtraFiles = spec.Files
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:    true,
		Credential: spec.Credential,
	}
	var (
		stdout io.Reader
		stderr io.Reader
		err    error
	)
	if spec.WireStreams != nil {
		if stdout, err = cmd.StdoutPipe(); err != nil {
			return nil, err
		}
		if stderr, err = cmd.StderrPipe(); err != nil {
			return nil, err
		}
	}
	if spec.Umask >= 0 {
		old := unix.Umask(spec.Umask)
		defer unix.Umask(old)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pid := cmd.Process.Pid
	applyRLimits(pid, spec.RLimits)
	var pumps *sync.WaitGroup
	if spec.WireStreams != nil {
		pumps = spec.WireStreams(stdout, stderr, pid)
	}
	go func() {
		if pumps != nil {
			pumps.Wait()
		}
		err := cmd.Wait()
		report := ExitReport{Watcher: spec.Watcher, Pid: pid, WID: spec.WID}
		if state := cmd.ProcessState; state != nil {
			if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				report.Signaled = true
				report.Signal = ws.Signal()
				report.ExitCode = 128 + int(ws.Signal())
			} else {
				report.ExitCode = state.ExitCode()
			}
			if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
				report.RUsage = ru
			}
		} else if err != nil {
			report.ExitCode = -1
		}
		if spec.OnExit != nil {
			spec.OnExit(report)
		}
	}()
	return &execChild{pid: pid, proc: cmd.Process}, nil
}

type execChild struct {
	pid  int
	proc *os.Process
}

func (c *execChild) Pid() int { return c.pid }

func (c *execChild) Signal(sig syscall.Signal) error {
	return c.proc.Signal(sig)
}

func (c *execChild) SignalGroup(sig syscall.Signal) error {
	return syscall.Kill(-c.pid, sig)
}

func (c *execChild) Children() ([]int, error) {
	proc, err := process.NewProcess(int32(c.pid))
	if err != nil {
		return nil, err
	}
	children, err := proc.Children()
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(children))
	for _, child := range children {
		pids = append(pids, int(child.Pid))
	}
	return pids, nil
}

func (c *execChild) Info() (map[string]any, error) {
	proc, err := process.NewProcess(int32(c.pid))
	if err != nil {
		return nil, err
	}
	info := make(map[string]any)
	if times, err := proc.Times(); err == nil {
		info["cpu_user"] = times.User
		info["cpu_system"] = times.System
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		info["rss"] = mem.RSS
		info["vms"] = mem.VMS
	}
	if pct, err := proc.MemoryPercent(); err == nil {
		info["mem_percent"] = pct
	}
	if children, err := c.Children(); err == nil {
		info["children"] = children
	}
	return info, nil
}
