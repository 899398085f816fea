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
	"os/user"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"cirello.io/herd/internal/envfile"
	"github.com/sirupsen/logrus"
)

// WatcherStatus is the lifecycle status of a process group.
type WatcherStatus string

// Watcher statuses.
const (
	StatusStopped  WatcherStatus = "stopped"
	StatusStarting WatcherStatus = "starting"
	StatusActive   WatcherStatus = "active"
	StatusStopping WatcherStatus = "stopping"
	StatusError    WatcherStatus = "error"
)

// watcherDeps are the collaborators a watcher borrows from the arbiter. All
// watcher state is owned by the event loop; enqueue is the only way back in
// from timers and wait goroutines.
type watcherDeps struct {
	clock     Clock
	spawner   Spawner
	bus       *Bus
	hooks     *hookRunner
	callbacks *StreamCallbackRegistry
	registrar *Registrar
	redirect  *redirector
	log       logrus.FieldLogger
	enqueue   func(func())
	endpoint  string
	umask     int
}

// Watcher reconciles the declared replica count of one process group with
// the set of running children, and owns the per-process state machine.
type Watcher struct {
	opts WatcherOptions
	deps watcherDeps
	log  logrus.FieldLogger
	seq  int // insertion order, breaks priority ties

	status WatcherStatus
	procs  map[int]*Process
	wid    int // incarnation counter
	flap   *flapDetector

	stdoutSink streamSink
	stderrSink streamSink

	restartPending bool
	rotation       map[int]bool // pids still to be replaced by a sequential reload
	rotationWait   int          // pid being retired; next rotation step waits for its exit
	spawnTimer     Timer
	resumeTimer    Timer
}

// NewWatcher validates opts and creates a stopped watcher.
func NewWatcher(opts WatcherOptions, deps watcherDeps) (*Watcher, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	if opts.Singleton && opts.NumProcesses > 1 {
		opts.NumProcesses = 1
	}
	w := &Watcher{
		opts:   opts,
		deps:   deps,
		log:    deps.log.WithField("watcher", opts.Name),
		status: StatusStopped,
		procs:  make(map[int]*Process),
	}
	// the detector reads the live option set, not a construction-time copy
	w.flap = newFlapDetector(&w.opts, deps.clock)
	return w, nil
}

// Name returns the watcher name.
func (w *Watcher) Name() string { return w.opts.Name }

// Status returns the watcher status.
func (w *Watcher) Status() WatcherStatus { return w.status }

// Priority returns the start-ordering priority.
func (w *Watcher) Priority() int { return w.opts.Priority }

// Options returns the watcher's option set.
func (w *Watcher) Options() *WatcherOptions { return &w.opts }

// Pids returns the pids of the owned processes, ascending.
func (w *Watcher) Pids() []int {
	pids := make([]int, 0, len(w.procs))
	for pid := range w.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (w *Watcher) publish(kind string, extra map[string]any) {
	payload := map[string]any{
		"time":    float64(w.deps.clock.Now().UnixNano()) / 1e9,
		"watcher": w.opts.Name,
	}
	for k, v := range extra {
		payload[k] = v
	}
	w.deps.bus.Publish(w.opts.Name+"."+kind, payload)
}

func (w *Watcher) runHook(name string, pid int, stats map[string]any) error {
	return w.deps.hooks.run(w.opts.Hooks, HookContext{
		Watcher: w.opts.Name,
		Hook:    name,
		Pid:     pid,
		Stats:   stats,
	})
}

// Start brings a stopped or errored watcher to starting and begins the fill
// to numprocesses.
func (w *Watcher) Start() error {
	switch w.status {
	case StatusStarting, StatusActive:
		return &CommandError{Reason: ReasonAlreadyRunning}
	case StatusStopping:
		return errBadArgument("watcher %q is stopping", w.opts.Name)
	}
	if err := w.runHook(HookBeforeStart, 0, nil); err != nil {
		w.publish(EventUpdated, map[string]any{"error": ReasonHookFailed})
		return err
	}
	if err := w.openSinks(); err != nil {
		return errInternal(err)
	}
	w.flap.reset()
	w.status = StatusStarting
	w.publish(EventStarting, nil)
	w.log.Info("starting")
	w.reconcile()
	if err := w.runHook(HookAfterStart, 0, nil); err != nil {
		w.Stop()
		return err
	}
	return nil
}

func (w *Watcher) openSinks() error {
	var err error
	if w.stdoutSink, err = w.deps.redirect.sinkFor(w.opts.StdoutStream, w.deps.callbacks); err != nil {
		return err
	}
	if w.stderrSink, err = w.deps.redirect.sinkFor(w.opts.StderrStream, w.deps.callbacks); err != nil {
		return err
	}
	return nil
}

func (w *Watcher) closeSinks() {
	if w.stdoutSink != nil {
		w.stdoutSink.close()
		w.stdoutSink = nil
	}
	if w.stderrSink != nil {
		w.stderrSink.close()
		w.stderrSink = nil
	}
}

// Stop initiates a graceful stop of every owned process. A failing fail-hard
// before_stop hook escalates the stop to an immediate SIGKILL instead of
// aborting it.
func (w *Watcher) Stop() error {
	switch w.status {
	case StatusStopped:
		return &CommandError{Reason: ReasonNotRunning}
	case StatusStopping:
		return nil
	case StatusError:
		w.status = StatusStopped
		w.publish(EventStop, nil)
		return nil
	}
	escalate := false
	if err := w.runHook(HookBeforeStop, 0, nil); err != nil {
		w.publish(EventUpdated, map[string]any{"error": ReasonHookFailed})
		escalate = true
	}
	w.cancelTimers()
	w.rotation = nil
	w.rotationWait = 0
	w.status = StatusStopping
	w.publish(EventStopping, nil)
	w.log.Info("stopping")
	if len(w.procs) == 0 {
		w.finishStop()
		return nil
	}
	for _, p := range w.procsByWID() {
		w.stopProcess(p, escalate)
	}
	return nil
}

func (w *Watcher) finishStop() {
	w.closeSinks()
	w.status = StatusStopped
	w.publish(EventStop, nil)
	w.log.Info("stopped")
	if err := w.runHook(HookAfterStop, 0, nil); err != nil {
		w.log.WithError(err).Warn("after_stop hook failed")
	}
	w.flap.reset()
	if w.restartPending {
		w.restartPending = false
		if err := w.Start(); err != nil {
			w.log.WithError(err).Error("cannot restart")
		}
	}
}

// Restart stops the watcher and starts it again once every process is
// reaped.
func (w *Watcher) Restart() error {
	if w.status == StatusStopped || w.status == StatusError {
		w.status = StatusStopped
		return w.Start()
	}
	w.restartPending = true
	return w.Stop()
}

// Reload replaces the running processes with freshly spawned ones. With
// graceful=false it is equivalent to a restart. With graceful=true and
// sequential=true it rotates replicas one by one, temporarily exceeding
// numprocesses by exactly one; with sequential=false it stops the old
// replicas gracefully and lets reconciliation replace them.
func (w *Watcher) Reload(graceful, sequential bool) error {
	if w.status != StatusActive && w.status != StatusStarting {
		return &CommandError{Reason: ReasonNotRunning}
	}
	if !graceful {
		return w.Restart()
	}
	if sequential {
		if w.rotation != nil {
			return errBadArgument("reload already in progress")
		}
		w.rotation = make(map[int]bool, len(w.procs))
		for pid := range w.procs {
			w.rotation[pid] = true
		}
		w.rotateStep()
		return nil
	}
	for _, p := range w.procsByWID() {
		w.stopReplica(p)
	}
	return nil
}

// rotateStep spawns one replacement, waits its warmup, and stops one old
// replica. The next step runs when the retired replica is reaped, so the
// rotation never exceeds numprocesses by more than one.
func (w *Watcher) rotateStep() {
	if len(w.rotation) == 0 {
		w.rotation = nil
		w.rotationWait = 0
		w.publish(EventUpdated, map[string]any{"reload": "done"})
		return
	}
	if err := w.spawnOne(); err != nil {
		w.log.WithError(err).Error("reload spawn failed, aborting rotation")
		w.rotation = nil
		w.rotationWait = 0
		return
	}
	delay := w.opts.WarmupDelay.Duration()
	w.spawnTimer = w.deps.clock.AfterFunc(delay, func() {
		w.deps.enqueue(func() {
			if w.status != StatusActive && w.status != StatusStarting {
				return
			}
			oldest := -1
			for pid := range w.rotation {
				p, ok := w.procs[pid]
				if !ok {
					delete(w.rotation, pid)
					continue
				}
				if oldest == -1 || p.WID < w.procs[oldest].WID {
					oldest = pid
				}
			}
			if oldest == -1 {
				w.rotateStep()
				return
			}
			delete(w.rotation, oldest)
			w.rotationWait = oldest
			w.stopReplica(w.procs[oldest])
		})
	})
}

// stopReplica retires one process without shrinking numprocesses.
func (w *Watcher) stopReplica(p *Process) {
	w.stopProcess(p, false)
}

// Incr raises numprocesses by n and reconciles. Singletons reject growth
// beyond one replica.
func (w *Watcher) Incr(n int) (int, error) {
	if n <= 0 {
		return 0, errBadArgument("incr requires a positive count")
	}
	if w.opts.Singleton && w.opts.NumProcesses+n > 1 {
		return 0, errBadArgument("cannot add processes to singleton watcher %q", w.opts.Name)
	}
	w.opts.NumProcesses += n
	w.publish(EventUpdated, map[string]any{"numprocesses": w.opts.NumProcesses})
	w.reconcile()
	return w.opts.NumProcesses, nil
}

// Decr lowers numprocesses by n and reconciles, stopping the youngest
// replicas.
func (w *Watcher) Decr(n int) (int, error) {
	if n <= 0 {
		return 0, errBadArgument("decr requires a positive count")
	}
	w.opts.NumProcesses -= n
	if w.opts.NumProcesses < 0 {
		w.opts.NumProcesses = 0
	}
	w.publish(EventUpdated, map[string]any{"numprocesses": w.opts.NumProcesses})
	w.reconcile()
	return w.opts.NumProcesses, nil
}

// SetOption applies one option change. Options that only take effect on a
// fresh exec trigger a graceful sequential reload when the watcher is
// running.
func (w *Watcher) SetOption(key string, value any) error {
	respawn, err := w.opts.Set(key, value)
	if err != nil {
		return err
	}
	w.publish(EventUpdated, map[string]any{"option": key})
	if respawn && (w.status == StatusActive || w.status == StatusStarting) {
		return w.Reload(true, true)
	}
	w.reconcile()
	return nil
}

// Signal delivers sig to one pid, or to every owned process when pid is
// zero.
func (w *Watcher) Signal(pid int, sig syscall.Signal) error {
	if err := w.runHook(HookBeforeSignal, pid, nil); err != nil {
		return err
	}
	if pid != 0 {
		p, ok := w.procs[pid]
		if !ok {
			return errBadArgument("pid %v does not belong to watcher %q", pid, w.opts.Name)
		}
		return p.Send(sig)
	}
	for _, p := range w.procsByWID() {
		if err := p.Send(sig); err != nil {
			return err
		}
	}
	return nil
}

// reconcile adjusts the running set towards numprocesses. It runs on every
// arbiter tick and after every internal event. A panic escaping the
// reconciliation step moves the watcher to error instead of taking down the
// event loop.
func (w *Watcher) reconcile() {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("reconciliation panicked")
			w.publish(ReasonInternal, map[string]any{"error": fmt.Sprint(r)})
			w.enterError(ReasonInternal)
		}
	}()
	if w.status != StatusStarting && w.status != StatusActive {
		return
	}
	delta := w.opts.NumProcesses - len(w.procs)
	switch {
	case delta > 0:
		if w.flap.paused() {
			w.scheduleResume()
			return
		}
		w.spawnBatch(delta)
	case delta < 0 && w.rotation == nil:
		for _, p := range w.youngest(-delta) {
			w.stopReplica(p)
		}
	}
	if w.status == StatusStarting && len(w.procs) >= w.opts.NumProcesses {
		w.status = StatusActive
		w.publish(EventStart, nil)
	}
}

// spawnBatch spawns up to n replicas, replica-index ascending, separating
// consecutive spawns by warmup_delay.
func (w *Watcher) spawnBatch(n int) {
	delay := w.opts.WarmupDelay.Duration()
	for i := 0; i < n; i++ {
		if err := w.spawnOne(); err != nil {
			w.log.WithError(err).Error("spawn failed")
			w.feedFlap(w.deps.clock.Now())
			return
		}
		if delay > 0 && i+1 < n {
			w.spawnTimer = w.deps.clock.AfterFunc(delay, func() {
				w.deps.enqueue(w.reconcile)
			})
			return
		}
	}
}

func (w *Watcher) spawnOne() error {
	w.wid++
	wid := w.wid
	if err := w.runHook(HookBeforeSpawn, 0, nil); err != nil {
		w.publish(EventUpdated, map[string]any{"error": ReasonHookFailed})
		return err
	}
	spec, err := w.buildSpawnSpec(wid)
	if err != nil {
		return &CommandError{Reason: ReasonSpawnFailed, Message: err.Error()}
	}
	child, err := w.deps.spawner.Spawn(spec)
	if err != nil {
		return &CommandError{Reason: ReasonSpawnFailed, Message: err.Error()}
	}
	p := &Process{
		WID:       wid,
		Pid:       child.Pid(),
		Watcher:   w.opts.Name,
		StartedAt: w.deps.clock.Now(),
		Cmdline:   spec.Argv,
		Env:       spec.Env,
		status:    ProcessRunning,
		child:     child,
	}
	w.procs[p.Pid] = p
	w.publish(EventSpawn, map[string]any{"pid": p.Pid, "wid": wid})
	w.log.WithFields(logrus.Fields{"pid": p.Pid, "wid": wid}).Info("spawned")
	if err := w.runHook(HookAfterSpawn, p.Pid, nil); err != nil {
		w.stopReplica(p)
		return err
	}
	return nil
}

// buildSpawnSpec resolves argv, environment, credentials, and inherited
// files for one replica.
func (w *Watcher) buildSpawnSpec(wid int) (SpawnSpec, error) {
	env, err := w.mergedEnv(wid)
	if err != nil {
		return SpawnSpec{}, err
	}
	var registrar *Registrar
	var files []*os.File
	if w.opts.UseSockets && w.deps.registrar != nil {
		registrar = w.deps.registrar
		files = registrar.Files()
	}
	expand := func(s string) string { return expandVars(s, wid, env, registrar) }

	var argv []string
	if w.opts.Shell {
		line := expand(w.opts.Cmd)
		if len(w.opts.Args) > 0 {
			args := make([]string, 0, len(w.opts.Args))
			for _, a := range w.opts.Args {
				args = append(args, expand(a))
			}
			line = line + " " + strings.Join(args, " ")
		}
		argv = []string{"sh", "-c", line}
	} else {
		parts := strings.Fields(expand(w.opts.Cmd))
		if w.opts.Executable != "" {
			if len(parts) == 0 {
				parts = []string{w.opts.Executable}
			} else {
				parts[0] = w.opts.Executable
			}
		}
		for _, a := range w.opts.Args {
			parts = append(parts, expand(a))
		}
		argv = parts
	}
	if len(argv) == 0 {
		return SpawnSpec{}, fmt.Errorf("empty command line")
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	sort.Strings(envList)

	cred, err := resolveCredential(w.opts.UID, w.opts.GID)
	if err != nil {
		return SpawnSpec{}, err
	}

	spec := SpawnSpec{
		Watcher:    w.opts.Name,
		WID:        wid,
		Argv:       argv,
		Dir:        expand(w.opts.WorkingDir),
		Env:        envList,
		Credential: cred,
		Umask:      w.deps.umask,
		RLimits:    w.opts.RLimits,
		Files:      files,
		OnExit: func(report ExitReport) {
			w.deps.enqueue(func() { w.handleExit(report) })
		},
	}
	if w.opts.StdoutStream.configured() || w.opts.StderrStream.configured() {
		name := fmt.Sprintf("%v.%v", w.opts.Name, wid)
		stdoutSink, stderrSink := w.stdoutSink, w.stderrSink
		spec.WireStreams = func(stdout, stderr io.Reader, pid int) *sync.WaitGroup {
			var wg sync.WaitGroup
			w.deps.redirect.pump(stdout, pid, name, stdoutSink, &wg)
			w.deps.redirect.pump(stderr, pid, name, stderrSink, &wg)
			return &wg
		}
	}
	return spec, nil
}

// mergedEnv builds the child environment: the parent's environment when
// copy_env is set, then the env file, then the declared env mapping. PATH is
// inherited iff copy_env or copy_path is set.
func (w *Watcher) mergedEnv(wid int) (map[string]string, error) {
	env := make(map[string]string)
	if w.opts.CopyEnv {
		for _, kv := range os.Environ() {
			k, v, _ := strings.Cut(kv, "=")
			env[k] = v
		}
	} else if w.opts.CopyPath {
		env["PATH"] = os.Getenv("PATH")
	}
	if w.opts.EnvFile != "" {
		fd, err := os.Open(w.opts.EnvFile)
		if err != nil {
			return nil, err
		}
		defer fd.Close()
		fileEnv, err := envfile.Parse(fd)
		if err != nil {
			return nil, err
		}
		for _, kv := range fileEnv {
			k, v, _ := strings.Cut(kv, "=")
			env[k] = v
		}
	}
	for k, v := range w.opts.Env {
		env[k] = expandVars(v, wid, env, nil)
	}
	env["HERD_WID"] = strconv.Itoa(wid)
	if w.deps.endpoint != "" {
		env["HERD_ENDPOINT"] = w.deps.endpoint
	}
	return env, nil
}

// stopProcess delivers the stop signal once and arms the SIGKILL escalation
// timer. With escalate set the graceful phase is skipped.
func (w *Watcher) stopProcess(p *Process, escalate bool) {
	if p.stopRequested {
		return
	}
	p.stopRequested = true
	sig, _ := ParseSignal(w.opts.StopSignal)
	if escalate {
		sig = syscall.SIGKILL
	}
	w.publish(EventKill, map[string]any{"pid": p.Pid, "signal": SignalName(sig)})
	if !p.stopSignalSent {
		p.stopSignalSent = true
		if err := p.Send(sig); err != nil {
			w.log.WithField("pid", p.Pid).WithError(err).Warn("cannot signal process")
		}
		if w.opts.StopChildren {
			if err := p.SendToGroup(sig); err != nil {
				w.log.WithField("pid", p.Pid).WithError(err).Debug("cannot signal process group")
			}
		}
	}
	if escalate {
		return
	}
	pid := p.Pid
	p.killTimer = w.deps.clock.AfterFunc(w.opts.GracefulTimeout.Duration(), func() {
		w.deps.enqueue(func() { w.escalateStop(pid) })
	})
}

// escalateStop fires when a stopped process outlives graceful_timeout.
func (w *Watcher) escalateStop(pid int) {
	p, ok := w.procs[pid]
	if !ok {
		return
	}
	w.publish(EventKill, map[string]any{"pid": pid, "signal": SignalName(syscall.SIGKILL)})
	if err := p.Send(syscall.SIGKILL); err != nil {
		w.log.WithField("pid", pid).WithError(err).Warn("cannot SIGKILL process")
	}
	if w.opts.StopChildren {
		_ = p.SendToGroup(syscall.SIGKILL)
	}
}

// handleExit is the single reap path: it records the exit, publishes it,
// feeds the flap detector on unexpected deaths, and re-runs reconciliation.
func (w *Watcher) handleExit(report ExitReport) {
	p, ok := w.procs[report.Pid]
	if !ok || p.WID != report.WID {
		return
	}
	if p.killTimer != nil {
		p.killTimer.Stop()
		p.killTimer = nil
	}
	p.status = ProcessExited
	if err := w.runHook(HookAfterReap, report.Pid, nil); err != nil {
		w.log.WithError(err).Warn("after_reap hook failed")
	}
	extra := map[string]any{"pid": report.Pid, "exit_code": report.ExitCode}
	if report.Signaled {
		extra["signal"] = SignalName(report.Signal)
	}
	w.publish(EventReap, extra)
	delete(w.procs, report.Pid)
	delete(w.rotation, report.Pid)

	if w.status == StatusStopping {
		if len(w.procs) == 0 {
			w.finishStop()
		}
		return
	}

	if report.Pid == w.rotationWait {
		w.rotationWait = 0
		if w.rotation != nil {
			w.rotateStep()
			return
		}
	}

	stopSig, _ := ParseSignal(w.opts.StopSignal)
	if !p.stopRequested && !report.expected(stopSig) {
		switch w.feedFlap(p.StartedAt) {
		case flapPause:
			w.publish(EventUpdated, map[string]any{"error": ReasonFlapping})
			w.log.Warn("flapping, pausing respawns")
			w.scheduleResume()
			return
		case flapExhausted:
			w.enterError(ReasonFlapping)
			return
		}
	}
	if !p.stopRequested && !w.opts.respawn() && w.opts.NumProcesses > 0 {
		w.opts.NumProcesses--
	}
	w.reconcile()
}

func (w *Watcher) feedFlap(startedAt time.Time) flapVerdict {
	return w.flap.recordExit(startedAt)
}

func (w *Watcher) scheduleResume() {
	if w.resumeTimer != nil {
		return
	}
	w.resumeTimer = w.deps.clock.AfterFunc(w.flap.pauseRemaining(), func() {
		w.deps.enqueue(func() {
			w.resumeTimer = nil
			w.reconcile()
		})
	})
}

func (w *Watcher) enterError(reason string) {
	w.cancelTimers()
	w.status = StatusError
	w.publish(EventUpdated, map[string]any{"status": string(StatusError), "error": reason})
	w.log.WithField("reason", reason).Error("watcher moved to error")
}

func (w *Watcher) cancelTimers() {
	if w.spawnTimer != nil {
		w.spawnTimer.Stop()
		w.spawnTimer = nil
	}
	if w.resumeTimer != nil {
		w.resumeTimer.Stop()
		w.resumeTimer = nil
	}
}

// youngest returns the n most recently started processes, ties broken by the
// highest replica index.
func (w *Watcher) youngest(n int) []*Process {
	procs := w.procsByWID()
	sort.SliceStable(procs, func(i, j int) bool {
		if !procs[i].StartedAt.Equal(procs[j].StartedAt) {
			return procs[i].StartedAt.After(procs[j].StartedAt)
		}
		return procs[i].WID > procs[j].WID
	})
	if n > len(procs) {
		n = len(procs)
	}
	return procs[:n]
}

func (w *Watcher) procsByWID() []*Process {
	procs := make([]*Process, 0, len(w.procs))
	for _, p := range w.procs {
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].WID < procs[j].WID })
	return procs
}

// StatusInfo renders the status reply payload.
func (w *Watcher) StatusInfo() map[string]any {
	return map[string]any{
		"name":         w.opts.Name,
		"status":       string(w.status),
		"numprocesses": w.opts.NumProcesses,
		"pids":         w.Pids(),
	}
}

// Stats samples resource usage of every owned process and lets
// extended_stats hooks enrich the result.
func (w *Watcher) Stats() map[string]any {
	procs := make(map[string]any, len(w.procs))
	for _, p := range w.procsByWID() {
		info, err := p.Info()
		if err != nil {
			info = map[string]any{"pid": p.Pid, "error": err.Error()}
		}
		procs[strconv.Itoa(p.Pid)] = info
	}
	stats := map[string]any{
		"name":      w.opts.Name,
		"status":    string(w.status),
		"processes": procs,
	}
	if err := w.runHook(HookExtendedStats, 0, stats); err != nil {
		w.log.WithError(err).Warn("extended_stats hook failed")
	}
	return stats
}

// resolveCredential translates uid/gid declarations (names or numbers) into
// a syscall credential. Empty declarations inherit the supervisor's own
// identity.
func resolveCredential(uid, gid string) (*syscall.Credential, error) {
	if uid == "" && gid == "" {
		return nil, nil
	}
	cred := &syscall.Credential{}
	if uid != "" {
		u, err := user.Lookup(uid)
		if err != nil {
			u, err = user.LookupId(uid)
		}
		if err != nil {
			return nil, fmt.Errorf("unknown uid %q: %w", uid, err)
		}
		id, err := strconv.Atoi(u.Uid)
		if err != nil {
			return nil, err
		}
		cred.Uid = uint32(id)
		if gid == "" {
			primary, err := strconv.Atoi(u.Gid)
			if err != nil {
				return nil, err
			}
			cred.Gid = uint32(primary)
		}
	}
	if gid != "" {
		g, err := user.LookupGroup(gid)
		if err != nil {
			g, err = user.LookupGroupId(gid)
		}
		if err != nil {
			return nil, fmt.Errorf("unknown gid %q: %w", gid, err)
		}
		id, err := strconv.Atoi(g.Gid)
		if err != nil {
			return nil, err
		}
		cred.Gid = uint32(id)
	}
	return cred, nil
}
