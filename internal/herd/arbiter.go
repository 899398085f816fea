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
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"cirello.io/oversight"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// Default command deadline for operations submitted to the event loop.
const DefaultCommandTimeout = 5 * time.Second

const opsBuffer = 1024

// grace added on top of the largest graceful_timeout before shutdown stops
// waiting for stragglers.
const shutdownGrace = 5 * time.Second

// AuxService is a long-lived companion of the event loop (control endpoint,
// publishers, dashboard). Services run under the arbiter's supervision tree
// and must return when ctx is canceled.
type AuxService interface {
	Name() string
	Serve(ctx context.Context) error
}

// ArbiterConfig carries the arbiter's swappable collaborators. Zero fields
// get production defaults.
type ArbiterConfig struct {
	Clock     Clock
	Spawner   Spawner
	Log       logrus.FieldLogger
	Hooks     *HookRegistry
	Callbacks *StreamCallbackRegistry
	BusBuffer int

	// ReloadSnapshot re-reads the configuration source. Wired by the main
	// command so SIGHUP and --watch-config can diff-reload.
	ReloadSnapshot func() (Snapshot, error)
}

// Arbiter owns every watcher and serializes all mutations through a single
// event loop. Timers, reaped children, and control commands all funnel into
// the ops channel; nothing else touches watcher state.
type Arbiter struct {
	opts      GlobalOptions
	clock     Clock
	spawner   Spawner
	log       logrus.FieldLogger
	bus       *Bus
	hookReg   *HookRegistry
	hooks     *hookRunner
	callbacks *StreamCallbackRegistry
	registrar *Registrar
	redirect  *redirector
	reload    func() (Snapshot, error)

	ops    chan func()
	doneCh chan struct{}

	// event-loop state
	watchers      map[string]*Watcher
	watcherSeq    int
	stopping      bool
	forced        bool
	started       time.Time
	tickTimer     Timer
	forceStop     Timer
	pluginErrored map[string]bool

	pendingSockets []SocketConfig

	pidlock *flock.Flock
	aux     []AuxService
	tree    *oversight.Tree
}

// NewArbiter builds an arbiter from a configuration snapshot. Sockets are not
// bound and no process is spawned until Run.
func NewArbiter(snap Snapshot, cfg ArbiterConfig) (*Arbiter, error) {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Spawner == nil {
		cfg.Spawner = ExecSpawner{}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = NewHookRegistry()
	}
	if cfg.Callbacks == nil {
		cfg.Callbacks = NewStreamCallbackRegistry()
	}
	opts := snap.Options
	if opts.CheckDelay == 0 {
		opts.CheckDelay = DefaultCheckDelay
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.PubsubEndpoint == "" {
		opts.PubsubEndpoint = DefaultPubsubEndpoint
	}
	if opts.StatsEndpoint != "" && !opts.Statsd {
		return nil, errBadArgument("stats_endpoint requires statsd to be enabled")
	}
	if opts.Statsd && opts.StatsEndpoint == "" {
		opts.StatsEndpoint = DefaultStatsEndpoint
	}
	log := cfg.Log
	a := &Arbiter{
		opts:          opts,
		clock:         cfg.Clock,
		spawner:       cfg.Spawner,
		log:           log,
		bus:           NewBus(log, cfg.BusBuffer),
		hookReg:       cfg.Hooks,
		hooks:         &hookRunner{registry: cfg.Hooks, log: log},
		callbacks:     cfg.Callbacks,
		registrar:     NewRegistrar(log),
		reload:        cfg.ReloadSnapshot,
		ops:           make(chan func(), opsBuffer),
		doneCh:        make(chan struct{}),
		watchers:      make(map[string]*Watcher),
		pluginErrored: make(map[string]bool),
	}
	a.redirect = &redirector{clock: a.clock, log: log}
	if err := a.registrarBindLater(snap.Sockets); err != nil {
		return nil, err
	}
	for _, w := range snap.Watchers {
		if _, err := a.newWatcher(w); err != nil {
			return nil, err
		}
	}
	for _, p := range snap.Plugins {
		if _, err := a.newWatcher(pluginWatcherOptions(p, a.opts)); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// registrarBindLater only records the socket declarations; binding happens in
// Run so a constructed-but-unrun arbiter holds no resources.
func (a *Arbiter) registrarBindLater(configs []SocketConfig) error {
	seen := map[string]bool{}
	for _, cfg := range configs {
		if cfg.Name == "" {
			return errBadArgument("socket without a name")
		}
		if seen[cfg.Name] {
			return errBadArgument("duplicate socket %q", cfg.Name)
		}
		seen[cfg.Name] = true
	}
	a.pendingSockets = configs
	return nil
}

// SetBroadcast installs a tee that receives every output line of every
// watcher with streams configured. Used by the dashboard.
func (a *Arbiter) SetBroadcast(fn func(StreamChunk)) { a.redirect.broadcast = fn }

// AddAuxService registers a companion service started by Run.
func (a *Arbiter) AddAuxService(s AuxService) { a.aux = append(a.aux, s) }

// Bus returns the event bus.
func (a *Arbiter) Bus() *Bus { return a.bus }

// Endpoint returns the control endpoint declaration.
func (a *Arbiter) Endpoint() string { return a.opts.Endpoint }

// GlobalOptions returns a copy of the arbiter-wide options.
func (a *Arbiter) GlobalOptions() GlobalOptions { return a.opts }

// Log returns the arbiter logger.
func (a *Arbiter) Log() logrus.FieldLogger { return a.log }

func (a *Arbiter) newWatcher(opts WatcherOptions) (*Watcher, error) {
	if _, ok := a.watchers[opts.Name]; ok {
		return nil, errBadArgument("duplicate watcher %q", opts.Name)
	}
	umask := -1
	if a.opts.Umask > 0 {
		umask = a.opts.Umask
	}
	if opts.WarmupDelay == 0 {
		opts.WarmupDelay = a.opts.WarmupDelay
	}
	w, err := NewWatcher(opts, watcherDeps{
		clock:     a.clock,
		spawner:   a.spawner,
		bus:       a.bus,
		hooks:     a.hooks,
		callbacks: a.callbacks,
		registrar: a.registrar,
		redirect:  a.redirect,
		log:       a.log,
		enqueue:   a.enqueue,
		endpoint:  a.opts.Endpoint,
		umask:     umask,
	})
	if err != nil {
		return nil, err
	}
	a.watcherSeq++
	w.seq = a.watcherSeq
	a.watchers[w.Name()] = w
	return w, nil
}

// pluginWatcherOptions renders a plugin declaration as an implicit singleton
// watcher. The plugin process finds the control and publish endpoints in its
// environment.
func pluginWatcherOptions(p PluginConfig, global GlobalOptions) WatcherOptions {
	env := map[string]string{
		"HERD_PLUGIN_NAME": p.Name,
	}
	if global.PubsubEndpoint != "" {
		env["HERD_PUBSUB_ENDPOINT"] = global.PubsubEndpoint
	}
	if p.LoopRate > 0 {
		// loop_rate is a multiplier of check_delay; the plugin host reads
		// the rendered cadence in seconds.
		every := time.Duration(p.LoopRate) * global.CheckDelay.Duration()
		env["HERD_PLUGIN_LOOP_RATE"] = strconv.Itoa(int(every / time.Second))
	}
	if len(p.Options) > 0 {
		if raw, err := json.Marshal(p.Options); err == nil {
			env["HERD_PLUGIN_CONFIG"] = string(raw)
		}
	}
	return WatcherOptions{
		Name:         "plugin:" + p.Name,
		Cmd:          p.Cmd,
		Args:         p.Args,
		NumProcesses: 1,
		Singleton:    true,
		CopyEnv:      true,
		Shell:        true,
		Env:          env,
	}
}

// Run boots the arbiter and blocks running the event loop until shutdown
// completes. Canceling ctx is equivalent to a quit command.
func (a *Arbiter) Run(ctx context.Context) error {
	if err := a.acquirePidFile(); err != nil {
		return err
	}
	defer a.releasePidFile()
	if err := a.registrar.Bind(a.pendingSockets); err != nil {
		return err
	}
	defer a.registrar.Close()
	defer close(a.doneCh)

	auxCtx, cancelAux := context.WithCancel(context.Background())
	defer cancelAux()
	a.startAuxServices(auxCtx)

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	a.started = a.clock.Now()
	a.publishGlobal(EventStarting)
	a.log.WithField("endpoint", a.opts.Endpoint).Info("arbiter starting")
	a.startAll()
	a.publishGlobal(EventStarted)
	a.scheduleTick()

	ctxDone := ctx.Done()
	for {
		select {
		case op := <-a.ops:
			a.runOp(op)
		case sig := <-sigCh:
			a.handleSignal(sig)
		case <-ctxDone:
			ctxDone = nil
			a.beginShutdown()
		}
		if a.stopping && a.allStopped() {
			a.finishShutdown()
			return nil
		}
	}
}

func (a *Arbiter) startAuxServices(ctx context.Context) {
	if len(a.aux) == 0 {
		return
	}
	specs := make([]oversight.ChildProcessSpecification, 0, len(a.aux))
	for _, svc := range a.aux {
		svc := svc
		specs = append(specs, oversight.ChildProcessSpecification{
			Name:    svc.Name(),
			Restart: oversight.Permanent(),
			Start:   svc.Serve,
		})
	}
	a.tree = oversight.New(
		oversight.NeverHalt(),
		oversight.WithLogger(a.log),
		oversight.Process(specs...),
	)
	go func() {
		if err := a.tree.Start(ctx); err != nil && ctx.Err() == nil {
			a.log.WithError(err).Error("auxiliary services halted")
		}
	}()
}

func (a *Arbiter) acquirePidFile() error {
	if a.opts.PidFile == "" {
		return nil
	}
	a.pidlock = flock.New(a.opts.PidFile)
	locked, err := a.pidlock.TryLock()
	if err != nil {
		return fmt.Errorf("cannot lock pidfile: %w", err)
	}
	if !locked {
		return fmt.Errorf("pidfile %v is held by another instance", a.opts.PidFile)
	}
	fd, err := os.OpenFile(a.opts.PidFile, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer fd.Close()
	_, err = fmt.Fprintf(fd, "%d\n", os.Getpid())
	return err
}

func (a *Arbiter) releasePidFile() {
	if a.pidlock == nil {
		return
	}
	_ = a.pidlock.Unlock()
	_ = os.Remove(a.opts.PidFile)
	a.pidlock = nil
}

func (a *Arbiter) publishGlobal(kind string) {
	a.bus.Publish(kind, map[string]any{
		"time": float64(a.clock.Now().UnixNano()) / 1e9,
	})
}

// enqueue hands f to the event loop. Used by timers and wait goroutines; it
// drops the op when the loop has already exited.
func (a *Arbiter) enqueue(f func()) {
	select {
	case a.ops <- f:
	case <-a.doneCh:
	}
}

// runOp executes one loop operation, containing panics so a buggy hook or a
// broken reconciliation step cannot take down the supervisor and orphan its
// children.
func (a *Arbiter) runOp(op func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.WithField("panic", r).Error("event loop operation panicked")
			a.bus.Publish(ReasonInternal, map[string]any{
				"time":  float64(a.clock.Now().UnixNano()) / 1e9,
				"error": fmt.Sprint(r),
			})
		}
	}()
	op()
}

// Do runs f on the event loop and returns its result. It is the only entry
// point for the controller and other goroutines; the default deadline bounds
// both admission and execution.
func (a *Arbiter) Do(f func() (any, error)) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	deadline := time.NewTimer(DefaultCommandTimeout)
	defer deadline.Stop()
	op := func() {
		v, err := f()
		ch <- result{v, err}
	}
	select {
	case a.ops <- op:
	case <-a.doneCh:
		return nil, &CommandError{Reason: ReasonNotRunning, Message: "arbiter stopped"}
	case <-deadline.C:
		return nil, &CommandError{Reason: ReasonTimeout}
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-a.doneCh:
		return nil, &CommandError{Reason: ReasonNotRunning, Message: "arbiter stopped"}
	case <-deadline.C:
		return nil, &CommandError{Reason: ReasonTimeout}
	}
}

func (a *Arbiter) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
		a.log.WithField("signal", sig).Info("shutdown requested")
		a.beginShutdown()
	case syscall.SIGHUP:
		a.reloadSnapshot()
	case syscall.SIGCHLD:
		// reaping happens in per-child wait goroutines; the signal is
		// just a wakeup
	}
}

func (a *Arbiter) reloadSnapshot() {
	if a.reload == nil {
		a.log.Warn("no configuration source, ignoring reload request")
		return
	}
	snap, err := a.reload()
	if err != nil {
		a.log.WithError(err).Error("cannot reload configuration")
		return
	}
	if err := a.ApplySnapshotLocked(snap); err != nil {
		a.log.WithError(err).Error("cannot apply configuration")
	}
}

// ApplySnapshot diffs snap against the running state from outside the loop.
func (a *Arbiter) ApplySnapshot(snap Snapshot) error {
	_, err := a.Do(func() (any, error) {
		return nil, a.ApplySnapshotLocked(snap)
	})
	return err
}

// ApplySnapshotLocked diffs snap against the running watcher set: added and
// modified watchers are applied first, in start order (priority descending),
// then removed watchers are stopped and dropped, reverse start order. Option
// changes are applied one by one, which triggers the usual reload semantics.
// Socket and global-option changes require a full restart and are only
// logged. Must run on the event loop.
func (a *Arbiter) ApplySnapshotLocked(snap Snapshot) error {
	desired := make([]WatcherOptions, 0, len(snap.Watchers)+len(snap.Plugins))
	desired = append(desired, snap.Watchers...)
	for _, p := range snap.Plugins {
		desired = append(desired, pluginWatcherOptions(p, a.opts))
	}
	keep := make(map[string]bool, len(desired))
	for _, o := range desired {
		keep[o.Name] = true
	}
	sort.SliceStable(desired, func(i, j int) bool {
		return desired[i].Priority > desired[j].Priority
	})
	for _, opts := range desired {
		w, ok := a.watchers[opts.Name]
		if !ok {
			nw, err := a.newWatcher(opts)
			if err != nil {
				return err
			}
			a.log.WithField("watcher", opts.Name).Info("watcher added from configuration")
			if !a.stopping && nw.Options().autostart() {
				if err := nw.Start(); err != nil {
					a.log.WithField("watcher", opts.Name).WithError(err).Error("cannot start new watcher")
				}
			}
			continue
		}
		if err := a.applyOptionDiff(w, opts); err != nil {
			return err
		}
	}
	removed := make([]*Watcher, 0)
	for name, w := range a.watchers {
		if !keep[name] {
			removed = append(removed, w)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		if removed[i].Priority() != removed[j].Priority() {
			return removed[i].Priority() < removed[j].Priority()
		}
		return removed[i].seq > removed[j].seq
	})
	for _, w := range removed {
		a.log.WithField("watcher", w.Name()).Info("watcher removed from configuration")
		if w.Status() != StatusStopped {
			if err := w.Stop(); err != nil {
				a.log.WithField("watcher", w.Name()).WithError(err).Warn("cannot stop removed watcher")
			}
		}
		delete(a.watchers, w.Name())
	}
	return nil
}

func (a *Arbiter) applyOptionDiff(w *Watcher, next WatcherOptions) error {
	if err := next.Normalize(); err != nil {
		return err
	}
	current := w.Options().All()
	for key, value := range next.All() {
		if cmpOptionEqual(current[key], value) {
			continue
		}
		if err := w.SetOption(key, value); err != nil {
			return err
		}
	}
	return nil
}

func cmpOptionEqual(a, b any) bool {
	return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
}

// startAll starts autostart watchers, highest priority first, spacing
// successive watcher starts by the global warmup_delay.
func (a *Arbiter) startAll() {
	a.startSpaced(a.sortedWatchers())
}

func (a *Arbiter) startSpaced(ws []*Watcher) {
	delay := a.opts.WarmupDelay.Duration()
	for i, w := range ws {
		if a.stopping {
			return
		}
		if !w.Options().autostart() || w.Status() != StatusStopped {
			continue
		}
		if err := w.Start(); err != nil {
			a.log.WithField("watcher", w.Name()).WithError(err).Error("cannot start watcher")
		}
		if delay > 0 && i+1 < len(ws) {
			rest := ws[i+1:]
			a.clock.AfterFunc(delay, func() {
				a.enqueue(func() { a.startSpaced(rest) })
			})
			return
		}
	}
}

// sortedWatchers returns the watchers in start order: priority descending,
// insertion order on ties.
func (a *Arbiter) sortedWatchers() []*Watcher {
	ws := make([]*Watcher, 0, len(a.watchers))
	for _, w := range a.watchers {
		ws = append(ws, w)
	}
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].Priority() != ws[j].Priority() {
			return ws[i].Priority() > ws[j].Priority()
		}
		return ws[i].seq < ws[j].seq
	})
	return ws
}

func (a *Arbiter) scheduleTick() {
	delay := a.opts.CheckDelay.Duration()
	a.tickTimer = a.clock.AfterFunc(delay, func() {
		a.enqueue(func() {
			a.tick()
			if !a.stopping {
				a.scheduleTick()
			}
		})
	})
}

// tick is the periodic safety net: it re-runs reconciliation on every
// watcher, reports plugin failures, and publishes the health beacon.
func (a *Arbiter) tick() {
	processes := 0
	for _, w := range a.watchers {
		w.reconcile()
		processes += len(w.procs)
		if len(w.Name()) > len("plugin:") && w.Name()[:len("plugin:")] == "plugin:" {
			a.checkPluginHealth(w)
		}
	}
	a.bus.Publish(TopicHealth, map[string]any{
		"time":      float64(a.clock.Now().UnixNano()) / 1e9,
		"uptime":    a.clock.Now().Sub(a.started).Seconds(),
		"watchers":  len(a.watchers),
		"processes": processes,
		"dropped":   a.bus.DroppedMessages(),
	})
}

func (a *Arbiter) checkPluginHealth(w *Watcher) {
	errored := w.Status() == StatusError
	if errored && !a.pluginErrored[w.Name()] {
		a.bus.Publish(TopicPluginError, map[string]any{
			"time":   float64(a.clock.Now().UnixNano()) / 1e9,
			"plugin": w.Name()[len("plugin:"):],
		})
	}
	a.pluginErrored[w.Name()] = errored
}

// beginShutdown stops every watcher, lowest priority first, and arms the
// forced-exit timer. Repeated calls are no-ops.
func (a *Arbiter) beginShutdown() {
	if a.stopping {
		return
	}
	a.stopping = true
	a.publishGlobal(EventStopping)
	a.log.Info("arbiter stopping")
	if a.tickTimer != nil {
		a.tickTimer.Stop()
		a.tickTimer = nil
	}
	ws := a.sortedWatchers()
	for i := len(ws) - 1; i >= 0; i-- {
		w := ws[i]
		if w.Status() == StatusStopped {
			continue
		}
		if err := w.Stop(); err != nil {
			a.log.WithField("watcher", w.Name()).WithError(err).Warn("cannot stop watcher")
		}
	}
	a.forceStop = a.clock.AfterFunc(a.shutdownDeadline(), func() {
		a.enqueue(func() {
			a.forced = true
			for _, w := range a.watchers {
				for _, p := range w.procsByWID() {
					_ = p.Send(syscall.SIGKILL)
				}
				w.status = StatusStopped
				w.procs = make(map[int]*Process)
			}
		})
	})
}

// shutdownDeadline allows the slowest watcher its full graceful phase plus a
// fixed grace.
func (a *Arbiter) shutdownDeadline() time.Duration {
	max := time.Duration(0)
	for _, w := range a.watchers {
		if d := w.Options().GracefulTimeout.Duration(); d > max {
			max = d
		}
	}
	return max + shutdownGrace
}

func (a *Arbiter) allStopped() bool {
	for _, w := range a.watchers {
		switch w.Status() {
		case StatusStopped, StatusError:
		default:
			return false
		}
	}
	return true
}

func (a *Arbiter) finishShutdown() {
	if a.forceStop != nil {
		a.forceStop.Stop()
		a.forceStop = nil
	}
	a.publishGlobal(EventStopped)
	a.log.Info("arbiter stopped")
}

// watcher resolves a name inside the event loop.
func (a *Arbiter) watcher(name string) (*Watcher, error) {
	w, ok := a.watchers[name]
	if !ok {
		return nil, errUnknownWatcher(name)
	}
	return w, nil
}

// AddWatcher registers a new watcher at runtime. Must run on the event loop.
func (a *Arbiter) AddWatcher(opts WatcherOptions, start bool) (*Watcher, error) {
	w, err := a.newWatcher(opts)
	if err != nil {
		return nil, err
	}
	if start {
		if err := w.Start(); err != nil {
			delete(a.watchers, w.Name())
			return nil, err
		}
	}
	return w, nil
}

// RemoveWatcher stops and forgets a watcher. Must run on the event loop.
func (a *Arbiter) RemoveWatcher(name string) error {
	w, err := a.watcher(name)
	if err != nil {
		return err
	}
	if w.Status() != StatusStopped && w.Status() != StatusError {
		if err := w.Stop(); err != nil {
			return err
		}
	}
	delete(a.watchers, name)
	return nil
}

// StatusAll renders the status of every watcher, start order.
func (a *Arbiter) StatusAll() []map[string]any {
	out := make([]map[string]any, 0, len(a.watchers))
	for _, w := range a.sortedWatchers() {
		out = append(out, w.StatusInfo())
	}
	return out
}

// StatsAll samples resource usage of every watcher, start order.
func (a *Arbiter) StatsAll() map[string]any {
	out := make(map[string]any, len(a.watchers))
	for _, w := range a.sortedWatchers() {
		out[w.Name()] = w.Stats()
	}
	return out
}

// ForcedShutdown reports whether the last shutdown had to SIGKILL
// stragglers past the graceful deadline. Valid after Run returns.
func (a *Arbiter) ForcedShutdown() bool { return a.forced }

// Uptime reports how long the arbiter has been running.
func (a *Arbiter) Uptime() time.Duration {
	if a.started.IsZero() {
		return 0
	}
	return a.clock.Now().Sub(a.started)
}
