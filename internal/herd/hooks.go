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

	"github.com/sirupsen/logrus"
)

// Lifecycle points at which user hooks run.
const (
	HookBeforeStart   = "before_start"
	HookAfterStart    = "after_start"
	HookBeforeSpawn   = "before_spawn"
	HookAfterSpawn    = "after_spawn"
	HookBeforeStop    = "before_stop"
	HookAfterStop     = "after_stop"
	HookBeforeSignal  = "before_signal"
	HookAfterReap     = "after_reap"
	HookExtendedStats = "extended_stats"
)

var hookNames = map[string]bool{
	HookBeforeStart:   true,
	HookAfterStart:    true,
	HookBeforeSpawn:   true,
	HookAfterSpawn:    true,
	HookBeforeStop:    true,
	HookAfterStop:     true,
	HookBeforeSignal:  true,
	HookAfterReap:     true,
	HookExtendedStats: true,
}

func knownHook(name string) bool { return hookNames[name] }

// HookContext is handed to every hook invocation.
type HookContext struct {
	Watcher string
	Hook    string
	Pid     int // zero when the hook is not process-scoped

	// Stats is filled by the watcher before extended_stats hooks and may
	// be extended in place by the hook.
	Stats map[string]any
}

// HookFunc is a user-provided callback bound to a lifecycle point. Hooks run
// synchronously on the event loop; long hooks block reconciliation.
type HookFunc func(HookContext) error

// HookRegistry resolves hook targets by name. Targets are registered before
// the arbiter starts; the registry is read-only afterwards.
type HookRegistry struct {
	funcs map[string]HookFunc
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{funcs: make(map[string]HookFunc)}
}

// Register binds a target name to fn.
func (r *HookRegistry) Register(target string, fn HookFunc) {
	r.funcs[target] = fn
}

func (r *HookRegistry) resolve(target string) (HookFunc, bool) {
	fn, ok := r.funcs[target]
	return fn, ok
}

// hookRunner invokes the hooks a watcher declared, honoring the fail-soft/
// fail-hard policy of each entry.
type hookRunner struct {
	registry *HookRegistry
	log      logrus.FieldLogger
}

// run invokes the hook bound to name, if any. It returns a hook_failed error
// iff the hook failed and its spec demands the surrounding transition to be
// aborted.
func (h *hookRunner) run(specs map[string]HookSpec, ctx HookContext) error {
	spec, ok := specs[ctx.Hook]
	if !ok {
		return nil
	}
	fn, ok := h.registry.resolve(spec.Target)
	if !ok {
		err := &CommandError{Reason: ReasonHookFailed, Message: "unresolved hook target " + spec.Target}
		if spec.IgnoreFailure {
			h.log.WithField("hook", ctx.Hook).Warn(err.Message)
			return nil
		}
		return err
	}
	if err := h.invoke(fn, ctx); err != nil {
		if spec.IgnoreFailure {
			h.log.WithField("hook", ctx.Hook).WithError(err).Warn("hook failed, ignored")
			return nil
		}
		return &CommandError{Reason: ReasonHookFailed, Message: ctx.Hook + ": " + err.Error()}
	}
	return nil
}

// invoke runs one user callback, containing panics so a buggy hook follows
// the same failure policy as a returned error.
func (h *hookRunner) invoke(fn HookFunc, ctx HookContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
