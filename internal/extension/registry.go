package extension

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"guildbot/internal/platform"
	"guildbot/internal/tenant"
	logx "guildbot/pkg/logx"
)

// Status of a registered extension.
type Status string

const (
	StatusUnloaded Status = "unloaded"
	StatusDisabled Status = "disabled"
	StatusLoaded   Status = "loaded"
)

// StatusInfo is the reportable state of one extension.
type StatusInfo struct {
	Name      string   `json:"name"`
	Title     string   `json:"title,omitempty"`
	Status    Status   `json:"status"`
	AdminOnly bool     `json:"admin_only,omitempty"`
	Units     []string `json:"units,omitempty"`
}

const stopTimeout = 5 * time.Second

// Registry tracks which extensions are loaded, their units, and their
// scratch maps. It owns the loop scheduler. Construct one per runtime;
// it is not a singleton.
type Registry struct {
	log     logx.Logger
	client  platform.Client
	configs *tenant.Cache

	mu       sync.Mutex
	catalog  map[string]Extension
	disabled map[string]struct{}
	loaded   map[string]*loadedExt
	memory   map[string]*Memory

	// Internal, long-lived base context for all extension contexts.
	// Bound to the app context once via BindContext.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	// Preconfig runs are parked here until the runtime is ready.
	ready     chan struct{}
	readyOnce sync.Once
}

// loadedExt is the runtime state of one loaded extension.
type loadedExt struct {
	ext    Extension
	desc   Descriptor
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	units []Unit
	loops []loopRef
	tasks map[string]string // task key -> task id
	// tenants whose channel list turned out unreadable; the tracker
	// stops touching them
	abandoned map[string]struct{}

	wg sync.WaitGroup
}

type loopRef struct {
	unit LoopUnit
	opts LoopOptions
}

func NewRegistry(client platform.Client, configs *tenant.Cache, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Registry{
		log:        log,
		client:     client,
		configs:    configs,
		catalog:    map[string]Extension{},
		disabled:   map[string]struct{}{},
		loaded:     map[string]*loadedExt{},
		memory:     map[string]*Memory{},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		ready:      make(chan struct{}),
	}
}

// Register adds extensions to the catalog. Registering does not load.
func (r *Registry) Register(exts ...Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range exts {
		r.catalog[e.Descriptor().Name] = e
	}
}

// SetDisabled installs the static deny-list.
func (r *Registry) SetDisabled(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = make(map[string]struct{}, len(names))
	for _, n := range names {
		r.disabled[n] = struct{}{}
	}
}

// BindContext ties the registry's base context to the app context.
// First non-nil bind wins.
func (r *Registry) BindContext(appCtx context.Context) {
	r.mu.Lock()
	if r.bound || appCtx == nil {
		r.mu.Unlock()
		return
	}
	r.bound = true
	baseCancel := r.baseCancel
	r.mu.Unlock()

	go func() {
		<-appCtx.Done()
		baseCancel()
	}()
}

// MarkReady releases parked preconfig runs. Call once the platform
// client is connected.
func (r *Registry) MarkReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// Known reports whether the name is in the catalog.
func (r *Registry) Known(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.catalog[name]
	return ok
}

// Memory returns the extension's scratch space, or nil when not loaded.
func (r *Registry) Memory(name string) *Memory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memory[name]
}

// Load instantiates an extension's units, registers its config
// schema, and schedules preconfig. Never panics to the caller.
func (r *Registry) Load(name string) Result {
	r.mu.Lock()
	if _, ok := r.disabled[name]; ok {
		r.mu.Unlock()
		return failf("extension %s is disabled", name)
	}
	if _, ok := r.loaded[name]; ok {
		r.mu.Unlock()
		return failf("extension %s is already loaded", name)
	}
	ext, ok := r.catalog[name]
	if !ok {
		r.mu.Unlock()
		return failf("unknown extension %s", name)
	}

	ectx, cancel := context.WithCancel(r.baseCtx)
	mem := NewMemory()
	le := &loadedExt{
		ext:       ext,
		desc:      ext.Descriptor(),
		ctx:       ectx,
		cancel:    cancel,
		tasks:     map[string]string{},
		abandoned: map[string]struct{}{},
	}
	r.loaded[name] = le
	r.memory[name] = mem
	r.mu.Unlock()

	deps := Deps{
		Log:     r.log.With(logx.String("extension", name)),
		Client:  r.client,
		Configs: r.configs,
		Memory:  mem,
	}

	var units []Unit
	if err := r.safeCall("extension.units."+name, func() error {
		units = ext.Units(deps)
		return nil
	}); err != nil {
		r.forget(name)
		cancel()
		return failf("extension %s failed to construct units: %v", name, err)
	}

	if s := ext.Schema(); s.Len() > 0 && r.configs != nil {
		r.configs.RegisterSchema(name, s)
	}

	le.mu.Lock()
	le.units = units
	le.mu.Unlock()

	for _, u := range units {
		u := u
		go r.runPreconfig(le, name, u)
	}

	r.log.Info("extension loaded", logx.String("extension", name), logx.Int("units", len(units)))
	return okf("loaded extension %s", name)
}

// Unload cancels the extension's context, waits briefly for its tasks
// to retire, and removes its status and scratch map. Config keys the
// extension added to tenant documents stay.
func (r *Registry) Unload(name string) Result {
	r.mu.Lock()
	le, ok := r.loaded[name]
	r.mu.Unlock()
	if !ok {
		return failf("extension %s is not loaded", name)
	}

	le.cancel()

	done := make(chan struct{})
	go func() {
		le.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		r.log.Warn("extension tasks did not retire in time (continuing)",
			logx.String("extension", name))
	}

	r.forget(name)
	r.log.Info("extension unloaded", logx.String("extension", name))
	return okf("unloaded extension %s", name)
}

// Reload is unload-then-load, best-effort: whichever step fails
// surfaces its result.
func (r *Registry) Reload(name string) Result {
	r.mu.Lock()
	_, isLoaded := r.loaded[name]
	r.mu.Unlock()

	if isLoaded {
		if res := r.Unload(name); !res.OK {
			return res
		}
	}
	return r.Load(name)
}

// Status reports one extension's state.
func (r *Registry) Status(name string) StatusInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked(name)
}

// StatusAll reports every cataloged extension, sorted by name.
func (r *Registry) StatusAll() []StatusInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.catalog))
	for n := range r.catalog {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]StatusInfo, 0, len(names))
	for _, n := range names {
		out = append(out, r.statusLocked(n))
	}
	return out
}

func (r *Registry) statusLocked(name string) StatusInfo {
	info := StatusInfo{Name: name, Status: StatusUnloaded}
	if ext, ok := r.catalog[name]; ok {
		d := ext.Descriptor()
		info.Title = d.Title
		info.AdminOnly = d.AdminOnly
	}
	if _, ok := r.disabled[name]; ok {
		info.Status = StatusDisabled
		return info
	}
	if le, ok := r.loaded[name]; ok {
		info.Status = StatusLoaded
		le.mu.Lock()
		for _, u := range le.units {
			info.Units = append(info.Units, u.Name())
		}
		le.mu.Unlock()
	}
	return info
}

// Close tears down every loaded extension.
func (r *Registry) Close() {
	r.mu.Lock()
	names := make([]string, 0, len(r.loaded))
	for n := range r.loaded {
		names = append(names, n)
	}
	r.mu.Unlock()
	for _, n := range names {
		_ = r.Unload(n)
	}
	r.baseCancel()
}

func (r *Registry) forget(name string) {
	r.mu.Lock()
	delete(r.loaded, name)
	delete(r.memory, name)
	r.mu.Unlock()
}

func (r *Registry) isLoaded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loaded[name]
	return ok
}

// runPreconfig parks until the runtime is ready, runs the unit's
// preconfig, and on failure tears down per the descriptor flags.
func (r *Registry) runPreconfig(le *loadedExt, name string, u Unit) {
	select {
	case <-le.ctx.Done():
		return
	case <-r.ready:
	}

	err := r.safeCall("extension.preconfig."+name+"."+u.Name(), func() error {
		return u.Preconfig(le.ctx)
	})
	if err == nil {
		if lu, ok := u.(LoopUnit); ok {
			r.startLoops(le, name, lu)
		}
		return
	}
	if le.ctx.Err() != nil {
		return
	}

	r.log.Error("extension preconfig failed",
		logx.String("extension", name),
		logx.String("unit", u.Name()),
		logx.Err(err))

	if !le.desc.KeepUnitOnFailure {
		le.mu.Lock()
		for i, other := range le.units {
			if other == u {
				le.units = append(le.units[:i], le.units[i+1:]...)
				break
			}
		}
		le.mu.Unlock()
	}
	if !le.desc.KeepExtensionOnFailure {
		_ = r.Unload(name)
	}
}

func (r *Registry) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in extension call",
				logx.String("call", label),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", label, rec)
		}
	}()
	return fn()
}
