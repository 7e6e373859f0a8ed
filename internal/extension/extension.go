// Package extension manages pluggable feature units: their
// load/unload/failure lifecycle and the recurring per-tenant and
// per-channel loops they schedule.
package extension

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"guildbot/internal/platform"
	"guildbot/internal/tenant"
	logx "guildbot/pkg/logx"
)

// Result is the structured outcome of a lifecycle operation.
// Administrative callers never see raw errors, only this.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func okf(format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...)}
}

func failf(format string, args ...any) Result {
	return Result{OK: false, Message: fmt.Sprintf(format, args...)}
}

// Descriptor is an extension's static metadata.
type Descriptor struct {
	Name      string
	Title     string
	AdminOnly bool

	// KeepUnitOnFailure leaves a unit registered after its preconfig
	// fails. KeepExtensionOnFailure leaves the extension loaded. Both
	// default to false: a failed preconfig removes the unit and
	// unloads the extension.
	KeepUnitOnFailure      bool
	KeepExtensionOnFailure bool
}

// Deps is what a loaded extension gets to work with.
type Deps struct {
	Log     logx.Logger
	Client  platform.Client
	Configs *tenant.Cache

	// Memory is the extension's private scratch space. It survives
	// reloads of other extensions but is wiped when this extension
	// unloads.
	Memory *Memory
}

// Memory is an extension's scratch space. The scheduler runs one
// goroutine per loop task, so access is mutex-guarded.
type Memory struct {
	mu sync.Mutex
	m  map[string]any
}

func NewMemory() *Memory {
	return &Memory{m: map[string]any{}}
}

func (m *Memory) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	return v, ok
}

func (m *Memory) Set(key string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = v
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

// Extension is a loadable feature.
type Extension interface {
	Descriptor() Descriptor
	// Schema declares the extension's per-tenant config keys. May be
	// empty.
	Schema() *tenant.Schema
	// Units instantiates the extension's runtime units.
	Units(deps Deps) []Unit
}

// Unit is one running instance inside a loaded extension.
type Unit interface {
	Name() string
	// Preconfig runs once, asynchronously, after the runtime is ready.
	// A failure triggers lifecycle teardown per the descriptor flags.
	Preconfig(ctx context.Context) error
}

// LoopUnit is a unit whose work runs on a recurring schedule. After a
// successful preconfig the scheduler spawns one task per tenant, or
// per configured channel when ChannelsKey is set, or a single global
// task.
type LoopUnit interface {
	Unit
	LoopOptions() LoopOptions
	// Execute performs one unit of work. cfg is nil for global tasks;
	// channelID is empty for tenant-scoped tasks. Errors are logged
	// and do not stop the loop.
	Execute(ctx context.Context, cfg *tenant.Config, tenantID, channelID string) error
	// Wait suspends until the next cycle. Errors are logged and
	// replaced by the fixed DefaultWait backoff.
	Wait(ctx context.Context, cfg *tenant.Config, tenantID string) error
}

// LoopOptions tunes a loop unit's scheduling.
type LoopOptions struct {
	// RunOnStart skips the initial wait before the first execute.
	RunOnStart bool
	// DefaultWait is the fallback delay after a wait failure
	// (default 5m).
	DefaultWait time.Duration
	// ChannelsKey names the extension config key holding the channel
	// id list; when set, the loop is channel-scoped.
	ChannelsKey string
	// TrackerInterval is the reconciliation period for channel-scoped
	// loops (default 5m).
	TrackerInterval time.Duration
	// Global runs one task for the whole process instead of one per
	// tenant.
	Global bool
}

func (o LoopOptions) withDefaults() LoopOptions {
	if o.DefaultWait <= 0 {
		o.DefaultWait = 5 * time.Minute
	}
	if o.TrackerInterval <= 0 {
		o.TrackerInterval = 5 * time.Minute
	}
	return o
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WaitCron sleeps until the next occurrence of a standard 5-field cron
// expression.
func WaitCron(ctx context.Context, expr string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return Sleep(ctx, time.Until(sched.Next(time.Now())))
}
