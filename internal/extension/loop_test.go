package extension

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"guildbot/internal/platform"
	"guildbot/internal/tenant"
)

// fakeLoop is a scriptable loop unit. Waits are short so tests turn
// iterations over quickly.
type fakeLoop struct {
	name    string
	opts    LoopOptions
	execute func(ctx context.Context, cfg *tenant.Config, tenantID, channelID string) error

	executes atomic.Int64
	waits    atomic.Int64
	waitErr  error
}

func (u *fakeLoop) Name() string                    { return u.name }
func (u *fakeLoop) Preconfig(context.Context) error { return nil }
func (u *fakeLoop) LoopOptions() LoopOptions        { return u.opts }
func (u *fakeLoop) Execute(ctx context.Context, cfg *tenant.Config, tenantID, channelID string) error {
	u.executes.Add(1)
	if u.execute != nil {
		return u.execute(ctx, cfg, tenantID, channelID)
	}
	return nil
}

func (u *fakeLoop) Wait(ctx context.Context, _ *tenant.Config, _ string) error {
	u.waits.Add(1)
	if u.waitErr != nil {
		return u.waitErr
	}
	return Sleep(ctx, 5*time.Millisecond)
}

func loopExt(name string, u *fakeLoop) *fakeExt {
	return &fakeExt{
		desc:   Descriptor{Name: name},
		schema: tenant.NewSchema().Add("channels", "list", "Channels", "", []string{}),
		units:  func(Deps) []Unit { return []Unit{u} },
	}
}

// enable writes a tenant document with the extension enabled and the
// given channel list.
func enable(t *testing.T, cache *tenant.Cache, tenantID, ext string, channels []string) {
	t.Helper()
	ctx := context.Background()
	cfg, err := cache.Get(ctx, tenantID, tenant.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !cfg.ExtensionEnabled(ext) {
		cfg.EnabledExtensions = append(cfg.EnabledExtensions, ext)
	}
	if channels != nil {
		vals := make([]any, len(channels))
		for i, c := range channels {
			vals[i] = c
		}
		if cfg.Extensions == nil {
			cfg.Extensions = map[string]map[string]tenant.ConfigEntry{}
		}
		block := cfg.Extensions[ext]
		if block == nil {
			block = map[string]tenant.ConfigEntry{}
			cfg.Extensions[ext] = block
		}
		e := block["channels"]
		e.Value = vals
		block["channels"] = e
	}
	if err := cache.Replace(ctx, tenantID, cfg); err != nil {
		t.Fatalf("Replace: %v", err)
	}
}

func TestTenantScopedLoopRuns(t *testing.T) {
	t.Parallel()
	reg, cache, client := newTestRuntime(t)
	client.AddTenant(platform.Tenant{ID: "t1"})

	u := &fakeLoop{name: "beat", opts: LoopOptions{RunOnStart: true, DefaultWait: 10 * time.Millisecond}}
	reg.Register(loopExt("beat", u))
	enable(t, cache, "t1", "beat", nil)

	if res := reg.Load("beat"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	reg.MarkReady()

	waitFor(t, "repeated executes", func() bool { return u.executes.Load() >= 3 })
}

func TestLoopEnabledGate(t *testing.T) {
	t.Parallel()
	reg, cache, client := newTestRuntime(t)
	client.AddTenant(platform.Tenant{ID: "t1"})

	u := &fakeLoop{name: "gated", opts: LoopOptions{RunOnStart: true, DefaultWait: 10 * time.Millisecond}}
	reg.Register(loopExt("gated", u))
	// Extension not in enabled_extensions: the task waits but never
	// executes.
	if res := reg.Load("gated"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	reg.MarkReady()

	waitFor(t, "loop iterations without execute", func() bool { return u.waits.Load() >= 3 })
	if got := u.executes.Load(); got != 0 {
		t.Fatalf("executes = %d, want 0 while disabled", got)
	}

	enable(t, cache, "t1", "gated", nil)
	waitFor(t, "executes after enabling", func() bool { return u.executes.Load() >= 1 })
}

func TestLoopExecuteErrorDoesNotStopLoop(t *testing.T) {
	t.Parallel()
	reg, cache, client := newTestRuntime(t)
	client.AddTenant(platform.Tenant{ID: "t1"})

	u := &fakeLoop{name: "wobbly", opts: LoopOptions{RunOnStart: true, DefaultWait: 10 * time.Millisecond}}
	u.execute = func(context.Context, *tenant.Config, string, string) error {
		if u.executes.Load()%2 == 1 {
			return errors.New("transient")
		}
		return nil
	}
	reg.Register(loopExt("wobbly", u))
	enable(t, cache, "t1", "wobbly", nil)

	if res := reg.Load("wobbly"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	reg.MarkReady()

	waitFor(t, "iterations past failures", func() bool { return u.executes.Load() >= 4 })
}

func TestLoopExecutePanicIsRecovered(t *testing.T) {
	t.Parallel()
	reg, cache, client := newTestRuntime(t)
	client.AddTenant(platform.Tenant{ID: "t1"})

	u := &fakeLoop{name: "volatile", opts: LoopOptions{RunOnStart: true, DefaultWait: 10 * time.Millisecond}}
	u.execute = func(context.Context, *tenant.Config, string, string) error {
		if u.executes.Load() == 1 {
			panic("first iteration")
		}
		return nil
	}
	reg.Register(loopExt("volatile", u))
	enable(t, cache, "t1", "volatile", nil)

	if res := reg.Load("volatile"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	reg.MarkReady()

	waitFor(t, "iterations past the panic", func() bool { return u.executes.Load() >= 3 })
}

func TestLoopWaitErrorUsesDefaultBackoff(t *testing.T) {
	t.Parallel()
	reg, cache, client := newTestRuntime(t)
	client.AddTenant(platform.Tenant{ID: "t1"})

	u := &fakeLoop{
		name:    "impatient",
		opts:    LoopOptions{RunOnStart: true, DefaultWait: 5 * time.Millisecond},
		waitErr: errors.New("wait broken"),
	}
	reg.Register(loopExt("impatient", u))
	enable(t, cache, "t1", "impatient", nil)

	if res := reg.Load("impatient"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	reg.MarkReady()

	// A broken wait must neither hang the loop nor spin it: the fixed
	// default delay keeps iterations coming.
	waitFor(t, "iterations despite failing wait", func() bool { return u.executes.Load() >= 3 })
}

func TestChannelScopedLoopAndRetirement(t *testing.T) {
	t.Parallel()
	reg, cache, client := newTestRuntime(t)
	client.AddTenant(platform.Tenant{ID: "t1"})
	client.AddChannel(platform.Channel{ID: "c1", TenantID: "t1"})
	client.AddChannel(platform.Channel{ID: "c2", TenantID: "t1"})

	var c1, c2 atomic.Int64
	u := &fakeLoop{
		name: "digest",
		opts: LoopOptions{
			RunOnStart:      true,
			DefaultWait:     10 * time.Millisecond,
			ChannelsKey:     "channels",
			TrackerInterval: 15 * time.Millisecond,
		},
	}
	u.execute = func(_ context.Context, _ *tenant.Config, _, channelID string) error {
		switch channelID {
		case "c1":
			c1.Add(1)
		case "c2":
			c2.Add(1)
		}
		return nil
	}
	reg.Register(loopExt("digest", u))
	enable(t, cache, "t1", "digest", []string{"c1"})

	if res := reg.Load("digest"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	reg.MarkReady()

	waitFor(t, "c1 task executing", func() bool { return c1.Load() >= 2 })
	if c2.Load() != 0 {
		t.Fatal("task spawned for unconfigured channel c2")
	}

	// The tracker picks up a newly configured channel.
	enable(t, cache, "t1", "digest", []string{"c1", "c2"})
	waitFor(t, "c2 task spawned by tracker", func() bool { return c2.Load() >= 1 })

	// Removing c1 from config retires its task within one iteration,
	// and the tracker spawns no replacement.
	enable(t, cache, "t1", "digest", []string{"c2"})
	waitFor(t, "c1 task to stop", func() bool {
		before := c1.Load()
		time.Sleep(60 * time.Millisecond)
		return c1.Load() == before
	})
	settled := c1.Load()
	time.Sleep(100 * time.Millisecond)
	if got := c1.Load(); got != settled {
		t.Fatalf("c1 executes kept growing after retirement (%d -> %d)", settled, got)
	}
}

func TestUnreadableChannelListAbandonsTracking(t *testing.T) {
	t.Parallel()
	reg, cache, client := newTestRuntime(t)
	client.AddTenant(platform.Tenant{ID: "t1"})
	client.AddChannel(platform.Channel{ID: "c1", TenantID: "t1"})

	u := &fakeLoop{
		name: "mangled",
		opts: LoopOptions{
			RunOnStart:      true,
			DefaultWait:     10 * time.Millisecond,
			ChannelsKey:     "channels",
			TrackerInterval: 15 * time.Millisecond,
		},
	}
	reg.Register(loopExt("mangled", u))

	// Write a channel list of the wrong shape.
	ctx := context.Background()
	cfg, err := cache.Get(ctx, "t1", tenant.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	cfg.EnabledExtensions = []string{"mangled"}
	cfg.Extensions = map[string]map[string]tenant.ConfigEntry{
		"mangled": {"channels": {Value: "not-a-list"}},
	}
	if err := cache.Replace(ctx, "t1", cfg); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	if res := reg.Load("mangled"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	reg.MarkReady()

	// No tasks should ever execute; the tracker abandons the tenant
	// instead of guessing.
	time.Sleep(150 * time.Millisecond)
	if got := u.executes.Load(); got != 0 {
		t.Fatalf("executes = %d, want 0 for unreadable channel list", got)
	}
}

func TestConcurrentTasksWriteScratchSpace(t *testing.T) {
	t.Parallel()
	reg, cache, client := newTestRuntime(t)
	tenants := []string{"t1", "t2", "t3", "t4"}
	for _, id := range tenants {
		client.AddTenant(platform.Tenant{ID: id})
	}

	// One task goroutine per tenant, all writing the shared scratch
	// space the way netmon records its last measurement.
	u := &fakeLoop{name: "tally", opts: LoopOptions{RunOnStart: true, DefaultWait: 5 * time.Millisecond}}
	var mem *Memory
	reg.Register(&fakeExt{
		desc:   Descriptor{Name: "tally"},
		schema: tenant.NewSchema(),
		units: func(deps Deps) []Unit {
			mem = deps.Memory
			return []Unit{u}
		},
	})
	u.execute = func(_ context.Context, _ *tenant.Config, tenantID, _ string) error {
		v, _ := mem.Get("runs:" + tenantID)
		n, _ := v.(int)
		mem.Set("runs:"+tenantID, n+1)
		return nil
	}
	for _, id := range tenants {
		enable(t, cache, id, "tally", nil)
	}

	if res := reg.Load("tally"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	reg.MarkReady()

	waitFor(t, "every tenant task writing scratch", func() bool {
		for _, id := range tenants {
			v, _ := mem.Get("runs:" + id)
			if n, _ := v.(int); n < 2 {
				return false
			}
		}
		return true
	})
	if got := mem.Len(); got != len(tenants) {
		t.Fatalf("scratch keys = %d, want %d", got, len(tenants))
	}
}

func TestGlobalLoopRunsWithoutTenants(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRuntime(t)

	u := &fakeLoop{name: "janitor", opts: LoopOptions{RunOnStart: true, DefaultWait: 10 * time.Millisecond, Global: true}}
	reg.Register(loopExt("janitor", u))

	if res := reg.Load("janitor"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	reg.MarkReady()

	waitFor(t, "global task executing", func() bool { return u.executes.Load() >= 2 })
}

func TestUnloadStopsTasks(t *testing.T) {
	t.Parallel()
	reg, cache, client := newTestRuntime(t)
	client.AddTenant(platform.Tenant{ID: "t1"})

	u := &fakeLoop{name: "mortal", opts: LoopOptions{RunOnStart: true, DefaultWait: 10 * time.Millisecond}}
	reg.Register(loopExt("mortal", u))
	enable(t, cache, "t1", "mortal", nil)

	if res := reg.Load("mortal"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	reg.MarkReady()
	waitFor(t, "task running", func() bool { return u.executes.Load() >= 1 })

	if res := reg.Unload("mortal"); !res.OK {
		t.Fatalf("Unload: %s", res.Message)
	}
	settled := u.executes.Load()
	time.Sleep(80 * time.Millisecond)
	if got := u.executes.Load(); got != settled {
		t.Fatalf("executes kept growing after unload (%d -> %d)", settled, got)
	}
}

func TestRegisterTenantTasksOnJoin(t *testing.T) {
	t.Parallel()
	reg, cache, client := newTestRuntime(t)

	u := &fakeLoop{name: "welcome", opts: LoopOptions{RunOnStart: true, DefaultWait: 10 * time.Millisecond}}
	reg.Register(loopExt("welcome", u))

	if res := reg.Load("welcome"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	reg.MarkReady()

	// No tenants known yet.
	time.Sleep(40 * time.Millisecond)
	if got := u.executes.Load(); got != 0 {
		t.Fatalf("executes = %d before any tenant joined", got)
	}

	client.AddTenant(platform.Tenant{ID: "t9"})
	enable(t, cache, "t9", "welcome", nil)
	reg.RegisterTenantTasks("t9")

	waitFor(t, "task for joined tenant", func() bool { return u.executes.Load() >= 1 })
}
