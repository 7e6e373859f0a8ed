package extension

import (
	"context"
	"errors"
	"testing"
	"time"

	"guildbot/internal/platform"
	"guildbot/internal/store"
	"guildbot/internal/tenant"
	logx "guildbot/pkg/logx"
)

// fakeExt is a scriptable extension for lifecycle tests.
type fakeExt struct {
	desc   Descriptor
	schema *tenant.Schema
	units  func(deps Deps) []Unit
}

func (f *fakeExt) Descriptor() Descriptor { return f.desc }
func (f *fakeExt) Schema() *tenant.Schema { return f.schema }
func (f *fakeExt) Units(deps Deps) []Unit { return f.units(deps) }

// fakeUnit is a plain (non-loop) unit.
type fakeUnit struct {
	name      string
	preconfig func(ctx context.Context) error
}

func (u *fakeUnit) Name() string { return u.name }
func (u *fakeUnit) Preconfig(ctx context.Context) error {
	if u.preconfig == nil {
		return nil
	}
	return u.preconfig(ctx)
}

func newTestRuntime(t *testing.T) (*Registry, *tenant.Cache, *platform.Static) {
	t.Helper()
	client := platform.NewStatic()
	cache, err := tenant.NewCache(store.NewMemory(), tenant.Options{}, logx.Nop())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(cache.Close)
	reg := NewRegistry(client, cache, logx.Nop())
	t.Cleanup(reg.Close)
	return reg, cache, client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLoadUnloadStatus(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRuntime(t)
	reg.MarkReady()

	ext := &fakeExt{
		desc:   Descriptor{Name: "greeter", Title: "Greeter"},
		schema: tenant.NewSchema().Add("greeting", "string", "Greeting", "", "hi"),
		units: func(Deps) []Unit {
			return []Unit{&fakeUnit{name: "greeter-main"}}
		},
	}
	reg.Register(ext)

	if got := reg.Status("greeter").Status; got != StatusUnloaded {
		t.Fatalf("status before load = %s, want unloaded", got)
	}

	res := reg.Load("greeter")
	if !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	if res := reg.Load("greeter"); res.OK {
		t.Fatal("second Load succeeded, want failure")
	}

	info := reg.Status("greeter")
	if info.Status != StatusLoaded {
		t.Fatalf("status after load = %s, want loaded", info.Status)
	}
	if len(info.Units) != 1 || info.Units[0] != "greeter-main" {
		t.Fatalf("units = %v", info.Units)
	}

	res = reg.Unload("greeter")
	if !res.OK {
		t.Fatalf("Unload: %s", res.Message)
	}
	if res := reg.Unload("greeter"); res.OK {
		t.Fatal("second Unload succeeded, want failure")
	}
	if got := reg.Status("greeter").Status; got != StatusUnloaded {
		t.Fatalf("status after unload = %s, want unloaded", got)
	}
}

func TestLoadDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRuntime(t)
	reg.Register(&fakeExt{
		desc:   Descriptor{Name: "poll"},
		schema: tenant.NewSchema(),
		units:  func(Deps) []Unit { return nil },
	})
	reg.SetDisabled([]string{"poll"})

	if res := reg.Load("poll"); res.OK {
		t.Fatal("Load of disabled extension succeeded")
	}
	if got := reg.Status("poll").Status; got != StatusDisabled {
		t.Fatalf("status = %s, want disabled", got)
	}
	if res := reg.Load("nope"); res.OK {
		t.Fatal("Load of unknown extension succeeded")
	}
}

func TestPreconfigFailureCascade(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRuntime(t)
	reg.MarkReady()

	reg.Register(&fakeExt{
		desc:   Descriptor{Name: "broken"},
		schema: tenant.NewSchema(),
		units: func(Deps) []Unit {
			return []Unit{&fakeUnit{
				name:      "broken-main",
				preconfig: func(context.Context) error { return errors.New("boom") },
			}}
		},
	})

	if res := reg.Load("broken"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	// Default flags: failed preconfig unloads the whole extension.
	waitFor(t, "extension to unload after preconfig failure", func() bool {
		return reg.Status("broken").Status == StatusUnloaded
	})
}

func TestPreconfigFailureKeepExtension(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRuntime(t)
	reg.MarkReady()

	reg.Register(&fakeExt{
		desc:   Descriptor{Name: "flaky", KeepExtensionOnFailure: true},
		schema: tenant.NewSchema(),
		units: func(Deps) []Unit {
			return []Unit{
				&fakeUnit{name: "good"},
				&fakeUnit{
					name:      "bad",
					preconfig: func(context.Context) error { return errors.New("boom") },
				},
			}
		},
	})

	if res := reg.Load("flaky"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	// The failing unit is removed; the extension stays loaded.
	waitFor(t, "failed unit removal", func() bool {
		info := reg.Status("flaky")
		return info.Status == StatusLoaded && len(info.Units) == 1 && info.Units[0] == "good"
	})
}

func TestPreconfigPanicIsRecovered(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRuntime(t)
	reg.MarkReady()

	reg.Register(&fakeExt{
		desc:   Descriptor{Name: "panicky"},
		schema: tenant.NewSchema(),
		units: func(Deps) []Unit {
			return []Unit{&fakeUnit{
				name:      "panicky-main",
				preconfig: func(context.Context) error { panic("no") },
			}}
		},
	})

	if res := reg.Load("panicky"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}
	waitFor(t, "panicking extension to unload", func() bool {
		return reg.Status("panicky").Status == StatusUnloaded
	})
}

func TestScratchMapIsolation(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRuntime(t)
	reg.MarkReady()

	mk := func(name string) *fakeExt {
		return &fakeExt{
			desc:   Descriptor{Name: name},
			schema: tenant.NewSchema(),
			units:  func(Deps) []Unit { return []Unit{&fakeUnit{name: name + "-main"}} },
		}
	}
	reg.Register(mk("a"), mk("b"))

	if res := reg.Load("a"); !res.OK {
		t.Fatalf("Load a: %s", res.Message)
	}
	if res := reg.Load("b"); !res.OK {
		t.Fatalf("Load b: %s", res.Message)
	}

	reg.Memory("a").Set("seen", 7)

	// Reloading b must not touch a's scratch space.
	if res := reg.Reload("b"); !res.OK {
		t.Fatalf("Reload b: %s", res.Message)
	}
	if got, _ := reg.Memory("a").Get("seen"); got != 7 {
		t.Fatalf("a's memory after b reload = %v, want 7", got)
	}

	// Reloading a wipes it.
	if res := reg.Reload("a"); !res.OK {
		t.Fatalf("Reload a: %s", res.Message)
	}
	if got, ok := reg.Memory("a").Get("seen"); ok {
		t.Fatalf("a's memory after own reload = %v, want empty", got)
	}
	if reg.Memory("unloaded") != nil {
		t.Fatal("Memory of unknown extension should be nil")
	}
}

func TestSchemaRegisteredOnLoad(t *testing.T) {
	t.Parallel()
	reg, cache, _ := newTestRuntime(t)
	reg.MarkReady()

	reg.Register(&fakeExt{
		desc:   Descriptor{Name: "poll"},
		schema: tenant.NewSchema().Add("enabled", "bool", "Enabled", "", true),
		units:  func(Deps) []Unit { return nil },
	})
	if res := reg.Load("poll"); !res.OK {
		t.Fatalf("Load: %s", res.Message)
	}

	cfg, err := cache.Get(context.Background(), "42", tenant.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.Extensions["poll"]["enabled"].Value != true {
		t.Fatalf("poll block missing from synthesized config: %+v", cfg.Extensions)
	}
}

func TestUnitsPanicFailsLoad(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRuntime(t)
	reg.Register(&fakeExt{
		desc:   Descriptor{Name: "explosive"},
		schema: tenant.NewSchema(),
		units:  func(Deps) []Unit { panic("at construction") },
	})

	res := reg.Load("explosive")
	if res.OK {
		t.Fatal("Load succeeded despite Units panic")
	}
	if got := reg.Status("explosive").Status; got != StatusUnloaded {
		t.Fatalf("status = %s, want unloaded", got)
	}
	// A failed load must not wedge the name.
	if res := reg.Load("explosive"); res.OK {
		t.Fatal("second Load of panicking extension succeeded")
	}
}
