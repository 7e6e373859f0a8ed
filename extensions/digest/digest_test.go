package digest

import (
	"context"
	"testing"
	"time"

	"guildbot/internal/extension"
	"guildbot/internal/platform"
	"guildbot/internal/tenant"
	logx "guildbot/pkg/logx"
)

func newPoster(t *testing.T) (*poster, *platform.Static) {
	t.Helper()
	client := platform.NewStatic()
	units := New().Units(extension.Deps{
		Log:    logx.Nop(),
		Client: client,
		Memory: extension.NewMemory(),
	})
	return units[0].(*poster), client
}

func docWith(values map[string]any) *tenant.Config {
	block := New().Schema().Defaults()
	for k, v := range values {
		e := block[k]
		e.Value = v
		block[k] = e
	}
	return &tenant.Config{
		GuildID:           "g1",
		EnabledExtensions: []string{"digest"},
		Extensions:        map[string]map[string]tenant.ConfigEntry{"digest": block},
	}
}

func TestExecutePostsAndCounts(t *testing.T) {
	t.Parallel()
	p, client := newPoster(t)
	cfg := docWith(map[string]any{"message": "good morning"})

	for i := 0; i < 2; i++ {
		if err := p.Execute(context.Background(), cfg, "g1", "c1"); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	sent := client.Sent()
	if len(sent) != 2 || sent[0].Text != "good morning" {
		t.Fatalf("sent = %+v", sent)
	}
	v, _ := p.mem.Get("sent:c1")
	if n, _ := v.(int); n != 2 {
		t.Fatalf("sent counter = %d, want 2", n)
	}
}

func TestWaitRejectsBadCron(t *testing.T) {
	t.Parallel()
	p, _ := newPoster(t)
	cfg := docWith(map[string]any{"cron": "every five minutes"})

	if err := p.Wait(context.Background(), cfg, "g1"); err == nil {
		t.Fatal("Wait accepted a malformed cron expression")
	}
}

func TestWaitHonorsCancel(t *testing.T) {
	t.Parallel()
	p, _ := newPoster(t)
	cfg := docWith(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	_ = p.Wait(ctx, cfg, "g1")
	if time.Since(start) > time.Second {
		t.Fatal("Wait did not return promptly on canceled context")
	}
}
