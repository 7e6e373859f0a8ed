// Package digest posts a recurring message into configured channels on
// a per-tenant cron schedule.
package digest

import (
	"context"
	"fmt"

	"guildbot/internal/extension"
	"guildbot/internal/platform"
	"guildbot/internal/tenant"
	logx "guildbot/pkg/logx"
)

const defaultCron = "0 9 * * *"

type Extension struct{}

func New() *Extension { return &Extension{} }

func (e *Extension) Descriptor() extension.Descriptor {
	return extension.Descriptor{
		Name:  "digest",
		Title: "Scheduled Digest",
	}
}

func (e *Extension) Schema() *tenant.Schema {
	return tenant.NewSchema().
		Add("channels", "list", "Channels",
			"Channel ids that receive the digest", []string{}).
		Add("cron", "string", "Schedule",
			"Standard 5-field cron expression", defaultCron).
		Add("message", "string", "Message",
			"Text posted on each run", "Daily digest")
}

func (e *Extension) Units(deps extension.Deps) []extension.Unit {
	return []extension.Unit{&poster{
		log:    deps.Log,
		client: deps.Client,
		mem:    deps.Memory,
	}}
}

// poster runs once per configured channel.
type poster struct {
	log    logx.Logger
	client platform.Client
	mem    *extension.Memory
}

func (p *poster) Name() string { return "poster" }

func (p *poster) Preconfig(context.Context) error { return nil }

func (p *poster) LoopOptions() extension.LoopOptions {
	return extension.LoopOptions{
		ChannelsKey: "channels",
	}
}

func (p *poster) Wait(ctx context.Context, cfg *tenant.Config, _ string) error {
	return extension.WaitCron(ctx, cfg.StringValue("digest", "cron", defaultCron))
}

func (p *poster) Execute(ctx context.Context, cfg *tenant.Config, tenantID, channelID string) error {
	msg := cfg.StringValue("digest", "message", "Daily digest")
	if err := p.client.Send(ctx, channelID, msg); err != nil {
		return fmt.Errorf("posting digest to %s: %w", channelID, err)
	}

	key := "sent:" + channelID
	v, _ := p.mem.Get(key)
	n, _ := v.(int)
	p.mem.Set(key, n+1)

	p.log.Debug("digest posted", logx.Tenant(tenantID),
		logx.String("channel", channelID), logx.Int("total", n+1))
	return nil
}
