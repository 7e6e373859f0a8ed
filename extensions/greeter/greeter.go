// Package greeter announces the bot in each tenant's logging channel
// when the extension loads.
package greeter

import (
	"context"

	"guildbot/internal/extension"
	"guildbot/internal/platform"
	"guildbot/internal/tenant"
	logx "guildbot/pkg/logx"
)

const defaultGreeting = "guildbot is online."

type Extension struct{}

func New() *Extension { return &Extension{} }

func (e *Extension) Descriptor() extension.Descriptor {
	return extension.Descriptor{
		Name:  "greeter",
		Title: "Greeter",
		// A failed announcement is not worth unloading over.
		KeepExtensionOnFailure: true,
		KeepUnitOnFailure:      true,
	}
}

func (e *Extension) Schema() *tenant.Schema {
	return tenant.NewSchema().
		Add("greeting", "string", "Greeting",
			"Message announced when the bot comes online", defaultGreeting)
}

func (e *Extension) Units(deps extension.Deps) []extension.Unit {
	return []extension.Unit{&announcer{
		log:     deps.Log,
		client:  deps.Client,
		configs: deps.Configs,
	}}
}

type announcer struct {
	log     logx.Logger
	client  platform.Client
	configs *tenant.Cache
}

func (a *announcer) Name() string { return "announcer" }

// Preconfig greets every tenant that has the extension enabled and a
// logging channel configured. Best-effort per tenant; only a dead
// platform fails the unit.
func (a *announcer) Preconfig(ctx context.Context) error {
	for _, tn := range a.client.Tenants() {
		cfg, err := a.configs.Get(ctx, tn.ID, tenant.GetOptions{})
		if err != nil {
			a.log.Warn("config fetch failed", logx.Tenant(tn.ID), logx.Err(err))
			continue
		}
		if !cfg.ExtensionEnabled("greeter") || cfg.LoggingChannel == "" {
			continue
		}
		greeting := cfg.StringValue("greeter", "greeting", defaultGreeting)
		if err := a.client.Send(ctx, cfg.LoggingChannel, greeting); err != nil {
			a.log.Warn("greeting delivery failed", logx.Tenant(tn.ID), logx.Err(err))
		}
	}
	return ctx.Err()
}
