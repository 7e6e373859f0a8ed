// Package netmon measures internet throughput per tenant on a
// recurring schedule and reports the results to the tenant's logging
// channel.
package netmon

import (
	"context"
	"fmt"
	"time"

	"guildbot/internal/extension"
	"guildbot/internal/platform"
	"guildbot/internal/tenant"
	logx "guildbot/pkg/logx"
)

const (
	defaultIntervalSec = 3600
	defaultThreshold   = 20.0
	defaultServerCount = 3
)

type Extension struct{}

func New() *Extension { return &Extension{} }

func (e *Extension) Descriptor() extension.Descriptor {
	return extension.Descriptor{
		Name:  "netmon",
		Title: "Network Monitor",
	}
}

func (e *Extension) Schema() *tenant.Schema {
	return tenant.NewSchema().
		Add("interval_seconds", "int", "Interval",
			"Seconds between measurements", defaultIntervalSec).
		Add("alert_threshold_mbps", "float", "Alert threshold",
			"Download speed below this many Mbps raises an alert", defaultThreshold).
		Add("server_count", "int", "Server candidates",
			"How many nearby servers to consider", defaultServerCount)
}

func (e *Extension) Units(deps extension.Deps) []extension.Unit {
	return []extension.Unit{&monitor{
		log:    deps.Log,
		client: deps.Client,
		mem:    deps.Memory,
	}}
}

// monitor is the per-tenant measurement loop.
type monitor struct {
	log    logx.Logger
	client platform.Client
	mem    *extension.Memory
}

func (m *monitor) Name() string { return "monitor" }

func (m *monitor) Preconfig(context.Context) error { return nil }

func (m *monitor) LoopOptions() extension.LoopOptions {
	return extension.LoopOptions{
		DefaultWait: 10 * time.Minute,
	}
}

func (m *monitor) Wait(ctx context.Context, cfg *tenant.Config, _ string) error {
	sec := cfg.IntValue("netmon", "interval_seconds", defaultIntervalSec)
	if sec <= 0 {
		return fmt.Errorf("interval_seconds must be positive, got %d", sec)
	}
	return extension.Sleep(ctx, time.Duration(sec)*time.Second)
}

func (m *monitor) Execute(ctx context.Context, cfg *tenant.Config, tenantID, _ string) error {
	res, err := m.measure(ctx, cfg.IntValue("netmon", "server_count", defaultServerCount))
	if err != nil {
		return fmt.Errorf("measurement: %w", err)
	}
	m.mem.Set("last:"+tenantID, res)

	threshold := cfg.FloatValue("netmon", "alert_threshold_mbps", defaultThreshold)
	m.log.Info("measurement completed",
		logx.Tenant(tenantID),
		logx.Float64("download_mbps", res.DownloadMbps),
		logx.Float64("upload_mbps", res.UploadMbps),
		logx.Float64("ping_ms", res.PingMs))

	if cfg.LoggingChannel == "" {
		return nil
	}
	msg := formatReport(res)
	if res.DownloadMbps < threshold {
		msg = fmt.Sprintf("⚠️ download below %.1f Mbps\n%s", threshold, msg)
	}
	if err := m.client.Send(ctx, cfg.LoggingChannel, msg); err != nil {
		m.log.Warn("report delivery failed", logx.Tenant(tenantID), logx.Err(err))
	}
	return nil
}

// LastResult returns the most recent measurement for a tenant, if any.
// Exposed through the extension's scratch space for other units and
// tests.
func LastResult(mem *extension.Memory, tenantID string) (*Result, bool) {
	v, _ := mem.Get("last:" + tenantID)
	r, ok := v.(*Result)
	return r, ok
}

func formatReport(r *Result) string {
	return fmt.Sprintf(
		"Network report (%s, %s)\n- down: %.1f Mbps\n- up: %.1f Mbps\n- ping: %.0f ms",
		r.ServerName, r.ServerCountry, r.DownloadMbps, r.UploadMbps, r.PingMs)
}
