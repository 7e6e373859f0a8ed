package extension

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"guildbot/internal/tenant"
	logx "guildbot/pkg/logx"
)

// startLoops runs after a loop unit's preconfig succeeds: spawn the
// initial task set and, for channel-scoped loops, the tracker.
func (r *Registry) startLoops(le *loadedExt, name string, lu LoopUnit) {
	ref := loopRef{unit: lu, opts: lu.LoopOptions().withDefaults()}

	le.mu.Lock()
	le.loops = append(le.loops, ref)
	le.mu.Unlock()

	if ref.opts.Global {
		r.spawnTask(le, name, ref, "", "")
		return
	}

	for _, tn := range r.client.Tenants() {
		r.registerTenant(le, name, ref, tn.ID)
	}

	if ref.opts.ChannelsKey != "" {
		le.wg.Add(1)
		go func() {
			defer le.wg.Done()
			r.runTracker(le, name, ref)
		}()
	}
}

// RegisterTenantTasks spawns the missing tasks for a tenant that just
// became known. Safe to call repeatedly; existing tasks are kept.
func (r *Registry) RegisterTenantTasks(tenantID string) {
	r.mu.Lock()
	type entry struct {
		le   *loadedExt
		name string
	}
	entries := make([]entry, 0, len(r.loaded))
	for name, le := range r.loaded {
		entries = append(entries, entry{le: le, name: name})
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.le.mu.Lock()
		refs := append([]loopRef(nil), e.le.loops...)
		e.le.mu.Unlock()
		for _, ref := range refs {
			if ref.opts.Global {
				continue
			}
			r.registerTenant(e.le, e.name, ref, tenantID)
		}
	}
}

func (r *Registry) registerTenant(le *loadedExt, name string, ref loopRef, tenantID string) {
	if ref.opts.ChannelsKey == "" {
		r.spawnTask(le, name, ref, tenantID, "")
		return
	}

	cfg, err := r.configs.Get(le.ctx, tenantID, tenant.GetOptions{})
	if err != nil {
		r.log.Error("loop registration config fetch failed",
			logx.String("extension", name), logx.Tenant(tenantID), logx.Err(err))
		return
	}
	channels, err := channelList(cfg, name, ref.opts.ChannelsKey)
	if err != nil {
		r.abandonTenant(le, name, tenantID, err)
		return
	}
	for _, cid := range channels {
		if _, ok := r.client.Channel(cid); !ok {
			continue
		}
		r.spawnTask(le, name, ref, tenantID, cid)
	}
}

// spawnTask starts one scheduled task unless an identical one is
// already tracked. Tasks remove themselves from the tracked set when
// they retire.
func (r *Registry) spawnTask(le *loadedExt, name string, ref loopRef, tenantID, channelID string) {
	key := ref.unit.Name() + "\x00" + tenantID + "\x00" + channelID

	le.mu.Lock()
	if le.ctx.Err() != nil {
		le.mu.Unlock()
		return
	}
	if _, ok := le.tasks[key]; ok {
		le.mu.Unlock()
		return
	}
	id := uuid.NewString()
	le.tasks[key] = id
	le.mu.Unlock()

	le.wg.Add(1)
	go func() {
		defer func() {
			le.mu.Lock()
			delete(le.tasks, key)
			le.mu.Unlock()
			le.wg.Done()
		}()
		r.runTask(le, name, ref, tenantID, channelID, id)
	}()
}

// runTask is the per-task loop. Cancellation is cooperative: the
// loaded/known checks happen at the top of each iteration, never
// mid-execute.
func (r *Registry) runTask(le *loadedExt, name string, ref loopRef, tenantID, channelID, taskID string) {
	ctx := le.ctx
	log := r.log.With(
		logx.String("extension", name),
		logx.String("unit", ref.unit.Name()),
		logx.String("task", taskID),
		logx.Tenant(tenantID))

	log.Debug("loop task started", logx.String("channel", channelID))
	defer log.Debug("loop task retired", logx.String("channel", channelID))

	if !ref.opts.RunOnStart {
		cfg := r.taskConfig(ctx, name, ref, tenantID)
		r.loopWait(ctx, log, name, ref, cfg, tenantID)
	}

	for ctx.Err() == nil {
		if !ref.opts.Global {
			if _, ok := r.client.Tenant(tenantID); !ok {
				return // tenant gone
			}
		}

		cfg := r.taskConfig(ctx, name, ref, tenantID)
		if cfg == nil && !ref.opts.Global {
			r.loopWait(ctx, log, name, ref, nil, tenantID)
			continue
		}

		if channelID != "" {
			channels, err := channelList(cfg, name, ref.opts.ChannelsKey)
			if err != nil || !slices.Contains(channels, channelID) {
				return // channel retired from config
			}
		}

		// Execute only while the tenant has the extension enabled;
		// otherwise keep waiting and re-checking.
		if ref.opts.Global || cfg.ExtensionEnabled(name) {
			err := r.safeCall("extension.execute."+name, func() error {
				return ref.unit.Execute(ctx, cfg, tenantID, channelID)
			})
			if err != nil && ctx.Err() == nil {
				log.Error("loop execute failed", logx.String("channel", channelID), logx.Err(err))
			}
		}

		r.loopWait(ctx, log, name, ref, cfg, tenantID)
	}
}

// taskConfig fetches a fresh config snapshot for the iteration. Global
// tasks run without one.
func (r *Registry) taskConfig(ctx context.Context, name string, ref loopRef, tenantID string) *tenant.Config {
	if ref.opts.Global {
		return nil
	}
	cfg, err := r.configs.Get(ctx, tenantID, tenant.GetOptions{})
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error("loop config fetch failed",
				logx.String("extension", name), logx.Tenant(tenantID), logx.Err(err))
		}
		return nil
	}
	return cfg
}

// loopWait runs the unit's wait; a failing wait is replaced by the
// fixed default backoff so a broken wait cannot spin the loop.
func (r *Registry) loopWait(ctx context.Context, log logx.Logger, name string, ref loopRef, cfg *tenant.Config, tenantID string) {
	err := r.safeCall("extension.wait."+name, func() error {
		return ref.unit.Wait(ctx, cfg, tenantID)
	})
	if err != nil && ctx.Err() == nil {
		log.Error("loop wait failed, falling back to default delay",
			logx.Duration("delay", ref.opts.DefaultWait), logx.Err(err))
		_ = Sleep(ctx, ref.opts.DefaultWait)
	}
}

// runTracker reconciles the channel-scoped task set against live
// config: spawn tasks for newly configured channels, let removed ones
// self-retire. It never force-cancels a task.
func (r *Registry) runTracker(le *loadedExt, name string, ref loopRef) {
	t := time.NewTicker(ref.opts.TrackerInterval)
	defer t.Stop()

	for {
		select {
		case <-le.ctx.Done():
			return
		case <-t.C:
		}

		for _, tn := range r.client.Tenants() {
			le.mu.Lock()
			_, skip := le.abandoned[tn.ID]
			le.mu.Unlock()
			if skip {
				continue
			}

			cfg, err := r.configs.Get(le.ctx, tn.ID, tenant.GetOptions{})
			if err != nil {
				continue
			}
			channels, err := channelList(cfg, name, ref.opts.ChannelsKey)
			if err != nil {
				r.abandonTenant(le, name, tn.ID, err)
				continue
			}
			for _, cid := range channels {
				if _, ok := r.client.Channel(cid); !ok {
					continue
				}
				r.spawnTask(le, name, ref, tn.ID, cid)
			}
		}
	}
}

// abandonTenant stops tracking a tenant whose channel list cannot be
// read, rather than guessing at its shape.
func (r *Registry) abandonTenant(le *loadedExt, name, tenantID string, err error) {
	le.mu.Lock()
	le.abandoned[tenantID] = struct{}{}
	le.mu.Unlock()
	r.log.Error("channel list unreadable, abandoning tracking for tenant",
		logx.String("extension", name), logx.Tenant(tenantID), logx.Err(err))
}

// channelList reads a loop's configured channel ids. A missing key is
// an empty list; a present value of the wrong shape is an error.
func channelList(cfg *tenant.Config, name, key string) ([]string, error) {
	if cfg == nil || cfg.ExtensionValue(name, key) == nil {
		return nil, nil
	}
	list, ok := cfg.StringList(name, key)
	if !ok {
		return nil, fmt.Errorf("config key %s.%s is not a list of channel ids", name, key)
	}
	return list, nil
}
