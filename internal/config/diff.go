package config

import (
	"reflect"
	"sort"
	"strings"

	logx "guildbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging. Secrets (the telegram token) are
// never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	// Store: nil means disabled.
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldCfg.Store != nil {
		oDriver = strings.TrimSpace(oldCfg.Store.Driver)
		oPathSet = strings.TrimSpace(oldCfg.Store.Path) != ""
	}
	if newCfg.Store != nil {
		nDriver = strings.TrimSpace(newCfg.Store.Driver)
		nPathSet = strings.TrimSpace(newCfg.Store.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", nDriver),
			logx.Bool("store.path_set", nPathSet),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.default_prefix", newCfg.Cache.DefaultPrefix),
			logx.String("cache.ttl", newCfg.Cache.TTL),
			logx.String("cache.reset_interval", newCfg.Cache.ResetInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Extensions, newCfg.Extensions) {
		changed = append(changed, "extensions")
		attrs = append(attrs,
			logx.Int("extensions.disabled_count", len(newCfg.Extensions.Disabled)),
			logx.Int("extensions.autoload_count", len(newCfg.Extensions.Autoload)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
