package config

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Validate checks a parsed config before it is committed. It is the
// default validator installed on the Manager.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToUpper(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}

	if cfg.Store != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
		case "", "none", "memory":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(cfg.Store.Path) == "" {
				return fmt.Errorf("store.path is required for the sqlite driver")
			}
		default:
			return fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver)
		}
		if _, err := ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout); err != nil {
			return err
		}
	}

	for path, raw := range map[string]string{
		"cache.ttl":            cfg.Cache.TTL,
		"cache.reset_interval": cfg.Cache.ResetInterval,
		"cache.slow_warn":      cfg.Cache.SlowWarn,
		"admin.read_timeout":   cfg.Admin.ReadTimeout,
		"admin.write_timeout":  cfg.Admin.WriteTimeout,
		"admin.idle_timeout":   cfg.Admin.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if cfg.Pprof.BlockProfileRate < 0 {
		return fmt.Errorf("pprof.block_profile_rate must be >= 0")
	}
	if cfg.Pprof.MutexProfileFraction < 0 {
		return fmt.Errorf("pprof.mutex_profile_fraction must be >= 0")
	}

	for _, name := range cfg.Extensions.Autoload {
		if slices.Contains(cfg.Extensions.Disabled, name) {
			return fmt.Errorf("extensions: %q is both autoloaded and disabled", name)
		}
	}
	return nil
}
