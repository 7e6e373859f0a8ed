package config

// Config is the bot's file configuration (JSON or YAML).
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Store      *StoreConfig     `json:"store,omitempty"`
	Cache      CacheConfig      `json:"cache"`
	Admin      AdminConfig      `json:"admin"`
	Pprof      PprofConfig      `json:"pprof,omitempty"`
	Extensions ExtensionsConfig `json:"extensions"`
}

type TelegramConfig struct {
	// Enabled selects the telegram adapter; when false the runtime
	// uses a static in-memory platform (dev mode).
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat relays warn+ log lines into a chat channel.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StoreConfig controls tenant-config persistence. Nil means disabled
// (in-memory defaults only).
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./guildbot.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CacheConfig tunes the tenant config cache. All durations are Go
// duration strings.
type CacheConfig struct {
	DefaultPrefix string `json:"default_prefix"`
	TTL           string `json:"ttl"`
	ResetInterval string `json:"reset_interval"`
	SlowWarn      string `json:"slow_warn"`
	MaxEntries    int64  `json:"max_entries,omitempty"`
}

// AdminConfig controls the HTTP admin surface.
//
// Security note: prefer binding to localhost.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8642"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// PprofConfig controls the optional debug/pprof listener. Toggleable
// at runtime via config reload.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}

// ExtensionsConfig controls which cataloged extensions the runtime
// touches at startup.
type ExtensionsConfig struct {
	// Disabled is the static deny-list: these never load, even on
	// explicit request.
	Disabled []string `json:"disabled,omitempty"`
	// Autoload names extensions to load at startup. Empty means every
	// cataloged extension.
	Autoload []string `json:"autoload,omitempty"`
}
