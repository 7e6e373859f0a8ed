package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"guildbot/internal/store"
	logx "guildbot/pkg/logx"
)

// ErrNoConfig is returned by Get when no document exists for the
// tenant and creation was not requested.
var ErrNoConfig = errors.New("tenant: no config document")

// Options tunes the cache. Zero values fall back to defaults.
type Options struct {
	// DefaultPrefix seeds command_prefix in synthesized documents.
	DefaultPrefix string
	// TTL bounds how long an entry stays cached (default 10m).
	TTL time.Duration
	// ResetInterval is the period of the full-invalidation loop
	// (default 15m).
	ResetInterval time.Duration
	// SlowWarnThreshold is how long a Get may take before a warning is
	// logged (default 1s).
	SlowWarnThreshold time.Duration
	// MaxEntries caps the number of cached documents (default 4096).
	MaxEntries int64
}

func (o Options) withDefaults() Options {
	if o.DefaultPrefix == "" {
		o.DefaultPrefix = "."
	}
	if o.TTL <= 0 {
		o.TTL = 10 * time.Minute
	}
	if o.ResetInterval <= 0 {
		o.ResetInterval = 15 * time.Minute
	}
	if o.SlowWarnThreshold <= 0 {
		o.SlowWarnThreshold = time.Second
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 4096
	}
	return o
}

// GetOptions modifies a single Get call. The zero value means "use the
// cache, create a default document when absent".
type GetOptions struct {
	// NoCreate skips default-document synthesis when the tenant has no
	// stored document; Get returns ErrNoConfig instead.
	NoCreate bool
	// SkipCache bypasses the in-process cache for this read.
	SkipCache bool
}

// Cache fronts the document store with an in-process TTL cache.
// Population on miss is single-flight per tenant, so concurrent misses
// for the same tenant cost one store round-trip and one creation at
// most. Misses for different tenants do not serialize against each
// other.
type Cache struct {
	opts  Options
	store store.Store // nil when persistence is disabled
	log   logx.Logger

	cache *ristretto.Cache[string, *Config]
	group singleflight.Group

	schemas *schemaSet
}

func NewCache(st store.Store, opts Options, log logx.Logger) (*Cache, error) {
	opts = opts.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	rc, err := ristretto.NewCache(&ristretto.Config[string, *Config]{
		NumCounters: opts.MaxEntries * 10,
		MaxCost:     opts.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Cache{
		opts:    opts,
		store:   st,
		log:     log,
		cache:   rc,
		schemas: newSchemaSet(),
	}, nil
}

func (c *Cache) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// RegisterSchema records an extension's declared config shape. Called
// by the registry at load time. Registrations are append-only: an
// unload never removes the schema, so documents that already grew the
// block keep it.
func (c *Cache) RegisterSchema(name string, s *Schema) {
	if s.Len() == 0 {
		return
	}
	c.schemas.put(name, s)
}

// Get returns the tenant's config document. Cached entries are
// returned as deep copies, so callers may mutate the result freely.
func (c *Cache) Get(ctx context.Context, tenantID string, opts GetOptions) (*Config, error) {
	start := time.Now()
	defer func() {
		if took := time.Since(start); took > c.opts.SlowWarnThreshold {
			c.log.Warn("tenant config fetch was slow",
				logx.Tenant(tenantID), logx.Duration("took", took))
		}
	}()

	if !opts.SkipCache {
		if cfg, ok := c.cache.Get(tenantID); ok {
			return cfg.Clone(), nil
		}
	}

	// Create and no-create misses fly separately so a status probe
	// cannot suppress a pending creation (and vice versa).
	key := tenantID
	if opts.NoCreate {
		key += "\x00nocreate"
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if !opts.SkipCache {
			if cfg, ok := c.cache.Get(tenantID); ok {
				return cfg, nil
			}
		}
		return c.populate(ctx, tenantID, opts.NoCreate)
	})
	if err != nil {
		return nil, err
	}
	cfg, ok := v.(*Config)
	if !ok || cfg == nil {
		return nil, ErrNoConfig
	}
	return cfg.Clone(), nil
}

// populate reads the store, synthesizing or schema-syncing the
// document as needed, and installs the result in the cache.
func (c *Cache) populate(ctx context.Context, tenantID string, noCreate bool) (*Config, error) {
	cfg, err := c.fetch(ctx, tenantID)
	switch {
	case err == nil:
		if c.syncSchemas(cfg) {
			c.persistReplace(ctx, tenantID, cfg)
		}
	case errors.Is(err, store.ErrNotFound):
		if noCreate {
			return nil, ErrNoConfig
		}
		cfg = c.newDefault(tenantID)
		c.persistInsert(ctx, tenantID, cfg)
	default:
		// Store unreachable or document unreadable. Degrade to an
		// in-memory default rather than failing the lookup; do not
		// persist over whatever is actually stored.
		c.log.Error("tenant config fetch failed, using in-memory defaults",
			logx.Tenant(tenantID), logx.Err(err))
		if noCreate {
			return nil, ErrNoConfig
		}
		cfg = c.newDefault(tenantID)
	}

	c.cache.SetWithTTL(tenantID, cfg, 1, c.opts.TTL)
	c.cache.Wait()
	return cfg, nil
}

func (c *Cache) fetch(ctx context.Context, tenantID string) (*Config, error) {
	if c.store == nil {
		return nil, store.ErrNotFound
	}
	doc, err := c.store.FindOne(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, err
	}
	if cfg.GuildID == "" {
		cfg.GuildID = tenantID
	}
	return &cfg, nil
}

// newDefault synthesizes a fresh document from every registered
// extension schema.
func (c *Cache) newDefault(tenantID string) *Config {
	cfg := &Config{
		GuildID:           tenantID,
		CommandPrefix:     c.opts.DefaultPrefix,
		PrivateChannels:   []string{},
		EnabledExtensions: []string{},
		Extensions:        map[string]map[string]ConfigEntry{},
	}
	c.schemas.each(func(name string, s *Schema) {
		cfg.Extensions[name] = s.Defaults()
	})
	return cfg
}

// syncSchemas appends extension blocks that were registered after the
// document was created. Existing blocks are never touched. Reports
// whether anything was added.
func (c *Cache) syncSchemas(cfg *Config) bool {
	if cfg.Extensions == nil {
		cfg.Extensions = map[string]map[string]ConfigEntry{}
	}
	changed := false
	c.schemas.each(func(name string, s *Schema) {
		if _, ok := cfg.Extensions[name]; !ok {
			cfg.Extensions[name] = s.Defaults()
			changed = true
		}
	})
	return changed
}

func (c *Cache) persistInsert(ctx context.Context, tenantID string, cfg *Config) {
	if c.store == nil {
		return
	}
	doc, err := json.Marshal(cfg)
	if err != nil {
		c.log.Error("tenant config marshal failed", logx.Tenant(tenantID), logx.Err(err))
		return
	}
	if err := c.store.InsertOne(ctx, tenantID, doc); err != nil {
		// The in-memory document still serves this process; the next
		// miss after cache expiry retries the insert.
		c.log.Error("tenant config insert failed, continuing in-memory",
			logx.Tenant(tenantID), logx.Err(err))
		return
	}
	c.log.Debug("created tenant config document", logx.Tenant(tenantID))
}

func (c *Cache) persistReplace(ctx context.Context, tenantID string, cfg *Config) {
	if c.store == nil {
		return
	}
	doc, err := json.Marshal(cfg)
	if err != nil {
		c.log.Error("tenant config marshal failed", logx.Tenant(tenantID), logx.Err(err))
		return
	}
	if err := c.store.ReplaceOne(ctx, tenantID, doc); err != nil {
		c.log.Error("tenant config schema sync write failed",
			logx.Tenant(tenantID), logx.Err(err))
		return
	}
	c.log.Debug("synced new extension blocks into tenant config", logx.Tenant(tenantID))
}

// Replace writes a document through to the store and drops the
// tenant's cache entry. Used by external config-editing surfaces.
func (c *Cache) Replace(ctx context.Context, tenantID string, cfg *Config) error {
	cfg.GuildID = tenantID
	doc, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.ReplaceOne(ctx, tenantID, doc); err != nil {
			return err
		}
	}
	c.Invalidate(tenantID)
	return nil
}

// Invalidate drops one tenant's cache entry.
func (c *Cache) Invalidate(tenantID string) {
	c.cache.Del(tenantID)
	c.cache.Wait()
}

// InvalidateAll clears the whole cache.
func (c *Cache) InvalidateAll() {
	c.cache.Clear()
	c.cache.Wait()
}

// ResetLoop periodically clears the cache until ctx is done. Run it
// under the supervisor.
func (c *Cache) ResetLoop(ctx context.Context) error {
	t := time.NewTicker(c.opts.ResetInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.InvalidateAll()
			c.log.Debug("tenant config cache reset")
		}
	}
}
