// Package store persists tenant configuration documents. Documents are
// opaque JSON blobs keyed by tenant id; schema knowledge lives with the
// caller (internal/tenant).
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "guildbot/pkg/logx"
)

var (
	// ErrNotFound is returned by FindOne when no document exists for
	// the tenant.
	ErrNotFound = errors.New("store: document not found")

	// ErrDuplicate is returned by InsertOne when a document already
	// exists for the tenant.
	ErrDuplicate = errors.New("store: document already exists")
)

// Store is the document persistence API used by the tenant config
// cache. Implementations must be safe for concurrent use.
type Store interface {
	// EnsureCollection creates the backing collection/table if it does
	// not exist yet. Called once at startup.
	EnsureCollection(ctx context.Context) error
	// FindOne returns the raw JSON document for a tenant, or
	// ErrNotFound.
	FindOne(ctx context.Context, tenantID string) ([]byte, error)
	// InsertOne stores a new document. Fails with ErrDuplicate if one
	// already exists for the tenant.
	InsertOne(ctx context.Context, tenantID string, doc []byte) error
	// ReplaceOne overwrites the document for a tenant, creating it if
	// absent.
	ReplaceOne(ctx context.Context, tenantID string, doc []byte) error
	Close() error
}

// Config configures the store backend.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": process-local map, lost on restart
//
// If Driver is empty or "none", Open returns (nil, nil) and the
// runtime degrades to in-memory defaults only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
// It returns (nil, nil) if the store is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
