// Package platform defines the chat-platform boundary consumed by the
// extension runtime: tenant enumeration, channel resolution, and
// message delivery. Concrete backends live under internal/adapters.
package platform

import "context"

// Tenant is an isolated configuration/ownership boundary (one served
// community). The zero ID is never valid; DM-like contexts use
// NoTenant instead.
type Tenant struct {
	ID   string
	Name string
}

// NoTenant is the sentinel lookup key for contexts that have no
// tenant (direct messages).
const NoTenant = "dmcontext"

// Channel is a sub-resource nested under a tenant.
type Channel struct {
	ID       string
	TenantID string
	Name     string
}

// Client is the platform surface the runtime consumes. Implementations
// must be safe for concurrent use.
type Client interface {
	// Tenants returns the currently known tenants.
	Tenants() []Tenant
	// Tenant resolves a tenant id to a live tenant.
	Tenant(id string) (Tenant, bool)
	// Channel resolves a channel id to a live channel.
	Channel(id string) (Channel, bool)
	// Send delivers a text message to a channel.
	Send(ctx context.Context, channelID string, text string) error
}

// Sender is the minimal subset of Client needed by log relays.
type Sender interface {
	Send(ctx context.Context, channelID string, text string) error
}
