package platform

import (
	"context"
	"sort"
	"sync"
)

// Static is an in-memory Client. It backs storeless dev runs and is
// the fake of choice in runtime tests: tenants and channels can be
// added or removed at any time to simulate joins and deletions.
type Static struct {
	mu       sync.Mutex
	tenants  map[string]Tenant
	channels map[string]Channel
	sent     []SentMessage
}

// SentMessage records a Send call made against a Static client.
type SentMessage struct {
	ChannelID string
	Text      string
}

func NewStatic() *Static {
	return &Static{
		tenants:  map[string]Tenant{},
		channels: map[string]Channel{},
	}
}

func (s *Static) AddTenant(t Tenant) {
	s.mu.Lock()
	s.tenants[t.ID] = t
	s.mu.Unlock()
}

func (s *Static) RemoveTenant(id string) {
	s.mu.Lock()
	delete(s.tenants, id)
	for cid, ch := range s.channels {
		if ch.TenantID == id {
			delete(s.channels, cid)
		}
	}
	s.mu.Unlock()
}

func (s *Static) AddChannel(ch Channel) {
	s.mu.Lock()
	s.channels[ch.ID] = ch
	s.mu.Unlock()
}

func (s *Static) RemoveChannel(id string) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
}

func (s *Static) Tenants() []Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Static) Tenant(id string) (Tenant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	return t, ok
}

func (s *Static) Channel(id string) (Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	return ch, ok
}

func (s *Static) Send(_ context.Context, channelID, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, SentMessage{ChannelID: channelID, Text: text})
	s.mu.Unlock()
	return nil
}

// Sent returns a copy of all messages delivered so far.
func (s *Static) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}
