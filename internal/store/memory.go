package store

import (
	"context"
	"sync"
)

// Memory is a map-backed Store for tests and storeless dev runs.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte

	// FailInsert forces InsertOne to return this error; tests use it
	// to exercise the degraded in-memory path.
	FailInsert error
}

func NewMemory() *Memory {
	return &Memory{docs: map[string][]byte{}}
}

func (m *Memory) EnsureCollection(context.Context) error { return nil }

func (m *Memory) FindOne(_ context.Context, tenantID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (m *Memory) InsertOne(_ context.Context, tenantID string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailInsert != nil {
		return m.FailInsert
	}
	if _, ok := m.docs[tenantID]; ok {
		return ErrDuplicate
	}
	m.docs[tenantID] = append([]byte(nil), doc...)
	return nil
}

func (m *Memory) ReplaceOne(_ context.Context, tenantID string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[tenantID] = append([]byte(nil), doc...)
	return nil
}

func (m *Memory) Close() error { return nil }

// Len reports the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}
