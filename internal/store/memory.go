package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process DocumentStore. Suitable for tests and ephemeral runs.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

// Put implements DocumentStore.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = Document{Key: key, Value: cp, UpdatedAt: time.Now().UTC()}
	return nil
}

// Get implements DocumentStore.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(d.Value))
	copy(cp, d.Value)
	return cp, nil
}

// List implements DocumentStore.
func (m *Memory) List(_ context.Context, prefix string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []Document
	for k, d := range m.docs {
		if strings.HasPrefix(k, prefix) {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
	return docs, nil
}

// Delete implements DocumentStore.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}

// Close implements DocumentStore.
func (m *Memory) Close() error { return nil }
