// Package testutil holds test doubles shared across packages.
package testutil

import (
	"errors"
	"sync"
)

// MockStorage implements storage.Store in memory.
type MockStorage struct {
	mu     sync.RWMutex
	values map[string][]byte
	sets   int

	// FailWrites makes Set and Delete fail.
	FailWrites bool
}

// NewMockStorage creates an empty store.
func NewMockStorage() *MockStorage {
	return &MockStorage{values: make(map[string][]byte)}
}

func (m *MockStorage) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MockStorage) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return errors.New("mock storage: write failed")
	}
	m.values[key] = append([]byte(nil), value...)
	m.sets++
	return nil
}

func (m *MockStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return errors.New("mock storage: write failed")
	}
	delete(m.values, key)
	return nil
}

// Sets returns how many successful writes happened.
func (m *MockStorage) Sets() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sets
}
