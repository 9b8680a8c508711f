// Package keystoretest provides an in-memory keystore.Backup.
package keystoretest

import (
	"context"
	"sync"

	"popup/internal/keystore"
)

var _ keystore.Backup = (*MemoryBackup)(nil)

// MemoryBackup keeps key material in a map. LoadErr, when set, is returned
// by every Load.
type MemoryBackup struct {
	mu      sync.Mutex
	keys    map[string]string
	LoadErr error
}

// NewMemoryBackup creates an empty in-memory backup
func NewMemoryBackup() *MemoryBackup {
	return &MemoryBackup{keys: make(map[string]string)}
}

func (m *MemoryBackup) Save(_ context.Context, name, material string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[name] = material
	return nil
}

func (m *MemoryBackup) Load(_ context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return "", false, m.LoadErr
	}
	material, ok := m.keys[name]
	return material, ok, nil
}

func (m *MemoryBackup) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, name)
	return nil
}

func (m *MemoryBackup) Close() error { return nil }
