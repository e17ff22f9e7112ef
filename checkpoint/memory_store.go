package checkpoint

import (
	"context"
	"sync"

	"github.com/pratilipi/channel-client-go/channel"
)

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]int64),
	}
}

func (m *MemoryStore) Get(_ context.Context, ch channel.Channel, receiver string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offset, ok := m.data[m.key(ch, receiver)]
	return offset, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, ch channel.Channel, receiver string, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.key(ch, receiver)
	if current, ok := m.data[key]; ok && current > offset {
		return regression(ch, receiver, current, offset)
	}
	m.data[key] = offset
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ch channel.Channel, receiver string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, m.key(ch, receiver))
	return nil
}

func (m *MemoryStore) key(ch channel.Channel, receiver string) string {
	return channel.Key("mem", ch, receiver)
}
