package notify

import (
	"context"
	"sync"
)

// MemoryRecords keeps the newest records per user in process memory.
type MemoryRecords struct {
	mu     sync.RWMutex
	perCap int
	byUser map[string][]*Record
}

func NewMemoryRecords(perUser int) *MemoryRecords {
	if perUser <= 0 {
		perUser = 200
	}
	return &MemoryRecords{perCap: perUser, byUser: make(map[string][]*Record)}
}

func (m *MemoryRecords) Save(_ context.Context, r *Record) error {
	cp := *r
	cp.Channels = make(map[Channel]ChannelResult, len(r.Channels))
	for k, v := range r.Channels {
		cp.Channels[k] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.byUser[r.UserID], &cp)
	if len(list) > m.perCap {
		list = list[len(list)-m.perCap:]
	}
	m.byUser[r.UserID] = list
	return nil
}

// ListByUser returns newest first.
func (m *MemoryRecords) ListByUser(_ context.Context, userID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byUser[userID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*Record, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}
