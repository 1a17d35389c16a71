package slotcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hsematch/scheduling/internal/availability"
)

// DefaultTTL is how long an availability answer is reused.
const DefaultTTL = 5 * time.Minute

type memoryEntry struct {
	slots     []availability.Slot
	expiresAt time.Time
}

// Memory is a process-local availability cache.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemory creates an in-process cache; ttl <= 0 uses DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

// WithClock swaps the time source used for expiry.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]availability.Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	out := make([]availability.Slot, len(entry.slots))
	copy(out, entry.slots)
	return out, true
}

func (m *Memory) Set(_ context.Context, key string, slots []availability.Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{
		slots:     append([]availability.Slot{}, slots...),
		expiresAt: m.now().Add(m.ttl),
	}
}

// InvalidateProvider drops every key that contains providerID anywhere.
func (m *Memory) InvalidateProvider(_ context.Context, providerID string) {
	if providerID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.Contains(key, providerID) {
			delete(m.entries, key)
		}
	}
}

// Len reports the number of live and expired-but-unswept entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
