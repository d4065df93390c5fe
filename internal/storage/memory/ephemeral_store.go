package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

const defaultEphemeralTTL = 24 * time.Hour

type ephemeralEntry struct {
	value     []byte
	expiresAt time.Time
}

// EphemeralStore: in-memory key-value с TTL. Истёкшие ключи не видны при чтении
// и физически удаляются через DeleteExpired (см. ephemeral.CleanupWorker).
type EphemeralStore struct {
	mu    sync.RWMutex
	items map[string]ephemeralEntry
	now   func() time.Time
}

// NewEphemeralStore создаёт in-memory реализацию EphemeralStore.
func NewEphemeralStore() *EphemeralStore {
	return &EphemeralStore{
		items: make(map[string]ephemeralEntry),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет источник времени (используется в тестах).
func (s *EphemeralStore) WithClock(now func() time.Time) *EphemeralStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *EphemeralStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrEphemeralKeyRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = s.entryLocked(value, ttl)
	return nil
}

func (s *EphemeralStore) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, domain.ErrEphemeralKeyRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[key]; ok && existing.expiresAt.After(s.now()) {
		return false, nil
	}
	s.items[key] = s.entryLocked(value, ttl)
	return true, nil
}

func (s *EphemeralStore) Get(_ context.Context, key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrEphemeralKeyRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.items[key]
	if !ok || !entry.expiresAt.After(s.now()) {
		return nil, domain.ErrEphemeralKeyNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

func (s *EphemeralStore) Delete(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrEphemeralKeyRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

func (s *EphemeralStore) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.items {
		if entry.expiresAt.After(before) {
			continue
		}

		delete(s.items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}

	return removed, nil
}

// Len возвращает число хранимых ключей, включая ещё не удалённые истёкшие.
func (s *EphemeralStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *EphemeralStore) entryLocked(value []byte, ttl time.Duration) ephemeralEntry {
	if ttl <= 0 {
		ttl = defaultEphemeralTTL
	}
	return ephemeralEntry{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	}
}

var _ domain.EphemeralStore = (*EphemeralStore)(nil)
