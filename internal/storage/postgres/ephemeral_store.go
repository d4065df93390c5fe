package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

const defaultEphemeralTTL = 24 * time.Hour

// EphemeralStore хранит вспомогательные ключи с TTL в таблице ephemeral_keys.
type EphemeralStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewEphemeralStore создаёт PostgreSQL-реализацию EphemeralStore.
func NewEphemeralStore(store *Store) *EphemeralStore {
	return &EphemeralStore{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *EphemeralStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrEphemeralKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := s.now()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO ephemeral_keys (key, value, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at
	`, key, value, expiresAt(now, ttl), now); err != nil {
		return fmt.Errorf("put ephemeral key: %w", err)
	}
	return nil
}

// PutIfAbsent вставляет ключ или перезаписывает истёкший. Живой ключ не трогается.
func (s *EphemeralStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, domain.ErrEphemeralKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ephemeral_keys (key, value, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at
		WHERE ephemeral_keys.expires_at <= $4
	`, key, value, expiresAt(now, ttl), now)
	if err != nil {
		return false, fmt.Errorf("put ephemeral key if absent: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ephemeral rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *EphemeralStore) Get(ctx context.Context, key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrEphemeralKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM ephemeral_keys WHERE key = $1 AND expires_at > $2
	`, key, s.now()).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEphemeralKeyNotFound
		}
		return nil, fmt.Errorf("get ephemeral key: %w", err)
	}
	return value, nil
}

func (s *EphemeralStore) Delete(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrEphemeralKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM ephemeral_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete ephemeral key: %w", err)
	}
	return nil
}

func (s *EphemeralStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = s.now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM ephemeral_keys
			WHERE key IN (
				SELECT key
				FROM ephemeral_keys
				WHERE expires_at <= $1
				ORDER BY expires_at ASC
				LIMIT $2
			)
		`, before, limit)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM ephemeral_keys WHERE expires_at <= $1`, before)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired ephemeral keys: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ephemeral rows affected: %w", err)
	}
	return int(affected), nil
}

func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = defaultEphemeralTTL
	}
	return now.Add(ttl)
}

var _ domain.EphemeralStore = (*EphemeralStore)(nil)
