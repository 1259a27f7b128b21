package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"casedesk/api/internal/util"
)

// PostgresManager keeps locks in the resource_locks table. The uniqueness
// constraint on (resource_type, resource_id) is the arbiter; every query
// treats rows past expires_at as absent.
type PostgresManager struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresManager returns a Postgres-backed lock manager.
func NewPostgresManager(db *sql.DB, ttl time.Duration) *PostgresManager {
	return &PostgresManager{db: db, ttl: ttl}
}

const lockColumns = `id, resource_type, resource_id, locked_by, locked_by_name, locked_at, expires_at, last_heartbeat`

func scanLock(row *sql.Row) (Lock, error) {
	var current Lock
	err := row.Scan(
		&current.ID, &current.ResourceType, &current.ResourceID,
		&current.LockedBy, &current.LockedByName,
		&current.LockedAt, &current.ExpiresAt, &current.LastHeartbeat,
	)
	return current, err
}

func (m *PostgresManager) Acquire(ctx context.Context, resourceType, resourceID, userID, userName string) (Lock, error) {
	// Clear any expired claim first so the insert below can win the row.
	if _, err := m.db.ExecContext(ctx, `
		DELETE FROM resource_locks
		WHERE resource_type=$1 AND resource_id=$2 AND expires_at <= NOW()
	`, resourceType, resourceID); err != nil {
		return Lock{}, fmt.Errorf("clear expired lock: %w", err)
	}

	row := m.db.QueryRowContext(ctx, `
		INSERT INTO resource_locks (id, resource_type, resource_id, locked_by, locked_by_name, locked_at, expires_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW() + make_interval(secs => $6), NOW())
		ON CONFLICT (resource_type, resource_id) DO NOTHING
		RETURNING `+lockColumns,
		util.NewID("lck"), resourceType, resourceID, userID, userName, m.ttl.Seconds(),
	)
	created, err := scanLock(row)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Lock{}, fmt.Errorf("acquire lock: %w", err)
	}

	existing, err := m.Get(ctx, resourceType, resourceID)
	if err != nil {
		return Lock{}, err
	}
	if existing == nil {
		// The conflicting row expired between the insert and the read.
		return Lock{}, &ConflictError{Holder: Lock{ResourceType: resourceType, ResourceID: resourceID}}
	}
	if existing.LockedBy == userID {
		return *existing, nil
	}
	return Lock{}, &ConflictError{Holder: *existing}
}

func (m *PostgresManager) Heartbeat(ctx context.Context, lockID, userID string) (Lock, error) {
	row := m.db.QueryRowContext(ctx, `
		UPDATE resource_locks
		SET expires_at = NOW() + make_interval(secs => $3), last_heartbeat = NOW()
		WHERE id=$1 AND locked_by=$2 AND expires_at > NOW()
		RETURNING `+lockColumns,
		lockID, userID, m.ttl.Seconds(),
	)
	updated, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, ErrNotHeld
	}
	if err != nil {
		return Lock{}, fmt.Errorf("heartbeat lock: %w", err)
	}
	return updated, nil
}

func (m *PostgresManager) Release(ctx context.Context, lockID, userID string) error {
	result, err := m.db.ExecContext(ctx, `
		DELETE FROM resource_locks WHERE id=$1 AND locked_by=$2 AND expires_at > NOW()
	`, lockID, userID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if affected == 0 {
		return ErrNotHeld
	}
	return nil
}

func (m *PostgresManager) Get(ctx context.Context, resourceType, resourceID string) (*Lock, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+lockColumns+`
		FROM resource_locks
		WHERE resource_type=$1 AND resource_id=$2 AND expires_at > NOW()
	`, resourceType, resourceID)
	current, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return &current, nil
}
