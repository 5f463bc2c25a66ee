package keyring

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the jwt_keys table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jwt_keys (
			id         VARCHAR(64) PRIMARY KEY,
			secret_key TEXT NOT NULL,
			is_active  BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_jwt_keys_active ON jwt_keys(is_active, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, key *Key) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jwt_keys (id, secret_key, is_active, created_at)
		VALUES ($1, $2, $3, $4)
	`, key.ID, key.Secret, key.Active, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Key, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, secret_key, is_active, created_at
		FROM jwt_keys WHERE id = $1
	`, id)

	var key Key
	err := row.Scan(&key.ID, &key.Secret, &key.Active, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return &key, nil
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Key, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, secret_key, is_active, created_at
		FROM jwt_keys WHERE is_active
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.ID, &key.Secret, &key.Active, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Deactivate(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE jwt_keys SET is_active = FALSE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("deactivate key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (p *PostgresStore) DeactivateAllBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE jwt_keys SET is_active = FALSE
		WHERE is_active AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deactivate keys: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}
