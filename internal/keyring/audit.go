package keyring

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// AuditEntry records one administrative key operation.
type AuditEntry struct {
	Action    string    `json:"action"`
	Operator  string    `json:"operator"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// AuditLogger persists administrative key events.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry) error
	// List returns the most recent entries, newest first.
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Compile-time checks.
var (
	_ AuditLogger = (*MemoryAudit)(nil)
	_ AuditLogger = (*PostgresAudit)(nil)
)

// MemoryAudit keeps audit entries in memory for demo/development mode.
type MemoryAudit struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

// NewMemoryAudit creates a new in-memory audit logger.
func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

func (m *MemoryAudit) Record(ctx context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryAudit) List(ctx context.Context, limit int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []AuditEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

// PostgresAudit writes audit entries to the key_rotation_audit table.
type PostgresAudit struct {
	db *sql.DB
}

// NewPostgresAudit creates a new PostgreSQL-backed audit logger.
func NewPostgresAudit(db *sql.DB) *PostgresAudit {
	return &PostgresAudit{db: db}
}

// Migrate creates the key_rotation_audit table if it doesn't exist.
func (p *PostgresAudit) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS key_rotation_audit (
			id         BIGSERIAL PRIMARY KEY,
			action     VARCHAR(64) NOT NULL,
			operator   VARCHAR(255) NOT NULL,
			details    TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_key_rotation_audit_created ON key_rotation_audit(created_at DESC);
	`)
	return err
}

func (p *PostgresAudit) Record(ctx context.Context, entry AuditEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO key_rotation_audit (action, operator, details, created_at)
		VALUES ($1, $2, $3, $4)
	`, entry.Action, entry.Operator, entry.Details, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (p *PostgresAudit) List(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT action, operator, details, created_at
		FROM key_rotation_audit
		ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details sql.NullString
		if err := rows.Scan(&e.Action, &e.Operator, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
