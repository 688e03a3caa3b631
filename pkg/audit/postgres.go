package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// PostgresStore is the multi-node durable Store. The primary key on
// (tenant_id, seq) makes concurrent appenders from different nodes fail
// fast instead of forking the chain.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle and runs the migration.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		tenant_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		id TEXT NOT NULL UNIQUE,
		message_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		violated_rules JSONB NOT NULL DEFAULT '[]',
		actor_role TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL,
		prev_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		PRIMARY KEY (tenant_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_message
		ON audit_entries (tenant_id, message_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Head(ctx context.Context, tenantID string) (*contracts.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries
		 WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`, tenantID)
	entry, err := scanPGEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) Append(ctx context.Context, entry contracts.AuditEntry) error {
	rules, err := json.Marshal(entry.ViolatedRules)
	if err != nil {
		return fmt.Errorf("audit: marshal violated rules: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.TenantID, entry.Seq, entry.ID, entry.MessageID, string(entry.Decision),
		string(rules), string(entry.ActorRole), entry.Detail,
		entry.Timestamp.UTC(), entry.PrevHash, entry.Hash)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("audit: sequence conflict for tenant %s seq %d: %w",
				entry.TenantID, entry.Seq, err)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID string, fromSeq uint64, limit int) ([]contracts.AuditEntry, error) {
	if limit <= 0 {
		limit = 512
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries
		 WHERE tenant_id = $1 AND seq >= $2 ORDER BY seq ASC LIMIT $3`,
		tenantID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectPGEntries(rows)
}

func (s *PostgresStore) ByMessage(ctx context.Context, tenantID, messageID string) ([]contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries
		 WHERE tenant_id = $1 AND message_id = $2 ORDER BY seq ASC`,
		tenantID, messageID)
	if err != nil {
		return nil, err
	}
	return collectPGEntries(rows)
}

func scanPGEntry(row rowScanner) (*contracts.AuditEntry, error) {
	var (
		entry contracts.AuditEntry
		rules []byte
		role  string
		ts    time.Time
	)
	err := row.Scan(&entry.TenantID, &entry.Seq, &entry.ID, &entry.MessageID,
		&entry.Decision, &rules, &role, &entry.Detail, &ts, &entry.PrevHash, &entry.Hash)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rules, &entry.ViolatedRules); err != nil {
		return nil, fmt.Errorf("audit: decode violated rules: %w", err)
	}
	entry.ActorRole = contracts.Role(role)
	entry.Timestamp = ts.UTC()
	return &entry, nil
}

func collectPGEntries(rows *sql.Rows) ([]contracts.AuditEntry, error) {
	defer func() { _ = rows.Close() }()
	var out []contracts.AuditEntry
	for rows.Next() {
		entry, err := scanPGEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}
