package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// SQLiteStore is the single-node durable Store. The (tenant_id, seq)
// primary key enforces chain density at the storage layer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle and runs the migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		tenant_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL UNIQUE,
		message_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		violated_rules TEXT NOT NULL DEFAULT '[]',
		actor_role TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		prev_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		PRIMARY KEY (tenant_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_message
		ON audit_entries (tenant_id, message_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const auditColumns = `tenant_id, seq, id, message_id, decision, violated_rules, actor_role, detail, timestamp, prev_hash, hash`

func (s *SQLiteStore) Head(ctx context.Context, tenantID string) (*contracts.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries
		 WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`, tenantID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *SQLiteStore) Append(ctx context.Context, entry contracts.AuditEntry) error {
	rules, err := json.Marshal(entry.ViolatedRules)
	if err != nil {
		return fmt.Errorf("audit: marshal violated rules: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (`+auditColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TenantID, entry.Seq, entry.ID, entry.MessageID, string(entry.Decision),
		string(rules), string(entry.ActorRole), entry.Detail,
		entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.PrevHash, entry.Hash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			return fmt.Errorf("audit: sequence conflict for tenant %s seq %d: %w",
				entry.TenantID, entry.Seq, err)
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, tenantID string, fromSeq uint64, limit int) ([]contracts.AuditEntry, error) {
	if limit <= 0 {
		limit = 512
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries
		 WHERE tenant_id = ? AND seq >= ? ORDER BY seq ASC LIMIT ?`,
		tenantID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *SQLiteStore) ByMessage(ctx context.Context, tenantID, messageID string) ([]contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries
		 WHERE tenant_id = ? AND message_id = ? ORDER BY seq ASC`,
		tenantID, messageID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*contracts.AuditEntry, error) {
	var (
		entry contracts.AuditEntry
		rules string
		role  string
		ts    string
	)
	err := row.Scan(&entry.TenantID, &entry.Seq, &entry.ID, &entry.MessageID,
		&entry.Decision, &rules, &role, &entry.Detail, &ts, &entry.PrevHash, &entry.Hash)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &entry.ViolatedRules); err != nil {
		return nil, fmt.Errorf("audit: decode violated rules: %w", err)
	}
	entry.ActorRole = contracts.Role(role)
	entry.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("audit: parse timestamp: %w", err)
	}
	return &entry, nil
}

func collectEntries(rows *sql.Rows) ([]contracts.AuditEntry, error) {
	defer func() { _ = rows.Close() }()
	var out []contracts.AuditEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}
