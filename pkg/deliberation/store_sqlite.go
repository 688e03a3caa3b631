package deliberation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists deliberation items in SQLite via database/sql.
// The serialized item is the source of truth; indexed columns exist for
// the pending scan only.
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
	CREATE TABLE IF NOT EXISTS deliberation_items (
		id TEXT PRIMARY KEY,
		outcome TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		deadline DATETIME NOT NULL,
		body JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_pending
		ON deliberation_items (archived, outcome);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, item *Item) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("deliberation: marshal item: %w", err)
	}
	query := `
	INSERT INTO deliberation_items (id, outcome, deadline, body)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET outcome = excluded.outcome, body = excluded.body`
	_, err = s.db.ExecContext(ctx, query,
		item.ID, string(item.Outcome), item.Deadline.UTC().Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("deliberation: save item %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM deliberation_items WHERE id = ?`, id)
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	var item Item
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return nil, fmt.Errorf("deliberation: decode item %s: %w", id, err)
	}
	return &item, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM deliberation_items WHERE archived = 0 AND outcome = 'pending'`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pending []*Item
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var item Item
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return nil, fmt.Errorf("deliberation: decode pending item: %w", err)
		}
		pending = append(pending, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pending, nil
}

func (s *SQLiteStore) Archive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliberation_items SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}
