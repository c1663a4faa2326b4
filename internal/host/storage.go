package host

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Storage is one named area of the host's durable key-value storage.
type Storage struct {
	sqlDB *sql.DB
	area  string
}

func NewStorage(sqlDB *sql.DB, area string) *Storage {
	return &Storage{sqlDB: sqlDB, area: strings.TrimSpace(area)}
}

// Load returns every entry in the area.
func (s *Storage) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT key, value FROM kv_entries WHERE area = ?`, s.area)
	if err != nil {
		return nil, fmt.Errorf("load kv entries: %w", err)
	}
	defer rows.Close()
	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan kv entry: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv entries: %w", err)
	}
	return out, nil
}

// Save replaces the area's entries with entries in one transaction.
func (s *Storage) Save(ctx context.Context, entries map[string]json.RawMessage) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE area = ?`, s.area); err != nil {
		return fmt.Errorf("clear kv entries: %w", err)
	}
	now := toMillis(time.Now())
	for key, value := range entries {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO kv_entries (area, key, value, updated_at) VALUES (?, ?, ?, ?)`,
			s.area,
			key,
			[]byte(value),
			now,
		)
		if err != nil {
			return fmt.Errorf("insert kv entry %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Clear deletes every entry in the area.
func (s *Storage) Clear(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM kv_entries WHERE area = ?`, s.area); err != nil {
		return fmt.Errorf("clear kv entries: %w", err)
	}
	return nil
}

// Count returns the number of entries in the area.
func (s *Storage) Count(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var n int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_entries WHERE area = ?`, s.area).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count kv entries: %w", err)
	}
	return n, nil
}

func (s *Storage) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}
