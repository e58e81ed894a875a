// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/wazwoot/bridge/internal/models"
)

const sqliteColumns = `id, instance_name, wuzapi_url, wuzapi_token, chatwoot_url,
	chatwoot_account_id, chatwoot_api_token, chatwoot_inbox_id, enabled,
	created_at, updated_at`

// SQLiteStore keeps integrations in a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	file := strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(file, '?'); i >= 0 {
		file = file[:i]
	}
	if dir := filepath.Dir(file); dir != "." && file != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure integration schema: %w", err)
	}
	slog.Info("integration store initialised", "driver", "sqlite", "path", file)
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS integrations (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_name       TEXT UNIQUE NOT NULL,
			wuzapi_url          TEXT NOT NULL,
			wuzapi_token        TEXT NOT NULL,
			chatwoot_url        TEXT NOT NULL,
			chatwoot_account_id INTEGER NOT NULL,
			chatwoot_api_token  TEXT NOT NULL,
			chatwoot_inbox_id   INTEGER,
			enabled             BOOLEAN DEFAULT 1,
			created_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at          DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_instance_name ON integrations(instance_name);
		CREATE INDEX IF NOT EXISTS idx_enabled ON integrations(enabled);
		CREATE INDEX IF NOT EXISTS idx_inbox_id ON integrations(chatwoot_inbox_id);
	`)
	return err
}

// ByTenantKey implements Registry.
func (s *SQLiteStore) ByTenantKey(ctx context.Context, key string) (models.Integration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM integrations WHERE instance_name = ?`, key)
	return scanSQLite(row)
}

// ByInboxID implements Registry, preferring an enabled row.
func (s *SQLiteStore) ByInboxID(ctx context.Context, inboxID int64) (models.Integration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteColumns+` FROM integrations
		WHERE chatwoot_inbox_id = ?
		ORDER BY enabled DESC, id
		LIMIT 1
	`, inboxID)
	return scanSQLite(row)
}

// List returns every integration ordered by tenant key.
func (s *SQLiteStore) List(ctx context.Context) ([]models.Integration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM integrations ORDER BY instance_name`)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var out []models.Integration
	for rows.Next() {
		integ, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, integ)
	}
	return out, rows.Err()
}

// Create inserts integ and fills in its id and timestamps.
func (s *SQLiteStore) Create(ctx context.Context, integ *models.Integration) error {
	if err := Validate(*integ); err != nil {
		return err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations
			(instance_name, wuzapi_url, wuzapi_token, chatwoot_url,
			 chatwoot_account_id, chatwoot_api_token, chatwoot_inbox_id, enabled,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, integ.TenantKey, integ.GatewayURL, integ.GatewayToken, integ.InboxURL,
		integ.InboxAccountID, integ.InboxToken, nullInbox(integ.InboxID), integ.Enabled,
		now, now)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s", ErrDuplicate, integ.TenantKey)
		}
		return fmt.Errorf("insert integration: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert integration: %w", err)
	}
	integ.ID = id
	integ.CreatedAt = now
	integ.UpdatedAt = now
	return nil
}

// Update rewrites the record with integ's tenant key.
func (s *SQLiteStore) Update(ctx context.Context, integ models.Integration) error {
	if err := Validate(integ); err != nil {
		return err
	}
	return s.exec(ctx, "update integration", `
		UPDATE integrations SET
			wuzapi_url = ?, wuzapi_token = ?, chatwoot_url = ?,
			chatwoot_account_id = ?, chatwoot_api_token = ?,
			chatwoot_inbox_id = ?, enabled = ?, updated_at = ?
		WHERE instance_name = ?
	`, integ.GatewayURL, integ.GatewayToken, integ.InboxURL,
		integ.InboxAccountID, integ.InboxToken, nullInbox(integ.InboxID), integ.Enabled,
		s.now(), integ.TenantKey)
}

// Delete removes an integration.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.exec(ctx, "delete integration", `DELETE FROM integrations WHERE instance_name = ?`, key)
}

// SetEnabled toggles an integration.
func (s *SQLiteStore) SetEnabled(ctx context.Context, key string, enabled bool) error {
	return s.exec(ctx, "set integration enabled",
		`UPDATE integrations SET enabled = ?, updated_at = ? WHERE instance_name = ?`,
		enabled, s.now(), key)
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (models.Integration, error) {
	var (
		integ   models.Integration
		inboxID sql.NullInt64
	)
	err := row.Scan(
		&integ.ID, &integ.TenantKey, &integ.GatewayURL, &integ.GatewayToken, &integ.InboxURL,
		&integ.InboxAccountID, &integ.InboxToken, &inboxID, &integ.Enabled,
		&integ.CreatedAt, &integ.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Integration{}, ErrNotFound
	}
	if err != nil {
		return models.Integration{}, fmt.Errorf("scan integration: %w", err)
	}
	integ.InboxID = inboxID.Int64
	return integ, nil
}
