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
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wazwoot/bridge/internal/models"
)

const pgUniqueViolation = "23505"

const pgColumns = `id, instance_name, wuzapi_url, wuzapi_token, chatwoot_url,
	chatwoot_account_id, chatwoot_api_token, chatwoot_inbox_id, enabled,
	created_at, updated_at`

// PostgresStore keeps integrations in a Postgres table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps pool and ensures the integrations table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure integration schema: %w", err)
	}
	slog.Info("integration store initialised", "driver", "postgres")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS integrations (
			id                  BIGSERIAL PRIMARY KEY,
			instance_name       TEXT NOT NULL UNIQUE,
			wuzapi_url          TEXT NOT NULL,
			wuzapi_token        TEXT NOT NULL,
			chatwoot_url        TEXT NOT NULL,
			chatwoot_account_id BIGINT NOT NULL,
			chatwoot_api_token  TEXT NOT NULL,
			chatwoot_inbox_id   BIGINT,
			enabled             BOOLEAN NOT NULL DEFAULT TRUE,
			created_at          TIMESTAMPTZ DEFAULT NOW(),
			updated_at          TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_integrations_enabled ON integrations(enabled);
		CREATE INDEX IF NOT EXISTS idx_integrations_inbox ON integrations(chatwoot_inbox_id);
	`)
	return err
}

// ByTenantKey implements Registry.
func (s *PostgresStore) ByTenantKey(ctx context.Context, key string) (models.Integration, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM integrations WHERE instance_name = $1`, key)
	return scanIntegration(row)
}

// ByInboxID implements Registry. Disabled rows are skipped so a re-paired
// inbox resolves to its live integration.
func (s *PostgresStore) ByInboxID(ctx context.Context, inboxID int64) (models.Integration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgColumns+` FROM integrations
		WHERE chatwoot_inbox_id = $1
		ORDER BY enabled DESC, id
		LIMIT 1
	`, inboxID)
	return scanIntegration(row)
}

// List returns every integration ordered by tenant key.
func (s *PostgresStore) List(ctx context.Context) ([]models.Integration, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgColumns+` FROM integrations ORDER BY instance_name`)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var out []models.Integration
	for rows.Next() {
		integ, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, integ)
	}
	return out, rows.Err()
}

// Create inserts integ and fills in its id and timestamps.
func (s *PostgresStore) Create(ctx context.Context, integ *models.Integration) error {
	if err := Validate(*integ); err != nil {
		return err
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO integrations
			(instance_name, wuzapi_url, wuzapi_token, chatwoot_url,
			 chatwoot_account_id, chatwoot_api_token, chatwoot_inbox_id, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`, integ.TenantKey, integ.GatewayURL, integ.GatewayToken, integ.InboxURL,
		integ.InboxAccountID, integ.InboxToken, nullInbox(integ.InboxID), integ.Enabled,
	).Scan(&integ.ID, &integ.CreatedAt, &integ.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicate, integ.TenantKey)
		}
		return fmt.Errorf("insert integration: %w", err)
	}
	return nil
}

// Update rewrites the record with integ's tenant key.
func (s *PostgresStore) Update(ctx context.Context, integ models.Integration) error {
	if err := Validate(integ); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE integrations SET
			wuzapi_url = $2, wuzapi_token = $3, chatwoot_url = $4,
			chatwoot_account_id = $5, chatwoot_api_token = $6,
			chatwoot_inbox_id = $7, enabled = $8, updated_at = NOW()
		WHERE instance_name = $1
	`, integ.TenantKey, integ.GatewayURL, integ.GatewayToken, integ.InboxURL,
		integ.InboxAccountID, integ.InboxToken, nullInbox(integ.InboxID), integ.Enabled)
	if err != nil {
		return fmt.Errorf("update integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an integration.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM integrations WHERE instance_name = $1`, key)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled toggles an integration.
func (s *PostgresStore) SetEnabled(ctx context.Context, key string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE integrations SET enabled = $2, updated_at = NOW() WHERE instance_name = $1
	`, key, enabled)
	if err != nil {
		return fmt.Errorf("set integration enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanIntegration(row pgx.Row) (models.Integration, error) {
	var (
		integ   models.Integration
		inboxID *int64
	)
	err := row.Scan(
		&integ.ID, &integ.TenantKey, &integ.GatewayURL, &integ.GatewayToken, &integ.InboxURL,
		&integ.InboxAccountID, &integ.InboxToken, &inboxID, &integ.Enabled,
		&integ.CreatedAt, &integ.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Integration{}, ErrNotFound
	}
	if err != nil {
		return models.Integration{}, fmt.Errorf("scan integration: %w", err)
	}
	if inboxID != nil {
		integ.InboxID = *inboxID
	}
	return integ, nil
}

func nullInbox(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}
