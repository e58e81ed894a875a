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

// Package registry resolves tenant integrations by tenant key (gateway side)
// or by inbox routing key (inbox side), and persists them for the admin CLI.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wazwoot/bridge/internal/models"
)

var (
	// ErrNotFound means no integration matches the lookup key.
	ErrNotFound = errors.New("integration not found")
	// ErrDuplicate means the tenant key is already registered.
	ErrDuplicate = errors.New("integration already exists")
)

// Registry is the read side used by the relay.
type Registry interface {
	ByTenantKey(ctx context.Context, key string) (models.Integration, error)
	ByInboxID(ctx context.Context, inboxID int64) (models.Integration, error)
}

// Store is a persistent registry with admin operations.
type Store interface {
	Registry
	List(ctx context.Context) ([]models.Integration, error)
	Create(ctx context.Context, integ *models.Integration) error
	Update(ctx context.Context, integ models.Integration) error
	Delete(ctx context.Context, key string) error
	SetEnabled(ctx context.Context, key string, enabled bool) error
	Ping(ctx context.Context) error
	Close() error
}

var tenantKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("tenantkey", func(fl validator.FieldLevel) bool {
			return tenantKeyPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Validate checks an integration record before it is stored or served.
func Validate(integ models.Integration) error {
	err := validatorInstance().Struct(integ)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate integration: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid integration %q: %s", integ.TenantKey, strings.Join(msgs, ", "))
}

// Open connects to the store named by dsn: postgres:// and postgresql://
// URLs use Postgres, anything else (sqlite://path, file:path or a bare path)
// is a SQLite database file.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		store, err := NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	}
}

// Chain consults registries in order; the first hit wins.
type Chain []Registry

// ByTenantKey implements Registry.
func (c Chain) ByTenantKey(ctx context.Context, key string) (models.Integration, error) {
	for _, r := range c {
		integ, err := r.ByTenantKey(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return integ, err
	}
	return models.Integration{}, ErrNotFound
}

// ByInboxID implements Registry.
func (c Chain) ByInboxID(ctx context.Context, inboxID int64) (models.Integration, error) {
	for _, r := range c {
		integ, err := r.ByInboxID(ctx, inboxID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return integ, err
	}
	return models.Integration{}, ErrNotFound
}

// Static serves integrations declared in the config file.
type Static struct {
	byKey   map[string]models.Integration
	byInbox map[int64]models.Integration
}

// NewStatic validates and indexes integrations.
func NewStatic(integrations []models.Integration) (*Static, error) {
	s := &Static{
		byKey:   make(map[string]models.Integration, len(integrations)),
		byInbox: make(map[int64]models.Integration, len(integrations)),
	}
	for _, integ := range integrations {
		if err := Validate(integ); err != nil {
			return nil, err
		}
		if _, dup := s.byKey[integ.TenantKey]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, integ.TenantKey)
		}
		s.byKey[integ.TenantKey] = integ
		if integ.InboxID > 0 {
			s.byInbox[integ.InboxID] = integ
		}
	}
	return s, nil
}

// ByTenantKey implements Registry.
func (s *Static) ByTenantKey(_ context.Context, key string) (models.Integration, error) {
	if integ, ok := s.byKey[key]; ok {
		return integ, nil
	}
	return models.Integration{}, ErrNotFound
}

// ByInboxID implements Registry.
func (s *Static) ByInboxID(_ context.Context, inboxID int64) (models.Integration, error) {
	if integ, ok := s.byInbox[inboxID]; ok {
		return integ, nil
	}
	return models.Integration{}, ErrNotFound
}

// Len returns the number of configured integrations.
func (s *Static) Len() int { return len(s.byKey) }
