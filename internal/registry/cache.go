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
	"sync"
	"time"

	"github.com/wazwoot/bridge/internal/models"
)

// Source is what the cache loads its snapshot from.
type Source interface {
	Registry
	List(ctx context.Context) ([]models.Integration, error)
}

// Cache serves lookups from a periodically refreshed snapshot of a store.
// Misses fall through to the store so records added by the admin CLI are
// visible before the next refresh.
type Cache struct {
	src      Source
	interval time.Duration

	mu      sync.RWMutex
	byKey   map[string]models.Integration
	byInbox map[int64]models.Integration
	loaded  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache creates a cache over src. It is empty until Refresh or Start.
func NewCache(src Source, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Cache{
		src:      src,
		interval: interval,
		byKey:    map[string]models.Integration{},
		byInbox:  map[int64]models.Integration{},
	}
}

// Start loads the first snapshot and refreshes it in the background until
// Stop is called.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.refreshLoop(loopCtx)

	slog.Info("integration cache started", "refresh_interval", c.interval)
	return nil
}

// Stop ends the refresh loop.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	slog.Info("integration cache stopped")
}

// Refresh replaces the snapshot with the store's current contents.
func (c *Cache) Refresh(ctx context.Context) error {
	list, err := c.src.List(ctx)
	if err != nil {
		return fmt.Errorf("refresh integrations: %w", err)
	}

	byKey := make(map[string]models.Integration, len(list))
	byInbox := make(map[int64]models.Integration, len(list))
	for _, integ := range list {
		byKey[integ.TenantKey] = integ
		if integ.InboxID <= 0 {
			continue
		}
		// An enabled record wins the routing key over a disabled one.
		if prev, ok := byInbox[integ.InboxID]; ok && prev.Enabled && !integ.Enabled {
			continue
		}
		byInbox[integ.InboxID] = integ
	}

	c.mu.Lock()
	c.byKey = byKey
	c.byInbox = byInbox
	c.loaded = time.Now()
	c.mu.Unlock()
	return nil
}

// Len returns the snapshot size.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

// ByTenantKey implements Registry.
func (c *Cache) ByTenantKey(ctx context.Context, key string) (models.Integration, error) {
	c.mu.RLock()
	integ, ok := c.byKey[key]
	c.mu.RUnlock()
	if ok {
		return integ, nil
	}

	integ, err := c.src.ByTenantKey(ctx, key)
	if err != nil {
		return models.Integration{}, err
	}
	c.mu.Lock()
	c.byKey[integ.TenantKey] = integ
	c.mu.Unlock()
	return integ, nil
}

// ByInboxID implements Registry.
func (c *Cache) ByInboxID(ctx context.Context, inboxID int64) (models.Integration, error) {
	c.mu.RLock()
	integ, ok := c.byInbox[inboxID]
	c.mu.RUnlock()
	if ok {
		return integ, nil
	}

	integ, err := c.src.ByInboxID(ctx, inboxID)
	if err != nil {
		return models.Integration{}, err
	}
	c.mu.Lock()
	c.byInbox[inboxID] = integ
	c.mu.Unlock()
	return integ, nil
}

func (c *Cache) refreshLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				slog.Error("integration refresh failed, keeping previous snapshot", "error", err)
				continue
			}
			slog.Debug("integrations refreshed", "count", c.Len())
		}
	}
}
