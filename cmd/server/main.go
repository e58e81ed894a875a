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

// Wazwoot bridge server
//
// Entry point for the WhatsApp gateway / helpdesk inbox relay. It:
//  1. Loads .env, config.yaml and environment configuration
//  2. Opens the integration registry (static list, SQLite or Postgres)
//  3. Connects to Redis when configured (dedup mirror, dead letters)
//  4. Builds the dedup guard, media fetcher, platform clients and relay
//  5. Serves the webhook, queue status and health endpoints
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/wazwoot/bridge/internal/config"
	"github.com/wazwoot/bridge/internal/dedup"
	"github.com/wazwoot/bridge/internal/gateway"
	"github.com/wazwoot/bridge/internal/inbox"
	"github.com/wazwoot/bridge/internal/media"
	"github.com/wazwoot/bridge/internal/normalize"
	"github.com/wazwoot/bridge/internal/queue"
	"github.com/wazwoot/bridge/internal/registry"
	"github.com/wazwoot/bridge/internal/relay"
	"github.com/wazwoot/bridge/internal/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("starting wazwoot bridge",
		"port", cfg.Port,
		"static_integrations", len(cfg.Integrations),
		"database", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var checks []webhook.Check

	// --- Integration Registry ---
	var chain registry.Chain
	if len(cfg.Integrations) > 0 {
		static, err := registry.NewStatic(cfg.Integrations)
		if err != nil {
			slog.Error("invalid integration in config", "error", err)
			os.Exit(1)
		}
		chain = append(chain, static)
	}

	var (
		store registry.Store
		cache *registry.Cache
	)
	if cfg.DatabaseURL != "" {
		store, err = registry.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open integration store", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		cache = registry.NewCache(store, cfg.RegistryRefresh)
		if err := cache.Start(ctx); err != nil {
			slog.Error("failed to load integrations", "error", err)
			os.Exit(1)
		}
		chain = append(chain, cache)
		checks = append(checks, webhook.Check{Name: "database", Pinger: store})
		slog.Info("integration registry ready", "stored", cache.Len())
	}

	// --- Redis (optional) ---
	var guardOpts []dedup.Option
	var deadLetters queue.DeadLetterSink
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		seen := dedup.NewRedisStore(rdb, cfg.DedupKeyPrefix, cfg.Relay.DedupWindow)
		if err := seen.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		guardOpts = append(guardOpts, dedup.WithRemote(seen))
		deadLetters = queue.NewRedisDeadLetters(rdb, cfg.DeadLetterKey)
		checks = append(checks, webhook.Check{Name: "redis", Pinger: seen})
		slog.Info("connected to Redis")
	}

	// --- Dedup Guard ---
	guard := dedup.New(cfg.Relay.DedupWindow, cfg.Relay.DedupCapacity, guardOpts...)
	go guard.Run(ctx, cfg.Relay.DedupSweepInterval)

	// --- Platform clients ---
	apiClient := &http.Client{Timeout: 60 * time.Second}
	mediaClient := &http.Client{}

	svc := relay.New(relay.Config{
		Registry: chain,
		Guard:    guard,
		Gateway:  gateway.NewClient(apiClient, guard),
		Inbox:    inbox.NewClient(apiClient),
		Media:    media.NewFetcher(mediaClient, cfg.Media.MaxBytes),
		Timeouts: media.Timeouts{
			Inbound:  cfg.Media.InboundTimeout,
			Image:    cfg.Media.ImageTimeout,
			Document: cfg.Media.DocumentTimeout,
			Audio:    cfg.Media.AudioTimeout,
			Video:    cfg.Media.VideoTimeout,
		},
		Normalize: normalize.Options{
			LongPhone:  normalize.PhonePolicy(cfg.Relay.LongPhonePolicy),
			MissingID:  normalize.IDPolicy(cfg.Relay.MissingIDPolicy),
			EchoPrefix: cfg.Relay.EchoSourcePrefix,
		},
		Queue: queue.Config{
			DeadLetters:     deadLetters,
			Pace:            cfg.Relay.QueuePace,
			Backoff:         cfg.Relay.QueueBackoff,
			MaxRetries:      cfg.Relay.QueueMaxRetries,
			DeliveryTimeout: cfg.Relay.DeliveryTimeout,
			StatsInterval:   cfg.Relay.QueueStatsInterval,
		},
	})
	svc.Start(ctx)

	// --- HTTP Server ---
	ready, done, err := webhook.Serve(ctx, cfg.Port, webhook.NewHandler(svc, checks...))
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready
	if cfg.PublicURL != "" {
		slog.Info("gateway webhooks expected at", "url", cfg.WebhookURL("{instance_name}"))
	}

	// --- Graceful Shutdown ---
	<-ctx.Done()
	slog.Info("received shutdown signal")

	<-done
	svc.Stop()
	if cache != nil {
		cache.Stop()
	}
	slog.Info("shutdown complete")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
