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

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wazwoot/bridge/internal/models"
)

const (
	// DefaultDeadLetterKey is the Redis list holding dead letters.
	DefaultDeadLetterKey = "relay:dead"

	// maxDeadLetters bounds the list; older records are trimmed.
	maxDeadLetters = 1000
)

// DeadLetter records a job that exhausted its retries. Credentials and
// inline media are left out.
type DeadLetter struct {
	ID              string                 `json:"id"`
	JobID           string                 `json:"job_id"`
	TenantKey       string                 `json:"tenant"`
	TargetPeer      string                 `json:"target_peer"`
	Text            string                 `json:"text,omitempty"`
	Attachments     []models.AttachmentRef `json:"attachments,omitempty"`
	SourceMessageID string                 `json:"source_message_id,omitempty"`
	Attempts        int                    `json:"attempts"`
	PartsSent       int                    `json:"parts_sent"`
	Error           string                 `json:"error"`
	EnqueuedAt      time.Time              `json:"enqueued_at"`
	FailedAt        time.Time              `json:"failed_at"`
}

// NewDeadLetter builds the record for a dropped job.
func NewDeadLetter(job *Job, cause error) DeadLetter {
	atts := make([]models.AttachmentRef, 0, len(job.Attachments))
	for _, a := range job.Attachments {
		a.InlineData = ""
		atts = append(atts, a)
	}
	dl := DeadLetter{
		ID:              uuid.NewString(),
		JobID:           job.ID,
		TenantKey:       job.Integration.TenantKey,
		TargetPeer:      job.TargetPeer,
		Text:            job.Text,
		Attachments:     atts,
		SourceMessageID: job.SourceMessageID,
		Attempts:        job.Attempt + 1,
		PartsSent:       job.Sent,
		EnqueuedAt:      job.EnqueuedAt,
		FailedAt:        time.Now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	return dl
}

// RedisDeadLetters keeps dead letters in a capped Redis list, newest first.
type RedisDeadLetters struct {
	rdb *redis.Client
	key string
}

// NewRedisDeadLetters creates a dead-letter sink on the given list key.
func NewRedisDeadLetters(rdb *redis.Client, key string) *RedisDeadLetters {
	if key == "" {
		key = DefaultDeadLetterKey
	}
	return &RedisDeadLetters{rdb: rdb, key: key}
}

// Publish pushes a dead letter onto the list.
func (r *RedisDeadLetters) Publish(ctx context.Context, dl DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, r.key, payload)
	pipe.LTrim(ctx, r.key, 0, maxDeadLetters-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published dead letter",
		"id", dl.ID,
		"job_id", dl.JobID,
		"tenant", dl.TenantKey,
		"key", r.key,
	)
	return nil
}

// List returns up to limit dead letters, newest first.
func (r *RedisDeadLetters) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := r.rdb.LRange(ctx, r.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE: %w", err)
	}

	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			slog.Warn("skipping unreadable dead letter", "error", err)
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Ping checks the Redis connection.
func (r *RedisDeadLetters) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}
