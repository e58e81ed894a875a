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

// Package queue serializes delivery of inbox replies to the gateway.
//
// Jobs are processed one at a time in FIFO order, paced between deliveries,
// and retried with a fixed backoff by re-enqueueing at the tail. Queue state
// lives in memory only and is lost on restart.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wazwoot/bridge/internal/models"
)

const (
	DefaultPace            = time.Second
	DefaultBackoff         = 5 * time.Second
	DefaultMaxRetries      = 2
	DefaultDeliveryTimeout = 3 * time.Minute
	DefaultStatsInterval   = time.Minute
)

// Job is one outbound message for a gateway peer. The integration is
// captured by value at enqueue time.
type Job struct {
	ID              string                 `json:"id"`
	Integration     models.Integration     `json:"-"`
	TargetPeer      string                 `json:"target_peer"`
	Text            string                 `json:"text,omitempty"`
	Attachments     []models.AttachmentRef `json:"attachments,omitempty"`
	SourceMessageID string                 `json:"source_message_id,omitempty"`
	Attempt         int                    `json:"attempt"`
	EnqueuedAt      time.Time              `json:"enqueued_at"`

	// Delivery progress, advanced by the DeliverFunc on the worker
	// goroutine. Sent counts attachments already delivered; TextSent is set
	// once the text went out, alone or as a caption.
	Sent     int  `json:"sent"`
	TextSent bool `json:"text_sent"`
}

// DeliverFunc sends one job. A nil error is terminal success.
type DeliverFunc func(ctx context.Context, job *Job) error

// DeadLetterSink receives jobs that exhausted their retries.
type DeadLetterSink interface {
	Publish(ctx context.Context, dl DeadLetter) error
}

// Stats are cumulative outcome counters.
type Stats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Retried int `json:"retried"`
	Queued  int `json:"queued"`
}

// Status is the introspection snapshot served on /queue/status.
type Status struct {
	QueueLength  int   `json:"queue_length"`
	IsProcessing bool  `json:"is_processing"`
	Stats        Stats `json:"stats"`
}

// Config holds the dispatch queue settings.
type Config struct {
	Deliver     DeliverFunc
	DeadLetters DeadLetterSink

	// Retryable classifies delivery errors. Nil treats every error as
	// retryable.
	Retryable func(error) bool

	// Sleep waits between deliveries. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Pace            time.Duration
	Backoff         time.Duration
	MaxRetries      int
	DeliveryTimeout time.Duration
	StatsInterval   time.Duration
}

// Queue is a single-lane dispatch queue.
type Queue struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    []*Job
	running bool
	stats   Stats
}

// New creates a queue. Zero durations take the defaults; MaxRetries is used
// as given.
func New(cfg Config) *Queue {
	if cfg.Pace <= 0 {
		cfg.Pace = DefaultPace
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return true }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Start runs the periodic stats logger until ctx is cancelled or Stop is
// called.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.statsLoop(ctx)
}

// Stop halts the worker after its current delivery and waits for it. Jobs
// still queued are dropped.
func (q *Queue) Stop() {
	// Cancel under the lock so Enqueue cannot start a worker after Wait.
	q.mu.Lock()
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()

	q.mu.Lock()
	dropped := len(q.jobs)
	q.mu.Unlock()
	slog.Info("dispatch queue stopped", "dropped", dropped)
}

// Enqueue appends job at the tail and returns its 1-based position. It never
// blocks on delivery.
func (q *Queue) Enqueue(job *Job) int {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.jobs = append(q.jobs, job)
	q.stats.Total++
	q.stats.Queued = len(q.jobs)
	pos := len(q.jobs)

	if !q.running && q.ctx.Err() == nil {
		q.running = true
		q.wg.Add(1)
		go q.work()
	}
	return pos
}

// Status returns a snapshot of the queue.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		QueueLength:  len(q.jobs),
		IsProcessing: q.running,
		Stats:        q.stats,
	}
}

// work drains the queue. Exactly one work goroutine runs at a time.
func (q *Queue) work() {
	defer q.wg.Done()

	slog.Info("dispatch queue processing started", "pending", q.Status().QueueLength)

	for {
		job, ok := q.next()
		if !ok {
			return
		}

		err := q.attempt(job)

		var wait time.Duration
		switch {
		case err == nil:
			q.mu.Lock()
			q.stats.Success++
			more := len(q.jobs) > 0
			q.mu.Unlock()

			slog.Info("job delivered",
				"job_id", job.ID,
				"tenant", job.Integration.TenantKey,
				"peer", job.TargetPeer,
				"attempt", job.Attempt+1,
			)
			if more {
				wait = q.cfg.Pace
			}

		case job.Attempt < q.cfg.MaxRetries && q.cfg.Retryable(err):
			job.Attempt++
			q.mu.Lock()
			q.stats.Retried++
			q.jobs = append(q.jobs, job)
			q.stats.Queued = len(q.jobs)
			q.mu.Unlock()

			slog.Warn("job failed, re-enqueued",
				"job_id", job.ID,
				"tenant", job.Integration.TenantKey,
				"peer", job.TargetPeer,
				"retry", job.Attempt,
				"max_retries", q.cfg.MaxRetries,
				"error", err,
			)
			wait = q.cfg.Backoff

		default:
			q.mu.Lock()
			q.stats.Failed++
			q.mu.Unlock()

			slog.Error("job dropped after final attempt",
				"job_id", job.ID,
				"tenant", job.Integration.TenantKey,
				"peer", job.TargetPeer,
				"attempts", job.Attempt+1,
				"message_id", job.SourceMessageID,
				"error", err,
			)
			q.deadLetter(job, err)
		}

		if wait > 0 {
			if err := q.cfg.Sleep(q.ctx, wait); err != nil {
				// Cancelled; next() notices and exits.
				continue
			}
		}
	}
}

// next pops the head job, or clears the running flag and reports false when
// the queue is empty or stopped.
func (q *Queue) next() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 || q.ctx.Err() != nil {
		q.running = false
		slog.Info("dispatch queue idle",
			"success", q.stats.Success,
			"failed", q.stats.Failed,
		)
		return nil, false
	}

	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	q.stats.Queued = len(q.jobs)
	return job, true
}

func (q *Queue) attempt(job *Job) error {
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.DeliveryTimeout)
	defer cancel()
	return q.cfg.Deliver(ctx, job)
}

func (q *Queue) deadLetter(job *Job, cause error) {
	if q.cfg.DeadLetters == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.cfg.DeadLetters.Publish(ctx, NewDeadLetter(job, cause)); err != nil {
		slog.Error("failed to publish dead letter", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) statsLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			st := q.Status()
			if st.Stats.Total > 0 {
				slog.Info("dispatch queue stats",
					"total", st.Stats.Total,
					"success", st.Stats.Success,
					"failed", st.Stats.Failed,
					"retried", st.Stats.Retried,
					"queued", st.QueueLength,
				)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
