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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazwoot/bridge/internal/models"
)

// recorder captures deliveries and waits without sleeping.
type recorder struct {
	mu         sync.Mutex
	deliveries []string
	sleeps     []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recorder) record(id string) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, id)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]string, []time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deliveries...), append([]time.Duration(nil), r.sleeps...)
}

type memSink struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (s *memSink) Publish(ctx context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

func (s *memSink) all() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.letters...)
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := q.Status()
		return !st.IsProcessing && st.QueueLength == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func testJob(id string) *Job {
	return &Job{
		ID:          id,
		Integration: models.Integration{TenantKey: "shop", GatewayToken: "secret"},
		TargetPeer:  "5511999988881",
		Text:        "reply " + id,
	}
}

func TestQueue_RetryOrdering(t *testing.T) {
	rec := &recorder{}
	holding := make(chan struct{})
	gate := make(chan struct{})
	var mu sync.Mutex
	failures := map[string]int{"j1": 2}

	q := New(Config{
		Deliver: func(ctx context.Context, job *Job) error {
			if job.ID == "j1" && job.Attempt == 0 {
				close(holding)
				<-gate // hold the first delivery until all jobs are queued
			}
			rec.record(job.ID)
			mu.Lock()
			defer mu.Unlock()
			if failures[job.ID] > 0 {
				failures[job.ID]--
				return errors.New("gateway returned 502")
			}
			return nil
		},
		Sleep:      rec.sleep,
		Pace:       time.Second,
		Backoff:    5 * time.Second,
		MaxRetries: 2,
	})
	defer q.Stop()

	assert.Equal(t, 1, q.Enqueue(testJob("j1")))
	<-holding
	assert.Equal(t, 1, q.Enqueue(testJob("j2")), "j1 is in flight, so j2 is at the head")
	assert.Equal(t, 2, q.Enqueue(testJob("j3")))
	close(gate)

	waitIdle(t, q)

	deliveries, sleeps := rec.snapshot()
	assert.Equal(t, []string{"j1", "j2", "j3", "j1", "j1"}, deliveries)
	assert.Equal(t, []time.Duration{5 * time.Second, time.Second, time.Second, 5 * time.Second}, sleeps)

	st := q.Status()
	assert.Equal(t, Stats{Total: 3, Success: 3, Failed: 0, Retried: 2, Queued: 0}, st.Stats)
}

func TestQueue_ExhaustedRetriesDeadLetter(t *testing.T) {
	rec := &recorder{}
	sink := &memSink{}
	q := New(Config{
		Deliver: func(ctx context.Context, job *Job) error {
			rec.record(job.ID)
			return errors.New("gateway down")
		},
		DeadLetters: sink,
		Sleep:       rec.sleep,
		MaxRetries:  2,
	})
	defer q.Stop()

	job := testJob("doomed")
	job.Attachments = []models.AttachmentRef{{InlineData: "AAAA", FileName: "a.png"}}
	q.Enqueue(job)
	waitIdle(t, q)

	deliveries, sleeps := rec.snapshot()
	assert.Equal(t, []string{"doomed", "doomed", "doomed"}, deliveries, "one attempt plus two retries")
	assert.Equal(t, []time.Duration{DefaultBackoff, DefaultBackoff}, sleeps)
	assert.Equal(t, 1, q.Status().Stats.Failed)

	letters := sink.all()
	require.Len(t, letters, 1)
	assert.Equal(t, "doomed", letters[0].JobID)
	assert.Equal(t, "shop", letters[0].TenantKey)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, "gateway down", letters[0].Error)
	assert.Empty(t, letters[0].Attachments[0].InlineData)
}

func TestQueue_PermanentErrorNotRetried(t *testing.T) {
	rec := &recorder{}
	permanent := errors.New("invalid phone")
	q := New(Config{
		Deliver: func(ctx context.Context, job *Job) error {
			rec.record(job.ID)
			return permanent
		},
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
		Sleep:      rec.sleep,
		MaxRetries: 2,
	})
	defer q.Stop()

	q.Enqueue(testJob("bad"))
	waitIdle(t, q)

	deliveries, sleeps := rec.snapshot()
	assert.Equal(t, []string{"bad"}, deliveries)
	assert.Empty(t, sleeps)
	assert.Equal(t, Stats{Total: 1, Failed: 1}, q.Status().Stats)
}

func TestQueue_NoPaceAfterLastJob(t *testing.T) {
	rec := &recorder{}
	q := New(Config{
		Deliver: func(ctx context.Context, job *Job) error {
			rec.record(job.ID)
			return nil
		},
		Sleep: rec.sleep,
	})
	defer q.Stop()

	q.Enqueue(testJob("only"))
	waitIdle(t, q)

	_, sleeps := rec.snapshot()
	assert.Empty(t, sleeps)
}

func TestQueue_AssignsIDAndTimestamp(t *testing.T) {
	done := make(chan *Job, 1)
	q := New(Config{
		Deliver: func(ctx context.Context, job *Job) error {
			done <- job
			return nil
		},
	})
	defer q.Stop()

	q.Enqueue(&Job{TargetPeer: "5511999988881", Text: "hi"})
	job := <-done
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.EnqueuedAt.IsZero())
}

func TestQueue_DeliveryTimeout(t *testing.T) {
	errs := make(chan error, 1)
	q := New(Config{
		Deliver: func(ctx context.Context, job *Job) error {
			<-ctx.Done()
			errs <- ctx.Err()
			return ctx.Err()
		},
		DeliveryTimeout: 20 * time.Millisecond,
		MaxRetries:      0,
	})
	defer q.Stop()

	q.Enqueue(testJob("slow"))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was not cancelled by its timeout")
	}
}

func TestQueue_StopDropsPending(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	q := New(Config{
		Deliver: func(ctx context.Context, job *Job) error {
			if job.ID == "first" {
				close(started)
				<-release
			}
			return nil
		},
	})

	q.Enqueue(testJob("first"))
	<-started
	q.Enqueue(testJob("second"))

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, q.Status().IsProcessing)
}
