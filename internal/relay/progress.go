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

package relay

import (
	"sync"
	"time"
)

const (
	progressTTL      = 30 * time.Minute
	progressCapacity = 1000
)

// progress records how far a failed inbound relay got, so the gateway's
// redelivery continues from the first undelivered part.
type progress struct {
	sent     int
	fallback bool
	at       time.Time
}

type progressLog struct {
	mu   sync.Mutex
	now  func() time.Time
	byID map[string]progress
}

func newProgressLog() *progressLog {
	return &progressLog{now: time.Now, byID: make(map[string]progress)}
}

// keep stores p for id. Nothing is kept for an empty id or when no part
// was delivered.
func (l *progressLog) keep(id string, p progress) {
	if id == "" || p.sent == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	p.at = now
	for k, v := range l.byID {
		if now.Sub(v.at) > progressTTL {
			delete(l.byID, k)
		}
	}
	if len(l.byID) >= progressCapacity {
		var oldest string
		for k, v := range l.byID {
			if oldest == "" || v.at.Before(l.byID[oldest].at) {
				oldest = k
			}
		}
		delete(l.byID, oldest)
	}
	l.byID[id] = p
}

// take returns and removes the progress recorded for id.
func (l *progressLog) take(id string) progress {
	if id == "" {
		return progress{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.byID[id]
	if !ok {
		return progress{}
	}
	delete(l.byID, id)
	if l.now().Sub(p.at) > progressTTL {
		return progress{}
	}
	return p
}

func (l *progressLog) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}
