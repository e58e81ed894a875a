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

// Package normalize converts gateway webhooks and inbox events into the
// canonical models.RelayEvent.
//
// A normalizer call yields exactly one of: an event to relay, a skip reason
// (acknowledged but not relayed), or an error. Skips are never errors so that
// upstream senders do not retry payloads the relay deliberately ignores.
package normalize

import (
	"errors"
	"time"

	"github.com/wazwoot/bridge/internal/models"
)

// Boundary errors. All of them map to HTTP 400 and are never retried.
var (
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrIncompletePayload = errors.New("incomplete payload")
	ErrMissingPhone      = errors.New("phone number not found")
	ErrInvalidPhone      = errors.New("invalid phone number")
)

// PhonePolicy decides what happens to peer addresses longer than 15 digits.
type PhonePolicy string

const (
	// PhoneForward relays the address unchanged and flags it as suspicious.
	PhoneForward PhonePolicy = "forward"
	// PhoneTruncate keeps the first 15 digits.
	PhoneTruncate PhonePolicy = "truncate"
	// PhoneReject fails with ErrInvalidPhone.
	PhoneReject PhonePolicy = "reject"
)

// IDPolicy decides what happens to message events without a provider id.
type IDPolicy string

const (
	// IDRelay relays the event without deduplication.
	IDRelay IDPolicy = "relay"
	// IDReject fails with ErrIncompletePayload.
	IDReject IDPolicy = "reject"
)

// Skip reasons.
const (
	SkipGroup       = "group message"
	SkipEmpty       = "empty message"
	SkipEmptyEcho   = "empty outgoing message"
	SkipPicture     = "profile picture event"
	SkipReceipt     = "receipt"
	SkipUnhandled   = "event type not handled"
	SkipNotOutgoing = "not an outgoing message"
	SkipPrivate     = "private note"
	SkipEcho        = "echo of relayed message"
)

// DefaultEchoPrefix tags inbox messages the relay itself created from
// gateway traffic.
const DefaultEchoPrefix = "wuzapi_"

// Options tunes normalization.
type Options struct {
	LongPhone  PhonePolicy
	MissingID  IDPolicy
	EchoPrefix string
	Now        func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) echoPrefix() string {
	if o.EchoPrefix == "" {
		return DefaultEchoPrefix
	}
	return o.EchoPrefix
}

// Receipt is a delivery or read receipt reported by the gateway.
type Receipt struct {
	Type       string   `json:"status"`
	MessageIDs []string `json:"message_ids"`
}

// Result is the outcome of normalizing a gateway webhook.
type Result struct {
	Event   *models.RelayEvent
	Skip    string
	Receipt *Receipt
}

// InboxResult is the outcome of normalizing an inbox event. InboxID is the
// routing key used to find the owning integration.
type InboxResult struct {
	Event   *models.RelayEvent
	InboxID int64
	Skip    string
}
