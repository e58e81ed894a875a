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

// Package models defines the data structures shared across the relay service.
package models

import "time"

// Direction tells which platform an event originated on.
type Direction string

const (
	// Inbound events come from the WhatsApp gateway and go to the inbox.
	Inbound Direction = "inbound"
	// Outbound events come from the inbox and go to the gateway.
	Outbound Direction = "outbound"
)

// Integration is a tenant's pairing of one gateway instance with one inbox.
//
// Records are owned by the administrative tooling; the relay pipeline only
// reads them and copies them by value into queued jobs.
type Integration struct {
	ID             int64     `json:"id"`
	TenantKey      string    `json:"instance_name" yaml:"instance_name" validate:"required,max=64,tenantkey"`
	GatewayURL     string    `json:"wuzapi_url" yaml:"wuzapi_url" validate:"required,url"`
	GatewayToken   string    `json:"wuzapi_token" yaml:"wuzapi_token" validate:"required"`
	InboxURL       string    `json:"chatwoot_url" yaml:"chatwoot_url" validate:"required,url"`
	InboxAccountID int64     `json:"chatwoot_account_id" yaml:"chatwoot_account_id" validate:"required,gt=0"`
	InboxToken     string    `json:"chatwoot_api_token" yaml:"chatwoot_api_token" validate:"required"`
	InboxID        int64     `json:"chatwoot_inbox_id" yaml:"chatwoot_inbox_id" validate:"gte=0"`
	Enabled        bool      `json:"enabled" yaml:"enabled"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// AttachmentRef points at a media asset carried by an event. Exactly one of
// SourceURL and InlineData is normally set.
type AttachmentRef struct {
	SourceURL    string `json:"source_url,omitempty"`
	InlineData   string `json:"inline_data,omitempty"` // base64 or data: URL
	DeclaredMIME string `json:"declared_mime,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// RelayEvent is the canonical envelope both webhook schemas are normalized into.
type RelayEvent struct {
	ProviderMessageID string          `json:"provider_message_id"`
	Direction         Direction       `json:"direction"`
	TenantKey         string          `json:"tenant_key,omitempty"`
	OriginIsSelf      bool            `json:"origin_is_self"`
	IsGroup           bool            `json:"is_group"`
	PeerAddress       string          `json:"peer_address"`
	PeerSuspicious    bool            `json:"peer_suspicious,omitempty"`
	DisplayName       string          `json:"display_name,omitempty"`
	Text              string          `json:"text,omitempty"`
	Caption           string          `json:"caption,omitempty"`
	MediaKind         string          `json:"media_kind,omitempty"`
	Attachments       []AttachmentRef `json:"attachments"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// HasContent reports whether the event carries anything worth relaying.
func (e *RelayEvent) HasContent() bool {
	return e.Text != "" || e.Caption != "" || len(e.Attachments) > 0 || e.MediaKind != ""
}
