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

// Package relay moves messages between the WhatsApp gateway and the helpdesk
// inbox.
//
// Gateway webhooks are relayed into the inbox synchronously, within the
// request. Inbox events are acknowledged immediately and delivered to the
// gateway through the dispatch queue.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wazwoot/bridge/internal/inbox"
	"github.com/wazwoot/bridge/internal/media"
	"github.com/wazwoot/bridge/internal/models"
	"github.com/wazwoot/bridge/internal/normalize"
	"github.com/wazwoot/bridge/internal/queue"
	"github.com/wazwoot/bridge/internal/registry"
	"github.com/wazwoot/bridge/internal/restclient"
)

// ErrUnknownTenant means no enabled integration matches the request.
var ErrUnknownTenant = errors.New("integration not configured")

// inboxKeyPrefix keeps inbox message ids apart from gateway ids in the
// shared dedup guard.
const inboxKeyPrefix = "inbox:"

// Outcome describes what happened to an accepted event.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeReceipt   Outcome = "receipt"
	OutcomeRelayed   Outcome = "relayed"
	OutcomeQueued    Outcome = "queued"
)

// Result is returned to the webhook caller.
type Result struct {
	Outcome          Outcome `json:"outcome"`
	Message          string  `json:"message,omitempty"`
	ContactID        int64   `json:"contact_id,omitempty"`
	ConversationID   int64   `json:"conversation_id,omitempty"`
	MediaFallback    bool    `json:"media_fallback,omitempty"`
	Position         int     `json:"position,omitempty"`
	Phone            string  `json:"phone,omitempty"`
	AttachmentsCount int     `json:"attachments_count,omitempty"`
	Status           string  `json:"status,omitempty"`
	Count            int     `json:"count,omitempty"`
}

// Deduper suppresses repeated deliveries of the same provider message.
type Deduper interface {
	ShouldProcess(ctx context.Context, id string) bool
	Forget(ctx context.Context, id string)
}

// GatewaySender sends messages through a tenant's gateway instance.
type GatewaySender interface {
	SendText(ctx context.Context, integ models.Integration, phone, body string) (string, error)
	SendImage(ctx context.Context, integ models.Integration, phone, dataURL, caption string) (string, error)
	SendVideo(ctx context.Context, integ models.Integration, phone, dataURL, caption string) (string, error)
	SendAudio(ctx context.Context, integ models.Integration, phone, dataURL string) (string, error)
	SendDocument(ctx context.Context, integ models.Integration, phone, dataURL, fileName string) (string, error)
}

// InboxWriter writes into a tenant's inbox.
type InboxWriter interface {
	EnsureContact(ctx context.Context, integ models.Integration, peer, name string) (inbox.Contact, error)
	EnsureConversation(ctx context.Context, integ models.Integration, contact inbox.Contact) (int64, error)
	SendMessage(ctx context.Context, integ models.Integration, conversationID int64, msg inbox.Message) (int64, error)
	UploadAttachment(ctx context.Context, integ models.Integration, conversationID int64, up inbox.Upload) (int64, error)
}

// MediaFetcher resolves attachment references into bytes.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref models.AttachmentRef, timeout time.Duration) (*media.Asset, error)
}

// Config wires the service's collaborators.
type Config struct {
	Registry  registry.Registry
	Guard     Deduper
	Gateway   GatewaySender
	Inbox     InboxWriter
	Media     MediaFetcher
	Timeouts  media.Timeouts
	Normalize normalize.Options

	// Queue settings. Deliver is supplied by the service; a nil Retryable
	// retries only transient upstream errors.
	Queue queue.Config
}

// Service owns the relay pipeline state for one process.
type Service struct {
	registry registry.Registry
	guard    Deduper
	gateway  GatewaySender
	inbox    InboxWriter
	media    MediaFetcher
	timeouts media.Timeouts
	opts     normalize.Options
	queue    *queue.Queue
	partial  *progressLog
}

// New creates a relay service and its dispatch queue.
func New(cfg Config) *Service {
	s := &Service{
		registry: cfg.Registry,
		guard:    cfg.Guard,
		gateway:  cfg.Gateway,
		inbox:    cfg.Inbox,
		media:    cfg.Media,
		timeouts: cfg.Timeouts,
		opts:     cfg.Normalize,
		partial:  newProgressLog(),
	}
	if s.timeouts == (media.Timeouts{}) {
		s.timeouts = media.DefaultTimeouts()
	}

	qc := cfg.Queue
	qc.Deliver = s.Deliver
	if qc.Retryable == nil {
		qc.Retryable = restclient.IsTransient
	}
	s.queue = queue.New(qc)
	return s
}

// Start runs background work (queue stats).
func (s *Service) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop halts the dispatch queue. Pending jobs are dropped.
func (s *Service) Stop() {
	s.queue.Stop()
}

// QueueStatus reports the dispatch queue state.
func (s *Service) QueueStatus() queue.Status {
	return s.queue.Status()
}

func (s *Service) echoPrefix() string {
	if s.opts.EchoPrefix == "" {
		return normalize.DefaultEchoPrefix
	}
	return s.opts.EchoPrefix
}

// HandleGatewayWebhook relays one gateway webhook for tenantKey into the
// inbox. Upstream failures are returned so the gateway redelivers; the
// message id is released from the dedup guard first and the parts already
// in the inbox are remembered, so the redelivery sends only the rest.
func (s *Service) HandleGatewayWebhook(ctx context.Context, tenantKey string, body []byte) (Result, error) {
	integ, err := s.lookup(s.registry.ByTenantKey(ctx, tenantKey))
	if err != nil {
		return Result{}, err
	}

	res, err := normalize.Gateway(body, s.opts)
	if err != nil {
		return Result{}, err
	}
	if res.Receipt != nil {
		slog.Info("receipt received",
			"tenant", integ.TenantKey,
			"status", res.Receipt.Type,
			"count", len(res.Receipt.MessageIDs),
		)
		return Result{
			Outcome: OutcomeReceipt,
			Message: "receipt processed",
			Status:  res.Receipt.Type,
			Count:   len(res.Receipt.MessageIDs),
		}, nil
	}
	if res.Skip != "" {
		slog.Debug("gateway event ignored", "tenant", integ.TenantKey, "reason", res.Skip)
		return Result{Outcome: OutcomeIgnored, Message: res.Skip}, nil
	}

	ev := res.Event
	ev.TenantKey = integ.TenantKey
	if !s.guard.ShouldProcess(ctx, ev.ProviderMessageID) {
		slog.Info("duplicate gateway message ignored",
			"tenant", integ.TenantKey,
			"message_id", ev.ProviderMessageID,
		)
		return Result{Outcome: OutcomeDuplicate, Message: "duplicate message ignored"}, nil
	}

	resume := s.partial.take(ev.ProviderMessageID)
	result, done, err := s.relayInbound(ctx, integ, ev, resume)
	if err != nil {
		s.partial.keep(ev.ProviderMessageID, done)
		s.guard.Forget(ctx, ev.ProviderMessageID)
		slog.Error("inbound relay failed",
			"tenant", integ.TenantKey,
			"peer", ev.PeerAddress,
			"message_id", ev.ProviderMessageID,
			"parts_delivered", done.sent,
			"error", err,
		)
		return Result{}, err
	}
	return result, nil
}

// relayInbound writes ev into the inbox. Parts are the attachments in order
// followed by a separate body text; those below done.sent were delivered by
// an earlier attempt and are skipped. The returned progress counts the parts
// delivered so far, also on error.
func (s *Service) relayInbound(ctx context.Context, integ models.Integration, ev *models.RelayEvent, done progress) (Result, progress, error) {
	contact, err := s.inbox.EnsureContact(ctx, integ, ev.PeerAddress, ev.DisplayName)
	if err != nil {
		return Result{}, done, err
	}
	convID, err := s.inbox.EnsureConversation(ctx, integ, contact)
	if err != nil {
		return Result{}, done, err
	}

	msgType := inbox.MessageIncoming
	if ev.OriginIsSelf {
		msgType = inbox.MessageOutgoing
	}
	sourceID := inbox.EchoSourceID(s.echoPrefix(), ev.ProviderMessageID)
	result := Result{Outcome: OutcomeRelayed, ContactID: contact.ID, ConversationID: convID}

	if len(ev.Attachments) == 0 {
		text := firstNonEmpty(ev.Text, ev.Caption)
		if ev.MediaKind != "" {
			text = firstNonEmpty(ev.Caption, ev.Text, media.Placeholder(ev.MediaKind))
		}
		msg := inbox.Message{Content: text, MessageType: msgType, SourceID: sourceID}
		if _, err := s.inbox.SendMessage(ctx, integ, convID, msg); err != nil {
			return Result{}, done, err
		}
		slog.Info("message relayed to inbox",
			"tenant", integ.TenantKey,
			"peer", ev.PeerAddress,
			"message_id", ev.ProviderMessageID,
			"conversation_id", convID,
		)
		return result, progress{}, nil
	}

	content := firstNonEmpty(ev.Caption, ev.Text)
	if done.sent > 0 {
		content = ""
		result.MediaFallback = done.fallback
	}
	for i, ref := range ev.Attachments {
		if i < done.sent {
			continue
		}
		partSource := sourceID
		if i > 0 {
			partSource = fmt.Sprintf("%s_%d", sourceID, i)
		}

		asset, err := s.media.Fetch(ctx, ref, s.timeouts.Inbound)
		if err != nil {
			slog.Warn("media fetch failed, relaying text only",
				"tenant", integ.TenantKey,
				"peer", ev.PeerAddress,
				"message_id", ev.ProviderMessageID,
				"error", err,
			)
			fallback := inbox.Message{
				Content:     media.FallbackText(ev.Text, ev.Caption, ref.FileName),
				MessageType: msgType,
				SourceID:    partSource,
			}
			if _, err := s.inbox.SendMessage(ctx, integ, convID, fallback); err != nil {
				return Result{}, done, err
			}
			result.MediaFallback = true
			content = ""
			done.sent, done.fallback = i+1, true
			continue
		}

		name := media.FriendlyName(asset.MIME, firstNonEmpty(ref.FileName, asset.FileName))
		up := inbox.Upload{
			Message: inbox.Message{
				Content:     firstNonEmpty(content, "📎 "+name),
				MessageType: msgType,
				SourceID:    partSource,
			},
			FileName: name,
			MIME:     asset.MIME,
			Data:     asset.Data,
		}
		if _, err := s.inbox.UploadAttachment(ctx, integ, convID, up); err != nil {
			return Result{}, done, err
		}
		content = ""
		done.sent = i + 1
	}

	// A caption went out with the attachment; body text that differs from it
	// follows as its own message.
	if ev.Caption != "" && ev.Text != "" && ev.Text != ev.Caption && !result.MediaFallback {
		msg := inbox.Message{Content: ev.Text, MessageType: msgType, SourceID: sourceID + "_text"}
		if _, err := s.inbox.SendMessage(ctx, integ, convID, msg); err != nil {
			return Result{}, done, err
		}
	}

	slog.Info("media relayed to inbox",
		"tenant", integ.TenantKey,
		"peer", ev.PeerAddress,
		"message_id", ev.ProviderMessageID,
		"conversation_id", convID,
		"attachments", len(ev.Attachments),
		"fallback", result.MediaFallback,
	)
	return result, progress{}, nil
}

// HandleInboxEvent validates an inbox webhook and queues the reply for the
// gateway. It returns as soon as the job is queued.
func (s *Service) HandleInboxEvent(ctx context.Context, body []byte) (Result, error) {
	res, err := normalize.Inbox(body, s.opts)
	if err != nil {
		return Result{}, err
	}
	if res.Skip != "" {
		slog.Debug("inbox event ignored", "reason", res.Skip)
		return Result{Outcome: OutcomeIgnored, Message: res.Skip}, nil
	}

	integ, err := s.lookup(s.registry.ByInboxID(ctx, res.InboxID))
	if err != nil {
		return Result{}, err
	}

	ev := res.Event
	ev.TenantKey = integ.TenantKey
	if ev.ProviderMessageID != "" && !s.guard.ShouldProcess(ctx, inboxKeyPrefix+ev.ProviderMessageID) {
		slog.Info("duplicate inbox message ignored",
			"tenant", integ.TenantKey,
			"message_id", ev.ProviderMessageID,
		)
		return Result{Outcome: OutcomeDuplicate, Message: "duplicate message ignored"}, nil
	}

	job := &queue.Job{
		Integration:     integ,
		TargetPeer:      ev.PeerAddress,
		Text:            ev.Text,
		Attachments:     ev.Attachments,
		SourceMessageID: ev.ProviderMessageID,
	}
	pos := s.queue.Enqueue(job)

	slog.Info("inbox message queued",
		"tenant", integ.TenantKey,
		"peer", ev.PeerAddress,
		"message_id", ev.ProviderMessageID,
		"job_id", job.ID,
		"position", pos,
		"attachments", len(ev.Attachments),
	)
	return Result{
		Outcome:          OutcomeQueued,
		Position:         pos,
		Phone:            ev.PeerAddress,
		AttachmentsCount: len(ev.Attachments),
	}, nil
}

// Deliver sends one queued job through the gateway. Attachments go first,
// in order; an image or video carries the text as its caption, otherwise
// the text follows as its own message. An attachment that cannot be fetched
// is replaced by fallback text.
//
// Deliver advances job.Sent and job.TextSent after each successful send, so
// a retried job resumes at the part that failed.
func (s *Service) Deliver(ctx context.Context, job *queue.Job) error {
	integ := job.Integration
	text := job.Text
	if job.TextSent {
		text = ""
	}

	for i, ref := range job.Attachments {
		if i < job.Sent {
			continue
		}
		kind := media.Category(ref.DeclaredMIME)

		asset, err := s.media.Fetch(ctx, ref, s.timeouts.For(kind))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("media fetch failed, sending text only",
				"tenant", integ.TenantKey,
				"peer", job.TargetPeer,
				"job_id", job.ID,
				"file", ref.FileName,
				"error", err,
			)
			if _, err := s.gateway.SendText(ctx, integ, job.TargetPeer, media.FallbackText(text, "", ref.FileName)); err != nil {
				return fmt.Errorf("send fallback text: %w", err)
			}
			job.Sent = i + 1
			job.TextSent = true
			text = ""
			continue
		}
		if ref.DeclaredMIME == "" {
			kind = asset.Kind()
		}

		captioned := false
		switch kind {
		case media.KindImage:
			_, err = s.gateway.SendImage(ctx, integ, job.TargetPeer, media.DataURL(asset.MIME, asset.Data), text)
			captioned = true
		case media.KindVideo:
			_, err = s.gateway.SendVideo(ctx, integ, job.TargetPeer, media.DataURL(asset.MIME, asset.Data), text)
			captioned = true
		case media.KindAudio:
			_, err = s.gateway.SendAudio(ctx, integ, job.TargetPeer, media.DataURL(asset.MIME, asset.Data))
		default:
			name := firstNonEmpty(ref.FileName, asset.FileName, normalize.GenericFileName(asset.MIME))
			_, err = s.gateway.SendDocument(ctx, integ, job.TargetPeer, media.DataURL(media.OctetStream, asset.Data), name)
		}
		if err != nil {
			return fmt.Errorf("send %s: %w", kind, err)
		}
		job.Sent = i + 1
		if captioned {
			job.TextSent = true
			text = ""
		}
	}

	if text != "" {
		if _, err := s.gateway.SendText(ctx, integ, job.TargetPeer, text); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
		job.TextSent = true
	}
	return nil
}

// lookup turns a registry answer into an enabled integration.
func (s *Service) lookup(integ models.Integration, err error) (models.Integration, error) {
	if errors.Is(err, registry.ErrNotFound) {
		return models.Integration{}, ErrUnknownTenant
	}
	if err != nil {
		return models.Integration{}, fmt.Errorf("lookup integration: %w", err)
	}
	if !integ.Enabled {
		return models.Integration{}, fmt.Errorf("%w: %s is disabled", ErrUnknownTenant, integ.TenantKey)
	}
	return integ, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
