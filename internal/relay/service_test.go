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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazwoot/bridge/internal/dedup"
	"github.com/wazwoot/bridge/internal/inbox"
	"github.com/wazwoot/bridge/internal/media"
	"github.com/wazwoot/bridge/internal/models"
	"github.com/wazwoot/bridge/internal/normalize"
	"github.com/wazwoot/bridge/internal/queue"
	"github.com/wazwoot/bridge/internal/registry"
	"github.com/wazwoot/bridge/internal/restclient"
)

// call is one recorded adapter request.
type call struct {
	Method  string
	Peer    string
	Content string
	Extra   string
	Source  string
	MsgType string
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []call
	fail  error
	// failOnce fails the next call of a method, then clears itself.
	failOnce map[string]error
}

func (g *fakeGateway) record(c call) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return "", g.fail
	}
	if err, ok := g.failOnce[c.Method]; ok {
		delete(g.failOnce, c.Method)
		return "", err
	}
	g.calls = append(g.calls, c)
	return fmt.Sprintf("WA%d", len(g.calls)), nil
}

func (g *fakeGateway) SendText(_ context.Context, _ models.Integration, phone, body string) (string, error) {
	return g.record(call{Method: "text", Peer: phone, Content: body})
}

func (g *fakeGateway) SendImage(_ context.Context, _ models.Integration, phone, dataURL, caption string) (string, error) {
	return g.record(call{Method: "image", Peer: phone, Content: caption, Extra: dataURL})
}

func (g *fakeGateway) SendVideo(_ context.Context, _ models.Integration, phone, dataURL, caption string) (string, error) {
	return g.record(call{Method: "video", Peer: phone, Content: caption, Extra: dataURL})
}

func (g *fakeGateway) SendAudio(_ context.Context, _ models.Integration, phone, dataURL string) (string, error) {
	return g.record(call{Method: "audio", Peer: phone, Extra: dataURL})
}

func (g *fakeGateway) SendDocument(_ context.Context, _ models.Integration, phone, dataURL, fileName string) (string, error) {
	return g.record(call{Method: "document", Peer: phone, Content: fileName, Extra: dataURL})
}

func (g *fakeGateway) snapshot() []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]call(nil), g.calls...)
}

type fakeInbox struct {
	mu    sync.Mutex
	calls []call
	fail  error
	// failOnce fails the next write with a given source id, then clears itself.
	failOnce map[string]error
}

func (f *fakeInbox) record(c call) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOnce[c.Source]; ok {
		delete(f.failOnce, c.Source)
		return 0, err
	}
	f.calls = append(f.calls, c)
	return int64(len(f.calls)), nil
}

func (f *fakeInbox) EnsureContact(_ context.Context, _ models.Integration, peer, name string) (inbox.Contact, error) {
	if f.fail != nil {
		return inbox.Contact{}, f.fail
	}
	return inbox.Contact{ID: 55, Name: name, PhoneNumber: "+" + peer}, nil
}

func (f *fakeInbox) EnsureConversation(context.Context, models.Integration, inbox.Contact) (int64, error) {
	return 12, nil
}

func (f *fakeInbox) SendMessage(_ context.Context, _ models.Integration, _ int64, msg inbox.Message) (int64, error) {
	return f.record(call{Method: "message", Content: msg.Content, Source: msg.SourceID, MsgType: msg.MessageType})
}

func (f *fakeInbox) UploadAttachment(_ context.Context, _ models.Integration, _ int64, up inbox.Upload) (int64, error) {
	return f.record(call{Method: "upload", Content: up.Content, Extra: up.FileName + "|" + up.MIME, Source: up.SourceID, MsgType: up.MessageType})
}

func (f *fakeInbox) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

// fakeMedia serves assets by source URL; unknown URLs time out.
type fakeMedia struct {
	assets map[string]*media.Asset
}

func (m *fakeMedia) Fetch(_ context.Context, ref models.AttachmentRef, _ time.Duration) (*media.Asset, error) {
	if a, ok := m.assets[ref.SourceURL]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("download %s: %w", ref.SourceURL, context.DeadlineExceeded)
}

type harness struct {
	svc     *Service
	gateway *fakeGateway
	inbox   *fakeInbox
	guard   *dedup.Guard
}

func newHarness(t *testing.T, integrations ...models.Integration) *harness {
	t.Helper()
	if len(integrations) == 0 {
		integrations = []models.Integration{testIntegration("shop", 12, true)}
	}
	reg, err := registry.NewStatic(integrations)
	require.NoError(t, err)

	h := &harness{
		gateway: &fakeGateway{},
		inbox:   &fakeInbox{},
		guard:   dedup.New(time.Minute, 100),
	}
	h.svc = New(Config{
		Registry: reg,
		Guard:    h.guard,
		Gateway:  h.gateway,
		Inbox:    h.inbox,
		Media: &fakeMedia{assets: map[string]*media.Asset{
			"https://s3.local/photo.jpg": {Data: []byte{0xff, 0xd8, 0xff}, MIME: "image/jpeg"},
			"https://chat.local/voice":   {Data: []byte("OggS"), MIME: "audio/ogg"},
			"https://chat.local/invoice": {Data: []byte("%PDF-1.4"), MIME: "application/pdf"},
			"https://chat.local/pic":     {Data: []byte{0x89, 'P', 'N', 'G'}, MIME: "image/png"},
		}},
		Normalize: normalize.Options{LongPhone: normalize.PhoneForward, MissingID: normalize.IDRelay},
		Queue: queue.Config{
			Sleep: func(ctx context.Context, d time.Duration) error { return ctx.Err() },
		},
	})
	t.Cleanup(h.svc.Stop)
	return h
}

func testIntegration(key string, inboxID int64, enabled bool) models.Integration {
	return models.Integration{
		TenantKey:      key,
		GatewayURL:     "http://wuzapi.local",
		GatewayToken:   "wz",
		InboxURL:       "http://chat.local",
		InboxAccountID: 1,
		InboxToken:     "cw",
		InboxID:        inboxID,
		Enabled:        enabled,
	}
}

func gatewayBody(t *testing.T, id string, fromMe bool, message map[string]any, s3 map[string]any) []byte {
	t.Helper()
	payload := map[string]any{
		"type": "Message",
		"event": map[string]any{
			"Info": map[string]any{
				"ID":       id,
				"IsFromMe": fromMe,
				"IsGroup":  false,
				"Chat":     "5511999988881@s.whatsapp.net",
				"Sender":   "5511999988881@s.whatsapp.net",
				"PushName": "Maria",
			},
			"Message": message,
		},
	}
	if s3 != nil {
		payload["s3"] = s3
	}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return b
}

func inboxBody(t *testing.T, id int64, content string, attachments ...map[string]any) []byte {
	t.Helper()
	payload := map[string]any{
		"event":        "message_created",
		"id":           id,
		"message_type": "outgoing",
		"private":      false,
		"content":      content,
		"inbox":        map[string]any{"id": 12},
		"conversation": map[string]any{"meta": map[string]any{"sender": map[string]any{"phone_number": "+5511999988881"}}},
		"attachments":  attachments,
	}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return b
}

func TestGatewayWebhook_TextRelayed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.HandleGatewayWebhook(ctx, "shop", gatewayBody(t, "ABC1", false, map[string]any{"conversation": "hello"}, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRelayed, res.Outcome)
	assert.Equal(t, int64(55), res.ContactID)
	assert.Equal(t, int64(12), res.ConversationID)

	calls := h.inbox.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, call{Method: "message", Content: "hello", Source: "wuzapi_ABC1", MsgType: "incoming"}, calls[0])

	res, err = h.svc.HandleGatewayWebhook(ctx, "shop", gatewayBody(t, "ABC1", false, map[string]any{"conversation": "hello"}, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Len(t, h.inbox.snapshot(), 1, "redelivery is not relayed twice")
}

func TestGatewayWebhook_FromSelfIsOutgoing(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.HandleGatewayWebhook(context.Background(), "shop", gatewayBody(t, "ME1", true, map[string]any{"conversation": "sent from phone"}, nil))
	require.NoError(t, err)
	calls := h.inbox.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "outgoing", calls[0].MsgType)
}

func TestGatewayWebhook_UnknownTenant(t *testing.T) {
	h := newHarness(t, testIntegration("shop", 12, true), testIntegration("off", 13, false))
	body := gatewayBody(t, "X1", false, map[string]any{"conversation": "hi"}, nil)

	_, err := h.svc.HandleGatewayWebhook(context.Background(), "nobody", body)
	assert.ErrorIs(t, err, ErrUnknownTenant)

	_, err = h.svc.HandleGatewayWebhook(context.Background(), "off", body)
	assert.ErrorIs(t, err, ErrUnknownTenant)
	assert.Empty(t, h.inbox.snapshot())
}

func TestGatewayWebhook_BoundaryErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.HandleGatewayWebhook(context.Background(), "shop", []byte(`{"jsonData":"{broken"}`))
	assert.ErrorIs(t, err, normalize.ErrInvalidPayload)

	_, err = h.svc.HandleGatewayWebhook(context.Background(), "shop", []byte(`{"type":"Message","event":{}}`))
	assert.ErrorIs(t, err, normalize.ErrIncompletePayload)
}

func TestGatewayWebhook_Ignored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	group := map[string]any{
		"type": "Message",
		"event": map[string]any{
			"Info":    map[string]any{"ID": "G1", "IsGroup": true, "Chat": "120363@g.us"},
			"Message": map[string]any{"conversation": "hi all"},
		},
	}
	b, _ := json.Marshal(group)
	res, err := h.svc.HandleGatewayWebhook(ctx, "shop", b)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = h.svc.HandleGatewayWebhook(ctx, "shop", []byte(`{"type":"Picture","event":{}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = h.svc.HandleGatewayWebhook(ctx, "shop", []byte(`{"type":"Receipt","event":{"Type":"read","MessageIDs":["A","B"]}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReceipt, res.Outcome)
	assert.Equal(t, "read", res.Status)
	assert.Equal(t, 2, res.Count)

	assert.Empty(t, h.inbox.snapshot())
}

func TestGatewayWebhook_MediaUploaded(t *testing.T) {
	h := newHarness(t)
	s3 := map[string]any{"url": "https://s3.local/photo.jpg", "mimeType": "image/jpeg", "fileName": "IMG-01.jpg", "size": 3}
	msg := map[string]any{"imageMessage": map[string]any{"caption": "look", "mimetype": "image/jpeg"}}

	res, err := h.svc.HandleGatewayWebhook(context.Background(), "shop", gatewayBody(t, "IMG1", false, msg, s3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRelayed, res.Outcome)
	assert.False(t, res.MediaFallback)

	calls := h.inbox.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, call{Method: "upload", Content: "look", Extra: "image.jpg|image/jpeg", Source: "wuzapi_IMG1", MsgType: "incoming"}, calls[0])
}

func TestGatewayWebhook_MediaTimeoutFallsBackToCaption(t *testing.T) {
	h := newHarness(t)
	s3 := map[string]any{"url": "https://s3.local/slow.mp4", "mimeType": "video/mp4", "fileName": "clip.mp4"}

	msg := map[string]any{"videoMessage": map[string]any{"caption": "our trip"}}
	res, err := h.svc.HandleGatewayWebhook(context.Background(), "shop", gatewayBody(t, "VID1", false, msg, s3))
	require.NoError(t, err, "media failure never fails the request")
	assert.True(t, res.MediaFallback)

	msg = map[string]any{"videoMessage": map[string]any{}}
	_, err = h.svc.HandleGatewayWebhook(context.Background(), "shop", gatewayBody(t, "VID2", false, msg, s3))
	require.NoError(t, err)

	calls := h.inbox.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "message", calls[0].Method)
	assert.Equal(t, "📎 [media unavailable: clip.mp4] our trip", calls[0].Content)
	assert.Equal(t, "📎 [media unavailable: clip.mp4]", calls[1].Content)
}

func TestGatewayWebhook_MediaKindPlaceholder(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.HandleGatewayWebhook(context.Background(), "shop", gatewayBody(t, "AUD1", false, map[string]any{"audioMessage": map[string]any{"seconds": 4}}, nil))
	require.NoError(t, err)

	calls := h.inbox.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "🎵 Audio", calls[0].Content)
}

func TestGatewayWebhook_UpstreamFailureReleasesID(t *testing.T) {
	h := newHarness(t)
	h.inbox.fail = &restclient.UpstreamError{Service: "chatwoot", Status: http.StatusBadGateway, Body: "bad gateway"}
	body := gatewayBody(t, "RETRY1", false, map[string]any{"conversation": "hello"}, nil)

	_, err := h.svc.HandleGatewayWebhook(context.Background(), "shop", body)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, restclient.StatusOf(err))
	assert.False(t, h.guard.Seen("RETRY1"), "failed relay must not suppress the redelivery")

	h.inbox.fail = nil
	res, err := h.svc.HandleGatewayWebhook(context.Background(), "shop", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRelayed, res.Outcome)
}

func TestGatewayWebhook_RedeliveryResumesAfterDeliveredParts(t *testing.T) {
	h := newHarness(t)
	h.inbox.failOnce = map[string]error{
		"wuzapi_IMG2_text": &restclient.UpstreamError{Service: "chatwoot", Status: http.StatusServiceUnavailable},
	}
	s3 := map[string]any{"url": "https://s3.local/photo.jpg", "mimeType": "image/jpeg", "fileName": "IMG-02.jpg"}
	msg := map[string]any{
		"conversation": "body",
		"imageMessage": map[string]any{"caption": "cap", "mimetype": "image/jpeg"},
	}
	body := gatewayBody(t, "IMG2", false, msg, s3)

	_, err := h.svc.HandleGatewayWebhook(context.Background(), "shop", body)
	require.Error(t, err)
	assert.False(t, h.guard.Seen("IMG2"), "the redelivery must be processed")
	assert.Equal(t, 1, h.svc.partial.size())

	res, err := h.svc.HandleGatewayWebhook(context.Background(), "shop", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRelayed, res.Outcome)
	assert.Zero(t, h.svc.partial.size())

	calls := h.inbox.snapshot()
	require.Len(t, calls, 2, "the image is uploaded once")
	assert.Equal(t, "upload", calls[0].Method)
	assert.Equal(t, "cap", calls[0].Content)
	assert.Equal(t, call{Method: "message", Content: "body", Source: "wuzapi_IMG2_text", MsgType: "incoming"}, calls[1])

	res, err = h.svc.HandleGatewayWebhook(context.Background(), "shop", body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestGatewayWebhook_FailureBeforeAnyPartKeepsNoProgress(t *testing.T) {
	h := newHarness(t)
	h.inbox.failOnce = map[string]error{
		"wuzapi_IMG3": &restclient.UpstreamError{Service: "chatwoot", Status: http.StatusBadGateway},
	}
	s3 := map[string]any{"url": "https://s3.local/photo.jpg", "mimeType": "image/jpeg"}
	body := gatewayBody(t, "IMG3", false, map[string]any{"imageMessage": map[string]any{"caption": "cap"}}, s3)

	_, err := h.svc.HandleGatewayWebhook(context.Background(), "shop", body)
	require.Error(t, err)
	assert.Zero(t, h.svc.partial.size())

	_, err = h.svc.HandleGatewayWebhook(context.Background(), "shop", body)
	require.NoError(t, err)
	calls := h.inbox.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "cap", calls[0].Content)
}

func waitGateway(t *testing.T, h *harness, n int) []call {
	t.Helper()
	require.Eventually(t, func() bool {
		st := h.svc.QueueStatus()
		return len(h.gateway.snapshot()) >= n && !st.IsProcessing
	}, 2*time.Second, 5*time.Millisecond)
	return h.gateway.snapshot()
}

func TestInboxEvent_QueuedAndDelivered(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.HandleInboxEvent(context.Background(), inboxBody(t, 901, "Your order shipped"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.Equal(t, 1, res.Position)
	assert.Equal(t, "5511999988881", res.Phone)

	calls := waitGateway(t, h, 1)
	assert.Equal(t, []call{{Method: "text", Peer: "5511999988881", Content: "Your order shipped"}}, calls)
	assert.Equal(t, 1, h.svc.QueueStatus().Stats.Success)

	res, err = h.svc.HandleInboxEvent(context.Background(), inboxBody(t, 901, "Your order shipped"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestInboxEvent_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	body := strings.Replace(string(inboxBody(t, 1, "hi")), `"id":12`, `"id":77`, 1)
	_, err := h.svc.HandleInboxEvent(ctx, []byte(body))
	assert.ErrorIs(t, err, ErrUnknownTenant)

	res, err := h.svc.HandleInboxEvent(ctx, []byte(`{"event":"conversation_updated"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	echo := strings.Replace(string(inboxBody(t, 2, "hi")), `"private":false`, `"private":false,"source_id":"wuzapi_ABC"`, 1)
	res, err = h.svc.HandleInboxEvent(ctx, []byte(echo))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	_, err = h.svc.HandleInboxEvent(ctx, []byte(`not json`))
	assert.ErrorIs(t, err, normalize.ErrInvalidPayload)

	assert.Zero(t, h.svc.QueueStatus().Stats.Total)
}

func TestDeliver_AttachmentRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	integ := testIntegration("shop", 12, true)

	tests := []struct {
		name string
		job  queue.Job
		want []call
	}{
		{
			name: "image carries the text as caption",
			job: queue.Job{Text: "here", Attachments: []models.AttachmentRef{
				{SourceURL: "https://chat.local/pic", DeclaredMIME: "image", FileName: "pic.png"},
			}},
			want: []call{{Method: "image", Content: "here", Extra: "data:image/png;base64,iVBORw=="}},
		},
		{
			name: "audio is followed by the text",
			job: queue.Job{Text: "listen", Attachments: []models.AttachmentRef{
				{SourceURL: "https://chat.local/voice", DeclaredMIME: "audio", FileName: "voice.ogg"},
			}},
			want: []call{
				{Method: "audio", Extra: "data:audio/ogg;base64,T2dnUw=="},
				{Method: "text", Content: "listen"},
			},
		},
		{
			name: "document is sent as octet-stream",
			job: queue.Job{Attachments: []models.AttachmentRef{
				{SourceURL: "https://chat.local/invoice", DeclaredMIME: "file", FileName: "invoice march.pdf"},
			}},
			want: []call{{Method: "document", Content: "invoice march.pdf", Extra: "data:application/octet-stream;base64,JVBERi0xLjQ="}},
		},
		{
			name: "unreachable attachment becomes fallback text",
			job: queue.Job{Text: "see file", Attachments: []models.AttachmentRef{
				{SourceURL: "https://chat.local/gone", DeclaredMIME: "file", FileName: "gone.pdf"},
			}},
			want: []call{{Method: "text", Content: "📎 [media unavailable: gone.pdf] see file"}},
		},
		{
			name: "fallback placeholder without text",
			job: queue.Job{Attachments: []models.AttachmentRef{
				{SourceURL: "https://chat.local/gone", DeclaredMIME: "image", FileName: "gone.png"},
			}},
			want: []call{{Method: "text", Content: "📎 [media unavailable: gone.png]"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.gateway.mu.Lock()
			h.gateway.calls = nil
			h.gateway.mu.Unlock()

			job := tt.job
			job.Integration = integ
			job.TargetPeer = "5511999988881"
			require.NoError(t, h.svc.Deliver(ctx, &job))

			got := h.gateway.snapshot()
			for i := range got {
				got[i].Peer = ""
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeliver_GatewayErrorPropagates(t *testing.T) {
	h := newHarness(t)
	h.gateway.fail = &restclient.UpstreamError{Service: "wuzapi", Status: http.StatusServiceUnavailable}

	err := h.svc.Deliver(context.Background(), &queue.Job{Integration: testIntegration("shop", 12, true), TargetPeer: "5511999988881", Text: "hi"})
	require.Error(t, err)
	assert.True(t, restclient.IsTransient(err))

	var ue *restclient.UpstreamError
	assert.True(t, errors.As(err, &ue))
}

func TestDeliver_RetryResumesAtFailedPart(t *testing.T) {
	h := newHarness(t)
	h.gateway.failOnce = map[string]error{
		"text": &restclient.UpstreamError{Service: "wuzapi", Status: http.StatusBadGateway},
	}
	job := &queue.Job{
		Integration: testIntegration("shop", 12, true),
		TargetPeer:  "5511999988881",
		Text:        "listen",
		Attachments: []models.AttachmentRef{
			{SourceURL: "https://chat.local/voice", DeclaredMIME: "audio", FileName: "voice.ogg"},
		},
	}

	err := h.svc.Deliver(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, 1, job.Sent)
	assert.False(t, job.TextSent)

	require.NoError(t, h.svc.Deliver(context.Background(), job))
	assert.True(t, job.TextSent)

	calls := h.gateway.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "audio", calls[0].Method)
	assert.Equal(t, call{Method: "text", Peer: "5511999988881", Content: "listen"}, calls[1])
}

func TestDeliver_CaptionNotRepeatedOnRetry(t *testing.T) {
	h := newHarness(t)
	h.gateway.failOnce = map[string]error{
		"document": &restclient.UpstreamError{Service: "wuzapi", Status: http.StatusServiceUnavailable},
	}
	job := &queue.Job{
		Integration: testIntegration("shop", 12, true),
		TargetPeer:  "5511999988881",
		Text:        "two files",
		Attachments: []models.AttachmentRef{
			{SourceURL: "https://chat.local/pic", DeclaredMIME: "image", FileName: "pic.png"},
			{SourceURL: "https://chat.local/invoice", DeclaredMIME: "file", FileName: "invoice.pdf"},
		},
	}

	require.Error(t, h.svc.Deliver(context.Background(), job))
	require.NoError(t, h.svc.Deliver(context.Background(), job))

	calls := h.gateway.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "image", calls[0].Method)
	assert.Equal(t, "two files", calls[0].Content)
	assert.Equal(t, "document", calls[1].Method)
}

func TestInboxEvent_RetriedJobSendsEachPartOnce(t *testing.T) {
	h := newHarness(t)
	h.gateway.failOnce = map[string]error{
		"text": &restclient.UpstreamError{Service: "wuzapi", Status: http.StatusBadGateway},
	}
	voice := map[string]any{"file_type": "audio", "data_url": "https://chat.local/voice"}

	_, err := h.svc.HandleInboxEvent(context.Background(), inboxBody(t, 950, "listen", voice))
	require.NoError(t, err)

	calls := waitGateway(t, h, 2)
	require.Len(t, calls, 2)
	assert.Equal(t, "audio", calls[0].Method)
	assert.Equal(t, "text", calls[1].Method)
	assert.Equal(t, 1, h.svc.QueueStatus().Stats.Retried)
	assert.Equal(t, 1, h.svc.QueueStatus().Stats.Success)
}
