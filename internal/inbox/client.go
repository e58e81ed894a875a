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

// Package inbox is the REST client for the helpdesk inbox (Chatwoot
// application API).
package inbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wazwoot/bridge/internal/models"
	"github.com/wazwoot/bridge/internal/restclient"
)

const contactCacheTTL = 5 * time.Minute

// Message types accepted by the messages endpoint.
const (
	MessageIncoming = "incoming"
	MessageOutgoing = "outgoing"
)

// Contact is an inbox contact.
type Contact struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	// SourceID is the contact's identifier inside the routing inbox, if any.
	SourceID string `json:"-"`
}

// Message is a message to post into a conversation. SourceID tags messages
// created by the relay so their webhook echo is recognized.
type Message struct {
	Content     string
	MessageType string
	SourceID    string
}

// Upload is an attachment message.
type Upload struct {
	Message
	FileName string
	MIME     string
	Data     []byte
}

// Inbox is a provisioned inbox.
type Inbox struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type cachedContact struct {
	contact   Contact
	expiresAt time.Time
}

// Client talks to the inbox application API on behalf of an integration.
type Client struct {
	rest *restclient.Client
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedContact
}

// NewClient creates an inbox client.
func NewClient(httpClient *http.Client) *Client {
	return &Client{
		rest:  restclient.New(httpClient, "chatwoot", "api_access_token"),
		now:   time.Now,
		cache: make(map[string]cachedContact),
	}
}

func accountURL(integ models.Integration) string {
	return fmt.Sprintf("%s/api/v1/accounts/%d", strings.TrimRight(integ.InboxURL, "/"), integ.InboxAccountID)
}

// E164 formats a digits-only peer address the way the inbox stores phones.
func E164(peer string) string {
	return "+" + strings.TrimPrefix(peer, "+")
}

type contactPayload struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	PhoneNumber    string `json:"phone_number"`
	ContactInboxes []struct {
		SourceID string `json:"source_id"`
		Inbox    struct {
			ID int64 `json:"id"`
		} `json:"inbox"`
	} `json:"contact_inboxes"`
}

func (p contactPayload) toContact(inboxID int64) Contact {
	c := Contact{ID: p.ID, Name: p.Name, PhoneNumber: p.PhoneNumber}
	for _, ci := range p.ContactInboxes {
		if ci.Inbox.ID == inboxID && ci.SourceID != "" {
			c.SourceID = ci.SourceID
			break
		}
	}
	return c
}

// EnsureContact finds the contact for peer, creating it if needed.
func (c *Client) EnsureContact(ctx context.Context, integ models.Integration, peer, name string) (Contact, error) {
	phone := E164(peer)
	cacheKey := integ.TenantKey + "|" + phone

	c.mu.Lock()
	if cached, ok := c.cache[cacheKey]; ok && c.now().Before(cached.expiresAt) {
		c.mu.Unlock()
		return cached.contact, nil
	}
	c.mu.Unlock()

	contact, found, err := c.findContact(ctx, integ, phone)
	if err != nil {
		return Contact{}, err
	}
	if !found {
		contact, err = c.createContact(ctx, integ, phone, name)
		if err != nil {
			return Contact{}, err
		}
	}

	c.mu.Lock()
	c.cache[cacheKey] = cachedContact{contact: contact, expiresAt: c.now().Add(contactCacheTTL)}
	c.mu.Unlock()
	return contact, nil
}

func (c *Client) findContact(ctx context.Context, integ models.Integration, phone string) (Contact, bool, error) {
	searchURL := accountURL(integ) + "/contacts/search?q=" + url.QueryEscape(phone)
	var resp struct {
		Payload []contactPayload `json:"payload"`
	}
	if err := c.rest.DoJSON(ctx, http.MethodGet, searchURL, integ.InboxToken, nil, &resp); err != nil {
		return Contact{}, false, fmt.Errorf("search contact: %w", err)
	}
	if len(resp.Payload) == 0 {
		return Contact{}, false, nil
	}

	// Search is fuzzy; prefer an exact phone match.
	best := resp.Payload[0]
	for _, p := range resp.Payload {
		if p.PhoneNumber == phone {
			best = p
			break
		}
	}
	if best.ID == 0 {
		return Contact{}, false, nil
	}
	return best.toContact(integ.InboxID), true, nil
}

func (c *Client) createContact(ctx context.Context, integ models.Integration, phone, name string) (Contact, error) {
	if name == "" {
		name = phone
	}
	req := map[string]any{
		"name":         name,
		"phone_number": phone,
		"identifier":   phone,
	}
	if integ.InboxID > 0 {
		req["inbox_id"] = integ.InboxID
	}

	var resp struct {
		Payload struct {
			Contact      contactPayload `json:"contact"`
			ContactInbox struct {
				SourceID string `json:"source_id"`
			} `json:"contact_inbox"`
		} `json:"payload"`
	}
	err := c.rest.DoJSON(ctx, http.MethodPost, accountURL(integ)+"/contacts", integ.InboxToken, req, &resp)
	if err != nil {
		// Lost a creation race with a concurrent webhook.
		var ue *restclient.UpstreamError
		if errors.As(err, &ue) && strings.Contains(ue.Body, "already been taken") {
			if contact, found, serr := c.findContact(ctx, integ, phone); serr == nil && found {
				return contact, nil
			}
		}
		return Contact{}, fmt.Errorf("create contact: %w", err)
	}

	contact := resp.Payload.Contact.toContact(integ.InboxID)
	if contact.ID == 0 {
		return Contact{}, fmt.Errorf("create contact: response has no contact id")
	}
	if s := resp.Payload.ContactInbox.SourceID; s != "" {
		contact.SourceID = s
	}
	slog.Info("inbox contact created",
		"tenant", integ.TenantKey,
		"contact_id", contact.ID,
	)
	return contact, nil
}

// EnsureConversation returns an open or pending conversation for the contact
// in the integration's inbox, creating one if none exists.
func (c *Client) EnsureConversation(ctx context.Context, integ models.Integration, contact Contact) (int64, error) {
	listURL := fmt.Sprintf("%s/contacts/%d/conversations", accountURL(integ), contact.ID)
	var list struct {
		Payload []struct {
			ID      int64  `json:"id"`
			InboxID int64  `json:"inbox_id"`
			Status  string `json:"status"`
		} `json:"payload"`
	}
	if err := c.rest.DoJSON(ctx, http.MethodGet, listURL, integ.InboxToken, nil, &list); err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}
	for _, conv := range list.Payload {
		if conv.InboxID != integ.InboxID {
			continue
		}
		if st := strings.ToLower(conv.Status); st == "open" || st == "pending" {
			return conv.ID, nil
		}
	}

	sourceID := contact.SourceID
	if sourceID == "" {
		sourceID = uuid.NewString()
	}
	req := map[string]any{
		"source_id":  sourceID,
		"inbox_id":   integ.InboxID,
		"contact_id": contact.ID,
		"status":     "open",
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := c.rest.DoJSON(ctx, http.MethodPost, accountURL(integ)+"/conversations", integ.InboxToken, req, &created); err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	if created.ID == 0 {
		return 0, fmt.Errorf("create conversation: response has no id")
	}
	slog.Info("inbox conversation created",
		"tenant", integ.TenantKey,
		"contact_id", contact.ID,
		"conversation_id", created.ID,
	)
	return created.ID, nil
}

// SendMessage posts a text message and returns its id.
func (c *Client) SendMessage(ctx context.Context, integ models.Integration, conversationID int64, msg Message) (int64, error) {
	req := map[string]any{
		"content":      msg.Content,
		"message_type": messageType(msg.MessageType),
		"private":      false,
	}
	if msg.SourceID != "" {
		req["source_id"] = msg.SourceID
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	msgURL := fmt.Sprintf("%s/conversations/%d/messages", accountURL(integ), conversationID)
	if err := c.rest.DoJSON(ctx, http.MethodPost, msgURL, integ.InboxToken, req, &resp); err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// UploadAttachment posts an attachment message (multipart attachments[]).
func (c *Client) UploadAttachment(ctx context.Context, integ models.Integration, conversationID int64, up Upload) (int64, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"content":      up.Content,
		"message_type": messageType(up.MessageType),
		"private":      "false",
	}
	if up.SourceID != "" {
		fields["source_id"] = up.SourceID
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return 0, fmt.Errorf("write field %s: %w", k, err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments[]"; filename="%s"`, strings.ReplaceAll(up.FileName, `"`, "_")))
	if up.MIME != "" {
		h.Set("Content-Type", up.MIME)
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return 0, fmt.Errorf("create attachment part: %w", err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return 0, fmt.Errorf("write attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close multipart: %w", err)
	}

	msgURL := fmt.Sprintf("%s/conversations/%d/messages", accountURL(integ), conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msgURL, &buf)
	if err != nil {
		return 0, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.rest.Do(req, integ.InboxToken, &resp); err != nil {
		return 0, fmt.Errorf("upload attachment: %w", err)
	}
	return resp.ID, nil
}

// CreateInbox provisions an API-channel inbox for an integration. The
// account id and token come from integ; its InboxID is ignored.
func (c *Client) CreateInbox(ctx context.Context, integ models.Integration, name, webhookURL string) (Inbox, error) {
	req := map[string]any{
		"name": name,
		"channel": map[string]any{
			"type":        "api",
			"webhook_url": webhookURL,
		},
	}
	var resp Inbox
	if err := c.rest.DoJSON(ctx, http.MethodPost, accountURL(integ)+"/inboxes", integ.InboxToken, req, &resp); err != nil {
		return Inbox{}, fmt.Errorf("create inbox: %w", err)
	}
	if resp.ID == 0 {
		return Inbox{}, fmt.Errorf("create inbox: response has no id")
	}
	slog.Info("inbox provisioned",
		"tenant", integ.TenantKey,
		"inbox_id", resp.ID,
		"name", resp.Name,
	)
	return resp, nil
}

// EchoSourceID tags a relayed message with its gateway message id.
func EchoSourceID(prefix, providerID string) string {
	if providerID == "" {
		providerID = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return prefix + providerID
}

func messageType(t string) string {
	if t == MessageOutgoing {
		return MessageOutgoing
	}
	return MessageIncoming
}
