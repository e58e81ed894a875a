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

package normalize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/wazwoot/bridge/internal/models"
)

// EventMessageCreated is the only inbox event relayed to the gateway.
const EventMessageCreated = "message_created"

type inboxEvent struct {
	Event       string            `json:"event"`
	ID          int64             `json:"id"`
	MessageType string            `json:"message_type"`
	Private     bool              `json:"private"`
	SourceID    string            `json:"source_id"`
	Content     string            `json:"content"`
	Inbox       inboxRef          `json:"inbox"`
	Convo       inboxConversation `json:"conversation"`
	Attachments []inboxAttachment `json:"attachments"`
}

type inboxRef struct {
	ID int64 `json:"id"`
}

type inboxConversation struct {
	Meta struct {
		Sender struct {
			Name        string `json:"name"`
			PhoneNumber string `json:"phone_number"`
		} `json:"sender"`
	} `json:"meta"`
}

type inboxAttachment struct {
	DataURL       string `json:"data_url"`
	FileType      string `json:"file_type"`
	FallbackTitle string `json:"fallback_title"`
	FileName      string `json:"file_name"`
	FileSize      int64  `json:"file_size"`
}

// Inbox normalizes an inbox webhook event. Only agent-authored, public
// messages that the relay did not create itself qualify.
func Inbox(body []byte, opts Options) (InboxResult, error) {
	var ev inboxEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return InboxResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if ev.Event != EventMessageCreated {
		return InboxResult{Skip: SkipUnhandled}, nil
	}
	if strings.HasPrefix(ev.SourceID, opts.echoPrefix()) {
		return InboxResult{Skip: SkipEcho}, nil
	}
	if ev.MessageType != "outgoing" {
		return InboxResult{Skip: SkipNotOutgoing}, nil
	}
	if ev.Private {
		return InboxResult{Skip: SkipPrivate}, nil
	}

	res := InboxResult{InboxID: ev.Inbox.ID}

	peer, err := NormalizePeer(ev.Convo.Meta.Sender.PhoneNumber, opts.LongPhone)
	if err != nil {
		return res, err
	}

	text := strings.TrimSpace(ev.Content)
	if text == "nil" {
		text = ""
	}

	attachments := make([]models.AttachmentRef, 0, len(ev.Attachments))
	for _, a := range ev.Attachments {
		if a.DataURL == "" {
			continue
		}
		name := firstNonEmpty(a.FallbackTitle, a.FileName)
		attachments = append(attachments, models.AttachmentRef{
			SourceURL:    a.DataURL,
			DeclaredMIME: a.FileType,
			FileName:     InferFileName(name, a.DataURL, a.FileType),
			Size:         a.FileSize,
		})
	}

	if text == "" && len(attachments) == 0 {
		res.Skip = SkipEmpty
		return res, nil
	}

	var id string
	if ev.ID > 0 {
		id = strconv.FormatInt(ev.ID, 10)
	} else if opts.MissingID == IDReject {
		return res, fmt.Errorf("%w: message id missing", ErrIncompletePayload)
	} else {
		slog.Warn("inbox message has no id, relaying without dedup", "inbox_id", ev.Inbox.ID)
	}

	res.Event = &models.RelayEvent{
		ProviderMessageID: id,
		Direction:         models.Outbound,
		OriginIsSelf:      true,
		PeerAddress:       peer.Address,
		PeerSuspicious:    peer.Suspicious,
		DisplayName:       ev.Convo.Meta.Sender.Name,
		Text:              text,
		Attachments:       attachments,
		ReceivedAt:        opts.now(),
	}
	return res, nil
}
