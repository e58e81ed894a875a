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
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/wazwoot/bridge/internal/media"
	"github.com/wazwoot/bridge/internal/models"
)

// Gateway event type tags.
const (
	TypeMessage = "Message"
	TypeReceipt = "Receipt"
	TypePicture = "Picture"
)

// gatewayPayload is the typed webhook body. The same object also arrives
// string-encoded under jsonData from older gateway builds.
type gatewayPayload struct {
	Type     string          `json:"type"`
	Event    json.RawMessage `json:"event"`
	S3       *s3Object       `json:"s3"`
	Base64   string          `json:"base64"`
	MimeType string          `json:"mimeType"`
	FileName string          `json:"fileName"`
	JSONData json.RawMessage `json:"jsonData"`
}

type s3Object struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
}

type messageEvent struct {
	Info    *messageInfo `json:"Info"`
	Message *waMessage   `json:"Message"`
}

type messageInfo struct {
	ID        string `json:"ID"`
	IsFromMe  bool   `json:"IsFromMe"`
	IsGroup   bool   `json:"IsGroup"`
	Chat      string `json:"Chat"`
	Sender    string `json:"Sender"`
	PushName  string `json:"PushName"`
	Timestamp string `json:"Timestamp"`
}

type waMessage struct {
	Conversation        string        `json:"conversation"`
	ExtendedTextMessage *extendedText `json:"extendedTextMessage"`
	ImageMessage        *mediaMessage `json:"imageMessage"`
	VideoMessage        *mediaMessage `json:"videoMessage"`
	AudioMessage        *mediaMessage `json:"audioMessage"`
	DocumentMessage     *mediaMessage `json:"documentMessage"`
	StickerMessage      *mediaMessage `json:"stickerMessage"`
}

type extendedText struct {
	Text string `json:"text"`
}

type mediaMessage struct {
	Caption  string `json:"caption"`
	Mimetype string `json:"mimetype"`
	FileName string `json:"fileName"`
}

type receiptEvent struct {
	Type       string   `json:"Type"`
	MessageIDs []string `json:"MessageIDs"`
}

// Gateway normalizes a gateway webhook body.
func Gateway(body []byte, opts Options) (Result, error) {
	payload, err := unwrapGateway(body)
	if err != nil {
		return Result{}, err
	}

	switch payload.Type {
	case TypeMessage:
		return gatewayMessage(payload, opts)
	case TypeReceipt:
		var rc receiptEvent
		if len(payload.Event) > 0 {
			if err := json.Unmarshal(payload.Event, &rc); err != nil {
				return Result{}, fmt.Errorf("%w: receipt: %v", ErrInvalidPayload, err)
			}
		}
		return Result{
			Skip:    SkipReceipt,
			Receipt: &Receipt{Type: rc.Type, MessageIDs: rc.MessageIDs},
		}, nil
	case TypePicture:
		return Result{Skip: SkipPicture}, nil
	default:
		return Result{Skip: SkipUnhandled}, nil
	}
}

// unwrapGateway accepts a typed JSON object, a {"jsonData": "<json>"}
// wrapper, or a form-encoded body carrying jsonData.
func unwrapGateway(body []byte) (*gatewayPayload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}

	var outer gatewayPayload
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &outer); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	} else {
		form, err := url.ParseQuery(string(trimmed))
		if err != nil || !form.Has("jsonData") {
			return nil, fmt.Errorf("%w: unrecognized webhook format", ErrInvalidPayload)
		}
		outer.JSONData, _ = json.Marshal(form.Get("jsonData"))
	}

	if outer.Type != "" {
		return &outer, nil
	}
	if len(outer.JSONData) == 0 || string(outer.JSONData) == "null" {
		return nil, fmt.Errorf("%w: unrecognized webhook format", ErrInvalidPayload)
	}

	// jsonData is normally a string holding JSON; tolerate an embedded object.
	inner := []byte(outer.JSONData)
	var encoded string
	if err := json.Unmarshal(outer.JSONData, &encoded); err == nil {
		inner = []byte(encoded)
	}

	var payload gatewayPayload
	if err := json.Unmarshal(inner, &payload); err != nil {
		return nil, fmt.Errorf("%w: jsonData: %v", ErrInvalidPayload, err)
	}
	return &payload, nil
}

func gatewayMessage(payload *gatewayPayload, opts Options) (Result, error) {
	var evt messageEvent
	if len(payload.Event) > 0 {
		if err := json.Unmarshal(payload.Event, &evt); err != nil {
			return Result{}, fmt.Errorf("%w: event: %v", ErrInvalidPayload, err)
		}
	}
	if evt.Info == nil || evt.Message == nil {
		return Result{}, ErrIncompletePayload
	}
	info, msg := evt.Info, evt.Message

	if info.IsGroup {
		return Result{Skip: SkipGroup}, nil
	}

	if info.ID == "" {
		if opts.MissingID == IDReject {
			return Result{}, fmt.Errorf("%w: message id missing", ErrIncompletePayload)
		}
		slog.Warn("gateway message has no id, relaying without dedup")
	}

	rawPeer := info.Sender
	if info.IsFromMe || rawPeer == "" {
		rawPeer = info.Chat
	}
	peer, err := NormalizePeer(rawPeer, opts.LongPhone)
	if err != nil {
		return Result{}, err
	}

	text := msg.Conversation
	if text == "" && msg.ExtendedTextMessage != nil {
		text = msg.ExtendedTextMessage.Text
	}
	caption := firstCaption(msg.ImageMessage, msg.VideoMessage, msg.DocumentMessage)
	kind, sub := mediaKind(msg)

	var attachments []models.AttachmentRef
	switch {
	case payload.S3 != nil && payload.S3.URL != "":
		mime := firstNonEmpty(payload.S3.MimeType, sub.mimetype())
		attachments = append(attachments, models.AttachmentRef{
			SourceURL:    payload.S3.URL,
			DeclaredMIME: mime,
			FileName:     InferFileName(firstNonEmpty(payload.S3.FileName, sub.fileName()), payload.S3.URL, mime),
			Size:         payload.S3.Size,
		})
	case payload.Base64 != "":
		mime := firstNonEmpty(payload.MimeType, sub.mimetype())
		attachments = append(attachments, models.AttachmentRef{
			InlineData:   payload.Base64,
			DeclaredMIME: mime,
			FileName:     InferFileName(firstNonEmpty(payload.FileName, sub.fileName()), "", mime),
		})
	}

	// Edits and deletions from the linked phone surface as empty echoes.
	if info.IsFromMe && text == "" && caption == "" && len(attachments) == 0 {
		return Result{Skip: SkipEmptyEcho}, nil
	}

	event := &models.RelayEvent{
		ProviderMessageID: info.ID,
		Direction:         models.Inbound,
		OriginIsSelf:      info.IsFromMe,
		IsGroup:           info.IsGroup,
		PeerAddress:       peer.Address,
		PeerSuspicious:    peer.Suspicious,
		DisplayName:       strings.TrimSpace(info.PushName),
		Text:              text,
		Caption:           caption,
		MediaKind:         kind,
		Attachments:       attachments,
		ReceivedAt:        parseTimestamp(info.Timestamp, opts),
	}
	if event.DisplayName == "" {
		event.DisplayName = peer.Address
	}
	if !event.HasContent() {
		return Result{Skip: SkipEmpty}, nil
	}
	return Result{Event: event}, nil
}

// mediaKind reports which media sub-message is present, if any.
func mediaKind(msg *waMessage) (string, *mediaMessage) {
	switch {
	case msg.ImageMessage != nil:
		return media.KindImage, msg.ImageMessage
	case msg.VideoMessage != nil:
		return media.KindVideo, msg.VideoMessage
	case msg.AudioMessage != nil:
		return media.KindAudio, msg.AudioMessage
	case msg.DocumentMessage != nil:
		return media.KindDocument, msg.DocumentMessage
	case msg.StickerMessage != nil:
		return media.KindSticker, msg.StickerMessage
	}
	return "", nil
}

func (m *mediaMessage) mimetype() string {
	if m == nil {
		return ""
	}
	return m.Mimetype
}

func (m *mediaMessage) fileName() string {
	if m == nil {
		return ""
	}
	return m.FileName
}

func firstCaption(msgs ...*mediaMessage) string {
	for _, m := range msgs {
		if m != nil && m.Caption != "" {
			return m.Caption
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseTimestamp(raw string, opts Options) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts
		}
	}
	return opts.now()
}
