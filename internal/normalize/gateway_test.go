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
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/wazwoot/bridge/internal/models"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testOpts() Options {
	return Options{LongPhone: PhoneForward, MissingID: IDRelay, Now: func() time.Time { return fixedNow }}
}

// messageBody builds a gateway Message webhook.
func messageBody(t *testing.T, info map[string]any, message map[string]any, extra map[string]any) []byte {
	t.Helper()
	payload := map[string]any{
		"type":  "Message",
		"event": map[string]any{"Info": info, "Message": message},
	}
	for k, v := range extra {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func incomingInfo(id string) map[string]any {
	return map[string]any{
		"ID":       id,
		"IsFromMe": false,
		"IsGroup":  false,
		"Chat":     "5511999988881@s.whatsapp.net",
		"Sender":   "5511999988881:7@s.whatsapp.net",
		"PushName": "Maria",
	}
}

func TestGateway_TextMessage(t *testing.T) {
	body := messageBody(t, incomingInfo("ABC1"), map[string]any{"conversation": "hello"}, nil)

	res, err := Gateway(body, testOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Skip != "" {
		t.Fatalf("unexpected skip %q", res.Skip)
	}
	ev := res.Event
	if ev.ProviderMessageID != "ABC1" {
		t.Errorf("ProviderMessageID = %q", ev.ProviderMessageID)
	}
	if ev.PeerAddress != "5511999988881" {
		t.Errorf("PeerAddress = %q, want device and domain suffix stripped", ev.PeerAddress)
	}
	if ev.Text != "hello" || ev.DisplayName != "Maria" {
		t.Errorf("Text = %q, DisplayName = %q", ev.Text, ev.DisplayName)
	}
	if ev.Direction != models.Inbound || ev.OriginIsSelf {
		t.Errorf("Direction = %q, OriginIsSelf = %v", ev.Direction, ev.OriginIsSelf)
	}
	if !ev.ReceivedAt.Equal(fixedNow) {
		t.Errorf("ReceivedAt = %s, want injected clock", ev.ReceivedAt)
	}
}

func TestGateway_FromSelfUsesChat(t *testing.T) {
	info := incomingInfo("ME1")
	info["IsFromMe"] = true
	info["Chat"] = "5521988887777@s.whatsapp.net"
	info["Sender"] = "5511000000000@s.whatsapp.net"

	res, err := Gateway(messageBody(t, info, map[string]any{"extendedTextMessage": map[string]any{"text": "sent from phone"}}, nil), testOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Event.PeerAddress != "5521988887777" {
		t.Errorf("PeerAddress = %q, want chat address", res.Event.PeerAddress)
	}
	if !res.Event.OriginIsSelf || res.Event.Text != "sent from phone" {
		t.Errorf("event = %+v", res.Event)
	}
}

func TestGateway_GroupNeverForwarded(t *testing.T) {
	messages := []map[string]any{
		{"conversation": "hi all"},
		{"imageMessage": map[string]any{"caption": "pic"}},
		{"audioMessage": map[string]any{}},
		{"documentMessage": map[string]any{"caption": "doc"}},
	}
	for _, msg := range messages {
		info := incomingInfo("G1")
		info["IsGroup"] = true
		res, err := Gateway(messageBody(t, info, msg, map[string]any{"s3": map[string]any{"url": "https://s3/x.jpg"}}), testOpts())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Event != nil || res.Skip != SkipGroup {
			t.Errorf("group message %v: skip = %q, event = %+v", msg, res.Skip, res.Event)
		}
	}
}

func TestGateway_EmptyDroppedAttachmentOnlyRelayed(t *testing.T) {
	res, err := Gateway(messageBody(t, incomingInfo("E1"), map[string]any{}, nil), testOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Skip != SkipEmpty {
		t.Errorf("empty message skip = %q, want %q", res.Skip, SkipEmpty)
	}

	extra := map[string]any{"s3": map[string]any{
		"url":      "https://minio.local/bucket/ABC/photo%20one.jpg",
		"mimeType": "image/jpeg",
		"size":     2048,
	}}
	res, err = Gateway(messageBody(t, incomingInfo("E2"), map[string]any{}, extra), testOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Event == nil {
		t.Fatalf("attachment-only message skipped: %q", res.Skip)
	}
	if len(res.Event.Attachments) != 1 {
		t.Fatalf("got %d attachments", len(res.Event.Attachments))
	}
	att := res.Event.Attachments[0]
	if att.FileName != "photo one.jpg" || att.DeclaredMIME != "image/jpeg" || att.Size != 2048 {
		t.Errorf("attachment = %+v", att)
	}
}

func TestGateway_InlineMedia(t *testing.T) {
	extra := map[string]any{"base64": "aGVsbG8=", "mimeType": "audio/ogg; codecs=opus"}
	res, err := Gateway(messageBody(t, incomingInfo("IN1"), map[string]any{"audioMessage": map[string]any{}}, extra), testOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	att := res.Event.Attachments[0]
	if att.InlineData != "aGVsbG8=" || att.FileName != "audio.ogg" {
		t.Errorf("attachment = %+v", att)
	}
	if res.Event.MediaKind != "audio" {
		t.Errorf("MediaKind = %q", res.Event.MediaKind)
	}
}

func TestGateway_MediaWithoutAttachment(t *testing.T) {
	res, err := Gateway(messageBody(t, incomingInfo("S1"), map[string]any{"stickerMessage": map[string]any{}}, nil), testOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Event == nil || res.Event.MediaKind != "sticker" {
		t.Fatalf("sticker without media not relayed: %+v", res)
	}
}

func TestGateway_CaptionPrecedence(t *testing.T) {
	msg := map[string]any{
		"videoMessage":    map[string]any{"caption": "video caption"},
		"documentMessage": map[string]any{"caption": "doc caption"},
	}
	res, err := Gateway(messageBody(t, incomingInfo("C1"), msg, nil), testOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Event.Caption != "video caption" {
		t.Errorf("Caption = %q", res.Event.Caption)
	}
}

func TestGateway_EmptyEchoDropped(t *testing.T) {
	info := incomingInfo("ECHO")
	info["IsFromMe"] = true
	res, err := Gateway(messageBody(t, info, map[string]any{"protocolMessage": map[string]any{"type": 0}}, nil), testOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Skip != SkipEmptyEcho {
		t.Errorf("skip = %q, want %q", res.Skip, SkipEmptyEcho)
	}
}

func TestGateway_LegacyWrapper(t *testing.T) {
	inner := messageBody(t, incomingInfo("LEG1"), map[string]any{"conversation": "legacy"}, nil)
	wrapped, _ := json.Marshal(map[string]string{"jsonData": string(inner)})

	res, err := Gateway(wrapped, testOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Event == nil || res.Event.Text != "legacy" {
		t.Fatalf("legacy wrapper not unwrapped: %+v", res)
	}

	form := url.Values{"jsonData": {string(inner)}, "instanceName": {"shop"}}
	res, err = Gateway([]byte(form.Encode()), testOpts())
	if err != nil {
		t.Fatalf("form body: unexpected error: %v", err)
	}
	if res.Event == nil || res.Event.ProviderMessageID != "LEG1" {
		t.Fatalf("form wrapper not unwrapped: %+v", res)
	}
}

func TestGateway_Errors(t *testing.T) {
	shortPhone := incomingInfo("P1")
	shortPhone["Sender"] = "123456789@s.whatsapp.net"
	noPhone := incomingInfo("P2")
	noPhone["Sender"] = ""
	noPhone["Chat"] = ""

	tests := []struct {
		name string
		body []byte
		want error
	}{
		{"malformed jsonData", []byte(`{"jsonData":"{not json"}`), ErrInvalidPayload},
		{"no type or wrapper", []byte(`{"foo":"bar"}`), ErrInvalidPayload},
		{"not json", []byte(`<xml/>`), ErrInvalidPayload},
		{"missing info", []byte(`{"type":"Message","event":{"Message":{"conversation":"x"}}}`), ErrIncompletePayload},
		{"missing message", []byte(`{"type":"Message","event":{"Info":{"ID":"x"}}}`), ErrIncompletePayload},
		{"nine digit phone", messageBody(t, shortPhone, map[string]any{"conversation": "x"}, nil), ErrInvalidPhone},
		{"no phone", messageBody(t, noPhone, map[string]any{"conversation": "x"}, nil), ErrMissingPhone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Gateway(tt.body, testOpts())
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGateway_NonMessageTypes(t *testing.T) {
	res, err := Gateway([]byte(`{"type":"Receipt","event":{"Type":"read","MessageIDs":["a","b"]}}`), testOpts())
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if res.Skip != SkipReceipt || res.Receipt == nil || res.Receipt.Type != "read" || len(res.Receipt.MessageIDs) != 2 {
		t.Errorf("receipt result = %+v", res)
	}

	res, _ = Gateway([]byte(`{"type":"Picture","event":{}}`), testOpts())
	if res.Skip != SkipPicture {
		t.Errorf("picture skip = %q", res.Skip)
	}

	res, _ = Gateway([]byte(`{"type":"ChatPresence","event":{}}`), testOpts())
	if res.Skip != SkipUnhandled {
		t.Errorf("unknown type skip = %q", res.Skip)
	}
}

func TestGateway_MissingIDPolicy(t *testing.T) {
	body := messageBody(t, incomingInfo(""), map[string]any{"conversation": "no id"}, nil)

	res, err := Gateway(body, testOpts())
	if err != nil || res.Event == nil || res.Event.ProviderMessageID != "" {
		t.Fatalf("relay policy: res = %+v, err = %v", res, err)
	}

	opts := testOpts()
	opts.MissingID = IDReject
	if _, err := Gateway(body, opts); !errors.Is(err, ErrIncompletePayload) {
		t.Errorf("reject policy: err = %v", err)
	}
}
